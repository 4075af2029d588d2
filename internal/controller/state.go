package controller

// State is a node of the outer-loop state machine:
//
//	Init -> SolvingEnergy -> SolvingMacro -> [Calibrating] -> Limiting -> CheckConvergence
//	CheckConvergence -> Iterating | Converged | BudgetExhausted | NonConvergent
//	any solve -> Failed;  Iterating -> Cancelled
type State int

const (
	Init State = iota
	SolvingEnergy
	SolvingMacro
	Calibrating
	Limiting
	CheckConvergence
	Iterating
	Converged
	BudgetExhausted
	NonConvergent
	Failed
	Cancelled
)

var stateNames = map[State]string{
	Init:             "Init",
	SolvingEnergy:    "SolvingEnergy",
	SolvingMacro:     "SolvingMacro",
	Calibrating:      "Calibrating",
	Limiting:         "Limiting",
	CheckConvergence: "CheckConvergence",
	Iterating:        "Iterating",
	Converged:        "Converged",
	BudgetExhausted:  "BudgetExhausted",
	NonConvergent:    "NonConvergent",
	Failed:           "Failed",
	Cancelled:        "Cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

func (s State) Terminal() bool {
	switch s {
	case Converged, BudgetExhausted, NonConvergent, Failed, Cancelled:
		return true
	default:
		return false
	}
}
