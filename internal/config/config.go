package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Run         RunConfig         `mapstructure:"run"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Solver      SolverConfig      `mapstructure:"solver"`
	Store       StoreConfig       `mapstructure:"store"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

type RunConfig struct {
	MaxIterations          int     `mapstructure:"max_iterations"`
	ConvergenceMode        string  `mapstructure:"convergence_mode"`
	ConvergenceThreshold   float64 `mapstructure:"convergence_threshold"`
	Limiter                string  `mapstructure:"limiter"`
	DemandResponseCap      float64 `mapstructure:"demand_response_cap"`
	DemandResponseCapFloor float64 `mapstructure:"demand_response_cap_floor"`
	CapShrinkFactor        float64 `mapstructure:"cap_shrink_factor"`
	Workers                int     `mapstructure:"workers"`
}

type CalibrationConfig struct {
	Tolerance        float64 `mapstructure:"tolerance"`
	DivergenceWindow int     `mapstructure:"divergence_window"`
	MaxSubIterations int     `mapstructure:"max_sub_iterations"`
	Persist          bool    `mapstructure:"persist"`
}

type SolverConfig struct {
	Energy  SolverBackend `mapstructure:"energy"`
	Macro   SolverBackend `mapstructure:"macro"`
	WorkDir string        `mapstructure:"work_dir"`
}

type SolverBackend struct {
	Kind    string        `mapstructure:"kind"`
	Command []string      `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Prefix   string `mapstructure:"prefix"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.max_iterations", 50)
	v.SetDefault("run.convergence_mode", "threshold")
	v.SetDefault("run.convergence_threshold", 0.01)
	v.SetDefault("run.limiter", "capped")
	v.SetDefault("run.demand_response_cap", 0.15)
	v.SetDefault("run.demand_response_cap_floor", 0.01)
	v.SetDefault("run.cap_shrink_factor", 0.5)
	v.SetDefault("run.workers", 4)

	v.SetDefault("calibration.tolerance", 1e-5)
	v.SetDefault("calibration.divergence_window", 3)
	v.SetDefault("calibration.max_sub_iterations", 50)
	v.SetDefault("calibration.persist", false)

	v.SetDefault("solver.energy.kind", "synthetic")
	v.SetDefault("solver.energy.timeout", 2*time.Hour)
	v.SetDefault("solver.macro.kind", "contraction")
	v.SetDefault("solver.macro.timeout", 30*time.Minute)
	v.SetDefault("solver.work_dir", os.TempDir())

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "./scenarios")
	v.SetDefault("store.database", "message_macro")

	v.SetDefault("mqtt.client_id", "message-macro")
	v.SetDefault("mqtt.prefix", "message-macro")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")

	v.SetDefault("log.level", "info")
}

// Load reads config.yaml from the given path, or from "." and "./config"
// when path is empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.MQTT.Broker == "" {
		config.MQTT.Broker = os.Getenv("MQTT_BROKER")
	}
	if config.MQTT.Username == "" {
		config.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if config.MQTT.Password == "" {
		config.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	r := c.Run
	if r.MaxIterations <= 0 {
		return fmt.Errorf("run.max_iterations must be positive, got %d", r.MaxIterations)
	}
	switch r.ConvergenceMode {
	case "threshold", "fixed":
	default:
		return fmt.Errorf("run.convergence_mode must be threshold or fixed, got %q", r.ConvergenceMode)
	}
	if r.ConvergenceThreshold <= 0 {
		return fmt.Errorf("run.convergence_threshold must be positive, got %g", r.ConvergenceThreshold)
	}
	if r.DemandResponseCap <= 0 {
		return fmt.Errorf("run.demand_response_cap must be positive, got %g", r.DemandResponseCap)
	}
	if r.DemandResponseCapFloor <= 0 || r.DemandResponseCapFloor > r.DemandResponseCap {
		return fmt.Errorf("run.demand_response_cap_floor must be in (0, %g], got %g", r.DemandResponseCap, r.DemandResponseCapFloor)
	}
	if r.CapShrinkFactor <= 0 || r.CapShrinkFactor >= 1 {
		return fmt.Errorf("run.cap_shrink_factor must be in (0, 1), got %g", r.CapShrinkFactor)
	}
	if r.Workers <= 0 {
		return fmt.Errorf("run.workers must be positive, got %d", r.Workers)
	}
	if c.Calibration.Tolerance <= 0 {
		return fmt.Errorf("calibration.tolerance must be positive, got %g", c.Calibration.Tolerance)
	}
	if c.Calibration.DivergenceWindow < 1 {
		return fmt.Errorf("calibration.divergence_window must be at least 1, got %d", c.Calibration.DivergenceWindow)
	}
	if c.Calibration.MaxSubIterations < 1 {
		return fmt.Errorf("calibration.max_sub_iterations must be at least 1, got %d", c.Calibration.MaxSubIterations)
	}
	return nil
}
