// Package server streams run progress over WebSocket and serves the live
// status of every run over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"message-macro/internal/config"
	"message-macro/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const sendBuffer = 64

// Message is the envelope written to WebSocket subscribers.
type Message struct {
	Type      string                 `json:"type"` // "iteration" or "result"
	Iteration *models.IterationEvent `json:"iteration,omitempty"`
	Result    *models.RunSummary     `json:"result,omitempty"`
}

type subscriber struct {
	scenario string // empty for all scenarios
	send     chan []byte
}

type Server struct {
	server      *http.Server
	upgrader    websocket.Upgrader
	runs        map[string]*models.RunStatus
	subscribers map[*subscriber]struct{}
	config      config.ServerConfig
	logger      *logrus.Logger
	mutex       sync.RWMutex
}

func NewServer(cfg config.ServerConfig, logger *logrus.Logger) *Server {
	s := &Server{
		runs:        make(map[string]*models.RunStatus),
		subscribers: make(map[*subscriber]struct{}),
		config:      cfg,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.Handler(),
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/", s.handleStatus)
	return mux
}

// Start serves until ctx is done or Stop is called. Once stopped, the server
// cannot be started again.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Starting progress server on %s", s.server.Addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down server...")
		s.server.Close()
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop() {
	s.logger.Info("Stopping progress server")
	s.server.Close()
}

// Track registers a scenario before its first iteration so that it shows
// up in the status endpoint right away.
func (s *Server) Track(scenario string) {
	s.status(scenario)
}

func (s *Server) OnIteration(ev models.IterationEvent) {
	s.status(ev.Scenario).Update(ev)
	s.broadcast(ev.Scenario, Message{Type: "iteration", Iteration: &ev})
}

func (s *Server) OnFinish(summary models.RunSummary) {
	s.status(summary.Scenario).Finish(summary)
	s.broadcast(summary.Scenario, Message{Type: "result", Result: &summary})
}

// GetRuns returns the status of every tracked run, ordered by scenario.
func (s *Server) GetRuns() []map[string]interface{} {
	s.mutex.RLock()
	names := make([]string, 0, len(s.runs))
	for name := range s.runs {
		names = append(names, name)
	}
	s.mutex.RUnlock()
	sort.Strings(names)

	result := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		result = append(result, s.status(name).Snapshot())
	}
	return result
}

func (s *Server) status(scenario string) *models.RunStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rs, exists := s.runs[scenario]
	if !exists {
		rs = models.NewRunStatus(scenario, "")
		s.runs[scenario] = rs
	}
	return rs
}

func (s *Server) subscriberCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.subscribers)
}

func (s *Server) broadcast(scenario string, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorf("Failed to encode progress message: %v", err)
		return
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for sub := range s.subscribers {
		if sub.scenario != "" && sub.scenario != scenario {
			continue
		}
		select {
		case sub.send <- payload:
		default:
			s.logger.Warnf("Subscriber too slow, dropping %s message for %s", msg.Type, scenario)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	scenario := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/status"), "/")

	var body interface{}
	if scenario == "" {
		body = s.GetRuns()
	} else {
		s.mutex.RLock()
		rs, exists := s.runs[scenario]
		s.mutex.RUnlock()
		if !exists {
			http.Error(w, fmt.Sprintf("scenario %s not found", scenario), http.StatusNotFound)
			return
		}
		body = rs.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorf("Failed to write status: %v", err)
	}
}

// handleWebSocket streams progress of /ws/<scenario>, or of every scenario
// on /ws/.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	scenario := r.URL.Path[len("/ws/"):]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{scenario: scenario, send: make(chan []byte, sendBuffer)}
	s.mutex.Lock()
	s.subscribers[sub] = struct{}{}
	s.mutex.Unlock()
	s.logger.Infof("Progress subscriber connected (scenario=%q)", scenario)

	defer func() {
		s.mutex.Lock()
		delete(s.subscribers, sub)
		s.mutex.Unlock()
		s.logger.Infof("Progress subscriber disconnected (scenario=%q)", scenario)
	}()

	// reads only detect the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload := <-sub.send:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Errorf("Write message error for subscriber: %v", err)
				return
			}
		case <-r.Context().Done():
			return
		case <-closed:
			return
		}
	}
}
