package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"message-macro/internal/config"
	"message-macro/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer() *Server {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, logger)
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestWebSocket_StreamsScenarioProgress(t *testing.T) {
	s := newServer()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts, "/ws/baseline")
	defer conn.Close()
	require.Eventually(t, func() bool { return s.subscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	s.OnIteration(models.IterationEvent{Scenario: "other", Iteration: 1})
	s.OnIteration(models.IterationEvent{Scenario: "baseline", Iteration: 2, Metric: 0.05, State: "Iterating"})
	s.OnFinish(models.RunSummary{Scenario: "baseline", Status: "Converged", Converged: true, Iterations: 5})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "iteration", first.Type)
	require.NotNil(t, first.Iteration)
	assert.Equal(t, "baseline", first.Iteration.Scenario)
	assert.Equal(t, 2, first.Iteration.Iteration)

	var second Message
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "result", second.Type)
	require.NotNil(t, second.Result)
	assert.True(t, second.Result.Converged)
}

func TestWebSocket_AllScenarios(t *testing.T) {
	s := newServer()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts, "/ws/")
	defer conn.Close()
	require.Eventually(t, func() bool { return s.subscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	s.OnIteration(models.IterationEvent{Scenario: "a", Iteration: 1})
	s.OnIteration(models.IterationEvent{Scenario: "b", Iteration: 1})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var scenarios []string
	for i := 0; i < 2; i++ {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		scenarios = append(scenarios, msg.Iteration.Scenario)
	}
	assert.Equal(t, []string{"a", "b"}, scenarios)
}

func TestWebSocket_UnregistersOnClose(t *testing.T) {
	s := newServer()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts, "/ws/baseline")
	require.Eventually(t, func() bool { return s.subscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return s.subscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStatus(t *testing.T) {
	s := newServer()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	s.Track("stringent")
	s.OnIteration(models.IterationEvent{RunID: "run-1", Scenario: "baseline", Iteration: 3, Metric: 0.02, State: "Iterating"})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "baseline", runs[0]["scenario"])
	assert.Equal(t, float64(3), runs[0]["iteration"])
	assert.Equal(t, "Init", runs[1]["state"])

	one, err := http.Get(ts.URL + "/status/baseline")
	require.NoError(t, err)
	defer one.Body.Close()
	var run map[string]interface{}
	require.NoError(t, json.NewDecoder(one.Body).Decode(&run))
	assert.Equal(t, "run-1", run["run_id"])
	assert.Equal(t, false, run["finished"])

	missing, err := http.Get(ts.URL + "/status/unknown")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestOnFinish_MarksRunFinished(t *testing.T) {
	s := newServer()
	s.OnFinish(models.RunSummary{Scenario: "baseline", Status: "NonConvergent", Iterations: 11})

	runs := s.GetRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, true, runs[0]["finished"])
	assert.Equal(t, "NonConvergent", runs[0]["state"])
	assert.Equal(t, false, runs[0]["converged"])
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := newServer()
	s.Stop()

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		s.Stop()
		t.Fatal("Start kept serving after Stop")
	}
}

func TestServer_StopEndsStart(t *testing.T) {
	s := newServer()

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		s.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
