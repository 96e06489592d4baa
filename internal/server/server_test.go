package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/broadcast"
	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/metrics"
	"conductor/internal/orchestrator"
	"conductor/internal/registry"
	"conductor/internal/rl"
	"conductor/internal/task"
	"conductor/internal/workspace"
)

type harness struct {
	server  *Server
	deps    Deps
	httpSrv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New(logging.Nop())
	reg := registry.New(b, nil, logging.Nop())
	require.NoError(t, reg.Load([]config.AgentConfig{{
		ID:          "codex",
		DisplayName: "Codex",
		Provider:    config.ProviderOpenAICompatible,
		Model:       "gpt-4o",
	}}))

	store, err := memory.Open(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	exec, err := workspace.NewExecutor(t.TempDir(), b, logging.Nop())
	require.NoError(t, err)

	scorer := rl.NewScorer()
	tasks := task.NewManager(b, logging.Nop())
	orch := orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Tasks:    tasks,
		Scorer:   scorer,
		Memory:   store,
		Executor: exec,
		Bus:      b,
		Logger:   logging.Nop(),
	}, orchestrator.Options{})

	bc := broadcast.New(broadcast.Sources{
		Registry: reg,
		Tasks:    tasks,
		Scorer:   scorer,
		Memory:   store,
		Bus:      b,
	}, logging.Nop())

	deps := Deps{
		Registry:     reg,
		Tasks:        tasks,
		Orchestrator: orch,
		Broadcaster:  bc,
		Bus:          b,
		Metrics:      metrics.New(),
		Logger:       logging.Nop(),
	}
	s := New(deps)
	httpSrv := httptest.NewServer(s.engine)
	t.Cleanup(httpSrv.Close)
	return &harness{server: s, deps: deps, httpSrv: httpSrv}
}

func (h *harness) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(envelope{Type: msgType, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func readFrame(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	resp, err := http.Get(h.httpSrv.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Agents map[string]string `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "idle", body.Agents["codex"])
}

func TestStateEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.deps.Tasks.Create(task.CreateRequest{Title: "add docs"})
	require.NoError(t, err)

	resp, err := http.Get(h.httpSrv.URL + "/api/state")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap broadcast.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Len(t, snap.Agents, 1)
	assert.Len(t, snap.Tasks, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	resp, err := http.Get(h.httpSrv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSGreetsWithFullState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dialWS(t)

	env := readFrame(t, ws)
	assert.Equal(t, typeStateFull, env.Type)

	var snap broadcast.Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.Len(t, snap.Agents, 1)
}

func TestWSCreateTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dialWS(t)
	readFrame(t, ws) // greeting

	send(t, ws, cmdCreateTask, map[string]any{
		"title":       "add docs",
		"description": "document the api",
		"priority":    "high",
	})

	require.Eventually(t, func() bool {
		return len(h.deps.Tasks.List()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	created := h.deps.Tasks.List()[0]
	assert.Equal(t, "add docs", created.Title)
	assert.Equal(t, task.PriorityHigh, created.Priority)
	assert.Equal(t, task.PreferAuto, created.PreferredAgentID)
}

func TestWSCreateTaskMultiAssign(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dialWS(t)
	readFrame(t, ws)

	send(t, ws, cmdCreateTask, map[string]any{
		"title":    "compare answers",
		"agentIds": []string{"codex", "gemini", "claude"},
	})

	require.Eventually(t, func() bool {
		return len(h.deps.Tasks.List()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	preferred := map[string]bool{}
	for _, lt := range h.deps.Tasks.List() {
		assert.Equal(t, "compare answers", lt.Title)
		preferred[lt.PreferredAgentID] = true
	}
	assert.Len(t, preferred, 3)
}

func TestWSAddAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dialWS(t)
	readFrame(t, ws)

	send(t, ws, cmdAddAgent, map[string]any{
		"id":          "gemini",
		"displayName": "Gemini",
		"provider":    "gemini",
		"model":       "gemini-2.0-flash",
	})

	require.Eventually(t, func() bool {
		_, ok := h.deps.Registry.Get("gemini")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSToggleAutoApprove(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dialWS(t)
	readFrame(t, ws)

	require.False(t, h.deps.Tasks.AutoApprove())
	send(t, ws, cmdToggleAutoApprove, map[string]any{})

	require.Eventually(t, func() bool {
		return h.deps.Tasks.AutoApprove()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSRejectTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	created, err := h.deps.Tasks.Create(task.CreateRequest{Title: "risky rework"})
	require.NoError(t, err)
	require.NoError(t, h.deps.Tasks.Activate(created.ID, "codex"))
	require.NoError(t, h.deps.Tasks.MarkReview(created.ID, &task.Result{Success: true}))

	ws := h.dialWS(t)
	readFrame(t, ws)
	send(t, ws, cmdRejectTask, map[string]any{"taskId": created.ID})

	require.Eventually(t, func() bool {
		got, _ := h.deps.Tasks.Get(created.ID)
		return got.Status == task.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSUnknownCommandYieldsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dialWS(t)
	readFrame(t, ws)

	send(t, ws, "command:selfDestruct", map[string]any{})
	env := readFrame(t, ws)
	assert.Equal(t, typeError, env.Type)
	assert.Contains(t, string(env.Payload), "unknown command")
}
