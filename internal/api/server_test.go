package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/routine-core/internal/audit"
	"github.com/nerrad567/routine-core/internal/auth"
	"github.com/nerrad567/routine-core/internal/dal"
	"github.com/nerrad567/routine-core/internal/device"
	"github.com/nerrad567/routine-core/internal/engine"
	"github.com/nerrad567/routine-core/internal/infrastructure/config"
	"github.com/nerrad567/routine-core/internal/infrastructure/logging"
	"github.com/nerrad567/routine-core/internal/routine"
	"github.com/nerrad567/routine-core/internal/routines"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	testIssuer = "routinecore"
)

// ─── Mock Dependencies ───────────────────────────────────────────

type mockEngine struct {
	mu         sync.Mutex
	status     engine.Status
	logs       []engine.LogEntry
	runs       []engine.Run
	startErr   error
	controlErr error
	started    []string
	lastParams map[string]any
	controls   []string
}

func (m *mockEngine) Status() engine.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockEngine) RecentLogs(n int) []engine.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.logs) {
		n = len(m.logs)
	}
	return append([]engine.LogEntry(nil), m.logs[len(m.logs)-n:]...)
}

func (m *mockEngine) ListRuns(_ context.Context, limit int) ([]engine.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.runs) {
		limit = len(m.runs)
	}
	return append([]engine.Run(nil), m.runs[:limit]...), nil
}

func (m *mockEngine) GetRun(_ context.Context, id string) (*engine.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			r := m.runs[i]
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, id)
}

func (m *mockEngine) LoadAndStartID(_ context.Context, id string, overrides map[string]any) (engine.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, id)
	m.lastParams = overrides
	if m.startErr != nil {
		return engine.Run{}, m.startErr
	}
	run := engine.Run{ID: "run-1", RoutineID: id, Status: engine.RunRunning}
	m.status = engine.Status{State: engine.StateRunning, Run: &run}
	return run, nil
}

func (m *mockEngine) control(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, op)
	return m.controlErr
}

func (m *mockEngine) Pause(context.Context) error  { return m.control("pause") }
func (m *mockEngine) Resume(context.Context) error { return m.control("resume") }
func (m *mockEngine) Stop(context.Context) error   { return m.control("stop") }

type mockMQTT struct{ connected bool }

func (m mockMQTT) IsConnected() bool { return m.connected }

type mockAudit struct {
	mu        sync.Mutex
	entries   []audit.Entry
	recordErr error
	filter    audit.Filter
}

func (m *mockAudit) Record(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *mockAudit) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = filter
	return &audit.ListResult{Entries: m.entries, Total: len(m.entries), Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ─── Helpers ─────────────────────────────────────────────────────

type testEnv struct {
	srv      *Server
	handler  http.Handler
	engine   *mockEngine
	registry *device.Registry
	audit    *mockAudit
}

// testServer creates a Server with a mock engine, the built-in catalog and
// an in-memory device registry.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	catalog, err := routines.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	registry := device.NewRegistry(nil)
	eng := &mockEngine{status: engine.Status{State: engine.StateIdle}}
	trail := &mockAudit{}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	reg := prometheus.NewRegistry()
	engine.NewMetrics(reg)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
			CORS: config.CORSConfig{AllowedOrigins: []string{"http://panel.local"}},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testSecret,
				Issuer:         testIssuer,
				AccessTokenTTL: 15,
			},
		},
		Logger:   log,
		Engine:   eng,
		Catalog:  catalog,
		Registry: registry,
		MQTT:     mockMQTT{connected: true},
		Audit:    trail,
		Gatherer: reg,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.hub = NewHub(srv.wsCfg, log)
	go srv.hub.Run(ctx)
	t.Cleanup(cancel)

	return &testEnv{srv: srv, handler: srv.buildRouter(), engine: eng, registry: registry, audit: trail}
}

func mintToken(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateToken("tester", role, auth.TokenOptions{
		Secret: testSecret,
		Issuer: testIssuer,
		TTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// ─── Health and Middleware Tests ─────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)
	rec := env.do(t, http.MethodGet, "/api/v1/health", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" || body["version"] != "test" || body["state"] != string(engine.StateIdle) {
		t.Errorf("body = %v", body)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	env := testServer(t)
	rec := env.do(t, http.MethodGet, "/metrics", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "routinecore_engine_state") {
		t.Error("engine metrics missing from /metrics")
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-id-1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-id-1" {
		t.Errorf("X-Request-ID = %q, want client-id-1", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/routines", nil)
	req.Header.Set("Origin", "http://panel.local")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("Allow-Methods = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/routines", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q, want empty", got)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)
	rec := env.do(t, http.MethodGet, "/api/v1/nonexistent", "", mintToken(t, auth.RoleViewer))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// ─── Auth Tests ──────────────────────────────────────────────────

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	env := testServer(t)

	wrongSecret, err := auth.GenerateToken("tester", auth.RoleOperator, auth.TokenOptions{
		Secret: "another-secret-key-at-least-32-characters",
		Issuer: testIssuer,
	})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage", "Bearer not-a-token"},
		{"wrong secret", "Bearer " + wrongSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/routines", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuth_ViewerCannotControl(t *testing.T) {
	env := testServer(t)
	viewer := mintToken(t, auth.RoleViewer)

	if rec := env.do(t, http.MethodGet, "/api/v1/engine", "", viewer); rec.Code != http.StatusOK {
		t.Errorf("GET /engine status = %d, want %d", rec.Code, http.StatusOK)
	}
	for _, path := range []string{"/api/v1/routines/timed_lock/start", "/api/v1/engine/stop"} {
		if rec := env.do(t, http.MethodPost, path, "", viewer); rec.Code != http.StatusForbidden {
			t.Errorf("POST %s status = %d, want %d", path, rec.Code, http.StatusForbidden)
		}
	}
	if len(env.engine.started) != 0 || len(env.engine.controls) != 0 {
		t.Error("engine was called for a forbidden request")
	}
}

// ─── Routine Tests ───────────────────────────────────────────────

func TestListRoutines(t *testing.T) {
	env := testServer(t)
	rec := env.do(t, http.MethodGet, "/api/v1/routines", "", mintToken(t, auth.RoleViewer))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Routines []routine.Info `json:"routines"`
		Count    int            `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 3 || len(body.Routines) != 3 {
		t.Errorf("count = %d, routines = %d, want 3", body.Count, len(body.Routines))
	}
}

func TestGetRoutine(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleViewer)

	rec := env.do(t, http.MethodGet, "/api/v1/routines/"+routines.TimedLockID, "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var info routine.Info
	decodeBody(t, rec, &info)
	if info.ID != routines.TimedLockID {
		t.Errorf("ID = %q", info.ID)
	}
	if _, ok := info.Parameters["duration"]; !ok {
		t.Error("duration parameter missing")
	}
	if len(info.RequiredDevices) == 0 {
		t.Error("device requirements missing")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/routines/no_such_routine", "", token)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown routine status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestStartRoutine(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleOperator)

	rec := env.do(t, http.MethodPost, "/api/v1/routines/timed_lock/start", `{"params":{"duration":120}}`, token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var run engine.Run
	decodeBody(t, rec, &run)
	if run.ID != "run-1" || run.RoutineID != "timed_lock" {
		t.Errorf("run = %+v", run)
	}
	if got := env.engine.lastParams["duration"]; got != json.Number("120") {
		t.Errorf("duration override = %#v, want json.Number(120)", got)
	}

	// An empty body starts with defaults.
	rec = env.do(t, http.MethodPost, "/api/v1/routines/hold_pressure/start", "", token)
	if rec.Code != http.StatusCreated {
		t.Errorf("empty body status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if env.engine.lastParams != nil {
		t.Errorf("empty body overrides = %v, want nil", env.engine.lastParams)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/routines/timed_lock/start", "{", token)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestStartRoutine_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"busy", engine.ErrEngineBusy, http.StatusConflict, ErrCodeConflict},
		{"invalid parameter", fmt.Errorf("%w: duration", routine.ErrInvalidParameter), http.StatusBadRequest, ErrCodeValidation},
		{"invalid routine", routine.ErrInvalidRoutine, http.StatusBadRequest, ErrCodeValidation},
		{"missing device", fmt.Errorf("%w: lock", dal.ErrMissingRequiredDevice), http.StatusUnprocessableEntity, ErrCodeMissingDevice},
		{"unknown routine", routine.ErrRoutineNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"start failed", fmt.Errorf("%w: lock jammed", engine.ErrRoutineRuntime), http.StatusInternalServerError, ErrCodeRoutine},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			env.engine.startErr = tt.err

			rec := env.do(t, http.MethodPost, "/api/v1/routines/timed_lock/start", "", mintToken(t, auth.RoleOperator))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var body Error
			decodeBody(t, rec, &body)
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
		})
	}
}

// ─── Engine Tests ────────────────────────────────────────────────

func TestEngineStatus(t *testing.T) {
	env := testServer(t)
	run := engine.Run{ID: "run-7", RoutineID: "rep_counter", Status: engine.RunRunning}
	env.engine.status = engine.Status{State: engine.StatePaused, Run: &run}
	env.engine.logs = []engine.LogEntry{
		{Level: routine.LevelInfo, Source: "engine", RunID: "run-7", Message: "started"},
		{Level: routine.LevelWarning, Source: "routine", RunID: "run-7", Message: "Move!"},
	}

	rec := env.do(t, http.MethodGet, "/api/v1/engine", "", mintToken(t, auth.RoleViewer))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		State engine.State      `json:"state"`
		Run   *engine.Run       `json:"run"`
		Logs  []engine.LogEntry `json:"logs"`
	}
	decodeBody(t, rec, &body)
	if body.State != engine.StatePaused || body.Run == nil || body.Run.ID != "run-7" {
		t.Errorf("status = %+v", body)
	}
	if len(body.Logs) != 2 || body.Logs[1].Message != "Move!" {
		t.Errorf("logs = %+v", body.Logs)
	}
}

func TestEngineLogs_Limit(t *testing.T) {
	env := testServer(t)
	env.engine.logs = []engine.LogEntry{{Message: "one"}, {Message: "two"}, {Message: "three"}}
	token := mintToken(t, auth.RoleViewer)

	rec := env.do(t, http.MethodGet, "/api/v1/engine/logs?limit=1", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Logs  []engine.LogEntry `json:"logs"`
		Count int               `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 1 || body.Logs[0].Message != "three" {
		t.Errorf("logs = %+v", body)
	}

	for _, bad := range []string{"abc", "-1"} {
		rec = env.do(t, http.MethodGet, "/api/v1/engine/logs?limit="+bad, "", token)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want %d", bad, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestEngineControl(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleOperator)

	for _, op := range []string{"pause", "resume", "stop"} {
		rec := env.do(t, http.MethodPost, "/api/v1/engine/"+op, "", token)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", op, rec.Code, http.StatusOK)
		}
	}
	if got := strings.Join(env.engine.controls, ","); got != "pause,resume,stop" {
		t.Errorf("controls = %s", got)
	}
}

func TestEngineControl_Conflict(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleOperator)

	env.engine.controlErr = engine.ErrNotRunning
	if rec := env.do(t, http.MethodPost, "/api/v1/engine/pause", "", token); rec.Code != http.StatusConflict {
		t.Errorf("pause status = %d, want %d", rec.Code, http.StatusConflict)
	}
	env.engine.controlErr = engine.ErrNotPaused
	if rec := env.do(t, http.MethodPost, "/api/v1/engine/resume", "", token); rec.Code != http.StatusConflict {
		t.Errorf("resume status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

// ─── Run Tests ───────────────────────────────────────────────────

func TestRuns(t *testing.T) {
	env := testServer(t)
	env.engine.runs = []engine.Run{
		{ID: "run-2", RoutineID: "timed_lock", Status: engine.RunCompleted},
		{ID: "run-1", RoutineID: "hold_pressure", Status: engine.RunStopped},
	}
	token := mintToken(t, auth.RoleViewer)

	rec := env.do(t, http.MethodGet, "/api/v1/runs?limit=1", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", rec.Code, http.StatusOK)
	}
	var list struct {
		Runs  []engine.Run `json:"runs"`
		Count int          `json:"count"`
	}
	decodeBody(t, rec, &list)
	if list.Count != 1 || list.Runs[0].ID != "run-2" {
		t.Errorf("runs = %+v", list)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/runs/run-1", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", rec.Code, http.StatusOK)
	}
	var run engine.Run
	decodeBody(t, rec, &run)
	if run.RoutineID != "hold_pressure" || run.Status != engine.RunStopped {
		t.Errorf("run = %+v", run)
	}

	if rec = env.do(t, http.MethodGet, "/api/v1/runs/run-9", "", token); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec = env.do(t, http.MethodGet, "/api/v1/runs?limit=x", "", token); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// ─── Device Tests ────────────────────────────────────────────────

func seedDevices(t *testing.T, reg *device.Registry) {
	t.Helper()
	ctx := context.Background()
	report := func(id, typ string, props map[string]any) {
		if err := reg.ReportProperties(ctx, id, typ, "", props); err != nil {
			t.Fatalf("ReportProperties(%s): %v", id, err)
		}
	}
	report("lock-1", routines.TypeLock, map[string]any{"locked": false})
	report("shock-1", routines.TypeShock, map[string]any{"intensity": 0.0})

	// Everything goes stale, then the lock reports again.
	reg.SweepLiveness(time.Now().Add(time.Hour), time.Minute)
	report("lock-1", routines.TypeLock, map[string]any{"locked": true})
}

func TestListDevices_Filters(t *testing.T) {
	env := testServer(t)
	seedDevices(t, env.registry)
	token := mintToken(t, auth.RoleViewer)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"lock-1", "shock-1"}},
		{"?type=DIANJI", []string{"shock-1"}},
		{"?connected=true", []string{"lock-1"}},
		{"?connected=false", []string{"shock-1"}},
		{"?type=QIYA", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/devices"+tt.query, "", token)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			var body struct {
				Devices []device.Device `json:"devices"`
				Count   int             `json:"count"`
			}
			decodeBody(t, rec, &body)
			got := make([]string, 0, len(body.Devices))
			for _, d := range body.Devices {
				got = append(got, d.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") || body.Count != len(tt.want) {
				t.Errorf("devices = %v, want %v", got, tt.want)
			}
		})
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/devices?connected=maybe", "", token); rec.Code != http.StatusBadRequest {
		t.Errorf("bad connected filter status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetDevice(t *testing.T) {
	env := testServer(t)
	seedDevices(t, env.registry)
	token := mintToken(t, auth.RoleViewer)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/lock-1", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var d device.Device
	decodeBody(t, rec, &d)
	if d.Type != routines.TypeLock || d.Properties["locked"] != true {
		t.Errorf("device = %+v", d)
	}

	if rec = env.do(t, http.MethodGet, "/api/v1/devices/ghost", "", token); rec.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDeviceStats(t *testing.T) {
	env := testServer(t)
	seedDevices(t, env.registry)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/stats", "", mintToken(t, auth.RoleViewer))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var stats device.Stats
	decodeBody(t, rec, &stats)
	if stats.TotalDevices != 2 || stats.Connected != 1 || stats.ByType[routines.TypeShock] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSystemMetrics(t *testing.T) {
	env := testServer(t)
	seedDevices(t, env.registry)
	run := engine.Run{ID: "run-3", RoutineID: "timed_lock"}
	env.engine.status = engine.Status{State: engine.StateRunning, Run: &run}

	rec := env.do(t, http.MethodGet, "/api/v1/system", "", mintToken(t, auth.RoleViewer))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var m SystemMetrics
	decodeBody(t, rec, &m)
	if m.Engine.State != engine.StateRunning || m.Engine.RunID != "run-3" || m.Engine.RoutineID != "timed_lock" {
		t.Errorf("engine = %+v", m.Engine)
	}
	if !m.MQTT.Configured || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
	if m.Devices.Total != 2 || m.Devices.Connected != 1 {
		t.Errorf("devices = %+v", m.Devices)
	}
	if m.Database != nil {
		t.Error("database metrics present without a database")
	}
}

// ─── Audit Tests ─────────────────────────────────────────────────

func TestAudit_RecordsControlRequests(t *testing.T) {
	env := testServer(t)
	token := mintToken(t, auth.RoleOperator)

	env.do(t, http.MethodPost, "/api/v1/routines/timed_lock/start", `{"params":{"duration":120}}`, token)
	env.do(t, http.MethodPost, "/api/v1/engine/pause", "", token)
	env.engine.controlErr = engine.ErrNotPaused
	env.do(t, http.MethodPost, "/api/v1/engine/resume", "", token)

	entries := env.audit.entries
	if len(entries) != 3 {
		t.Fatalf("recorded %d entries, want 3", len(entries))
	}

	start := entries[0]
	if start.Action != audit.ActionStart || start.Subject != "tester" || start.Role != string(auth.RoleOperator) ||
		start.RoutineID != "timed_lock" || start.RunID != "run-1" || start.Outcome != audit.OutcomeAccepted {
		t.Errorf("start entry = %+v", start)
	}
	if start.Details["params"] == nil {
		t.Error("start entry missing params")
	}

	if pause := entries[1]; pause.Action != audit.ActionPause || pause.RunID != "run-1" {
		t.Errorf("pause entry = %+v", pause)
	}
	if resume := entries[2]; resume.Outcome != audit.OutcomeRejected || resume.Error != engine.ErrNotPaused.Error() {
		t.Errorf("resume entry = %+v", resume)
	}
}

func TestAudit_RecordFailureDoesNotFailRequest(t *testing.T) {
	env := testServer(t)
	env.audit.recordErr = errors.New("disk full")

	rec := env.do(t, http.MethodPost, "/api/v1/engine/stop", "", mintToken(t, auth.RoleOperator))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAudit_List(t *testing.T) {
	env := testServer(t)
	env.audit.entries = []audit.Entry{{ID: "aud-1", Action: audit.ActionStop, Outcome: audit.OutcomeAccepted}}
	token := mintToken(t, auth.RoleViewer)

	rec := env.do(t, http.MethodGet, "/api/v1/audit?action=stop&subject=panel&run_id=run-1&limit=5&offset=10", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var res audit.ListResult
	decodeBody(t, rec, &res)
	if res.Total != 1 || res.Entries[0].ID != "aud-1" {
		t.Errorf("result = %+v", res)
	}
	want := audit.Filter{Action: "stop", Subject: "panel", RunID: "run-1", Limit: 5, Offset: 10}
	if env.audit.filter != want {
		t.Errorf("filter = %+v, want %+v", env.audit.filter, want)
	}

	if rec = env.do(t, http.MethodGet, "/api/v1/audit?offset=-1", "", token); rec.Code != http.StatusBadRequest {
		t.Errorf("bad offset status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	env.srv.audit = nil
	if rec = env.do(t, http.MethodGet, "/api/v1/audit", "", token); rec.Code != http.StatusNotImplemented {
		t.Errorf("unconfigured status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
}

// ─── WebSocket Ticket Tests ──────────────────────────────────────

func TestWSTicket_SingleUse(t *testing.T) {
	env := testServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", mintToken(t, auth.RoleViewer))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeBody(t, rec, &body)
	if len(body.Ticket) != 2*ticketBytes || body.ExpiresIn != int(ticketTTL.Seconds()) {
		t.Errorf("ticket response = %+v", body)
	}

	entry, ok := env.srv.tickets.consume(body.Ticket, time.Now())
	if !ok {
		t.Fatal("first consume failed")
	}
	if entry.subject != "tester" || entry.role != auth.RoleViewer {
		t.Errorf("entry = %+v", entry)
	}
	if _, ok := env.srv.tickets.consume(body.Ticket, time.Now()); ok {
		t.Error("second consume succeeded, want single use")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	store := newTicketStore()
	now := time.Now()

	expired := store.issue("tester", auth.RoleViewer, now.Add(-2*ticketTTL))
	if _, ok := store.consume(expired, now); ok {
		t.Error("expired ticket accepted")
	}

	stale := store.issue("tester", auth.RoleViewer, now.Add(-2*ticketTTL))
	fresh := store.issue("tester", auth.RoleViewer, now)
	store.cleanExpired(now)
	if _, ok := store.tickets[stale]; ok {
		t.Error("cleanExpired kept a stale ticket")
	}
	if _, ok := store.tickets[fresh]; !ok {
		t.Error("cleanExpired removed a fresh ticket")
	}
}

// ─── Hub Tests ───────────────────────────────────────────────────

func newHubClient(hub *Hub, channels ...string) *WSClient {
	c := newWSClient(hub, nil, "tester", auth.RoleViewer)
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	hub.Register(c)
	return c
}

func TestHub_BroadcastStatusToSubscribed(t *testing.T) {
	env := testServer(t)
	client := newHubClient(env.srv.hub, ChannelEngineStatus)

	env.srv.hub.BroadcastStatus(engine.Status{State: engine.StateRunning})

	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != WSTypeEvent || msg.EventType != ChannelEngineStatus {
			t.Errorf("message = %+v", msg)
		}
		payload, _ := msg.Payload.(map[string]any)
		if payload["state"] != string(engine.StateRunning) {
			t.Errorf("payload = %v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	env := testServer(t)
	client := newHubClient(env.srv.hub, ChannelEngineStatus)

	env.srv.hub.BroadcastLog(engine.LogEntry{Message: "ignored"})

	select {
	case data := <-client.send:
		t.Errorf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	env := testServer(t)
	hub := env.srv.hub

	a := newHubClient(hub)
	newHubClient(hub)
	if got := hub.ClientCount(); got != 2 {
		t.Errorf("ClientCount() = %d, want 2", got)
	}
	hub.Unregister(a)
	hub.Unregister(a)
	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() after unregister = %d, want 1", got)
	}
}

func TestHub_FullQueueDropsAndCounts(t *testing.T) {
	env := testServer(t)
	hub := env.srv.hub
	client := newHubClient(hub, ChannelEngineLog)

	for i := 0; i < wsSendBufferSize+3; i++ {
		hub.BroadcastLog(engine.LogEntry{Message: "line"})
	}

	if got := len(client.send); got != wsSendBufferSize {
		t.Errorf("queued = %d, want %d", got, wsSendBufferSize)
	}
	if got := hub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestHub_NoDeliveryAfterUnregister(t *testing.T) {
	env := testServer(t)
	hub := env.srv.hub
	client := newHubClient(hub, ChannelEngineLog)
	hub.Unregister(client)

	// A broadcast that already picked this client must not panic or queue.
	client.enqueue([]byte("late"))
	hub.BroadcastLog(engine.LogEntry{Message: "late"})

	if got := len(client.send); got != 0 {
		t.Errorf("queued after unregister = %d, want 0", got)
	}
}

// ─── Server Lifecycle Tests ──────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	catalog, err := routines.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	full := Deps{Logger: log, Engine: &mockEngine{}, Catalog: catalog, Registry: device.NewRegistry(nil)}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"logger", func(d *Deps) { d.Logger = nil }},
		{"engine", func(d *Deps) { d.Engine = nil }},
		{"catalog", func(d *Deps) { d.Catalog = nil }},
		{"registry", func(d *Deps) { d.Registry = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Error("New() error = nil, want missing dependency")
			}
		})
	}

	if _, err := New(full); err != nil {
		t.Errorf("New() with all deps error = %v", err)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t)
	env.srv.cfg.Port = 19180

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil, want error")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var resp *http.Response
	var err error
	for range 50 {
		resp, err = http.Get("http://127.0.0.1:19180/api/v1/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// ─── WebSocket Connection Tests ──────────────────────────────────

// connectWebSocket obtains a ticket with a viewer token and dials the hub.
func connectWebSocket(t *testing.T, env *testEnv, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	rec := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", mintToken(t, auth.RoleViewer))
	var body struct {
		Ticket string `json:"ticket"`
	}
	decodeBody(t, rec, &body)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + body.Ticket
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocket_SubscribeAndReceiveLog(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn := connectWebSocket(t, env, ts)

	sub := WSMessage{Type: WSTypeSubscribe, ID: "sub-1", Payload: WSSubscribePayload{Channels: []string{ChannelEngineLog}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if resp := readWS(t, conn); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	env.srv.hub.BroadcastLog(engine.LogEntry{Level: routine.LevelSuccess, RunID: "run-1", Message: "unlocked"})

	msg := readWS(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelEngineLog {
		t.Fatalf("event = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["message"] != "unlocked" {
		t.Errorf("payload = %v", msg.Payload)
	}
}

func TestWebSocket_RejectsBadTickets(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	for _, url := range []string{base, base + "?ticket=bogus"} {
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			conn.Close()
			t.Errorf("dial %s succeeded, want rejection", url)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("dial %s response = %v, want 401", url, resp)
		}
		if resp != nil {
			resp.Body.Close()
		}
	}
}

func TestWebSocket_StatusSubscribeGetsCurrentState(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	env.srv.hub.BroadcastStatus(engine.Status{State: engine.StatePaused})
	conn := connectWebSocket(t, env, ts)

	sub := WSMessage{Type: WSTypeSubscribe, ID: "sub-1", Payload: WSSubscribePayload{Channels: []string{ChannelEngineStatus}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if resp := readWS(t, conn); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	msg := readWS(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelEngineStatus {
		t.Fatalf("event = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["state"] != string(engine.StatePaused) {
		t.Errorf("payload = %v", msg.Payload)
	}
}

func TestWebSocket_RejectsUnknownChannel(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn := connectWebSocket(t, env, ts)

	sub := WSMessage{Type: WSTypeSubscribe, ID: "sub-2", Payload: WSSubscribePayload{Channels: []string{ChannelEngineLog, "devices.state"}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	resp := readWS(t, conn)
	if resp.Type != WSTypeError || resp.ID != "sub-2" {
		t.Fatalf("response = %+v, want error", resp)
	}

	// The request is rejected whole, so engine.log was not added either.
	env.srv.hub.BroadcastLog(engine.LogEntry{Message: "ignored"})
	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != WSTypePong || msg.ID != "ping-1" {
		t.Errorf("next message = %+v, want pong", msg)
	}
}
