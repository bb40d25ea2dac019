package dal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/routine-core/internal/device"
)

// ─── Mock Dependencies ───────────────────────────────────────────

type sentCommand struct {
	deviceID string
	patch    map[string]any
}

type mockTransport struct {
	mu    sync.Mutex
	sent  []sentCommand
	err   error
	block chan struct{}
}

func (m *mockTransport) SendCommand(ctx context.Context, deviceID string, patch map[string]any) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentCommand{deviceID: deviceID, patch: patch})
	return nil
}

func (m *mockTransport) commands() []sentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentCommand(nil), m.sent...)
}

type failureRecorder struct {
	mu   sync.Mutex
	errs map[string][]error
}

func (f *failureRecorder) record(logicalID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string][]error)
	}
	f.errs[logicalID] = append(f.errs[logicalID], err)
}

func (f *failureRecorder) count(logicalID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs[logicalID])
}

// newTestRegistry returns a registry with the given devices reported once.
func newTestRegistry(t *testing.T, devices ...device.Device) (*device.Registry, *mockTransport) {
	t.Helper()
	reg := device.NewRegistry(nil)
	transport := &mockTransport{}
	reg.SetTransport(transport)
	for _, d := range devices {
		props := d.Properties
		if props == nil {
			props = map[string]any{}
		}
		if err := reg.ReportProperties(context.Background(), d.ID, d.Type, "", props); err != nil {
			t.Fatalf("ReportProperties(%s) error = %v", d.ID, err)
		}
	}
	return reg, transport
}

func report(t *testing.T, reg *device.Registry, id string, props map[string]any) {
	t.Helper()
	if err := reg.ReportProperties(context.Background(), id, "", "", props); err != nil {
		t.Fatalf("ReportProperties(%s) error = %v", id, err)
	}
}

func release(t *testing.T, l *Layer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

// =============================================================================
// Resolve
// =============================================================================

func TestResolve_CoversEveryRequirement(t *testing.T) {
	reg, _ := newTestRegistry(t,
		device.Device{ID: "lock-1", Type: "ZIDONGSUO"},
		device.Device{ID: "shock-1", Type: "DIANJI"},
		device.Device{ID: "shock-2", Type: "DIANJI"},
		device.Device{ID: "p-1", Type: "QIYA"},
	)

	reqs := []Requirement{
		{LogicalID: "lock", Type: "ZIDONGSUO", Required: true},
		{LogicalID: "shock", Type: "DIANJI", Required: true},
		{LogicalID: "pressure", Type: "QIYA", Required: true},
	}
	mapping, err := Resolve(reg, reqs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(mapping) != len(reqs) {
		t.Fatalf("mapping has %d entries, want %d", len(mapping), len(reqs))
	}
	for _, req := range reqs {
		ref, ok := mapping[req.LogicalID]
		if !ok || ref.Type != req.Type {
			t.Errorf("mapping[%s] = %+v, %v", req.LogicalID, ref, ok)
		}
	}
	if mapping["shock"].ID != "shock-1" {
		t.Errorf("first match should win, got %s", mapping["shock"].ID)
	}
}

func TestResolve_SkipsDisconnected(t *testing.T) {
	reg, _ := newTestRegistry(t,
		device.Device{ID: "shock-1", Type: "DIANJI"},
		device.Device{ID: "shock-2", Type: "DIANJI"},
	)
	reg.SweepLiveness(time.Now().Add(time.Hour), time.Minute)
	report(t, reg, "shock-2", map[string]any{"intensity": 0})

	mapping, err := Resolve(reg, []Requirement{{LogicalID: "shock", Type: "DIANJI", Required: true}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if mapping["shock"].ID != "shock-2" {
		t.Errorf("mapping[shock] = %s, want the connected shock-2", mapping["shock"].ID)
	}
}

func TestResolve_OptionalMayBeAbsent(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "shock-1", Type: "DIANJI"})

	mapping, err := Resolve(reg, []Requirement{
		{LogicalID: "shock", Type: "DIANJI", Required: true},
		{LogicalID: "vibe", Type: "ZHENDONG", Required: false},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, ok := mapping["vibe"]; ok {
		t.Error("unresolved optional role should have no entry")
	}
	if len(mapping) != 1 {
		t.Errorf("mapping = %v", mapping)
	}
}

func TestResolve_AtomicFailure(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "shock-1", Type: "DIANJI"})

	mapping, err := Resolve(reg, []Requirement{
		{LogicalID: "shock", Type: "DIANJI", Required: true},
		{LogicalID: "lock", Type: "ZIDONGSUO", Required: true},
		{LogicalID: "pressure", Type: "QIYA", Required: true},
	})
	if !errors.Is(err, ErrMissingRequiredDevice) {
		t.Fatalf("Resolve() error = %v, want ErrMissingRequiredDevice", err)
	}
	if mapping != nil {
		t.Errorf("partial mapping returned: %v", mapping)
	}
	for _, want := range []string{"lock (ZIDONGSUO)", "pressure (QIYA)"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
}

func TestResolve_EmptyRequirements(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mapping, err := Resolve(reg, []Requirement{})
	if err != nil || len(mapping) != 0 {
		t.Errorf("Resolve(empty) = %v, %v", mapping, err)
	}
}

// =============================================================================
// Properties
// =============================================================================

func TestLayer_GetProperty(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "p-1", Type: "QIYA", Properties: map[string]any{"pressure": 12.5}})
	l := NewLayer(reg, Mapping{"pressure": {ID: "p-1", Type: "QIYA"}}, Options{})
	defer release(t, l)

	if got := l.GetProperty("pressure", "pressure"); got != 12.5 {
		t.Errorf("GetProperty() = %v, want 12.5", got)
	}
	if got := l.GetProperty("pressure", "never"); got != nil {
		t.Errorf("GetProperty(unreported key) = %v, want nil", got)
	}
	if got := l.GetProperty("absent", "pressure"); got != nil {
		t.Errorf("GetProperty(unmapped role) = %v, want nil", got)
	}
	if v, ok := FloatProperty(l, "pressure", "pressure"); !ok || v != 12.5 {
		t.Errorf("FloatProperty() = %v, %v", v, ok)
	}
	if !l.Has("pressure") || l.Has("absent") {
		t.Error("Has() reports wrong roles")
	}
}

func TestLayer_SetPropertyMergesAndForwards(t *testing.T) {
	reg, transport := newTestRegistry(t, device.Device{ID: "shock-1", Type: "DIANJI"})
	l := NewLayer(reg, Mapping{"shock": {ID: "shock-1", Type: "DIANJI"}}, Options{})

	if !l.SetProperty("shock", map[string]any{"intensity": 20.0}) {
		t.Fatal("SetProperty() = false for mapped role")
	}
	if got := l.GetProperty("shock", "intensity"); got != 20.0 {
		t.Errorf("merged value = %v, want 20", got)
	}
	if !l.SetProperty("shock", map[string]any{"intensity": 0.0}) {
		t.Fatal("second SetProperty() = false")
	}

	release(t, l)

	sent := transport.commands()
	if len(sent) != 2 {
		t.Fatalf("commands sent = %d, want 2", len(sent))
	}
	if sent[0].deviceID != "shock-1" || sent[0].patch["intensity"] != 20.0 || sent[1].patch["intensity"] != 0.0 {
		t.Errorf("commands = %+v", sent)
	}
}

func TestLayer_SetPropertyFailures(t *testing.T) {
	reg, transport := newTestRegistry(t, device.Device{ID: "shock-1", Type: "DIANJI"})
	transport.err = errors.New("broker gone")
	failures := &failureRecorder{}
	l := NewLayer(reg, Mapping{"shock": {ID: "shock-1", Type: "DIANJI"}}, Options{OnCommandFailure: failures.record})

	if l.SetProperty("lock", map[string]any{"locked": true}) {
		t.Error("SetProperty() = true for unmapped role")
	}
	if failures.count("lock") != 1 {
		t.Errorf("unmapped failure not reported")
	}

	// Transport errors are not returned to the routine.
	if !l.SetProperty("shock", map[string]any{"intensity": 5}) {
		t.Error("SetProperty() = false although the command was queued")
	}
	release(t, l)
	if failures.count("shock") != 1 {
		t.Errorf("transport failure reports = %d, want 1", failures.count("shock"))
	}
	if !errors.Is(failures.errs["shock"][0], ErrDeviceCommandFailed) {
		t.Errorf("failure = %v, want ErrDeviceCommandFailed", failures.errs["shock"][0])
	}

	if l.SetProperty("shock", map[string]any{"intensity": 5}) {
		t.Error("SetProperty() = true after Release")
	}
}

func TestLayer_SetPropertyOutboxFull(t *testing.T) {
	reg, transport := newTestRegistry(t, device.Device{ID: "shock-1", Type: "DIANJI"})
	transport.block = make(chan struct{})
	failures := &failureRecorder{}
	l := NewLayer(reg, Mapping{"shock": {ID: "shock-1"}}, Options{OutboxSize: 1, OnCommandFailure: failures.record})

	// One command is held by the blocked transport, one fills the outbox.
	accepted := 0
	for i := 0; i < 5; i++ {
		if l.SetProperty("shock", map[string]any{"intensity": i}) {
			accepted++
		}
	}
	if accepted < 1 || accepted > 2 {
		t.Errorf("accepted = %d, want 1 or 2", accepted)
	}
	if failures.count("shock") != 5-accepted {
		t.Errorf("drops reported = %d, want %d", failures.count("shock"), 5-accepted)
	}

	close(transport.block)
	release(t, l)
	if len(transport.commands()) != accepted {
		t.Errorf("delivered = %d, want %d", len(transport.commands()), accepted)
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

func TestLayer_OnPropertyChangeIsEdgeTriggered(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "btn-1", Type: "ANNIU", Properties: map[string]any{"pressed": 0}})
	l := NewLayer(reg, Mapping{"button": {ID: "btn-1", Type: "ANNIU"}}, Options{})
	defer release(t, l)

	var got []any
	var lastSnapshot map[string]any
	if !l.OnPropertyChange("button", "pressed", func(v any, snap map[string]any) {
		got = append(got, v)
		lastSnapshot = snap
	}) {
		t.Fatal("OnPropertyChange() = false for mapped role")
	}

	report(t, reg, "btn-1", map[string]any{"pressed": 0.0}) // same as seeded value
	report(t, reg, "btn-1", map[string]any{"pressed": 1})
	report(t, reg, "btn-1", map[string]any{"pressed": 1})
	report(t, reg, "btn-1", map[string]any{"battery": 80}) // other key
	report(t, reg, "btn-1", map[string]any{"pressed": 0})

	if len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Errorf("changes = %v, want [1 0]", got)
	}
	if lastSnapshot["battery"] != 80 {
		t.Errorf("snapshot = %v, want full property set", lastSnapshot)
	}

	if l.OnPropertyChange("absent", "pressed", func(any, map[string]any) {}) {
		t.Error("OnPropertyChange() = true for unmapped role")
	}
}

func TestLayer_OnPropertyChangeFirstReport(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "d-1", Type: "JULI"})
	l := NewLayer(reg, Mapping{"distance": {ID: "d-1"}}, Options{})
	defer release(t, l)

	calls := 0
	l.OnPropertyChange("distance", "distance", func(any, map[string]any) { calls++ })
	report(t, reg, "d-1", map[string]any{"distance": 40})
	if calls != 1 {
		t.Errorf("first report of a key fired %d times, want 1", calls)
	}
}

func TestLayer_OnMessageDeliversEveryMessageInOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "btn-1", Type: "ANNIU"})

	var mu sync.Mutex
	var queue []func()
	dispatch := func(fn func()) {
		mu.Lock()
		queue = append(queue, fn)
		mu.Unlock()
	}
	l := NewLayer(reg, Mapping{"button": {ID: "btn-1"}}, Options{Dispatch: dispatch})

	var seen []any
	l.OnMessage("button", func(payload map[string]any) { seen = append(seen, payload["seq"]) })

	for i := 0; i < 5; i++ {
		reg.ReportMessage("btn-1", map[string]any{"action": "click", "seq": i})
	}
	reg.ReportMessage("btn-1", map[string]any{"action": "click", "seq": 4})

	if len(seen) != 0 {
		t.Fatal("callback ran outside the dispatcher")
	}
	for _, fn := range queue {
		fn()
	}
	want := []any{0, 1, 2, 3, 4, 4}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %v, want %v", i, seen[i], want[i])
		}
	}

	release(t, l)
}

func TestLayer_OnMessageSeesStateReports(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "dist-1", Type: "JULI", Properties: map[string]any{"distance": 30.0}})
	l := NewLayer(reg, Mapping{"distance": {ID: "dist-1"}}, Options{})
	defer release(t, l)

	var seen []any
	l.OnMessage("distance", func(payload map[string]any) { seen = append(seen, payload["distance"]) })

	// The second report repeats the value and changes nothing tracked.
	report(t, reg, "dist-1", map[string]any{"distance": 20.0})
	report(t, reg, "dist-1", map[string]any{"distance": 20.0})
	reg.ReportMessage("dist-1", map[string]any{"distance": 5.0})

	want := []any{20.0, 20.0, 5.0}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestLayer_DroppedChangeDoesNotMoveBaseline(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "sensor-1", Type: "QIYA", Properties: map[string]any{"pressure": 0.0}})

	dropping := true
	var queue []func()
	dispatch := func(fn func()) {
		if !dropping {
			queue = append(queue, fn)
		}
	}
	l := NewLayer(reg, Mapping{"sensor": {ID: "sensor-1"}}, Options{Dispatch: dispatch})
	defer release(t, l)

	var seen []any
	l.OnPropertyChange("sensor", "pressure", func(value any, _ map[string]any) { seen = append(seen, value) })

	report(t, reg, "sensor-1", map[string]any{"pressure": 60.0})

	dropping = false
	report(t, reg, "sensor-1", map[string]any{"pressure": 60.0})
	report(t, reg, "sensor-1", map[string]any{"pressure": 60.0})
	for _, fn := range queue {
		fn()
	}

	if len(seen) != 1 || seen[0] != 60.0 {
		t.Errorf("seen = %v, want one change to 60", seen)
	}
}

func TestLayer_ReleaseStopsCallbacks(t *testing.T) {
	reg, _ := newTestRegistry(t, device.Device{ID: "btn-1", Type: "ANNIU"})

	var queue []func()
	l := NewLayer(reg, Mapping{"button": {ID: "btn-1"}}, Options{Dispatch: func(fn func()) { queue = append(queue, fn) }})

	calls := 0
	l.OnMessage("button", func(map[string]any) { calls++ })
	reg.ReportMessage("btn-1", map[string]any{"action": "click"})

	release(t, l)
	release(t, l) // idempotent

	// Work queued before release is discarded; nothing new arrives.
	for _, fn := range queue {
		fn()
	}
	reg.ReportMessage("btn-1", map[string]any{"action": "click"})
	if calls != 0 {
		t.Errorf("callbacks after release = %d, want 0", calls)
	}
	if l.OnMessage("button", func(map[string]any) {}) {
		t.Error("OnMessage() = true after Release")
	}
}

func TestLayer_MappingIsCopied(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src := Mapping{"lock": {ID: "lock-1"}}
	l := NewLayer(reg, src, Options{})
	defer release(t, l)

	src["lock"] = DeviceRef{ID: "other"}
	m := l.Mapping()
	m["lock"] = DeviceRef{ID: "changed"}
	if l.Mapping()["lock"].ID != "lock-1" {
		t.Error("layer mapping shares state with callers")
	}
}
