package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ─── Mock Dependencies ─────────────────────────────────────────────

type mockTransport struct {
	mu   sync.Mutex
	sent []sentCommand
	err  error
}

type sentCommand struct {
	deviceID string
	patch    map[string]any
}

func (m *mockTransport) SendCommand(_ context.Context, deviceID string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentCommand{deviceID: deviceID, patch: patch})
	return nil
}

type mockObserver struct {
	mu       sync.Mutex
	props    int
	commands int
}

func (m *mockObserver) RecordProperties(string, string, map[string]any) {
	m.mu.Lock()
	m.props++
	m.mu.Unlock()
}

func (m *mockObserver) RecordCommand(string, map[string]any) {
	m.mu.Lock()
	m.commands++
	m.mu.Unlock()
}

type memoryRepository struct {
	mu      sync.Mutex
	devices []Device
	upserts int
	updates int
	err     error
}

func (m *memoryRepository) List(context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Device(nil), m.devices...), m.err
}

func (m *memoryRepository) Upsert(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	return m.err
}

func (m *memoryRepository) UpdateProperties(context.Context, string, map[string]any, time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	return m.err
}

// ─── Tests ─────────────────────────────────────────────────────────

func TestRegistry_ReportProperties_CreatesAndMerges(t *testing.T) {
	ctx := context.Background()
	repo := &memoryRepository{}
	r := NewRegistry(repo)

	if err := r.ReportProperties(ctx, "lock-1", "ZIDONGSUO", "Front lock", map[string]any{"locked": true}); err != nil {
		t.Fatalf("ReportProperties() error = %v", err)
	}
	if err := r.ReportProperties(ctx, "lock-1", "", "", map[string]any{"battery": 80.0}); err != nil {
		t.Fatalf("ReportProperties() second report error = %v", err)
	}

	d, err := r.GetDevice("lock-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if d.Type != "ZIDONGSUO" || d.Name != "Front lock" {
		t.Errorf("device = %+v, want type ZIDONGSUO and name Front lock", d)
	}
	if !d.Connected {
		t.Error("device should be connected after a report")
	}
	if d.Properties["locked"] != true || d.Properties["battery"] != 80.0 {
		t.Errorf("Properties = %v, want merged locked and battery", d.Properties)
	}
	if repo.upserts != 1 || repo.updates != 1 {
		t.Errorf("repo upserts=%d updates=%d, want 1 and 1", repo.upserts, repo.updates)
	}
}

func TestRegistry_ReportProperties_RejectsUnknownWithoutType(t *testing.T) {
	r := NewRegistry(nil)

	err := r.ReportProperties(context.Background(), "mystery", "", "", map[string]any{"x": 1})
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("ReportProperties() error = %v, want ErrInvalidDevice", err)
	}
	if _, err := r.GetDevice("mystery"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_GetDevice_ReturnsCopy(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.ReportProperties(context.Background(), "s-1", "QIYA", "", map[string]any{"pressure": 10.0})

	d, _ := r.GetDevice("s-1")
	d.Properties["pressure"] = 999.0

	again, _ := r.GetDevice("s-1")
	if again.Properties["pressure"] != 10.0 {
		t.Errorf("cache mutated through returned copy: %v", again.Properties["pressure"])
	}
}

func TestRegistry_GetDevicesByType_FirstObservationOrder(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	for _, id := range []string{"lock-b", "shock-1", "lock-a", "lock-c"} {
		typ := "ZIDONGSUO"
		if id == "shock-1" {
			typ = "DIANJI"
		}
		if err := r.ReportProperties(ctx, id, typ, "", nil); err != nil {
			t.Fatalf("ReportProperties(%s) error = %v", id, err)
		}
	}

	locks := r.GetDevicesByType("ZIDONGSUO")
	want := []string{"lock-b", "lock-a", "lock-c"}
	if len(locks) != len(want) {
		t.Fatalf("GetDevicesByType() returned %d devices, want %d", len(locks), len(want))
	}
	for i, d := range locks {
		if d.ID != want[i] {
			t.Errorf("locks[%d] = %s, want %s", i, d.ID, want[i])
		}
	}
	if got := r.GetDevicesByType("UNKNOWN"); len(got) != 0 {
		t.Errorf("GetDevicesByType(UNKNOWN) = %v, want empty", got)
	}
}

func TestRegistry_OnPropertyReport(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	var got []PropertyReport
	unsubscribe := r.OnPropertyReport("s-1", func(rep PropertyReport) {
		got = append(got, rep)
	})

	_ = r.ReportProperties(ctx, "s-1", "QIYA", "", map[string]any{"pressure": 10.0})
	_ = r.ReportProperties(ctx, "s-1", "", "", map[string]any{"temperature": 21.0})
	_ = r.ReportProperties(ctx, "other", "QIYA", "", map[string]any{"pressure": 1.0})

	if len(got) != 2 {
		t.Fatalf("received %d reports, want 2", len(got))
	}
	if _, ok := got[1].Changed["pressure"]; ok {
		t.Error("Changed should only contain the reported keys")
	}
	if got[1].Snapshot["pressure"] != 10.0 || got[1].Snapshot["temperature"] != 21.0 {
		t.Errorf("Snapshot = %v, want full property set", got[1].Snapshot)
	}

	unsubscribe()
	unsubscribe()
	_ = r.ReportProperties(ctx, "s-1", "", "", map[string]any{"pressure": 11.0})
	if len(got) != 2 {
		t.Errorf("received report after unsubscribe")
	}
}

func TestRegistry_PerDeviceOrdering(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	_ = r.ReportProperties(ctx, "s-1", "QIYA", "", nil)

	var (
		mu  sync.Mutex
		got []float64
	)
	r.OnPropertyReport("s-1", func(rep PropertyReport) {
		v, _ := ToFloat(rep.Changed["seq"])
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	const n = 200
	for i := 0; i < n; i++ {
		_ = r.ReportProperties(ctx, "s-1", "", "", map[string]any{"seq": float64(i)})
	}

	if len(got) != n {
		t.Fatalf("received %d reports, want %d", len(got), n)
	}
	for i, v := range got {
		if v != float64(i) {
			t.Fatalf("report %d has seq %v, out of order", i, v)
		}
	}
}

func TestRegistry_OnMessage(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	_ = r.ReportProperties(ctx, "btn-1", "ANNIU", "", nil)
	r.SweepLiveness(time.Now().Add(time.Hour), time.Second)

	var got []Message
	r.OnMessage("btn-1", func(m Message) { got = append(got, m) })

	r.ReportMessage("btn-1", map[string]any{"type": "press"})
	r.ReportMessage("btn-1", map[string]any{"type": "press"})

	if len(got) != 2 {
		t.Fatalf("received %d messages, want 2", len(got))
	}
	if got[0].Payload["type"] != "press" {
		t.Errorf("Payload = %v", got[0].Payload)
	}
	d, _ := r.GetDevice("btn-1")
	if !d.Connected {
		t.Error("a message should mark the device connected again")
	}
}

func TestRegistry_OnMessageReceivesPropertyReports(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	_ = r.ReportProperties(ctx, "dist-1", "JULI", "", map[string]any{"distance": 30.0})

	var order []string
	r.OnPropertyReport("dist-1", func(PropertyReport) { order = append(order, "report") })
	r.OnMessage("dist-1", func(m Message) {
		order = append(order, "message")
		if m.Payload["distance"] != 30.0 {
			t.Errorf("Payload = %v", m.Payload)
		}
	})

	_ = r.ReportProperties(ctx, "dist-1", "", "", map[string]any{"distance": 30.0})
	_ = r.ReportProperties(ctx, "dist-1", "", "", map[string]any{"distance": 30.0})

	want := []string{"report", "message", "report", "message"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestRegistry_MergeProperties(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	_ = r.ReportProperties(ctx, "shock-1", "DIANJI", "", map[string]any{"intensity": 0.0})

	notified := false
	r.OnPropertyReport("shock-1", func(PropertyReport) { notified = true })

	if err := r.MergeProperties("shock-1", map[string]any{"intensity": 12}); err != nil {
		t.Fatalf("MergeProperties() error = %v", err)
	}
	d, _ := r.GetDevice("shock-1")
	if d.Properties["intensity"] != 12 {
		t.Errorf("intensity = %v, want 12", d.Properties["intensity"])
	}
	if notified {
		t.Error("local merge must not notify subscribers")
	}

	if err := r.MergeProperties("missing", map[string]any{"x": 1}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("MergeProperties(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_PublishCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("no transport", func(t *testing.T) {
		r := NewRegistry(nil)
		_ = r.ReportProperties(ctx, "lock-1", "ZIDONGSUO", "", nil)
		if err := r.PublishCommand(ctx, "lock-1", map[string]any{"locked": false}); !errors.Is(err, ErrNoTransport) {
			t.Errorf("error = %v, want ErrNoTransport", err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		r := NewRegistry(nil)
		r.SetTransport(&mockTransport{})
		if err := r.PublishCommand(ctx, "ghost", nil); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("error = %v, want ErrDeviceNotFound", err)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		r := NewRegistry(nil)
		r.SetTransport(&mockTransport{err: fmt.Errorf("broker down")})
		_ = r.ReportProperties(ctx, "lock-1", "ZIDONGSUO", "", nil)
		if err := r.PublishCommand(ctx, "lock-1", map[string]any{"locked": false}); !errors.Is(err, ErrCommandFailed) {
			t.Errorf("error = %v, want ErrCommandFailed", err)
		}
	})

	t.Run("delivered and observed", func(t *testing.T) {
		r := NewRegistry(nil)
		transport := &mockTransport{}
		observer := &mockObserver{}
		r.SetTransport(transport)
		r.SetObserver(observer)
		_ = r.ReportProperties(ctx, "lock-1", "ZIDONGSUO", "", nil)

		if err := r.PublishCommand(ctx, "lock-1", map[string]any{"locked": false}); err != nil {
			t.Fatalf("PublishCommand() error = %v", err)
		}
		if len(transport.sent) != 1 || transport.sent[0].patch["locked"] != false {
			t.Errorf("sent = %+v", transport.sent)
		}
		if observer.commands != 1 || observer.props != 1 {
			t.Errorf("observer commands=%d props=%d, want 1 and 1", observer.commands, observer.props)
		}
	})
}

func TestRegistry_SweepLiveness(t *testing.T) {
	r := NewRegistry(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	ctx := context.Background()
	_ = r.ReportProperties(ctx, "old", "QIYA", "", nil)
	clock = base.Add(20 * time.Second)
	_ = r.ReportProperties(ctx, "fresh", "QIYA", "", nil)

	stale := r.SweepLiveness(base.Add(30*time.Second), 30*time.Second)
	if len(stale) != 1 || stale[0] != "old" {
		t.Fatalf("SweepLiveness() = %v, want [old]", stale)
	}
	if again := r.SweepLiveness(base.Add(31*time.Second), 30*time.Second); len(again) != 0 {
		t.Errorf("already disconnected device reported again: %v", again)
	}

	stats := r.GetStats()
	if stats.TotalDevices != 2 || stats.Connected != 1 || stats.ByType["QIYA"] != 2 {
		t.Errorf("GetStats() = %+v", stats)
	}
}

func TestRegistry_RunLivenessMonitor_StopsOnCancel(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.RunLivenessMonitor(ctx, time.Millisecond, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunLivenessMonitor did not return after cancel")
	}
}

func TestRegistry_RefreshCache(t *testing.T) {
	repo := &memoryRepository{devices: []Device{
		{ID: "lock-1", Type: "ZIDONGSUO", Connected: true, Properties: map[string]any{"locked": true}},
		{ID: "shock-1", Type: "DIANJI"},
	}}
	r := NewRegistry(repo)

	if err := r.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	devices := r.ListDevices()
	if len(devices) != 2 || devices[0].ID != "lock-1" {
		t.Fatalf("ListDevices() = %+v", devices)
	}
	for _, d := range devices {
		if d.Connected {
			t.Errorf("%s restored as connected, want disconnected until it reports", d.ID)
		}
	}

	repo.err = errors.New("disk full")
	if err := r.RefreshCache(context.Background()); err == nil {
		t.Error("RefreshCache() expected error from repository")
	}
}

func TestRegistry_PersistFailureDoesNotBlockDispatch(t *testing.T) {
	r := NewRegistry(&memoryRepository{err: errors.New("disk full")})

	delivered := false
	r.OnPropertyReport("s-1", func(PropertyReport) { delivered = true })

	if err := r.ReportProperties(context.Background(), "s-1", "QIYA", "", map[string]any{"pressure": 1.0}); err != nil {
		t.Fatalf("ReportProperties() error = %v", err)
	}
	if !delivered {
		t.Error("report not delivered when persistence fails")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	r.SetTransport(&mockTransport{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("dev-%d", i%3)
			for j := 0; j < 50; j++ {
				_ = r.ReportProperties(ctx, id, "QIYA", "", map[string]any{"v": float64(j)})
				_ = r.MergeProperties(id, map[string]any{"w": j})
				_ = r.PublishCommand(ctx, id, map[string]any{"w": j})
				_ = r.GetDevicesByType("QIYA")
				r.ReportMessage(id, map[string]any{"n": j})
			}
		}(i)
	}
	wg.Wait()

	if got := r.GetStats().TotalDevices; got != 3 {
		t.Errorf("TotalDevices = %d, want 3", got)
	}
}
