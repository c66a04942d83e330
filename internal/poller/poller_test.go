package poller

import (
	"context"
	"io"
	"log"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"sorterfleet/internal/acquisition"
	"sorterfleet/internal/device"
	"sorterfleet/internal/metricslog"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeTransport struct {
	mu     sync.Mutex
	values map[string]any
}

func (t *fakeTransport) Endpoint() string { return "opc.tcp://fake:4840" }

func (t *fakeTransport) Read(_ context.Context, nodeID string) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.values[nodeID]
	if !ok {
		return nil, device.ErrNodeNotFound
	}
	return value, nil
}

func (t *fakeTransport) Close(context.Context) error { return nil }

func (t *fakeTransport) set(catalog *device.Catalog, name string, value any) {
	nodeID, ok := catalog.NodeID(name)
	if !ok {
		panic("unknown tag " + name)
	}
	t.mu.Lock()
	t.values[nodeID] = value
	t.mu.Unlock()
}

type fakeDialer struct {
	transport *fakeTransport
}

func (d *fakeDialer) Dial(context.Context, string) (device.Transport, error) {
	return d.transport, nil
}

type appended struct {
	machineID string
	filename  string
	rec       metricslog.Record
}

type recordingRecorder struct {
	mu      sync.Mutex
	rows    []appended
	control []metricslog.ControlEntry
}

func (r *recordingRecorder) Append(_ context.Context, machineID string, rec metricslog.Record) {
	r.mu.Lock()
	r.rows = append(r.rows, appended{machineID: machineID, filename: metricslog.MetricsFilename, rec: rec})
	r.mu.Unlock()
}

func (r *recordingRecorder) AppendTo(_ context.Context, machineID, filename string, rec metricslog.Record) {
	r.mu.Lock()
	r.rows = append(r.rows, appended{machineID: machineID, filename: filename, rec: rec})
	r.mu.Unlock()
}

func (r *recordingRecorder) AppendControl(_ context.Context, _ string, entry metricslog.ControlEntry) {
	r.mu.Lock()
	r.control = append(r.control, entry)
	r.mu.Unlock()
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

// liveFixture wires a registry around one fake machine publishing the
// named tag values and connects it.
func liveFixture(t *testing.T, clock *fakeClock, values map[string]float64) (*acquisition.Registry, *fakeTransport, *device.Catalog) {
	t.Helper()
	catalog := device.DefaultCatalog()
	transport := &fakeTransport{values: make(map[string]any)}
	for name, value := range values {
		transport.set(catalog, name, value)
	}
	registry, err := acquisition.NewRegistry(&fakeDialer{transport: transport}, catalog, clock, discard())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := registry.Connect(context.Background(), "m1", "10.0.0.1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return registry, transport, catalog
}

func TestCycleAppendsLiveRow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)}
	values := map[string]float64{
		device.TagCapacity:        1000, // kg/hr
		device.TagObjectsPerMin:   1000,
		device.TagObjects60M:      980,
		device.FeederRunningTag(1): 1,
	}
	for i := 1; i <= device.CounterCount; i++ {
		values[device.CounterRateTag(i)] = 0
	}
	values[device.CounterRateTag(1)] = 30
	values[device.CounterRateTag(2)] = 20
	registry, _, _ := liveFixture(t, clock, values)

	recorder := &recordingRecorder{}
	p, err := New(registry, recorder, []Machine{{ID: "m1", Address: "10.0.0.1"}}, discard(), WithClock(clock))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	p.Cycle(context.Background())

	if len(recorder.rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(recorder.rows))
	}
	rec := recorder.rows[0].rec
	if math.Abs(rec.Capacity-2205) > 1e-9 {
		t.Fatalf("Capacity = %v, want 2205 lbs", rec.Capacity)
	}
	// 50 defects of 1000 objects: 5% of throughput rejected.
	if math.Abs(rec.Rejects-110.25) > 1e-9 {
		t.Fatalf("Rejects = %v, want 110.25", rec.Rejects)
	}
	if math.Abs(rec.Accepts-2094.75) > 1e-9 {
		t.Fatalf("Accepts = %v, want 2094.75", rec.Accepts)
	}
	if rec.Running != 1 || rec.Stopped != 0 {
		t.Fatalf("Running/Stopped = %d/%d, want 1/0", rec.Running, rec.Stopped)
	}
	if rec.Mode != metricslog.ModeLive {
		t.Fatalf("Mode = %q, want %q", rec.Mode, metricslog.ModeLive)
	}
	if !rec.Timestamp.Equal(clock.now) {
		t.Fatalf("Timestamp = %v, want %v", rec.Timestamp, clock.now)
	}
}

func TestCycleStoppedWithoutRunningFeeder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)}
	registry, _, _ := liveFixture(t, clock, map[string]float64{
		device.TagCapacity:         500,
		device.FeederRunningTag(1): 0,
		device.FeederRunningTag(2): 0,
	})

	recorder := &recordingRecorder{}
	p, err := New(registry, recorder, []Machine{{ID: "m1", Address: "10.0.0.1"}}, discard(), WithClock(clock))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	p.Cycle(context.Background())

	rec := recorder.rows[0].rec
	if rec.Running != 0 || rec.Stopped != 1 {
		t.Fatalf("Running/Stopped = %d/%d, want 0/1", rec.Running, rec.Stopped)
	}
	if rec.Rejects != 0 || rec.Accepts != rec.Capacity {
		t.Fatalf("no object rate should mean no rejects: %+v", rec)
	}
}

func TestCycleSkipsDisconnectedMachine(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)}
	registry, _, _ := liveFixture(t, clock, map[string]float64{device.TagCapacity: 500})

	recorder := &recordingRecorder{}
	p, err := New(registry, recorder, []Machine{
		{ID: "m1", Address: "10.0.0.1"},
		{ID: "ghost", Address: "10.0.0.9"},
	}, discard(), WithClock(clock))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	p.Cycle(context.Background())

	for _, row := range recorder.rows {
		if row.machineID == "ghost" {
			t.Fatalf("row appended for disconnected machine: %+v", row)
		}
	}
}

func TestCycleDemoRow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)}
	catalog := device.DefaultCatalog()
	registry, err := acquisition.NewRegistry(&fakeDialer{transport: &fakeTransport{values: map[string]any{}}}, catalog, clock, discard())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	recorder := &recordingRecorder{}
	p, err := New(registry, recorder, []Machine{{ID: "demo1", Demo: true}}, discard(),
		WithClock(clock), WithRand(rand.New(rand.NewSource(1))))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	p.Cycle(context.Background())

	if len(recorder.rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(recorder.rows))
	}
	rec := recorder.rows[0].rec
	if rec.Capacity < 47000 || rec.Capacity > 53000 {
		t.Fatalf("demo capacity %v outside 47000..53000", rec.Capacity)
	}
	pct := rec.Rejects / rec.Capacity
	if pct < 0.04 || pct > 0.06 {
		t.Fatalf("demo reject share %v outside 4%%..6%%", pct)
	}
	for i, c := range rec.Counters {
		if c < 10 || c > 180 {
			t.Fatalf("demo counter %d = %v outside 10..180", i+1, c)
		}
	}
	if math.Abs(rec.Accepts+rec.Rejects-rec.Capacity) > 1e-9 {
		t.Fatalf("accepts+rejects %v != capacity %v", rec.Accepts+rec.Rejects, rec.Capacity)
	}
	if rec.Mode != metricslog.ModeDemo || rec.Running != 1 {
		t.Fatalf("demo row state: %+v", rec)
	}
}

func TestLabRouting(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)}
	registry, _, _ := liveFixture(t, clock, map[string]float64{
		device.TagCapacity:         100,
		device.TagObjectsPerMin:    -5,
		device.FeederRunningTag(1): 1,
	})

	recorder := &recordingRecorder{}
	p, err := New(registry, recorder, []Machine{{ID: "m1", Address: "10.0.0.1"}}, discard(), WithClock(clock))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	p.StartLab("m1", "Lab_Test_2026-03-02_12-00-00.csv")
	p.Cycle(context.Background())
	p.StopLab("m1")
	p.Cycle(context.Background())

	if len(recorder.rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(recorder.rows))
	}
	lab := recorder.rows[0]
	if lab.filename != "Lab_Test_2026-03-02_12-00-00.csv" {
		t.Fatalf("lab row routed to %q", lab.filename)
	}
	if lab.rec.Mode != metricslog.ModeLab {
		t.Fatalf("lab row mode = %q", lab.rec.Mode)
	}
	if lab.rec.ObjectsPerMin != 0 {
		t.Fatalf("negative object rate not clamped: %v", lab.rec.ObjectsPerMin)
	}
	if recorder.rows[1].filename != metricslog.MetricsFilename {
		t.Fatalf("row after StopLab routed to %q", recorder.rows[1].filename)
	}
}

func TestControlLogOnSettingChange(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)}
	registry, transport, catalog := liveFixture(t, clock, map[string]float64{
		device.TagCapacity:      100,
		device.FeederRateTag(1): 80,
	})

	recorder := &recordingRecorder{}
	p, err := New(registry, recorder, []Machine{{ID: "m1", Address: "10.0.0.1"}}, discard(), WithClock(clock))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	// First cycle only seeds the baseline.
	p.Cycle(context.Background())
	if len(recorder.control) != 0 {
		t.Fatalf("control entries on first cycle: %+v", recorder.control)
	}

	transport.set(catalog, device.FeederRateTag(1), float64(90))
	clock.now = clock.now.Add(time.Second)
	p.Cycle(context.Background())

	if len(recorder.control) != 1 {
		t.Fatalf("got %d control entries, want 1", len(recorder.control))
	}
	entry := recorder.control[0]
	if entry.Tag != device.FeederRateTag(1) {
		t.Fatalf("entry tag = %q", entry.Tag)
	}
	if entry.Action != metricslog.ActionUp {
		t.Fatalf("entry action = %q, want %q", entry.Action, metricslog.ActionUp)
	}
	if entry.OldValue != "80" || entry.NewValue != "90" {
		t.Fatalf("entry values = %q -> %q", entry.OldValue, entry.NewValue)
	}

	// Unchanged value is not logged again.
	clock.now = clock.now.Add(time.Second)
	p.Cycle(context.Background())
	if len(recorder.control) != 1 {
		t.Fatalf("duplicate control entries: %+v", recorder.control)
	}
}

func TestStartStop(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	registry, _, _ := liveFixture(t, clock, map[string]float64{device.TagCapacity: 100})

	p, err := New(registry, &recordingRecorder{}, nil, discard(),
		WithClock(clock), WithCycleInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	p.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
