// Package poller drives the acquisition cycle: refresh every session,
// derive one metric row per machine, and record setting changes.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"sorterfleet/internal/acquisition"
	"sorterfleet/internal/device"
	"sorterfleet/internal/metricslog"
	"sorterfleet/internal/observability/metrics"
)

// DefaultCycleInterval is how often tags are read and a row is appended.
const DefaultCycleInterval = time.Second

const stopTimeout = 5 * time.Second

// kgToLbs converts the device's kg/hr throughput to the lbs/hr the logs
// and reports use.
const kgToLbs = 2.205

const feederCount = 4

// ErrStopTimeout is returned by Stop when the worker does not exit.
var ErrStopTimeout = errors.New("poller: worker did not stop in time")

// Machine is one configured fleet member.
type Machine struct {
	ID      string
	Address string
	Demo    bool
}

// SessionSource is the acquisition registry surface the poller needs.
type SessionSource interface {
	Refresh(ctx context.Context) (lost []string)
	Session(machineID string) (*acquisition.Session, bool)
	Sessions() []*acquisition.Session
}

// Recorder is the metric log surface the poller writes to.
type Recorder interface {
	Append(ctx context.Context, machineID string, rec metricslog.Record)
	AppendTo(ctx context.Context, machineID, filename string, rec metricslog.Record)
	AppendControl(ctx context.Context, machineID string, entry metricslog.ControlEntry)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Poller.
type Option func(*Poller)

// WithClock substitutes the wall clock.
func WithClock(clock Clock) Option {
	return func(p *Poller) { p.clock = clock }
}

// WithCycleInterval overrides the cycle interval.
func WithCycleInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithMonitoredTags overrides which setting tags feed the control log.
func WithMonitoredTags(names []string) Option {
	return func(p *Poller) { p.monitored = append([]string(nil), names...) }
}

// WithRand substitutes the demo-mode random source.
func WithRand(rng *rand.Rand) Option {
	return func(p *Poller) { p.rng = rng }
}

// Poller appends one metric row per configured machine per cycle. Live
// machines are read over their session; demo machines get synthesized
// rows; machines in a lab session route to the lab file with clamping.
type Poller struct {
	sessions SessionSource
	recorder Recorder
	machines []Machine
	clock    Clock
	logger   *log.Logger
	interval time.Duration
	rng      *rand.Rand

	monitored []string

	mu           sync.Mutex
	labFiles     map[string]string
	lastSettings map[string]map[string]float64

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates dependencies and returns a stopped poller.
func New(sessions SessionSource, recorder Recorder, machines []Machine, logger *log.Logger, opts ...Option) (*Poller, error) {
	if sessions == nil {
		return nil, fmt.Errorf("poller: nil session source")
	}
	if recorder == nil {
		return nil, fmt.Errorf("poller: nil recorder")
	}
	p := &Poller{
		sessions:     sessions,
		recorder:     recorder,
		machines:     append([]Machine(nil), machines...),
		clock:        systemClock{},
		logger:       logger,
		interval:     DefaultCycleInterval,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		monitored:    defaultMonitoredTags(),
		labFiles:     make(map[string]string),
		lastSettings: make(map[string]map[string]float64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// defaultMonitoredTags lists the operator-adjustable settings whose
// changes land in the control log.
func defaultMonitoredTags() []string {
	names := make([]string, 0, feederCount+device.CounterCount)
	for i := 1; i <= feederCount; i++ {
		names = append(names, device.FeederRateTag(i))
	}
	for i := 1; i <= device.CounterCount; i++ {
		names = append(names, device.SensitivityActiveTag(i))
	}
	return names
}

// Start launches the cycle loop. The loop stops when ctx is cancelled or
// Stop is called.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop cancels the loop and waits for it with a bounded join.
func (p *Poller) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-time.After(stopTimeout):
		return ErrStopTimeout
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle performs one acquisition pass: refresh sessions, append a row per
// machine, and record setting changes.
func (p *Poller) Cycle(ctx context.Context) {
	start := time.Now()
	now := p.clock.Now()

	lost := p.sessions.Refresh(ctx)
	for _, machineID := range lost {
		p.forgetSettings(machineID)
	}

	for _, machine := range p.machines {
		switch {
		case machine.Demo:
			p.record(ctx, machine.ID, p.demoRecord(now))
		default:
			session, ok := p.sessions.Session(machine.ID)
			if !ok {
				continue
			}
			p.record(ctx, machine.ID, liveRecord(session, now))
			p.detectChanges(ctx, machine.ID, session, now)
		}
	}

	metrics.SetConnectedMachines(len(p.sessions.Sessions()))
	metrics.ObservePollCycle(time.Since(start))
}

// StartLab routes a machine's rows to a lab file until StopLab.
func (p *Poller) StartLab(machineID, filename string) {
	p.mu.Lock()
	p.labFiles[machineID] = filename
	p.mu.Unlock()
}

// StopLab returns a machine to the rolling 24h file.
func (p *Poller) StopLab(machineID string) {
	p.mu.Lock()
	delete(p.labFiles, machineID)
	p.mu.Unlock()
}

// LabFile reports the active lab filename for a machine, if any.
func (p *Poller) LabFile(machineID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	filename, ok := p.labFiles[machineID]
	return filename, ok
}

func (p *Poller) record(ctx context.Context, machineID string, rec metricslog.Record) {
	if filename, ok := p.LabFile(machineID); ok {
		p.recorder.AppendTo(ctx, machineID, filename, rec.ClampedForLab())
		return
	}
	p.recorder.Append(ctx, machineID, rec)
}

// liveRecord derives one row from a session's freshest tag values.
func liveRecord(session *acquisition.Session, now time.Time) metricslog.Record {
	rec := metricslog.Record{
		Timestamp:     now,
		Capacity:      tagFloat(session, device.TagCapacity) * kgToLbs,
		ObjectsPerMin: tagFloat(session, device.TagObjectsPerMin),
		Objects60M:    tagFloat(session, device.TagObjects60M),
		Mode:          metricslog.ModeLive,
	}

	var rejectCount float64
	for i := 0; i < metricslog.CounterCount; i++ {
		rec.Counters[i] = tagFloat(session, device.CounterRateTag(i+1))
		rejectCount += rec.Counters[i]
	}

	// Reject mass is apportioned from the defect share of the object
	// stream. No object rate means no basis to split, so everything
	// counts as accepted.
	if rec.ObjectsPerMin > 0 {
		rejectPct := rejectCount / rec.ObjectsPerMin
		rec.Rejects = rec.Capacity * rejectPct
	}
	rec.Accepts = rec.Capacity - rec.Rejects

	for i := 1; i <= feederCount; i++ {
		if tagFloat(session, device.FeederRunningTag(i)) != 0 {
			rec.Running = 1
			break
		}
	}
	if rec.Running == 0 {
		rec.Stopped = 1
	}
	return rec
}

// demoRecord synthesizes a plausible row for machines without hardware.
func (p *Poller) demoRecord(now time.Time) metricslog.Record {
	rec := metricslog.Record{
		Timestamp: now,
		Capacity:  47000 + p.rng.Float64()*6000,
		Running:   1,
		Mode:      metricslog.ModeDemo,
	}

	var rejectCount float64
	for i := range rec.Counters {
		rec.Counters[i] = float64(10 + p.rng.Intn(171))
		rejectCount += rec.Counters[i]
	}

	rejectPct := (4 + p.rng.Float64()*2) / 100
	rec.Rejects = rec.Capacity * rejectPct
	rec.Accepts = rec.Capacity - rec.Rejects
	rec.ObjectsPerMin = rejectCount / rejectPct
	rec.Objects60M = rec.ObjectsPerMin
	return rec
}

// detectChanges compares monitored setting tags against the previous
// cycle and appends a control log entry per change.
func (p *Poller) detectChanges(ctx context.Context, machineID string, session *acquisition.Session, now time.Time) {
	p.mu.Lock()
	last := p.lastSettings[machineID]
	if last == nil {
		last = make(map[string]float64)
		p.lastSettings[machineID] = last
	}
	p.mu.Unlock()

	for _, name := range p.monitored {
		series, ok := session.Tag(name)
		if !ok {
			continue
		}
		current, ok := series.LatestFloat()
		if !ok {
			continue
		}
		previous, seen := last[name]
		last[name] = current
		if !seen || current == previous {
			continue
		}
		action := metricslog.ChangeAction(previous, current)
		p.recorder.AppendControl(ctx, machineID, metricslog.ControlEntry{
			Timestamp: now,
			Tag:       name,
			Action:    action,
			Icon:      action,
			OldValue:  strconv.FormatFloat(previous, 'f', -1, 64),
			NewValue:  strconv.FormatFloat(current, 'f', -1, 64),
			Mode:      metricslog.ModeLive,
		})
		if p.logger != nil {
			p.logger.Printf("setting change on %s: %s %s -> %s", machineID, name,
				strconv.FormatFloat(previous, 'f', -1, 64), strconv.FormatFloat(current, 'f', -1, 64))
		}
	}
}

func (p *Poller) forgetSettings(machineID string) {
	p.mu.Lock()
	delete(p.lastSettings, machineID)
	p.mu.Unlock()
}

func tagFloat(session *acquisition.Session, name string) float64 {
	series, ok := session.Tag(name)
	if !ok {
		return 0
	}
	value, ok := series.LatestFloat()
	if !ok {
		return 0
	}
	return value
}
