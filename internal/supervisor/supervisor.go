// Package supervisor retries lost machine connections with exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sorterfleet/internal/acquisition"
	"sorterfleet/internal/observability/metrics"
)

const (
	// ScanInterval is the pause between reconnection scan cycles.
	ScanInterval = 10 * time.Second

	initialDelaySeconds = 10
	maxDelaySeconds     = 60

	stopTimeout = 5 * time.Second
)

// ErrStopTimeout reports a worker that did not observe cancellation within
// the join window. The goroutine is leaked; process-level remediation is up
// to the caller.
var ErrStopTimeout = errors.New("supervisor: worker did not stop in time")

// Machine is one configured machine the supervisor keeps connected.
type Machine struct {
	ID      string
	Address string
}

// Connector is the slice of the connection registry the supervisor needs.
type Connector interface {
	Connect(ctx context.Context, machineID, address string) (*acquisition.Session, error)
	Connected(machineID string) bool
}

// Clock provides time to the supervisor.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// retryState tracks one machine that should be connected but is not.
// Deleted immediately on successful reconnection.
type retryState struct {
	lastAttempt  time.Time
	attemptCount int
	nextDelaySec int
}

// Supervisor scans configured machines every cycle and retries the ones
// that should be connected but are not.
type Supervisor struct {
	connector Connector
	machines  []Machine
	clock     Clock
	logger    *log.Logger

	mu       sync.Mutex
	retries  map[string]*retryState
	manualNo map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Supervisor.
func New(connector Connector, machines []Machine, clock Clock, logger *log.Logger) (*Supervisor, error) {
	if connector == nil {
		return nil, errors.New("supervisor: nil connector")
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Supervisor{
		connector: connector,
		machines:  machines,
		clock:     clock,
		logger:    logger,
		retries:   make(map[string]*retryState),
		manualNo:  make(map[string]bool),
	}, nil
}

// MarkManualDisconnect excludes a machine from reconnection after an
// operator disconnect.
func (s *Supervisor) MarkManualDisconnect(machineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualNo[machineID] = true
	delete(s.retries, machineID)
}

// ClearManualDisconnect re-enables reconnection for a machine.
func (s *Supervisor) ClearManualDisconnect(machineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.manualNo, machineID)
}

// Start launches the scan loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels the loop and joins with a bounded timeout.
func (s *Supervisor) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-time.After(stopTimeout):
		return ErrStopTimeout
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	if s.logger != nil {
		s.logger.Printf("reconnection supervisor started: %d machines", len(s.machines))
	}
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Printf("reconnection supervisor stopped")
			}
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one supervisor cycle: reconcile retry state with the
// registry, then attempt every machine whose backoff delay has elapsed.
func (s *Supervisor) Scan(ctx context.Context) {
	now := s.clock.Now()
	for _, machine := range s.machines {
		if machine.Address == "" {
			continue
		}
		if s.connector.Connected(machine.ID) {
			// Independent detection that the machine came back: drop any
			// retry state regardless of cycle timing.
			s.dropState(machine.ID)
			continue
		}
		if s.isManualOff(machine.ID) {
			continue
		}

		state := s.ensureState(machine.ID)
		if !s.attemptDue(state, now) {
			continue
		}
		s.attempt(ctx, machine, state, now)
	}
}

func (s *Supervisor) isManualOff(machineID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manualNo[machineID]
}

// NextDelaySeconds returns the current backoff delay for a machine, or 0
// when the machine is not being retried.
func (s *Supervisor) NextDelaySeconds(machineID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.retries[machineID]
	if !ok {
		return 0
	}
	return state.nextDelaySec
}

// AttemptCount returns how many failed attempts the machine has accumulated.
func (s *Supervisor) AttemptCount(machineID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.retries[machineID]
	if !ok {
		return 0
	}
	return state.attemptCount
}

func (s *Supervisor) attempt(ctx context.Context, machine Machine, state *retryState, now time.Time) {
	_, err := s.connector.Connect(ctx, machine.ID, machine.Address)
	if err == nil || errors.Is(err, acquisition.ErrAlreadyConnected) {
		metrics.IncReconnectAttempt(machine.ID, "success")
		if s.logger != nil {
			s.logger.Printf("reconnected machine %s at %s after %d attempts", machine.ID, machine.Address, state.attemptCount+1)
		}
		s.dropState(machine.ID)
		return
	}

	metrics.IncReconnectAttempt(machine.ID, "failure")
	s.mu.Lock()
	state.lastAttempt = now
	state.attemptCount++
	state.nextDelaySec = backoffDelaySeconds(state.attemptCount)
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Printf("reconnect attempt %d for machine %s failed: %v (next in %ds)",
			state.attemptCount, machine.ID, err, state.nextDelaySec)
	}
}

// backoffDelaySeconds returns min(60, 10*2^(attempts-1)): 10, 20, 40, 60, 60, …
func backoffDelaySeconds(attempts int) int {
	if attempts < 1 {
		return initialDelaySeconds
	}
	delay := initialDelaySeconds
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelaySeconds {
			return maxDelaySeconds
		}
	}
	if delay > maxDelaySeconds {
		return maxDelaySeconds
	}
	return delay
}

func (s *Supervisor) ensureState(machineID string) *retryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.retries[machineID]
	if !ok {
		state = &retryState{nextDelaySec: initialDelaySeconds}
		s.retries[machineID] = state
	}
	return state
}

func (s *Supervisor) attemptDue(state *retryState, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.lastAttempt.IsZero() {
		return true
	}
	return now.Sub(state.lastAttempt) >= time.Duration(state.nextDelaySec)*time.Second
}

func (s *Supervisor) dropState(machineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, machineID)
}

// String describes the retry table, for diagnostics.
func (s *Supervisor) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("supervisor{retrying=%d}", len(s.retries))
}
