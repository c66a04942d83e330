// Package acquisition owns device sessions and the process-wide registry.
package acquisition

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"sorterfleet/internal/device"
	"sorterfleet/internal/tags"
)

// FailureThreshold is the number of consecutive failed refresh cycles
// after which a connection is considered lost. There is no heartbeat from
// the device; this is the sole silent-death detector.
const FailureThreshold = 3

// Status is the externally visible connection state of one machine.
type Status struct {
	Connected    bool
	LastUpdate   time.Time
	FailureCount int
}

// Session is one open connection to a machine plus its discovered tag set.
// The registry creates and destroys sessions; tag series are read-shared
// with the poller and the query layer.
type Session struct {
	id        string
	machineID string
	address   string
	transport device.Transport

	mu         sync.Mutex
	tags       map[string]*tags.Series
	connected  bool
	failures   int
	lastUpdate time.Time
}

func newSession(machineID, address string, transport device.Transport, seeded map[string]*tags.Series, now time.Time) *Session {
	return &Session{
		id:         uuid.NewString(),
		machineID:  machineID,
		address:    address,
		transport:  transport,
		tags:       seeded,
		connected:  true,
		lastUpdate: now,
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// MachineID returns the machine this session belongs to.
func (s *Session) MachineID() string { return s.machineID }

// Address returns the configured device address.
func (s *Session) Address() string { return s.address }

// Tag returns the series for a tag name.
func (s *Session) Tag(name string) (*tags.Series, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.tags[name]
	return series, ok
}

// TagNames returns the discovered tag names.
func (s *Session) TagNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tags))
	for name := range s.tags {
		names = append(names, name)
	}
	return names
}

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:    s.connected,
		LastUpdate:   s.lastUpdate,
		FailureCount: s.failures,
	}
}

// refresh reads every tag once. A cycle with at least one successful read
// resets the failure counter; a cycle with none increments it. The caller
// decides teardown when the threshold is reached.
func (s *Session) refresh(ctx context.Context, now time.Time) (successes, failures int) {
	s.mu.Lock()
	series := make([]*tags.Series, 0, len(s.tags))
	for _, sr := range s.tags {
		series = append(series, sr)
	}
	s.mu.Unlock()

	for _, sr := range series {
		value, err := s.transport.Read(ctx, sr.NodeID())
		if err != nil {
			failures++
			continue
		}
		numeric, isNumeric := device.ToFloat(value)
		sr.Add(value, numeric, isNumeric, now)
		successes++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if successes > 0 {
		s.failures = 0
		s.lastUpdate = now
	} else {
		s.failures++
	}
	return successes, failures
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

func (s *Session) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}
