// Package tags holds bounded in-memory history for instrument readings.
package tags

import (
	"sync"
	"time"
)

// DefaultMaxPoints bounds raw tag history.
const DefaultMaxPoints = 1000

// DisplayMaxPoints bounds display-oriented series such as counter trends.
const DisplayMaxPoints = 120

// Sample is one timestamped reading.
type Sample struct {
	Time  time.Time
	Value float64
}

// Series is the bounded history of one tag. Writers take the lock only for
// the mutation+trim step; readers copy a snapshot out rather than holding
// the lock across processing.
type Series struct {
	name      string
	nodeID    string
	maxPoints int

	mu      sync.Mutex
	samples []Sample
	latest  any
	hasData bool
}

// NewSeries constructs a Series. maxPoints <= 0 selects DefaultMaxPoints.
func NewSeries(name, nodeID string, maxPoints int) *Series {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Series{
		name:      name,
		nodeID:    nodeID,
		maxPoints: maxPoints,
		samples:   make([]Sample, 0, maxPoints),
	}
}

// Name returns the symbolic tag name.
func (s *Series) Name() string { return s.name }

// NodeID returns the protocol node address the tag reads from.
func (s *Series) NodeID() string { return s.nodeID }

// Add appends a reading at time now. Non-numeric values update the latest
// value but are not recorded in the numeric history.
func (s *Series) Add(value any, numeric float64, isNumeric bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = value
	s.hasData = true
	if !isNumeric {
		return
	}
	s.samples = append(s.samples, Sample{Time: now, Value: numeric})
	if excess := len(s.samples) - s.maxPoints; excess > 0 {
		s.samples = append(s.samples[:0], s.samples[excess:]...)
	}
}

// Latest returns the most recent raw value and whether any value was seen.
func (s *Series) Latest() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasData
}

// LatestFloat returns the most recent numeric sample.
func (s *Series) LatestFloat() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return 0, false
	}
	return s.samples[len(s.samples)-1].Value, true
}

// Snapshot returns a copy of the numeric history in chronological order.
func (s *Series) Snapshot() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Len returns the number of stored numeric samples.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}
