package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sorterfleet/internal/device"
	"sorterfleet/internal/observability/metrics"
	"sorterfleet/internal/tags"
)

var (
	// ErrAlreadyConnected reports a connect for a machine that has a live session.
	ErrAlreadyConnected = errors.New("acquisition: machine already connected")
	// ErrNoTags reports a connect whose discovery yielded zero readable tags.
	ErrNoTags = errors.New("acquisition: no readable tags discovered")
	// ErrConnectionLost reports a refresh that crossed the failure threshold.
	ErrConnectionLost = errors.New("acquisition: connection lost")
)

// Clock provides time to the registry.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

// Now returns current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Registry is the process-wide table of active sessions keyed by machine id.
// It is injected into the poller and the supervisor rather than accessed as
// ambient state; all map access happens under the registry lock.
type Registry struct {
	dialer  device.Dialer
	catalog *device.Catalog
	clock   Clock
	logger  *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs a Registry.
func NewRegistry(dialer device.Dialer, catalog *device.Catalog, clock Clock, logger *log.Logger) (*Registry, error) {
	if dialer == nil {
		return nil, errors.New("acquisition: nil dialer")
	}
	if catalog == nil {
		return nil, errors.New("acquisition: nil catalog")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Registry{
		dialer:   dialer,
		catalog:  catalog,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Connect opens a transport to the machine, discovers the fast tag subset
// against the fixed catalog, seeds each tag's first sample and inserts the
// session into the registry.
func (r *Registry) Connect(ctx context.Context, machineID, address string) (*Session, error) {
	if r.Connected(machineID) {
		return nil, ErrAlreadyConnected
	}

	transport, err := r.dialer.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("acquisition: connect machine %s: %w", machineID, err)
	}

	now := r.clock.Now()
	seeded := make(map[string]*tags.Series)
	for name, nodeID := range r.catalog.FastTags() {
		value, err := transport.Read(ctx, nodeID)
		if err != nil {
			// Tags the server does not expose are skipped, same as a
			// partial catalog match during discovery.
			continue
		}
		series := tags.NewSeries(name, nodeID, tags.DefaultMaxPoints)
		numeric, isNumeric := device.ToFloat(value)
		series.Add(value, numeric, isNumeric, now)
		seeded[name] = series
	}
	if len(seeded) == 0 {
		_ = transport.Close(ctx)
		return nil, ErrNoTags
	}

	session := newSession(machineID, address, transport, seeded, now)

	r.mu.Lock()
	if existing, ok := r.sessions[machineID]; ok && existing.Status().Connected {
		r.mu.Unlock()
		_ = transport.Close(ctx)
		return nil, ErrAlreadyConnected
	}
	r.sessions[machineID] = session
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Printf("connected machine %s at %s: %d tags (session %s)", machineID, address, len(seeded), session.ID())
	}
	return session, nil
}

// Refresh reads every tag of every registered session once. Sessions whose
// consecutive failure count reaches the threshold are torn down and removed;
// their machine ids are returned so the supervisor can begin retrying.
func (r *Registry) Refresh(ctx context.Context) (lost []string) {
	for _, session := range r.Sessions() {
		_, failed := session.refresh(ctx, r.clock.Now())
		if failed > 0 {
			metrics.AddReadFailures(session.MachineID(), failed)
		}
		if session.failureCount() < FailureThreshold {
			continue
		}

		// Sole detection path for a silently dead connection: logged once
		// here, not per failed read.
		if r.logger != nil {
			r.logger.Printf("connection lost for machine %s after %d failed cycles", session.MachineID(), session.failureCount())
		}
		r.remove(ctx, session)
		lost = append(lost, session.MachineID())
	}
	return lost
}

// Disconnect closes and removes a machine's session. Calling it for an
// absent machine is a no-op.
func (r *Registry) Disconnect(ctx context.Context, machineID string) {
	r.mu.Lock()
	session, ok := r.sessions[machineID]
	if ok {
		delete(r.sessions, machineID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	session.markDisconnected()
	if err := session.transport.Close(ctx); err != nil && r.logger != nil {
		r.logger.Printf("close transport for machine %s: %v", machineID, err)
	}
	if r.logger != nil {
		r.logger.Printf("disconnected machine %s", machineID)
	}
}

// Session returns the live session for a machine.
func (r *Registry) Session(machineID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[machineID]
	return session, ok
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// Connected reports whether a machine has a live session.
func (r *Registry) Connected(machineID string) bool {
	session, ok := r.Session(machineID)
	return ok && session.Status().Connected
}

// Status returns the connection status of a machine. Unknown machines get
// a zero-valued status, not an error.
func (r *Registry) Status(machineID string) Status {
	session, ok := r.Session(machineID)
	if !ok {
		return Status{}
	}
	return session.Status()
}

func (r *Registry) remove(ctx context.Context, session *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[session.MachineID()]; ok && current == session {
		delete(r.sessions, session.MachineID())
	}
	r.mu.Unlock()
	session.markDisconnected()
	_ = session.transport.Close(ctx)
	metrics.IncConnectionLost(session.MachineID())
}
