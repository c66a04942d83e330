package device

import (
	"context"
	"errors"
)

// ErrNodeNotFound reports a read against a node the server does not expose.
var ErrNodeNotFound = errors.New("device: node not found")

// Transport is one open connection to a sorter. Reads are synchronous
// network round trips; callers must not assume sub-millisecond latency.
type Transport interface {
	// Endpoint returns the address the transport is connected to.
	Endpoint() string
	// Read fetches the current value of one node.
	Read(ctx context.Context, nodeID string) (any, error)
	// Close releases the connection. Safe to call more than once.
	Close(ctx context.Context) error
}

// Browser is implemented by transports that support full recursive
// discovery. It is the slow fallback for export and debugging; normal
// operation resolves tags through the fixed catalog.
type Browser interface {
	BrowseAll(ctx context.Context, maxDepth int) (map[string]string, error)
}

// Dialer opens transports to machine addresses.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// ToFloat converts a raw tag value to float64. Booleans map to 0/1 so
// status flags can share the numeric history path.
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
