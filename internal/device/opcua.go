package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// OPCUAConfig captures the runtime details required to open a session
// against a sorter's embedded OPC UA server.
type OPCUAConfig struct {
	ApplicationName string        `yaml:"application_name"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	Port            int           `yaml:"port"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// ApplyDefaults fills zero fields with the values the sorters expect.
func (c *OPCUAConfig) ApplyDefaults() {
	if c.ApplicationName == "" {
		c.ApplicationName = "Satake.EvoRGB.1"
	}
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.Port <= 0 {
		c.Port = 4840
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// OPCUADialer opens OPC UA transports.
type OPCUADialer struct {
	cfg OPCUAConfig
}

// NewOPCUADialer constructs a dialer with defaults applied.
func NewOPCUADialer(cfg OPCUAConfig) *OPCUADialer {
	cfg.ApplyDefaults()
	return &OPCUADialer{cfg: cfg}
}

// Dial connects to the machine at address. A bare host gets the
// configured port appended.
func (d *OPCUADialer) Dial(ctx context.Context, address string) (Transport, error) {
	endpoint := address
	if !strings.HasPrefix(endpoint, "opc.tcp://") {
		endpoint = fmt.Sprintf("opc.tcp://%s:%d", address, d.cfg.Port)
	}

	opts := []opcua.Option{
		opcua.SecurityModeString(d.cfg.SecurityMode),
		opcua.SecurityPolicy(d.cfg.SecurityPolicy),
		opcua.ApplicationName(d.cfg.ApplicationName),
		opcua.AuthAnonymous(),
		opcua.SessionTimeout(d.cfg.SessionTimeout),
		opcua.RequestTimeout(d.cfg.RequestTimeout),
		// Reconnection is owned by the supervisor, not the transport.
		opcua.AutoReconnect(false),
	}

	client, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("device: new client %s: %w", endpoint, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("device: connect %s: %w", endpoint, err)
	}

	return &opcuaTransport{
		endpoint: endpoint,
		client:   client,
		nodes:    make(map[string]*opcua.Node),
	}, nil
}

type opcuaTransport struct {
	endpoint string
	client   *opcua.Client

	mu    sync.Mutex
	nodes map[string]*opcua.Node
}

func (t *opcuaTransport) Endpoint() string { return t.endpoint }

func (t *opcuaTransport) Read(ctx context.Context, nodeID string) (any, error) {
	node, err := t.node(nodeID)
	if err != nil {
		return nil, err
	}
	variant, err := node.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("device: read %s: %w", nodeID, err)
	}
	if variant == nil {
		return nil, ErrNodeNotFound
	}
	return variant.Value(), nil
}

func (t *opcuaTransport) Close(ctx context.Context) error {
	return t.client.Close(ctx)
}

func (t *opcuaTransport) node(nodeID string) (*opcua.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.nodes[nodeID]; ok {
		return node, nil
	}
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("device: parse node id %q: %w", nodeID, err)
	}
	node := t.client.Node(parsed)
	t.nodes[nodeID] = node
	return node, nil
}

// BrowseAll walks the server's objects folder and returns every variable
// found, keyed by browse name. Slow; intended for export and debugging.
func (t *opcuaTransport) BrowseAll(ctx context.Context, maxDepth int) (map[string]string, error) {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	found := make(map[string]string)
	root := t.client.Node(ua.NewNumericNodeID(0, id.ObjectsFolder))
	if err := t.browse(ctx, root, 0, maxDepth, found); err != nil {
		return nil, err
	}
	return found, nil
}

func (t *opcuaTransport) browse(ctx context.Context, node *opcua.Node, depth, maxDepth int, found map[string]string) error {
	if depth > maxDepth {
		return nil
	}
	children, err := node.Children(ctx, id.HierarchicalReferences, ua.NodeClassAll)
	if err != nil {
		if depth == 0 {
			return fmt.Errorf("device: browse: %w", err)
		}
		return nil
	}
	for _, child := range children {
		class, err := child.NodeClass(ctx)
		if err != nil {
			continue
		}
		if class == ua.NodeClassVariable {
			name, err := child.BrowseName(ctx)
			if err != nil || name == nil {
				continue
			}
			if _, exists := found[name.Name]; !exists {
				found[name.Name] = child.ID.String()
			}
			continue
		}
		if err := t.browse(ctx, child, depth+1, maxDepth, found); err != nil {
			return err
		}
	}
	return nil
}
