package broker

import (
	"sync"

	"github.com/nodefabric/broker/internal/wsconn"
)

// ClientConn is a dashboard client's /ws connection.
type ClientConn struct {
	uid  string
	conn *wsconn.Conn
}

// UID returns the client's broker-assigned identifier.
func (c *ClientConn) UID() string { return c.uid }

type gatewayState int

const (
	stateUnauthed gatewayState = iota
	stateAuthed
)

// GatewayConn is a protocol gateway's /gw connection: unauthenticated until
// its first frame verifies as a valid token, then tracks the set of node
// uids it has announced via `new` until it disconnects.
type GatewayConn struct {
	conn *wsconn.Conn
	name string

	mu       sync.Mutex
	state    gatewayState
	nodeUIDs map[string]struct{}
}

// Name returns the gateway's authenticated identity (the auth token subject).
func (g *GatewayConn) Name() string { return g.name }

func (g *GatewayConn) addNode(uid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodeUIDs[uid] = struct{}{}
}

func (g *GatewayConn) removeNode(uid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodeUIDs, uid)
}

func (g *GatewayConn) hasNode(uid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodeUIDs[uid]
	return ok
}

// NodeCount returns the number of nodes currently announced by this gateway.
func (g *GatewayConn) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodeUIDs)
}

// nodeList returns a snapshot of node uids announced by this gateway.
func (g *GatewayConn) nodeList() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.nodeUIDs))
	for uid := range g.nodeUIDs {
		out = append(out, uid)
	}
	return out
}
