// Package wsgw implements the WebSocket node gateway: it terminates the
// /node endpoint used by devices that speak JSON directly, bridging their
// frames to the shared node registry.
package wsgw

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/message"
	"github.com/nodefabric/broker/internal/registry"
	"github.com/nodefabric/broker/internal/wsconn"
)

// Gateway bridges WebSocket-speaking nodes to the shared node registry.
type Gateway struct {
	lg       logger.Logger
	registry *registry.Registry

	mu    sync.RWMutex
	conns map[string]*wsconn.Conn // uid -> node connection, for update_node_resource
}

// New returns a Gateway around reg.
func New(lg logger.Logger, reg *registry.Registry) *Gateway {
	if lg == nil {
		lg = logger.Null
	}
	return &Gateway{lg: lg, registry: reg, conns: make(map[string]*wsconn.Conn)}
}

// AcceptNode takes ownership of an upgraded /node connection: creates the
// node, requests discovery, and bridges frames until close.
func (g *Gateway) AcceptNode(ws *websocket.Conn) {
	uid := uuid.NewString()
	conn := wsconn.New(ws)

	g.mu.Lock()
	g.conns[uid] = conn
	g.mu.Unlock()

	if _, err := g.registry.Add(uid, nil); err != nil {
		g.lg.Printf("wsgw: add %s: %s", uid, err)
	}
	conn.Send(message.DiscoverRequest().Bytes())

	go conn.WritePump()
	_ = conn.ReadPump(func(b []byte) error {
		return g.handleFrame(uid, b)
	})

	g.mu.Lock()
	delete(g.conns, uid)
	g.mu.Unlock()
	if err := g.registry.Remove(uid); err != nil {
		g.lg.Printf("wsgw: remove %s: %s", uid, err)
	}
}

type updateFrame struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

func (g *Gateway) handleFrame(uid string, b []byte) error {
	var frame updateFrame
	if err := json.Unmarshal(b, &frame); err != nil {
		g.lg.Printf("wsgw: malformed frame from %s: %s", uid, err)
		return nil // protocol error on a device link is not fatal to the connection
	}
	if frame.Type != "update" {
		return nil
	}
	for key, value := range frame.Data {
		if err := g.registry.ForwardData(uid, key, value); err != nil {
			g.lg.Printf("wsgw: forward data for %s: %s", uid, err)
		}
	}
	return nil
}

type setFrame struct {
	Endpoint string `json:"endpoint"`
	Payload  string `json:"payload"`
}

// UpdateNodeResource implements the client-initiated update: send
// {"endpoint": r, "payload": v} on the node's socket.
func (g *Gateway) UpdateNodeResource(uid, endpoint, value string) error {
	g.mu.RLock()
	conn, ok := g.conns[uid]
	g.mu.RUnlock()
	if !ok {
		return registry.ErrUnknownNode
	}

	b, err := json.Marshal(setFrame{Endpoint: endpoint, Payload: value})
	if err != nil {
		return err
	}
	conn.Send(b)
	return nil
}
