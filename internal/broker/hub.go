// Package broker implements the central hub: it terminates dashboard-client
// (/ws) and gateway (/gw) WebSockets, authenticates gateways, and routes
// normalized messages between the two populations.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nodefabric/broker/internal/auth"
	"github.com/nodefabric/broker/internal/httpstatus"
	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/message"
	"github.com/nodefabric/broker/internal/wsconn"
)

// authTimeout is how long an unauthenticated /gw connection is given to
// present its token before being dropped.
const authTimeout = 2 * time.Second

const closeMalformed = 1003 // close code for malformed/unknown message

// Hub is the broker's central routing table.
type Hub struct {
	lg     logger.Logger
	secret []byte

	mu      sync.RWMutex
	clients map[string]*ClientConn

	gwMu     sync.RWMutex
	gateways map[*GatewayConn]struct{}
}

// New returns an empty Hub. secret is the shared key used to verify gateway
// auth tokens (key file `[keys] secret`).
func New(lg logger.Logger, secret []byte) *Hub {
	if lg == nil {
		lg = logger.Null
	}
	return &Hub{
		lg:       lg,
		secret:   secret,
		clients:  make(map[string]*ClientConn),
		gateways: make(map[*GatewayConn]struct{}),
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GatewayCount returns the number of authenticated gateway connections.
func (h *Hub) GatewayCount() int {
	h.gwMu.RLock()
	defer h.gwMu.RUnlock()
	return len(h.gateways)
}

// StatusCounts renders the current connection counts for httpstatus's index
// page, so the status binary has no dependency beyond the hub itself.
func (h *Hub) StatusCounts() httpstatus.Counts {
	gws := make([]httpstatus.GatewayCounts, 0)
	for _, gc := range h.gatewaySnapshot() {
		gws = append(gws, httpstatus.GatewayCounts{Name: gc.Name(), Nodes: gc.NodeCount()})
	}
	return httpstatus.Counts{Clients: h.ClientCount(), Gateways: gws}
}

// AcceptClient takes ownership of an upgraded /ws connection, running its
// pumps until the connection closes. Blocks until then, so callers run it
// in its own goroutine, one per connection.
func (h *Hub) AcceptClient(ws *websocket.Conn) {
	cc := &ClientConn{uid: uuid.NewString(), conn: wsconn.New(ws)}

	h.mu.Lock()
	h.clients[cc.uid] = cc
	h.mu.Unlock()
	h.lg.Printf("broker: client %s connected", cc.uid)

	go cc.conn.WritePump()
	_ = cc.conn.ReadPump(func(b []byte) error {
		return h.handleClientFrame(cc, b)
	})

	h.mu.Lock()
	delete(h.clients, cc.uid)
	h.mu.Unlock()
	h.lg.Printf("broker: client %s disconnected", cc.uid)
}

func (h *Hub) handleClientFrame(cc *ClientConn, b []byte) error {
	msg, err := message.Parse(b)
	if err != nil {
		h.lg.Printf("broker: client %s sent malformed message: %s", cc.uid, err)
		cc.conn.CloseWithReason(closeMalformed, err.Error())
		return err
	}
	h.routeClientMessage(cc, msg.WithSrc(cc.uid))
	return nil
}

// routeClientMessage forwards every client message, stamped with src, to
// every authenticated gateway. Neither `new` nor `update` causes any
// broker-local state change; the gateway
// interprets `new` as a cache-replay request and `update` as a
// client-initiated node write.
func (h *Hub) routeClientMessage(cc *ClientConn, msg *message.Message) {
	payload := msg.Bytes()
	for _, gc := range h.gatewaySnapshot() {
		if !gc.conn.Send(payload) {
			h.lg.Printf("broker: dropped message to gateway %s (slow/closed)", gc.name)
		}
	}
}

// AcceptGateway takes ownership of an upgraded /gw connection. The first
// frame must verify as a valid auth token within authTimeout or the
// connection is dropped with no broker state change.
func (h *Hub) AcceptGateway(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, tokenFrame, err := ws.ReadMessage()
	if err != nil {
		h.lg.Printf("broker: gateway auth timed out or disconnected: %s", err)
		ws.Close()
		return
	}
	name, err := auth.VerifyToken(h.secret, string(tokenFrame))
	if err != nil {
		h.lg.Printf("broker: gateway auth failed: %s", err)
		ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	gc := &GatewayConn{
		conn:     wsconn.New(ws),
		name:     name,
		state:    stateAuthed,
		nodeUIDs: make(map[string]struct{}),
	}

	h.gwMu.Lock()
	h.gateways[gc] = struct{}{}
	h.gwMu.Unlock()
	h.lg.Printf("broker: gateway %s authenticated", name)

	go gc.conn.WritePump()
	_ = gc.conn.ReadPump(func(b []byte) error {
		return h.handleGatewayFrame(gc, b)
	})

	h.gwMu.Lock()
	delete(h.gateways, gc)
	h.gwMu.Unlock()

	for _, uid := range gc.nodeList() {
		h.broadcastToClients(message.OutNode(uid))
	}
	h.lg.Printf("broker: gateway %s disconnected", name)
}

func (h *Hub) handleGatewayFrame(gc *GatewayConn, b []byte) error {
	msg, err := message.Parse(b)
	if err != nil {
		h.lg.Printf("broker: gateway %s sent malformed message: %s", gc.name, err)
		gc.conn.CloseWithReason(closeMalformed, err.Error())
		return err
	}
	h.routeGatewayMessage(gc, msg)
	return nil
}

// routeGatewayMessage applies per-type routing for a frame arriving from an
// authenticated gateway connection.
func (h *Hub) routeGatewayMessage(gc *GatewayConn, msg *message.Message) {
	switch msg.Type {
	case message.New:
		gc.addNode(msg.UID)
		h.deliver(msg)

	case message.Update:
		if msg.IsHeartbeat() {
			return
		}
		if !gc.hasNode(msg.UID) {
			return // drop silently: update for a uid this gateway never announced
		}
		h.deliver(msg)

	case message.Out:
		if !gc.hasNode(msg.UID) {
			return // out for a uid this gateway never announced is dropped silently
		}
		gc.removeNode(msg.UID)
		h.broadcastToClients(msg)

	case message.Reset:
		if !gc.hasNode(msg.UID) {
			return
		}
		h.broadcastToClients(msg)
	}
}

// deliver applies dst-based routing: "all" broadcasts, anything else goes
// to that one client only (dropped silently if unknown).
func (h *Hub) deliver(msg *message.Message) {
	if msg.Dst == message.DstAll || msg.Dst == "" {
		h.broadcastToClients(msg)
		return
	}
	h.sendToClient(msg.Dst, msg)
}

func (h *Hub) broadcastToClients(msg *message.Message) {
	payload := msg.Bytes()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for uid, cc := range h.clients {
		if !cc.conn.Send(payload) {
			h.lg.Printf("broker: dropped message to client %s (slow/closed)", uid)
		}
	}
}

func (h *Hub) sendToClient(uid string, msg *message.Message) {
	h.mu.RLock()
	cc, ok := h.clients[uid]
	h.mu.RUnlock()
	if !ok {
		return // unknown client: drop silently
	}
	if !cc.conn.Send(msg.Bytes()) {
		h.lg.Printf("broker: dropped message to client %s (slow/closed)", uid)
	}
}

func (h *Hub) gatewaySnapshot() []*GatewayConn {
	h.gwMu.RLock()
	defer h.gwMu.RUnlock()
	out := make([]*GatewayConn, 0, len(h.gateways))
	for gc := range h.gateways {
		out = append(out, gc)
	}
	return out
}
