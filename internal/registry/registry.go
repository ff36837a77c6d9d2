// Package registry implements the per-gateway Node store and lifecycle
// shared by the CoAP, MQTT and WebSocket gateways: uniform
// add/reset/remove/touch/fetch-cache semantics, with every mutation
// emitting the normalized events the gateway forwards to the broker.
//
// The registry never performs network I/O itself: Emit enqueues a message
// on the gateway's outbound link, and Discover - if supplied - is invoked in
// its own goroutine so that a slow discovery pass never blocks another
// node's registry access.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/message"
)

// ErrUnknownNode is returned by Reset/Remove/Touch/ForwardData/Get-based
// callers when a uid is not currently registered.
var ErrUnknownNode = errors.New("registry: unknown node")

// ErrNodeExists is returned by Add when uid is already registered.
var ErrNodeExists = errors.New("registry: node already exists")

// EmitFunc enqueues a normalized message toward the broker.
type EmitFunc func(*message.Message)

// DiscoverFunc runs protocol-specific resource discovery for a
// newly-added or just-reset node. Invoked outside any registry lock.
type DiscoverFunc func(node *Node)

// Registry is the per-gateway node store.
type Registry struct {
	protocol string
	maxTime  time.Duration
	lg       logger.Logger
	emit     EmitFunc
	discover DiscoverFunc

	mu    sync.RWMutex
	nodes map[string]*Node
}

// New returns an empty registry for one gateway. protocol is the value
// stamped into every node's "protocol" resource (e.g. "CoAP", "MQTT",
// "WebSocket"). maxTime is the liveness expiry window used by Sweep.
func New(protocol string, maxTime time.Duration, lg logger.Logger, emit EmitFunc, discover DiscoverFunc) *Registry {
	if lg == nil {
		lg = logger.Null
	}
	return &Registry{
		protocol: protocol,
		maxTime:  maxTime,
		lg:       lg,
		emit:     emit,
		discover: discover,
		nodes:    make(map[string]*Node),
	}
}

// Get returns a snapshot of the node with uid, if present.
func (r *Registry) Get(uid string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[uid]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Has reports whether uid is currently registered.
func (r *Registry) Has(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[uid]
	return ok
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot returns a defensive copy of every registered node.
func (r *Registry) Snapshot() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range maps.Values(r.nodes) {
		out = append(out, n.clone())
	}
	return out
}

// Add registers a new node, seeded with the given initial resources (e.g.
// {"ip": remoteAddr} for CoAP, {"id": brokerScopedID} for MQTT), sets its
// "protocol" resource, emits new_node followed by one update_node per
// resource, and kicks off discovery. Returns an error if uid is already
// known.
func (r *Registry) Add(uid string, initial map[string]string) (*Node, error) {
	r.mu.Lock()
	if _, exists := r.nodes[uid]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, uid)
	}
	resources := make(map[string]string, len(initial)+1)
	for k, v := range initial {
		resources[k] = v
	}
	resources["protocol"] = r.protocol
	node := &Node{UID: uid, Resources: resources, LastSeen: time.Now()}
	r.nodes[uid] = node
	snapshot := node.clone()
	r.mu.Unlock()

	r.lg.Printf("registry[%s]: new node %s", r.protocol, uid)
	r.emitCache(snapshot, message.DstAll)

	if r.discover != nil {
		go r.discover(snapshot)
	}
	return snapshot, nil
}

// Reset clears a node's resources back to defaults (plus "protocol"),
// emits reset_node, and re-runs discovery. defaults typically carries
// identifying data that must survive the reset (e.g. {"ip": remoteAddr}).
func (r *Registry) Reset(uid string, defaults map[string]string) error {
	r.mu.Lock()
	node, ok := r.nodes[uid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, uid)
	}
	resources := make(map[string]string, len(defaults)+1)
	for k, v := range defaults {
		resources[k] = v
	}
	resources["protocol"] = r.protocol
	node.Resources = resources
	node.LastSeen = time.Now() // a reset is itself a liveness indication
	snapshot := node.clone()
	r.mu.Unlock()

	r.lg.Printf("registry[%s]: reset node %s", r.protocol, uid)
	r.emit(message.ResetNode(uid))

	if r.discover != nil {
		go r.discover(snapshot)
	}
	return nil
}

// Remove drops a node from the registry and emits out_node.
func (r *Registry) Remove(uid string) error {
	r.mu.Lock()
	if _, ok := r.nodes[uid]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, uid)
	}
	delete(r.nodes, uid)
	r.mu.Unlock()

	r.lg.Printf("registry[%s]: remove node %s", r.protocol, uid)
	r.emit(message.OutNode(uid))
	return nil
}

// Touch refreshes a node's last-seen timestamp without emitting anything.
func (r *Registry) Touch(uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[uid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, uid)
	}
	node.LastSeen = time.Now()
	return nil
}

// ForwardData records a node-reported resource value and emits update_node.
func (r *Registry) ForwardData(uid, resource, value string) error {
	r.mu.Lock()
	node, ok := r.nodes[uid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, uid)
	}
	node.Resources[resource] = value
	r.mu.Unlock()

	r.emit(message.UpdateNode(uid, resource, value, message.DstAll))
	return nil
}

// FetchNodesCache replays every known node's full state to dst, one
// new_node followed by one update_node per resource - invoked when the
// broker tells the gateway a new client connected (or on reconnect to the
// broker, so clients that connected during an outage catch up).
func (r *Registry) FetchNodesCache(dst string) {
	for _, node := range r.Snapshot() {
		r.emitCache(node, dst)
	}
}

func (r *Registry) emitCache(node *Node, dst string) {
	r.emit(message.NewNode(node.UID, dst))
	for resource, value := range node.Resources {
		r.emit(message.UpdateNode(node.UID, resource, value, dst))
	}
}

// Sweep expires every node whose last-seen time is older than maxTime,
// removing it and emitting out_node. Returns the expired uids so the
// caller can clean up any protocol-specific secondary index (CoAP's
// ip->uid map, MQTT's id->uid map).
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	var expired []string
	for uid, node := range r.nodes {
		if now.Sub(node.LastSeen) > r.maxTime {
			expired = append(expired, uid)
		}
	}
	for _, uid := range expired {
		delete(r.nodes, uid)
	}
	r.mu.Unlock()

	for _, uid := range expired {
		r.lg.Printf("registry[%s]: expire node %s", r.protocol, uid)
		r.emit(message.OutNode(uid))
	}
	return expired
}

// RunSweeper runs Sweep every interval until stop is closed.
func (r *Registry) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
