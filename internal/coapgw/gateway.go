// Package coapgw implements the CoAP gateway: it exposes the /alive and
// /server CoAP resources, discovers a node's resource directory, and turns
// client-initiated updates into CoAP PUTs.
package coapgw

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nodefabric/broker/internal/coap"
	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/registry"
)

const (
	requestTimeout = 5 * time.Second
	sweepInterval  = 1 * time.Second

	wellKnownCore = "/.well-known/core"
	wellKnownEdhoc = "/.well-known/edhoc"
)

// HandshakeFunc installs a secure channel on node after a successful EDHOC
// exchange with it. The handshake protocol itself is out of scope here;
// it runs before /.well-known/edhoc is fetched. nil means "no handshake
// support" and /.well-known/edhoc is fetched like any other discovered
// resource.
type HandshakeFunc func(node *registry.Node, ip string) error

// Gateway bridges CoAP nodes to the shared node registry.
type Gateway struct {
	lg        logger.Logger
	registry  *registry.Registry
	handshake HandshakeFunc

	mu      sync.RWMutex
	ipToUID map[string]string

	stop chan struct{}
}

// New builds a Gateway around reg. reg must have been constructed with
// this Gateway's DiscoverNode bound as its DiscoverFunc (see
// registry.New), since the registry owns when discovery is triggered.
func New(lg logger.Logger, reg *registry.Registry, handshake HandshakeFunc) *Gateway {
	if lg == nil {
		lg = logger.Null
	}
	return &Gateway{
		lg:        lg,
		registry:  reg,
		handshake: handshake,
		ipToUID:   make(map[string]string),
		stop:      make(chan struct{}),
	}
}

// CoAPHandlers returns the server resource handlers for /alive and /server.
func (g *Gateway) CoAPHandlers() map[string]coap.HandlerFunc {
	return map[string]coap.HandlerFunc{
		"/alive":  g.handleAlive,
		"/server": g.handleServer,
	}
}

// handleAlive implements POST /alive: payload "<token>:<uid>" or
// "reset:<uid>". The uid, not the source IP, identifies the node.
func (g *Gateway) handleAlive(remote *net.UDPAddr, req *coap.Message) (coap.Code, []byte) {
	first, uid, ok := splitPayload(string(req.Payload))
	if !ok {
		return coap.BadRequest, nil
	}
	ip := remote.IP.String()

	if !g.registry.Has(uid) {
		if _, err := g.registry.Add(uid, map[string]string{"ip": ip}); err != nil {
			g.lg.Printf("coapgw: add %s: %s", uid, err)
		}
		g.bindIP(ip, uid)
	} else if first == "reset" {
		if err := g.registry.Reset(uid, map[string]string{"ip": ip}); err != nil {
			g.lg.Printf("coapgw: reset %s: %s", uid, err)
		}
		g.bindIP(ip, uid)
	} else {
		if err := g.registry.Touch(uid); err != nil {
			g.lg.Printf("coapgw: touch %s: %s", uid, err)
		}
	}

	return coap.Changed, []byte("ok")
}

// handleServer implements POST /server: payload "<endpoint>:<value>",
// node resolved by source IP via the secondary index.
func (g *Gateway) handleServer(remote *net.UDPAddr, req *coap.Message) (coap.Code, []byte) {
	uid, ok := g.lookupIP(remote.IP.String())
	if !ok {
		return coap.Changed, nil // unknown node: ignore, per spec
	}
	endpoint, value, ok := splitPayload(string(req.Payload))
	if !ok {
		return coap.Changed, nil
	}

	if node, ok := g.registry.Get(uid); ok && node.SecureChannel != nil {
		if plain, err := node.SecureChannel.Decrypt([]byte(value)); err == nil {
			value = string(plain)
		} else {
			g.lg.Printf("coapgw: decrypt from %s failed: %s", uid, err)
		}
	}

	if err := g.registry.ForwardData(uid, endpoint, value); err != nil {
		g.lg.Printf("coapgw: forward data for %s: %s", uid, err)
	}
	return coap.Changed, []byte("ok")
}

// DiscoverNode implements registry.DiscoverFunc: it probes node's resource
// directory and forwards every discovered value.
func (g *Gateway) DiscoverNode(node *registry.Node) {
	ip := node.Resources["ip"]
	if ip == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	resp, err := coap.Get(ctx, ip, wellKnownCore)
	cancel()
	if err != nil {
		g.lg.Printf("coapgw: discover %s: GET %s failed: %s", node.UID, wellKnownCore, err)
		return
	}

	for _, link := range coap.ParseLinks(string(resp.Payload)) {
		if strings.Contains(link.Path, "well-known/core") {
			continue
		}
		if link.Path == wellKnownEdhoc && g.handshake != nil {
			if err := g.handshake(node, ip); err != nil {
				g.lg.Printf("coapgw: handshake with %s failed: %s", node.UID, err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		resp, err := coap.Get(ctx, ip, link.Path)
		cancel()
		if err != nil {
			g.lg.Printf("coapgw: discover %s: GET %s failed: %s", node.UID, link.Path, err)
			continue
		}

		value := string(resp.Payload)
		if node.SecureChannel != nil {
			if plain, err := node.SecureChannel.Decrypt(resp.Payload); err == nil {
				value = string(plain)
			}
		}
		endpoint := strings.TrimPrefix(link.Path, "/")
		if err := g.registry.ForwardData(node.UID, endpoint, value); err != nil {
			g.lg.Printf("coapgw: forward data for %s: %s", node.UID, err)
		}
	}
}

// UpdateNodeResource implements the client-initiated update: a CoAP PUT to
// the node's endpoint, with the result forwarded into the registry.
func (g *Gateway) UpdateNodeResource(uid, endpoint, value string) error {
	node, ok := g.registry.Get(uid)
	if !ok {
		return registry.ErrUnknownNode
	}
	ip := node.Resources["ip"]
	payload := value
	if node.SecureChannel != nil {
		if cipher, err := node.SecureChannel.Encrypt([]byte(value)); err == nil {
			payload = string(cipher)
		} else {
			g.lg.Printf("coapgw: encrypt for %s failed: %s", uid, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	resp, err := coap.Put(ctx, ip, "/"+endpoint, []byte(payload))
	cancel()
	if err != nil {
		g.lg.Printf("coapgw: PUT %s on %s failed: %s", endpoint, uid, err)
		return err
	}
	if resp.Code == coap.Changed {
		return g.registry.ForwardData(uid, endpoint, value)
	}
	return nil
}

// RunSweeper runs the 1s liveness sweep until stop is closed, keeping the
// ip->uid index consistent with expirations.
func (g *Gateway) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, uid := range g.registry.Sweep(now) {
				g.unbindUID(uid)
			}
		}
	}
}

func (g *Gateway) bindIP(ip, uid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ipToUID[ip] = uid
}

func (g *Gateway) lookupIP(ip string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	uid, ok := g.ipToUID[ip]
	return uid, ok
}

func (g *Gateway) unbindUID(uid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, u := range g.ipToUID {
		if u == uid {
			delete(g.ipToUID, ip)
		}
	}
}

// splitPayload splits a "<a>:<b>" payload into its two parts.
func splitPayload(payload string) (a, b string, ok bool) {
	parts := strings.SplitN(payload, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
