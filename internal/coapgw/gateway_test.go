package coapgw

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nodefabric/broker/internal/coap"
	"github.com/nodefabric/broker/internal/message"
	"github.com/nodefabric/broker/internal/registry"
)

func payloadMsg(payload string) *coap.Message {
	return &coap.Message{Payload: []byte(payload)}
}

type collector struct {
	mu  sync.Mutex
	msg []*message.Message
}

func (c *collector) emit(m *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg = append(c.msg, m)
}

func (c *collector) messages() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Message(nil), c.msg...)
}

func newGateway() (*Gateway, *collector) {
	col := &collector{}
	reg := registry.New("CoAP", time.Minute, nil, col.emit, nil)
	return New(nil, reg, nil), col
}

func udpAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 5683}
}

func testAliveUnknownUIDAdds(t *testing.T) {
	gw, col := newGateway()
	code, _ := gw.handleAlive(udpAddr("10.0.0.1"), payloadMsg("tok:n1"))
	if code != coap.Changed {
		t.Fatalf("expected 2.04 Changed, got %s", code)
	}
	if !gw.registry.Has("n1") {
		t.Fatal("expected node n1 to be registered")
	}
	uid, ok := gw.lookupIP("10.0.0.1")
	if !ok || uid != "n1" {
		t.Fatalf("expected ip index to map to n1, got %q ok=%v", uid, ok)
	}
	found := false
	for _, m := range col.messages() {
		if m.Type == message.New && m.UID == "n1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected new_node n1 to be emitted")
	}
}

func testAliveKnownUIDTouches(t *testing.T) {
	gw, _ := newGateway()
	gw.handleAlive(udpAddr("10.0.0.1"), payloadMsg("tok:n1"))
	before, _ := gw.registry.Get("n1")
	time.Sleep(5 * time.Millisecond)
	gw.handleAlive(udpAddr("10.0.0.1"), payloadMsg("tok:n1"))
	after, _ := gw.registry.Get("n1")
	if !after.LastSeen.After(before.LastSeen) {
		t.Fatal("expected touch to advance LastSeen")
	}
}

func testAliveResetClearsResources(t *testing.T) {
	gw, _ := newGateway()
	gw.handleAlive(udpAddr("10.0.0.1"), payloadMsg("tok:n1"))
	gw.registry.ForwardData("n1", "temp", "21")
	gw.handleAlive(udpAddr("10.0.0.1"), payloadMsg("reset:n1"))
	node, _ := gw.registry.Get("n1")
	if _, ok := node.Resources["temp"]; ok {
		t.Fatal("expected reset to clear prior resources")
	}
}

func testServerUnknownIPIgnored(t *testing.T) {
	gw, col := newGateway()
	gw.handleServer(udpAddr("10.0.0.9"), payloadMsg("temp:21"))
	for _, m := range col.messages() {
		if m.Type == message.Update {
			t.Fatalf("expected no update from unknown node, got %+v", m)
		}
	}
}

func testServerKnownIPForwards(t *testing.T) {
	gw, col := newGateway()
	gw.handleAlive(udpAddr("10.0.0.1"), payloadMsg("tok:n1"))
	gw.handleServer(udpAddr("10.0.0.1"), payloadMsg("temp:21"))

	found := false
	for _, m := range col.messages() {
		if m.Type == message.Update && m.UID == "n1" && m.Endpoint == "temp" && m.Data == "21" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected update_node for temp=21")
	}
}

func TestGateway(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T)
	}{
		{"alive unknown uid adds", testAliveUnknownUIDAdds},
		{"alive known uid touches", testAliveKnownUIDTouches},
		{"alive reset clears resources", testAliveResetClearsResources},
		{"server unknown ip ignored", testServerUnknownIPIgnored},
		{"server known ip forwards", testServerKnownIPForwards},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fct(t)
		})
	}
}
