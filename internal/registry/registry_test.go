package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/nodefabric/broker/internal/message"
)

type collector struct {
	mu  sync.Mutex
	got []*message.Message
}

func (c *collector) emit(m *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, m)
}

func (c *collector) messages() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*message.Message, len(c.got))
	copy(out, c.got)
	return out
}

func testAddEmitsNewThenUpdate(t *testing.T) {
	c := &collector{}
	r := New("CoAP", time.Minute, nil, c.emit, nil)

	if _, err := r.Add("n1", map[string]string{"ip": "::1"}); err != nil {
		t.Fatalf("Add: %s", err)
	}

	msgs := c.messages()
	if len(msgs) != 3 { // new + protocol + ip
		t.Fatalf("got %d messages, want 3: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != message.New || msgs[0].UID != "n1" {
		t.Fatalf("first message not new_node: %+v", msgs[0])
	}
	for _, m := range msgs[1:] {
		if m.Type != message.Update || m.UID != "n1" {
			t.Fatalf("expected update_node, got %+v", m)
		}
	}
}

func testAddDuplicateRejected(t *testing.T) {
	c := &collector{}
	r := New("MQTT", time.Minute, nil, c.emit, nil)
	if _, err := r.Add("n1", nil); err != nil {
		t.Fatalf("Add: %s", err)
	}
	if _, err := r.Add("n1", nil); err == nil {
		t.Fatal("expected error adding duplicate uid")
	}
}

func testForwardDataUpdatesCache(t *testing.T) {
	c := &collector{}
	r := New("WebSocket", time.Minute, nil, c.emit, nil)
	if _, err := r.Add("n1", nil); err != nil {
		t.Fatalf("Add: %s", err)
	}
	if err := r.ForwardData("n1", "temp", "23"); err != nil {
		t.Fatalf("ForwardData: %s", err)
	}
	node, ok := r.Get("n1")
	if !ok {
		t.Fatal("node not found")
	}
	if node.Resources["temp"] != "23" {
		t.Fatalf("resource not updated: %+v", node.Resources)
	}
}

func testResetClearsResources(t *testing.T) {
	c := &collector{}
	r := New("CoAP", time.Minute, nil, c.emit, nil)
	if _, err := r.Add("n1", map[string]string{"ip": "::1"}); err != nil {
		t.Fatalf("Add: %s", err)
	}
	if err := r.ForwardData("n1", "temp", "23"); err != nil {
		t.Fatalf("ForwardData: %s", err)
	}
	if err := r.Reset("n1", map[string]string{"ip": "::1"}); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	node, _ := r.Get("n1")
	if _, ok := node.Resources["temp"]; ok {
		t.Fatalf("expected temp resource cleared after reset: %+v", node.Resources)
	}
	if node.Resources["ip"] != "::1" {
		t.Fatalf("expected ip default to survive reset: %+v", node.Resources)
	}
}

func testSweepExpiresStaleNodes(t *testing.T) {
	c := &collector{}
	r := New("CoAP", time.Millisecond, nil, c.emit, nil)
	if _, err := r.Add("n1", nil); err != nil {
		t.Fatalf("Add: %s", err)
	}
	time.Sleep(5 * time.Millisecond)
	expired := r.Sweep(time.Now())
	if len(expired) != 1 || expired[0] != "n1" {
		t.Fatalf("expected n1 expired, got %v", expired)
	}
	if r.Has("n1") {
		t.Fatal("expected node removed after sweep")
	}
}

func testFetchNodesCacheReplaysEveryNode(t *testing.T) {
	c := &collector{}
	r := New("MQTT", time.Minute, nil, c.emit, nil)
	if _, err := r.Add("n1", map[string]string{"id": "a"}); err != nil {
		t.Fatalf("Add: %s", err)
	}
	if _, err := r.Add("n2", map[string]string{"id": "b"}); err != nil {
		t.Fatalf("Add: %s", err)
	}

	before := len(c.messages())
	r.FetchNodesCache("client-1")
	after := c.messages()[before:]

	byUID := map[string]int{}
	for _, m := range after {
		if m.Dst != "client-1" {
			t.Fatalf("expected dst client-1, got %+v", m)
		}
		byUID[m.UID]++
	}
	if byUID["n1"] == 0 || byUID["n2"] == 0 {
		t.Fatalf("expected cache replay for both nodes: %v", byUID)
	}
}

func TestRegistry(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T)
	}{
		{"add emits new then update", testAddEmitsNewThenUpdate},
		{"add duplicate rejected", testAddDuplicateRejected},
		{"forward data updates cache", testForwardDataUpdatesCache},
		{"reset clears resources", testResetClearsResources},
		{"sweep expires stale nodes", testSweepExpiresStaleNodes},
		{"fetch nodes cache replays every node", testFetchNodesCacheReplaysEveryNode},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fct(t)
		})
	}
}
