package mqttgw

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/nodefabric/broker/internal/message"
	"github.com/nodefabric/broker/internal/registry"
)

// doneToken is an already-completed, error-free MQTT.Token.
type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (doneToken) Error() error                   { return nil }

// fakeClient is a minimal in-memory stand-in for MQTT.Client: Publish
// records the payload, Subscribe/Unsubscribe record the topic and let the
// test invoke a node's handler directly without a real broker.
type fakeClient struct {
	mu          sync.Mutex
	published   []pubRecord
	subscribed  map[string]MQTT.MessageHandler
	unsubscribed []string
}

type pubRecord struct {
	topic   string
	payload []byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscribed: make(map[string]MQTT.MessageHandler)}
}

func (f *fakeClient) IsConnected() bool       { return true }
func (f *fakeClient) IsConnectionOpen() bool  { return true }
func (f *fakeClient) Connect() MQTT.Token     { return doneToken{} }
func (f *fakeClient) Disconnect(quiesce uint) {}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	f.published = append(f.published, pubRecord{topic: topic, payload: b})
	return doneToken{}
}

func (f *fakeClient) Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = callback
	return doneToken{}
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, callback MQTT.MessageHandler) MQTT.Token {
	return doneToken{}
}

func (f *fakeClient) Unsubscribe(topics ...string) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	return doneToken{}
}

func (f *fakeClient) AddRoute(topic string, callback MQTT.MessageHandler) {}
func (f *fakeClient) OptionsReader() MQTT.ClientOptionsReader             { return MQTT.ClientOptionsReader{} }

func (f *fakeClient) deliver(t *testing.T, topic string, payload interface{}) {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.subscribed[topic]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler subscribed for %s", topic)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	handler(nil, fakeMessage{topic: topic, payload: b})
}

func (f *fakeClient) publishedTo(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

// fakeMessage implements MQTT.Message for test delivery.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return qos }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

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

func newTestGateway() (*Gateway, *fakeClient, *collector) {
	col := &collector{}
	reg := registry.New("MQTT", time.Minute, nil, col.emit, nil)
	fc := newFakeClient()
	gw := &Gateway{
		lg:       discardLogger{},
		registry: reg,
		client:   fc,
		idToUID:  make(map[string]string),
		topics:   make(map[string][]string),
		pubCh:    make(chan *pubMsg, pubChSize),
		errCh:    make(chan *errMsg, errChSize),
		stop:     make(chan struct{}),
	}
	go gw.publishLoop()
	go gw.errorLoop()
	return gw, fc, col
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}
func (discardLogger) Println(...any)        {}
func (discardLogger) Fatalf(string, ...any) {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testNodeCheckUnknownIDAddsAndDiscovers(t *testing.T) {
	gw, fc, col := newTestGateway()
	fc.deliver(t, topicNodeCheck, map[string]string{"id": "node-1"})

	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 1 })

	uid, ok := gw.lookupID("node-1")
	if !ok {
		t.Fatal("expected node-1 to be bound to a uid")
	}
	if !gw.registry.Has(uid) {
		t.Fatal("expected node registered")
	}
	found := false
	for _, m := range col.messages() {
		if m.Type == message.New && m.UID == uid {
			found = true
		}
	}
	if !found {
		t.Fatal("expected new_node to be emitted")
	}
}

func testNodeCheckKnownIDTouches(t *testing.T) {
	gw, fc, _ := newTestGateway()
	fc.deliver(t, topicNodeCheck, map[string]string{"id": "node-1"})
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 1 })

	uid, _ := gw.lookupID("node-1")
	before, _ := gw.registry.Get(uid)
	time.Sleep(5 * time.Millisecond)
	fc.deliver(t, topicNodeCheck, map[string]string{"id": "node-1"})
	after, _ := gw.registry.Get(uid)
	if !after.LastSeen.After(before.LastSeen) {
		t.Fatal("expected touch to advance LastSeen")
	}
}

func testResourcesSubscribesEachAndDiscovers(t *testing.T) {
	gw, fc, _ := newTestGateway()
	fc.deliver(t, topicNodeCheck, map[string]string{"id": "node-1"})
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 1 })

	fc.deliver(t, topicNodeResources("node-1"), []string{"temp", "led"})
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 2 })

	fc.mu.Lock()
	_, hasTemp := fc.subscribed[topicNodeResource("node-1", "temp")]
	_, hasLED := fc.subscribed[topicNodeResource("node-1", "led")]
	fc.mu.Unlock()
	if !hasTemp || !hasLED {
		t.Fatal("expected subscriptions for each resource")
	}
	_ = gw
}

func testResourceValueForwards(t *testing.T) {
	gw, fc, col := newTestGateway()
	fc.deliver(t, topicNodeCheck, map[string]string{"id": "node-1"})
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 1 })
	fc.deliver(t, topicNodeResources("node-1"), []string{"temp"})
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 2 })

	fc.deliver(t, topicNodeResource("node-1", "temp"), map[string]string{"value": "21.5"})

	uid, _ := gw.lookupID("node-1")
	waitFor(t, func() bool {
		for _, m := range col.messages() {
			if m.Type == message.Update && m.UID == uid && m.Endpoint == "temp" && m.Data == "21.5" {
				return true
			}
		}
		return false
	})
}

func testUpdateNodeResourcePublishesSet(t *testing.T) {
	gw, fc, _ := newTestGateway()
	fc.deliver(t, topicNodeCheck, map[string]string{"id": "node-1"})
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 1 })
	uid, _ := gw.lookupID("node-1")

	if err := gw.UpdateNodeResource(uid, "led", "1"); err != nil {
		t.Fatalf("UpdateNodeResource: %s", err)
	}
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewaySetResource("node-1", "led"))) == 1 })
}

func testUpdateUnknownUIDErrors(t *testing.T) {
	gw, _, _ := newTestGateway()
	if err := gw.UpdateNodeResource("ghost", "led", "1"); err == nil {
		t.Fatal("expected error for unknown uid")
	}
}

func testSweepUnsubscribesTopics(t *testing.T) {
	gw, fc, col := newTestGateway()
	fc.deliver(t, topicNodeCheck, map[string]string{"id": "node-1"})
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 1 })
	fc.deliver(t, topicNodeResources("node-1"), []string{"temp"})
	waitFor(t, func() bool { return len(fc.publishedTo(topicGatewayDiscover("node-1"))) == 2 })

	uid, _ := gw.lookupID("node-1")
	for _, expiredUID := range gw.registry.Sweep(time.Now().Add(2 * time.Minute)) {
		if expiredUID == uid {
			gw.expireUID(expiredUID)
		}
	}

	if _, ok := gw.lookupID("node-1"); ok {
		t.Fatal("expected id binding to be cleared on expiry")
	}
	fc.mu.Lock()
	n := len(fc.unsubscribed)
	fc.mu.Unlock()
	if n == 0 {
		t.Fatal("expected per-node topics to be unsubscribed")
	}
	found := false
	for _, m := range col.messages() {
		if m.Type == message.Out && m.UID == uid {
			found = true
		}
	}
	if !found {
		t.Fatal("expected out_node to be emitted on expiry")
	}
}

func TestGateway(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T)
	}{
		{"node check unknown id adds and discovers", testNodeCheckUnknownIDAddsAndDiscovers},
		{"node check known id touches", testNodeCheckKnownIDTouches},
		{"resources subscribes each and discovers", testResourcesSubscribesEachAndDiscovers},
		{"resource value forwards", testResourceValueForwards},
		{"update node resource publishes set", testUpdateNodeResourcePublishesSet},
		{"update unknown uid errors", testUpdateUnknownUIDErrors},
		{"sweep unsubscribes topics", testSweepUnsubscribesTopics},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fct(t)
		})
	}
}

