// Package mqttgw implements the MQTT gateway: it bridges node
// announcements and resource values carried over MQTT topics into the
// shared node registry, and turns client-initiated updates into
// `.../set` publishes.
package mqttgw

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/registry"
)

const (
	qos = 1

	topicNodeCheck    = "node/check"
	topicGatewayCheck = "gateway/check"

	checkInterval  = 30 * time.Second
	sweepInterval  = 1 * time.Second
	pubChSize      = 256
	errChSize      = 64
	disconnectWait = 250 // ms
)

type pubMsg struct {
	topic   string
	payload []byte
}

type errMsg struct {
	topic string
	err   error
}

// Gateway bridges MQTT-speaking nodes to the shared node registry.
type Gateway struct {
	lg       logger.Logger
	client   MQTT.Client
	registry *registry.Registry

	mu      sync.RWMutex
	idToUID map[string]string
	topics  map[string][]string // id -> subscribed topics, for sweep cleanup

	pubCh chan *pubMsg
	errCh chan *errMsg
	wg    sync.WaitGroup
	stop  chan struct{}
}

// New connects to the broker described by opts and subscribes to
// node/check. Discovery for MQTT nodes is topic-driven, so reg's
// DiscoverFunc is typically nil.
func New(lg logger.Logger, reg *registry.Registry, opts *MQTT.ClientOptions) (*Gateway, error) {
	if lg == nil {
		lg = logger.Null
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	gw := &Gateway{
		lg:       lg,
		registry: reg,
		idToUID:  make(map[string]string),
		topics:   make(map[string][]string),
		pubCh:    make(chan *pubMsg, pubChSize),
		errCh:    make(chan *errMsg, errChSize),
		stop:     make(chan struct{}),
	}

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	gw.client = client

	if token := client.Subscribe(topicNodeCheck, qos, gw.handleNodeCheck); token.Wait() && token.Error() != nil {
		client.Disconnect(disconnectWait)
		return nil, token.Error()
	}

	go gw.publishLoop()
	go gw.errorLoop()
	go gw.periodicCheck()

	return gw, nil
}

// Close shuts the gateway down: stops background loops, unsubscribes, and
// disconnects from the broker.
func (gw *Gateway) Close() {
	close(gw.stop)
	close(gw.pubCh)
	close(gw.errCh)
	gw.wg.Wait()
	if token := gw.client.Unsubscribe(topicNodeCheck); token.Wait() {
		if err := token.Error(); err != nil {
			gw.lg.Printf("mqttgw: unsubscribe %s: %s", topicNodeCheck, err)
		}
	}
	gw.client.Disconnect(disconnectWait)
}

func (gw *Gateway) publish(topic string, payload []byte) {
	select {
	case gw.pubCh <- &pubMsg{topic: topic, payload: payload}:
	default:
		gw.lg.Printf("mqttgw: publish queue full, dropping %s", topic)
	}
}

func (gw *Gateway) publishLoop() {
	gw.wg.Add(1)
	defer gw.wg.Done()
	for msg := range gw.pubCh {
		token := gw.client.Publish(msg.topic, qos, false, msg.payload)
		if token.Wait() && token.Error() != nil {
			select {
			case gw.errCh <- &errMsg{topic: msg.topic, err: token.Error()}:
			default:
			}
		}
	}
}

func (gw *Gateway) errorLoop() {
	gw.wg.Add(1)
	defer gw.wg.Done()
	for msg := range gw.errCh {
		gw.lg.Printf("mqttgw: publish to %s failed: %s", msg.topic, msg.err)
	}
}

func (gw *Gateway) periodicCheck() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gw.stop:
			return
		case <-ticker.C:
			gw.publish(topicGatewayCheck, nil)
		}
	}
}

// handleNodeCheck dispatches node/check: `{"id": "<node_id>"}`.
func (gw *Gateway) handleNodeCheck(client MQTT.Client, msg MQTT.Message) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Payload(), &body); err != nil || body.ID == "" {
		gw.lg.Printf("mqttgw: malformed node/check payload: %s", msg.Payload())
		return
	}
	id := body.ID

	if uid, ok := gw.lookupID(id); ok {
		if err := gw.registry.Touch(uid); err != nil {
			gw.lg.Printf("mqttgw: touch %s: %s", uid, err)
		}
		return
	}

	uid := uuid.NewString()
	gw.bindID(id, uid)
	if _, err := gw.registry.Add(uid, map[string]string{"id": id}); err != nil {
		gw.lg.Printf("mqttgw: add %s: %s", uid, err)
		return
	}

	gw.subscribeFor(id, topicNodeResources(id), gw.handleNodeResources(id))
	gw.publish(topicGatewayDiscover(id), []byte("resources"))
}

// handleNodeResources returns the handler for node/<id>/resources: a JSON
// array of resource names to subscribe to individually.
func (gw *Gateway) handleNodeResources(id string) MQTT.MessageHandler {
	return func(client MQTT.Client, msg MQTT.Message) {
		var resources []string
		if err := json.Unmarshal(msg.Payload(), &resources); err != nil {
			gw.lg.Printf("mqttgw: malformed %s payload: %s", topicNodeResources(id), msg.Payload())
			return
		}
		for _, r := range resources {
			gw.subscribeFor(id, topicNodeResource(id, r), gw.handleNodeResource(id, r))
		}
		gw.publish(topicGatewayDiscover(id), []byte("values"))
	}
}

// handleNodeResource returns the handler for node/<id>/<r>: `{"value": v}`.
func (gw *Gateway) handleNodeResource(id, resource string) MQTT.MessageHandler {
	return func(client MQTT.Client, msg MQTT.Message) {
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(msg.Payload(), &body); err != nil {
			gw.lg.Printf("mqttgw: malformed %s payload: %s", topicNodeResource(id, resource), msg.Payload())
			return
		}
		uid, ok := gw.lookupID(id)
		if !ok {
			return // node was swept between subscribe and delivery
		}
		if err := gw.registry.ForwardData(uid, resource, body.Value); err != nil {
			gw.lg.Printf("mqttgw: forward data for %s: %s", uid, err)
		}
	}
}

// UpdateNodeResource implements the client-initiated update: publish to
// gateway/<id>/<endpoint>/set.
func (gw *Gateway) UpdateNodeResource(uid, endpoint, payload string) error {
	node, ok := gw.registry.Get(uid)
	if !ok {
		return registry.ErrUnknownNode
	}
	id, ok := node.Resources["id"]
	if !ok {
		return fmt.Errorf("mqttgw: node %s has no mqtt id", uid)
	}
	gw.publish(topicGatewaySetResource(id, endpoint), []byte(payload))
	return nil
}

// RunSweeper runs the 1s liveness sweep, unsubscribing per-node topics on
// expiry.
func (gw *Gateway) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, uid := range gw.registry.Sweep(now) {
				gw.expireUID(uid)
			}
		}
	}
}

func (gw *Gateway) bindID(id, uid string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.idToUID[id] = uid
}

func (gw *Gateway) lookupID(id string) (string, bool) {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	uid, ok := gw.idToUID[id]
	return uid, ok
}

func (gw *Gateway) subscribeFor(id, topic string, handler MQTT.MessageHandler) {
	if token := gw.client.Subscribe(topic, qos, handler); token.Wait() && token.Error() != nil {
		gw.lg.Printf("mqttgw: subscribe %s: %s", topic, token.Error())
		return
	}
	gw.mu.Lock()
	if !slices.Contains(gw.topics[id], topic) {
		gw.topics[id] = append(gw.topics[id], topic)
	}
	gw.mu.Unlock()
}

func (gw *Gateway) expireUID(uid string) {
	gw.mu.Lock()
	var id string
	for candidateID, candidateUID := range gw.idToUID {
		if candidateUID == uid {
			id = candidateID
			break
		}
	}
	topics := gw.topics[id]
	delete(gw.idToUID, id)
	delete(gw.topics, id)
	gw.mu.Unlock()

	for _, topic := range topics {
		if token := gw.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
			gw.lg.Printf("mqttgw: unsubscribe %s: %s", topic, token.Error())
		}
	}
}

func topicNodeResources(id string) string      { return fmt.Sprintf("node/%s/resources", id) }
func topicNodeResource(id, r string) string    { return fmt.Sprintf("node/%s/%s", id, r) }
func topicGatewayDiscover(id string) string    { return fmt.Sprintf("gateway/%s/discover", id) }
func topicGatewaySetResource(id, r string) string { return fmt.Sprintf("gateway/%s/%s/set", id, r) }
