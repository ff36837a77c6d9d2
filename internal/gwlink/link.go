// Package gwlink provides the always-on, reconnecting WebSocket link from
// a protocol gateway to the broker, shared by the CoAP, MQTT and WebSocket
// gateway binaries.
package gwlink

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodefabric/broker/internal/logger"
	"github.com/nodefabric/broker/internal/message"
)

const (
	reconnectDelay  = 3 * time.Second
	postAuthSettle  = 1 * time.Second
	heartbeatPeriod = 15 * time.Second
	writeDeadline   = 5 * time.Second
	pubChSize       = 256
)

// Handler is invoked for every broker->gateway frame.
type Handler func(msg *message.Message)

// Link maintains one reconnecting connection to the broker's /gw endpoint.
// Writes are enqueued on an internal channel that survives disconnects:
// anything published while the link is down is held and flushed once the
// next connection succeeds.
type Link struct {
	lg      logger.Logger
	url     string
	token   string
	handler Handler

	pubCh chan *message.Message
	stop  chan struct{}
	wg    sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// New returns a Link ready to Run. url is the broker /gw WebSocket URL
// (e.g. "ws://localhost:8080/gw"); token is the gateway's auth token.
func New(lg logger.Logger, url, token string, handler Handler) *Link {
	if lg == nil {
		lg = logger.Null
	}
	return &Link{
		lg:      lg,
		url:     url,
		token:   token,
		handler: handler,
		pubCh:   make(chan *message.Message, pubChSize),
		stop:    make(chan struct{}),
	}
}

// Publish enqueues a message for delivery to the broker. It never blocks
// for longer than the channel has room: callers (the node registry) must
// not stall because the broker link happens to be down.
func (l *Link) Publish(msg *message.Message) {
	select {
	case l.pubCh <- msg:
	default:
		l.lg.Printf("gwlink: publish queue full, dropping %s %s", msg.Type, msg.UID)
	}
}

// Run starts the reconnect loop and the publisher loop. Blocks until Close
// is called, so run it in its own goroutine.
func (l *Link) Run(onConnect func()) {
	l.wg.Add(2)
	go l.publishLoop()
	go l.reconnectLoop(onConnect)
	l.wg.Wait()
}

// Close stops the link and releases its connection, if any.
func (l *Link) Close() {
	close(l.stop)
	l.setConn(nil)
}

func (l *Link) setConn(c *websocket.Conn) {
	l.mu.Lock()
	prev := l.conn
	l.conn = c
	l.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (l *Link) activeConn() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Link) reconnectLoop(onConnect func()) {
	defer l.wg.Done()

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		conn, err := l.dial()
		if err != nil {
			l.lg.Printf("gwlink: dial %s failed: %s", l.url, err)
			if l.sleep(reconnectDelay) {
				return
			}
			continue
		}

		l.lg.Printf("gwlink: connected to %s", l.url)
		l.setConn(conn)

		if l.sleep(postAuthSettle) {
			return
		}
		if onConnect != nil {
			onConnect()
		}

		heartbeatStop := make(chan struct{})
		go l.heartbeatLoop(heartbeatStop)

		l.readLoop(conn)

		close(heartbeatStop)
		l.setConn(nil)
		l.lg.Printf("gwlink: disconnected from %s", l.url)

		if l.sleep(reconnectDelay) {
			return
		}
	}
}

func (l *Link) dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(l.token)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := message.Parse(b)
		if err != nil {
			l.lg.Printf("gwlink: malformed frame from broker: %s", err)
			continue
		}
		if l.handler != nil {
			l.handler(msg)
		}
	}
}

func (l *Link) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.Publish(message.Heartbeat())
		}
	}
}

func (l *Link) publishLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case msg := <-l.pubCh:
			l.deliver(msg)
		}
	}
}

// deliver blocks (polling) until a live connection accepts msg, or the
// link is closed - this is how a disconnect "preserves and later drains"
// the publish queue.
func (l *Link) deliver(msg *message.Message) {
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		conn := l.activeConn()
		if conn == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, msg.Bytes()); err != nil {
			// connection just died; reconnectLoop will notice via ReadMessage
			// failing too. Retry once the next connection is up.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return
	}
}

func (l *Link) sleep(d time.Duration) (stopped bool) {
	select {
	case <-l.stop:
		return true
	case <-time.After(d):
		return false
	}
}
