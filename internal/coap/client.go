package coap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// DefaultPort is the standard CoAP UDP port.
const DefaultPort = 5683

const defaultRequestTimeout = 5 * time.Second

// Request sends a single confirmable request to addr ("host:port", or
// "host" to use DefaultPort) and waits for its response. One UDP socket
// per call, mirroring the one-shot client context the gateway's reference
// implementation uses for every CoAP round trip.
func Request(ctx context.Context, addr string, method Code, path string, payload []byte) (*Message, error) {
	addr = withPort(addr)

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("coap: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(defaultRequestTimeout))
	}

	req := &Message{
		Type:      TypeConfirmable,
		Code:      method,
		MessageID: uint16(time.Now().UnixNano()),
		Token:     []byte(uuid.NewString())[:4],
	}
	req.SetPath(path)
	req.Payload = payload

	raw, err := Encode(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("coap: write to %s: %w", addr, err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("coap: read from %s: %w", addr, err)
	}
	return Decode(buf[:n])
}

// Get performs a GET request.
func Get(ctx context.Context, addr, path string) (*Message, error) {
	return Request(ctx, addr, GET, path, nil)
}

// Post performs a POST request.
func Post(ctx context.Context, addr, path string, payload []byte) (*Message, error) {
	return Request(ctx, addr, POST, path, payload)
}

// Put performs a PUT request.
func Put(ctx context.Context, addr, path string, payload []byte) (*Message, error) {
	return Request(ctx, addr, PUT, path, payload)
}

func withPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, fmt.Sprint(DefaultPort))
}
