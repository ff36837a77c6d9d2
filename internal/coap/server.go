package coap

import (
	"net"
	"sync"

	"github.com/nodefabric/broker/internal/logger"
)

// HandlerFunc handles one request and returns the response code/payload to
// piggyback on the acknowledgement.
type HandlerFunc func(remote *net.UDPAddr, req *Message) (Code, []byte)

// Server is a minimal single-resource-tree CoAP server: every request gets
// a piggybacked ACK, dispatched by exact Uri-Path match (the gateway only
// ever needs /alive and /server, never recursive resource discovery on its
// own tree).
type Server struct {
	lg       logger.Logger
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	conn *net.UDPConn
}

// NewServer returns a Server ready to register handlers and Serve.
func NewServer(lg logger.Logger) *Server {
	if lg == nil {
		lg = logger.Null
	}
	return &Server{lg: lg, handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for requests whose Uri-Path equals path (e.g. "/alive").
func (s *Server) Handle(path string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = fn
}

// ListenAndServe binds addr (e.g. ":5683") and serves until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.conn = conn

	buf := make([]byte, 1500)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		req, err := Decode(buf[:n])
		if err != nil {
			s.lg.Printf("coap: malformed request from %s: %s", remote, err)
			continue
		}
		go s.dispatch(conn, remote, req)
	}
}

// Close stops the server.
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Server) dispatch(conn *net.UDPConn, remote *net.UDPAddr, req *Message) {
	path := req.Path()
	s.mu.RLock()
	fn, ok := s.handlers[path]
	s.mu.RUnlock()

	var (
		code    Code
		payload []byte
	)
	if !ok {
		code, payload = NotFound, nil
	} else {
		code, payload = fn(remote, req)
	}

	resp := &Message{
		Type:      TypeAcknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   payload,
	}
	raw, err := Encode(resp)
	if err != nil {
		s.lg.Printf("coap: encode response to %s: %s", remote, err)
		return
	}
	if _, err := conn.WriteToUDP(raw, remote); err != nil {
		s.lg.Printf("coap: write response to %s: %s", remote, err)
	}
}
