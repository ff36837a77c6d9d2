// Package message defines the normalized JSON envelope carried on every
// hub<->client and hub<->gateway link, and on the gateway<->node links that
// speak JSON directly (the WebSocket node protocol).
package message

import (
	"encoding/json"
	"fmt"
)

// Type identifies the shape of a Message.
type Type string

// Known message types.
const (
	New    Type = "new"
	Update Type = "update"
	Out    Type = "out"
	Reset  Type = "reset"
)

// DstAll addresses every connected client.
const DstAll = "all"

// RequestDiscover is the alternate request shape a gateway sends to a
// WebSocket-speaking node to trigger resource discovery.
const RequestDiscover = "discover"

// aliveUID is the sentinel uid carried by a gateway_alive heartbeat.
const aliveUID = "alive"

// Message is the tagged envelope exchanged between brokers, gateways,
// clients and (for the WS gateway) nodes. Unknown "type" values, or a
// message missing fields required for its type, are rejected at Parse
// time: we never carry unknown shapes silently.
type Message struct {
	Type     Type   `json:"type,omitempty"`
	UID      string `json:"uid,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Data     string `json:"data,omitempty"`
	Dst      string `json:"dst,omitempty"`
	Src      string `json:"src,omitempty"`
	Request  string `json:"request,omitempty"`
}

// Parse decodes and validates a single JSON message frame.
func Parse(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("message: invalid JSON: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Message) validate() error {
	if m.Request != "" {
		if m.Request != RequestDiscover {
			return fmt.Errorf("message: unknown request %q", m.Request)
		}
		return nil
	}
	switch m.Type {
	case New, Out, Reset:
		if m.UID == "" {
			return fmt.Errorf("message: type %q requires uid", m.Type)
		}
		return nil
	case Update:
		if m.UID == "" {
			return fmt.Errorf("message: type %q requires uid", m.Type)
		}
		return nil
	default:
		return fmt.Errorf("message: unknown type %q", m.Type)
	}
}

// Bytes marshals the message back to its wire form.
func (m *Message) Bytes() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Message is always built from valid Go values; Marshal only
		// fails on unsupported types, which never occurs here.
		panic(fmt.Sprintf("message: marshal: %s", err))
	}
	return b
}

// IsHeartbeat reports whether m is a gateway_alive heartbeat
// ({"type":"update","uid":"alive"}).
func (m *Message) IsHeartbeat() bool {
	return m.Type == Update && m.UID == aliveUID && m.Endpoint == "" && m.Dst == ""
}

// NewNode builds a `new` node-announcement message.
func NewNode(uid, dst string) *Message { return &Message{Type: New, UID: uid, Dst: dst} }

// UpdateNode builds an `update` resource message.
func UpdateNode(uid, endpoint, data, dst string) *Message {
	return &Message{Type: Update, UID: uid, Endpoint: endpoint, Data: data, Dst: dst}
}

// OutNode builds an `out` node-departure message.
func OutNode(uid string) *Message { return &Message{Type: Out, UID: uid} }

// ResetNode builds a `reset` message.
func ResetNode(uid string) *Message { return &Message{Type: Reset, UID: uid} }

// Heartbeat builds the gateway_alive heartbeat message.
func Heartbeat() *Message { return &Message{Type: Update, UID: aliveUID} }

// DiscoverRequest builds the gateway->node discovery request.
func DiscoverRequest() *Message { return &Message{Request: RequestDiscover} }

// WithSrc returns a copy of m stamped with Src (used by the broker when
// forwarding a client message to gateways).
func (m *Message) WithSrc(src string) *Message {
	cp := *m
	cp.Src = src
	return &cp
}
