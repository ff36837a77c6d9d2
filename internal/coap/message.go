// Package coap implements the minimal subset of CoAP (RFC 7252) the node
// gateway needs: message encode/decode, a synchronous confirmable
// request/response client, a single-resource-tree server, and a CoRE
// Link-Format parser for /.well-known/core (RFC 6690). No third-party
// library in the example pack implements CoAP (one sibling repo's go.mod
// only names a CoAP module without vendoring its source - see DESIGN.md),
// so this package builds directly on net and encoding/binary.
package coap

import "fmt"

// Message types (RFC 7252 §3).
const (
	TypeConfirmable     uint8 = 0
	TypeNonConfirmable  uint8 = 1
	TypeAcknowledgement uint8 = 2
	TypeReset           uint8 = 3
)

// Code is a CoAP message code, encoded as class<<5 | detail (RFC 7252 §3).
type Code uint8

// Request and response codes used by this package.
const (
	GET    Code = 0<<5 | 1
	POST   Code = 0<<5 | 2
	PUT    Code = 0<<5 | 3
	DELETE Code = 0<<5 | 4

	Created Code = 2<<5 | 1
	Changed Code = 2<<5 | 4 // 2.04 Changed
	Content Code = 2<<5 | 5 // 2.05 Content

	BadRequest    Code = 4<<5 | 0
	NotFound      Code = 4<<5 | 4
	InternalError Code = 5<<5 | 0
)

// String renders a code in CoAP's "c.dd" notation, e.g. "2.04".
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", uint8(c)>>5, uint8(c)&0x1f)
}

// IsSuccess reports whether c is in the 2.xx class.
func (c Code) IsSuccess() bool { return uint8(c)>>5 == 2 }

// Option numbers (RFC 7252 §5.10) used by this package.
const (
	OptionURIPath    = 11
	OptionContentFmt = 12
	OptionURIQuery   = 15
)

// Option is a single CoAP option, identified by its registered number.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is a decoded CoAP message.
type Message struct {
	Type      uint8
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// Path reassembles the Uri-Path options into a single "/a/b/c" string.
func (m *Message) Path() string {
	path := ""
	for _, o := range m.Options {
		if o.Number == OptionURIPath {
			path += "/" + string(o.Value)
		}
	}
	return path
}

// SetPath replaces any existing Uri-Path options with one option per
// path segment.
func (m *Message) SetPath(path string) {
	filtered := m.Options[:0]
	for _, o := range m.Options {
		if o.Number != OptionURIPath {
			filtered = append(filtered, o)
		}
	}
	m.Options = filtered
	seg := ""
	for _, r := range path {
		if r == '/' {
			if seg != "" {
				m.Options = append(m.Options, Option{Number: OptionURIPath, Value: []byte(seg)})
			}
			seg = ""
			continue
		}
		seg += string(r)
	}
	if seg != "" {
		m.Options = append(m.Options, Option{Number: OptionURIPath, Value: []byte(seg)})
	}
}
