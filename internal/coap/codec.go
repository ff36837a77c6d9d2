package coap

import (
	"encoding/binary"
	"errors"
	"sort"
)

const (
	payloadMarker = 0xFF
	coapVersion   = 1
)

var (
	errTruncated    = errors.New("coap: truncated message")
	errTokenTooLong = errors.New("coap: token length must be <= 8")
	errBadOption    = errors.New("coap: malformed option")
)

// Encode serializes m into the RFC 7252 binary wire format.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, errTokenTooLong
	}

	buf := make([]byte, 0, 32+len(m.Payload))
	buf = append(buf, coapVersion<<6|m.Type<<4|uint8(len(m.Token)))
	buf = append(buf, uint8(m.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf = append(buf, mid[:]...)
	buf = append(buf, m.Token...)

	opts := make([]Option, len(m.Options))
	copy(opts, m.Options)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })

	var prev uint16
	for _, o := range opts {
		delta := o.Number - prev
		prev = o.Number
		length := len(o.Value)

		deltaNibble, deltaExt, hasDeltaExt := optionNibble(delta)
		lengthNibble, lengthExt, hasLengthExt := optionNibble(uint16(length))

		buf = append(buf, deltaNibble<<4|lengthNibble)
		if hasDeltaExt {
			buf = appendExt(buf, deltaExt, deltaNibble)
		}
		if hasLengthExt {
			buf = appendExt(buf, lengthExt, lengthNibble)
		}
		buf = append(buf, o.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// optionNibble returns the 4-bit nibble used for an option delta/length
// value, per the RFC 7252 §3.1 extended-value encoding.
func optionNibble(v uint16) (nibble uint8, ext uint16, hasExt bool) {
	switch {
	case v < 13:
		return uint8(v), 0, false
	case v < 13+256:
		return 13, v - 13, true
	default:
		return 14, v - (13 + 256), true
	}
}

// appendExt appends the extended option delta/length value. v is already
// the extension value (the nibble's base already subtracted by optionNibble).
func appendExt(buf []byte, v uint16, nibble uint8) []byte {
	if nibble == 13 {
		return append(buf, uint8(v))
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// Decode parses raw bytes into a Message.
func Decode(b []byte) (*Message, error) {
	if len(b) < 4 {
		return nil, errTruncated
	}
	tkl := b[0] & 0x0f
	m := &Message{
		Type:      (b[0] >> 4) & 0x03,
		Code:      Code(b[1]),
		MessageID: binary.BigEndian.Uint16(b[2:4]),
	}
	off := 4
	if int(tkl) > len(b)-off || tkl > 8 {
		return nil, errTruncated
	}
	m.Token = append([]byte(nil), b[off:off+int(tkl)]...)
	off += int(tkl)

	var optNum uint16
	for off < len(b) {
		if b[off] == payloadMarker {
			off++
			m.Payload = append([]byte(nil), b[off:]...)
			return m, nil
		}
		deltaNibble := (b[off] >> 4) & 0x0f
		lengthNibble := b[off] & 0x0f
		off++

		delta, n, err := readExt(b, off, deltaNibble)
		if err != nil {
			return nil, err
		}
		off += n

		length, n, err := readExt(b, off, lengthNibble)
		if err != nil {
			return nil, err
		}
		off += n

		if off+int(length) > len(b) {
			return nil, errTruncated
		}
		optNum += delta
		m.Options = append(m.Options, Option{Number: optNum, Value: append([]byte(nil), b[off:off+int(length)]...)})
		off += int(length)
	}
	return m, nil
}

func readExt(b []byte, off int, nibble uint8) (value uint16, consumed int, err error) {
	switch {
	case nibble < 13:
		return uint16(nibble), 0, nil
	case nibble == 13:
		if off >= len(b) {
			return 0, 0, errTruncated
		}
		return uint16(b[off]) + 13, 1, nil
	case nibble == 14:
		if off+1 >= len(b) {
			return 0, 0, errTruncated
		}
		return binary.BigEndian.Uint16(b[off:off+2]) + 13 + 256, 2, nil
	default:
		return 0, 0, errBadOption
	}
}
