// Package dnsmsg parses and re-emits the 12-byte DNS message header.
//
// It never decodes the question/answer/authority/additional sections:
// the forwarder treats everything past the header as an opaque blob to
// preserve the upstream's wire encoding byte-for-byte.
package dnsmsg

import (
	"encoding/binary"
	"errors"
)

const (
	// MinSize is the smallest legal DNS message: the header alone.
	MinSize = 12
	// MaxSize is the largest message this forwarder will carry over UDP.
	MaxSize = 512
)

// ErrTooLittleData is returned when a buffer is shorter than MinSize.
var ErrTooLittleData = errors.New("dnsmsg: too little data")

// ErrTooMuchData is returned when a buffer is longer than MaxSize.
var ErrTooMuchData = errors.New("dnsmsg: too much data")

// Message is a parsed view over a DNS message buffer. It owns a copy of
// the bytes it was built from; callers can mutate their own buffer
// afterwards without affecting the Message.
type Message struct {
	data []byte
}

// Parse validates length bounds and extracts the fixed header fields.
func Parse(b []byte) (Message, error) {
	switch {
	case len(b) < MinSize:
		return Message{}, ErrTooLittleData
	case len(b) > MaxSize:
		return Message{}, ErrTooMuchData
	}
	data := make([]byte, len(b))
	copy(data, b)
	return Message{data: data}, nil
}

// ParseWithTID is equivalent to Parse after overwriting bytes 0:2 with tid.
// It is used to stamp an upstream response with the requesting client's TID.
func ParseWithTID(b []byte, tid [2]byte) (Message, error) {
	m, err := Parse(b)
	if err != nil {
		return Message{}, err
	}
	m.data[0], m.data[1] = tid[0], tid[1]
	return m, nil
}

// TID returns the two-byte transaction identifier.
func (m Message) TID() [2]byte {
	return [2]byte{m.data[0], m.data[1]}
}

// ResponseFlag reports bit 7 of byte 2 (the QR bit).
func (m Message) ResponseFlag() bool {
	return m.data[2]&0x80 != 0
}

// QDCount returns the question count.
func (m Message) QDCount() uint16 { return binary.BigEndian.Uint16(m.data[4:6]) }

// ANCount returns the answer count.
func (m Message) ANCount() uint16 { return binary.BigEndian.Uint16(m.data[6:8]) }

// NSCount returns the authority record count.
func (m Message) NSCount() uint16 { return binary.BigEndian.Uint16(m.data[8:10]) }

// ARCount returns the additional record count.
func (m Message) ARCount() uint16 { return binary.BigEndian.Uint16(m.data[10:12]) }

// Len returns the length of the underlying buffer.
func (m Message) Len() int { return len(m.data) }

// Wire returns a copy of the message's raw bytes, unchanged from
// however it was last parsed or stamped.
func (m Message) Wire() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// IsQuery reports whether this message should be accepted for forwarding:
// not a response, and asking at least one question.
func (m Message) IsQuery() bool {
	return !m.ResponseFlag() && m.QDCount() > 0
}

// WireWithTID returns the message bytes with the first two bytes replaced by tid.
func (m Message) WireWithTID(tid [2]byte) []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	out[0], out[1] = tid[0], tid[1]
	return out
}

// WireZeroTID returns the message bytes with the TID zeroed out. This is
// both the cache key and the payload sent upstream, so that queries
// differing only by TID share a cache entry.
func (m Message) WireZeroTID() []byte {
	return m.WireWithTID([2]byte{0, 0})
}
