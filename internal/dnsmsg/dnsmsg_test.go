package dnsmsg

import (
	"bytes"
	"testing"
)

func header(qr bool, qd uint16) []byte {
	b := make([]byte, 12)
	if qr {
		b[2] = 0x80
	}
	b[4], b[5] = byte(qd>>8), byte(qd)
	return b
}

func TestParseLengthBounds(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want error
	}{
		{"too short", 11, ErrTooLittleData},
		{"minimal", 12, nil},
		{"maximal", 512, nil},
		{"too long", 513, ErrTooMuchData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(make([]byte, tt.n))
			if err != tt.want {
				t.Errorf("Parse(%d bytes): got %v want %v", tt.n, err, tt.want)
			}
		})
	}
}

func TestIsQuery(t *testing.T) {
	tests := []struct {
		name string
		qr   bool
		qd   uint16
		want bool
	}{
		{"query", false, 1, true},
		{"response", true, 1, false},
		{"no question", false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(header(tt.qr, tt.qd))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := m.IsQuery(); got != tt.want {
				t.Errorf("IsQuery() = %v want %v", got, tt.want)
			}
		})
	}
}

func TestTIDRoundTrip(t *testing.T) {
	b := header(false, 1)
	tid := [2]byte{0xAB, 0xCD}
	m, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wire := m.WireWithTID(tid)
	m2, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse(wire): %v", err)
	}
	if got := m2.TID(); got != tid {
		t.Errorf("TID() = %v want %v", got, tid)
	}
}

func TestParseWithTIDThenZeroMatchesParseThenZero(t *testing.T) {
	b := header(false, 1)
	tid := [2]byte{0x11, 0x22}

	m1, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wire := m1.WireWithTID(tid)

	m2, err := ParseWithTID(wire, tid)
	if err != nil {
		t.Fatalf("ParseWithTID: %v", err)
	}
	mParsed, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(m2.WireZeroTID(), mParsed.WireZeroTID()) {
		t.Error("wire_zero_tid(parse_with_tid(b,t)) != wire_zero_tid(parse(b))")
	}
}

func TestWireZeroTIDIndependentOfTID(t *testing.T) {
	b := header(false, 1)
	m1, _ := Parse(b)
	wireA := m1.WireWithTID([2]byte{0x01, 0x02})
	wireB := m1.WireWithTID([2]byte{0x03, 0x04})

	mA, err := Parse(wireA)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	mB, err := Parse(wireB)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(mA.WireZeroTID(), mB.WireZeroTID()) {
		t.Error("wire_zero_tid should be independent of TID")
	}
}

func TestMutatingCallerBufferDoesNotAffectMessage(t *testing.T) {
	b := header(false, 1)
	m, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b[4] = 0xFF
	if m.QDCount() != 1 {
		t.Error("Message should own a private copy of the input buffer")
	}
}
