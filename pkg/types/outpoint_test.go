package types

import (
	"strings"
	"testing"
)

func TestOutpoint_IsZero(t *testing.T) {
	var zero Outpoint
	if !zero.IsZero() {
		t.Error("zero-value Outpoint should be zero")
	}

	// Non-zero TxID
	nonZero := Outpoint{TxID: Hash{0x01}, Index: 0}
	if nonZero.IsZero() {
		t.Error("Outpoint with non-zero TxID should not be zero")
	}

	// Non-zero index
	nonZero2 := Outpoint{TxID: Hash{}, Index: 1}
	if nonZero2.IsZero() {
		t.Error("Outpoint with non-zero Index should not be zero")
	}
}

func TestOutpoint_String(t *testing.T) {
	o := Outpoint{
		TxID:  Hash{0xab},
		Index: 3,
	}
	s := o.String()

	// Should contain the txid hex and :index
	if !strings.HasPrefix(s, "ab") {
		t.Errorf("String() should start with txid hex, got %s", s)
	}
	if !strings.HasSuffix(s, ":3") {
		t.Errorf("String() should end with ':3', got %s", s)
	}

	// Zero outpoint
	var zero Outpoint
	zs := zero.String()
	if !strings.HasSuffix(zs, ":0") {
		t.Errorf("zero Outpoint String() should end with ':0', got %s", zs)
	}
}

func TestOutpoint_CanonicalBytes_RoundTrip(t *testing.T) {
	o := Outpoint{TxID: Hash{0xab, 0xcd}, Index: 0x01020304}

	b := o.CanonicalBytes()
	if len(b) != 36 {
		t.Fatalf("canonical length = %d, want 36", len(b))
	}
	// txid little-endian layout: raw bytes then u32-LE index.
	if b[0] != 0xab || b[1] != 0xcd {
		t.Error("canonical bytes should start with the raw txid")
	}
	if b[32] != 0x04 || b[35] != 0x01 {
		t.Error("index should be little-endian")
	}

	back, err := OutpointFromCanonicalBytes(b)
	if err != nil {
		t.Fatalf("OutpointFromCanonicalBytes: %v", err)
	}
	if back != o {
		t.Errorf("round trip = %+v, want %+v", back, o)
	}

	if _, err := OutpointFromCanonicalBytes(b[:35]); err == nil {
		t.Error("short input must be rejected")
	}
}
