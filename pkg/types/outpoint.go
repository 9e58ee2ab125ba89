package types

import (
	"encoding/binary"
	"fmt"
)

// Outpoint references a specific output in a transaction.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// IsZero returns true if the outpoint has a zero TxID and zero index.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == 0
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}

// CanonicalBytes returns the outpoint's canonical little-endian encoding:
// txid(32) || index(4, LE). This is used directly as the UTXO store's
// primary key, with no prefix.
func (o Outpoint) CanonicalBytes() []byte {
	buf := make([]byte, 36)
	copy(buf[:32], o.TxID[:])
	binary.LittleEndian.PutUint32(buf[32:], o.Index)
	return buf
}

// OutpointFromCanonicalBytes parses the encoding produced by CanonicalBytes.
func OutpointFromCanonicalBytes(b []byte) (Outpoint, error) {
	if len(b) != 36 {
		return Outpoint{}, fmt.Errorf("outpoint: expected 36 bytes, got %d", len(b))
	}
	var o Outpoint
	copy(o.TxID[:], b[:32])
	o.Index = binary.LittleEndian.Uint32(b[32:])
	return o, nil
}
