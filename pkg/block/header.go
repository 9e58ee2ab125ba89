package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// Header contains block metadata. Field order matches the canonical
// encoding used for both hashing and signing.
type Header struct {
	Height     uint64     `json:"height"`
	Timestamp  uint64     `json:"timestamp"`
	PrevHash   types.Hash `json:"previous_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	LeaderID   []byte     `json:"leader_id"`
	VRFProof   [80]byte   `json:"vrf_proof"`
	VRFOutput  [32]byte   `json:"vrf_output"`
	VRFScore   uint64     `json:"vrf_score"`
	Signature  []byte     `json:"signature,omitempty"`
}

// headerJSON is the JSON representation of Header with hex-encoded byte fields.
type headerJSON struct {
	Height     uint64     `json:"height"`
	Timestamp  uint64     `json:"timestamp"`
	PrevHash   types.Hash `json:"previous_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	LeaderID   string     `json:"leader_id"`
	VRFProof   string     `json:"vrf_proof"`
	VRFOutput  string     `json:"vrf_output"`
	VRFScore   uint64     `json:"vrf_score"`
	Signature  string     `json:"signature,omitempty"`
}

// MarshalJSON encodes the header with hex-encoded byte fields.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Height:     h.Height,
		Timestamp:  h.Timestamp,
		PrevHash:   h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		LeaderID:   hex.EncodeToString(h.LeaderID),
		VRFProof:   hex.EncodeToString(h.VRFProof[:]),
		VRFOutput:  hex.EncodeToString(h.VRFOutput[:]),
		VRFScore:   h.VRFScore,
	}
	if h.Signature != nil {
		j.Signature = hex.EncodeToString(h.Signature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with hex-encoded byte fields.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Height = j.Height
	h.Timestamp = j.Timestamp
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	if j.LeaderID != "" {
		b, err := hex.DecodeString(j.LeaderID)
		if err != nil {
			return err
		}
		h.LeaderID = b
	}
	if j.VRFProof != "" {
		b, err := hex.DecodeString(j.VRFProof)
		if err != nil {
			return err
		}
		copy(h.VRFProof[:], b)
	}
	if j.VRFOutput != "" {
		b, err := hex.DecodeString(j.VRFOutput)
		if err != nil {
			return err
		}
		copy(h.VRFOutput[:], b)
	}
	h.VRFScore = j.VRFScore
	if j.Signature != "" {
		b, err := hex.DecodeString(j.Signature)
		if err != nil {
			return err
		}
		h.Signature = b
	}
	return nil
}

// Hash computes the block header hash (the block_hash). Excludes nothing:
// unlike the transaction signing message, the header signature is itself
// part of the canonical encoding, so the header hash is only stable once
// Signature has been set.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical header encoding used for both hashing
// and signing:
// height(8) | timestamp(8) | previous_hash(32) | merkle_root(32) |
// leader_id_len(4) + leader_id | vrf_proof(80) | vrf_output(32) |
// vrf_score(8) | signature_len(4) + signature
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 8+8+32+32+4+len(h.LeaderID)+80+32+8+4+len(h.Signature))
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.LeaderID)))
	buf = append(buf, h.LeaderID...)
	buf = append(buf, h.VRFProof[:]...)
	buf = append(buf, h.VRFOutput[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.VRFScore)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.Signature)))
	buf = append(buf, h.Signature...)
	return buf
}

// unsignedBytes returns SigningBytes with the signature field forced empty —
// this is the message the leader actually signs (a header cannot sign over
// its own signature).
func (h *Header) unsignedBytes() []byte {
	unsigned := *h
	unsigned.Signature = nil
	return unsigned.SigningBytes()
}

// Sign produces the header's Ed25519 signature over its unsigned encoding
// and stores it on h.Signature.
func (h *Header) Sign(signer crypto.Signer) error {
	sig, err := signer.Sign(h.unsignedBytes())
	if err != nil {
		return err
	}
	h.Signature = sig
	return nil
}

// VerifySignature checks the header's signature against the supplied
// leader public key.
func (h *Header) VerifySignature(publicKey []byte) bool {
	return crypto.VerifySignature(h.unsignedBytes(), h.Signature, publicKey)
}
