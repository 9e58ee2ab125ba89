package block

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader           = errors.New("block has nil header")
	ErrBadMerkleRoot       = errors.New("merkle root mismatch")
	ErrZeroTimestamp       = errors.New("block timestamp is zero")
	ErrBadTxOrder          = errors.New("transactions not in canonical order")
	ErrDuplicateTx         = errors.New("duplicate txid in block")
	ErrNoCoinbase          = errors.New("block must contain exactly one coinbase transaction")
	ErrTooManyTxs          = errors.New("too many transactions in block")
	ErrBlockTooLarge       = errors.New("block too large")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
	ErrMultipleCoinbase    = errors.New("multiple coinbase transactions in block")
)

// SortTxs orders transactions canonically: ascending by txid. The merkle root
// is computed over this order, so producers must sort before hashing and
// validators reject anything else.
func SortTxs(txs []*tx.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		hi, hj := txs[i].Hash(), txs[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
}

// Coinbase returns the block's coinbase transaction (the one with a single
// zero-outpoint input), or nil if the block has none.
func (b *Block) Coinbase() *tx.Transaction {
	for _, t := range b.Transactions {
		if isCoinbase(t) {
			return t
		}
	}
	return nil
}

// Validate checks block structure and internal consistency: merkle root,
// canonical transaction ordering, size limits, and per-transaction
// structural validity. It does NOT verify consensus rules — slot-timestamp
// alignment, VRF/leader-signature checks, and checkpoint gating need the
// chain's genesis config and validator set, and live in internal/chain.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	// Check total serialized size (header signing bytes + all tx signing bytes).
	blockSize := len(b.Header.SigningBytes())
	for _, t := range b.Transactions {
		blockSize += len(t.SigningBytes())
	}
	if blockSize > config.MaxBlockSizeBytes {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, blockSize, config.MaxBlockSizeBytes)
	}

	// Exactly one coinbase transaction per non-empty block.
	if len(b.Transactions) > 0 {
		seen := 0
		for _, t := range b.Transactions {
			if isCoinbase(t) {
				seen++
			}
		}
		if seen == 0 {
			return ErrNoCoinbase
		}
		if seen > 1 {
			return ErrMultipleCoinbase
		}
	}

	// Canonical tx ordering: ascending by txid, strictly — equal neighbors
	// mean the same transaction appears twice.
	txHashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		txHashes[i] = t.Hash()
	}
	for i := 1; i < len(txHashes); i++ {
		switch bytes.Compare(txHashes[i-1][:], txHashes[i][:]) {
		case 0:
			return fmt.Errorf("%w: %s", ErrDuplicateTx, txHashes[i])
		case 1:
			return fmt.Errorf("%w: tx %d hash > tx %d hash", ErrBadTxOrder, i-1, i)
		}
	}

	// Verify merkle root over the canonical order.
	expectedRoot := ComputeMerkleRoot(txHashes)
	if b.Header.MerkleRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, expectedRoot)
	}

	// Validate each transaction structurally.
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	// Check for duplicate inputs across different transactions in the block.
	// (Per-tx duplicates are caught by tx.Validate above.)
	allInputs := make(map[types.Outpoint]int) // outpoint -> tx index
	for i, t := range b.Transactions {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase inputs.
			}
			if prevTx, exists := allInputs[in.PrevOut]; exists {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i, ErrDuplicateBlockInput, in.PrevOut, prevTx)
			}
			allInputs[in.PrevOut] = i
		}
	}

	return nil
}

// isCoinbase returns true if the transaction has a zero-outpoint input (coinbase marker).
func isCoinbase(t *tx.Transaction) bool {
	return len(t.Inputs) == 1 && t.Inputs[0].PrevOut.IsZero()
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}
