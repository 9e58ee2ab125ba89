// Package utxo manages the UTXO set and its five-state lifecycle.
package utxo

import (
	"errors"

	"github.com/time-coin/timecoin/pkg/types"
)

// State is a UTXO's position in its lifecycle.
type State uint8

const (
	// Unspent is spendable and not reserved by any pending transaction.
	Unspent State = iota
	// Locked is reserved by a specific pending transaction, pending confirmation.
	Locked
	// Confirmed was consumed by a transaction included in an accepted block,
	// but that block has not yet reached precommit majority.
	Confirmed
	// Finalized was consumed by a transaction whose containing block reached
	// precommit majority. Reorg-protected.
	Finalized
	// Archived is Finalized and included in a block older than the pruning horizon.
	Archived
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Unspent:
		return "unspent"
	case Locked:
		return "locked"
	case Confirmed:
		return "confirmed"
	case Finalized:
		return "finalized"
	case Archived:
		return "archived"
	default:
		return "unknown"
	}
}

// LockTimeoutSeconds is how long a Locked entry may sit before gc_locks
// reverts it back to Unspent.
const LockTimeoutSeconds = 600

// UTXO represents one entry of the UTXO set, carrying whatever metadata its
// current State requires. Fields irrelevant to the current state are zero.
type UTXO struct {
	Outpoint        types.Outpoint   `json:"outpoint"`
	Value           uint64           `json:"value"`
	Script          types.Script     `json:"script"`
	Token           *types.TokenData `json:"token,omitempty"`
	CreatedAtHeight uint64           `json:"created_at_height"`
	Coinbase        bool             `json:"coinbase"`

	State State `json:"state"`

	// Valid when State is Locked, Confirmed, Finalized, or Archived.
	LockTxID types.Hash `json:"lock_txid,omitempty"`
	// Valid when State == Locked: unix seconds the lock was taken.
	LockedAt int64 `json:"locked_at,omitempty"`
	// Valid when State is Confirmed, Finalized, or Archived.
	ConfirmedHeight uint64 `json:"confirmed_height,omitempty"`
	// Valid when State is Finalized or Archived: unix seconds of finalization.
	FinalizedAt int64 `json:"finalized_at,omitempty"`
	// Valid when State == Archived.
	ArchivedHeight uint64 `json:"archived_height,omitempty"`
	ArchivedAt     int64  `json:"archived_at,omitempty"`
}

// Set is the interface for UTXO storage, extended beyond plain get/put/delete
// with the lifecycle transitions the consensus engine drives.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)

	LockMany(outpoints []types.Outpoint, txid types.Hash, now int64) error
	Unlock(outpoint types.Outpoint, txid types.Hash) error
	Confirm(outpoints []types.Outpoint, txid types.Hash, blockHeight uint64) error
	Finalize(outpoints []types.Outpoint, txid types.Hash, now int64) error
	Archive(outpoints []types.Outpoint, txid types.Hash, height uint64, now int64) error
	GCLocks(now int64) (int, error)
}

// Errors returned by lifecycle transitions.
var (
	ErrLockConflict = errors.New("utxo: lock conflict")
	ErrWrongTxid    = errors.New("utxo: wrong txid for transition")
	ErrNotFound     = errors.New("utxo: not found")
)
