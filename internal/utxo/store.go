package utxo

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/time-coin/timecoin/internal/storage"
	"github.com/time-coin/timecoin/pkg/types"
)

// Secondary index key prefixes. The primary UTXO record itself has no
// prefix: its key is the outpoint's bare canonical bytes, so it
// cannot collide with these.
var (
	prefixAddr  = []byte("a/") // a/<address><txid><index> -> empty (index)
	prefixStake = []byte("k/") // k/<pubkey32><txid><index> -> empty (stake index)
)

// ed25519PubKeySize is the length of an Ed25519 public key used in stake scripts.
const ed25519PubKeySize = 32

// Store implements Set backed by a storage.DB. All lifecycle transitions
// that touch more than one entry (LockMany, Confirm, Finalize, Archive) take
// mu for their whole critical section, matching lock_many's all-or-nothing
// invariant.
type Store struct {
	mu sync.Mutex
	db storage.DB
}

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

func addrKey(addr types.Address, op types.Outpoint) []byte {
	key := make([]byte, len(prefixAddr)+types.AddressSize+types.HashSize+4)
	copy(key, prefixAddr)
	copy(key[len(prefixAddr):], addr[:])
	off := len(prefixAddr) + types.AddressSize
	copy(key[off:], op.TxID[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

func stakeKey(pubKey []byte, op types.Outpoint) []byte {
	key := make([]byte, len(prefixStake)+ed25519PubKeySize+types.HashSize+4)
	copy(key, prefixStake)
	copy(key[len(prefixStake):], pubKey)
	off := len(prefixStake) + ed25519PubKeySize
	copy(key[off:], op.TxID[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

// scriptAddress returns the address embedded in a script, if any.
// P2PKH and Mint scripts both store a 20-byte address in Data.
func scriptAddress(s types.Script) (types.Address, bool) {
	switch s.Type {
	case types.ScriptTypeP2PKH, types.ScriptTypeMint:
		if len(s.Data) >= types.AddressSize {
			var addr types.Address
			copy(addr[:], s.Data[:types.AddressSize])
			return addr, true
		}
	}
	return types.Address{}, false
}

// Get retrieves a UTXO by its outpoint.
func (s *Store) Get(outpoint types.Outpoint) (*UTXO, error) {
	data, err := s.db.Get(outpoint.CanonicalBytes())
	if err != nil {
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &u, nil
}

func (s *Store) put(u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	if err := s.db.Put(u.Outpoint.CanonicalBytes(), data); err != nil {
		return fmt.Errorf("utxo put: %w", err)
	}
	if addr, ok := scriptAddress(u.Script); ok {
		if err := s.db.Put(addrKey(addr, u.Outpoint), []byte{}); err != nil {
			return fmt.Errorf("utxo index put: %w", err)
		}
	}
	if u.Script.Type == types.ScriptTypeStake && len(u.Script.Data) == ed25519PubKeySize {
		if err := s.db.Put(stakeKey(u.Script.Data, u.Outpoint), []byte{}); err != nil {
			return fmt.Errorf("stake index put: %w", err)
		}
	}
	return nil
}

// Put stores a new UTXO (normally in the Unspent state) and updates indices.
func (s *Store) Put(u *UTXO) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(u)
}

// Delete removes a UTXO and its secondary index entries.
func (s *Store) Delete(outpoint types.Outpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(outpoint)
}

func (s *Store) delete(outpoint types.Outpoint) error {
	u, err := s.Get(outpoint)
	if err == nil {
		if addr, ok := scriptAddress(u.Script); ok {
			s.db.Delete(addrKey(addr, outpoint))
		}
		if u.Script.Type == types.ScriptTypeStake && len(u.Script.Data) == ed25519PubKeySize {
			s.db.Delete(stakeKey(u.Script.Data, outpoint))
		}
	}
	if err := s.db.Delete(outpoint.CanonicalBytes()); err != nil {
		return fmt.Errorf("utxo delete: %w", err)
	}
	return nil
}

// Has checks if a UTXO exists for the given outpoint, in any state.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	return s.db.Has(outpoint.CanonicalBytes())
}

// ForEach iterates over every primary UTXO record. Primary records are keyed
// by the bare 36-byte canonical outpoint, so every key of another length
// (the longer "a/" and "k/" index entries included) is skipped.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	return s.db.ForEach(nil, func(key, value []byte) error {
		if len(key) != 36 {
			return nil // Secondary index entry, not a primary record.
		}
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(&u)
	})
}

// LockMany verifies every outpoint is Unspent and transitions all of them to
// Locked{txid, now} atomically: if any outpoint fails the check, every
// outpoint already locked during this call is restored to Unspent before
// returning ErrLockConflict.
func (s *Store) LockMany(outpoints []types.Outpoint, txid types.Hash, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked := make([]*UTXO, 0, len(outpoints))
	for _, op := range outpoints {
		u, err := s.Get(op)
		if err != nil || u.State != Unspent {
			for _, done := range locked {
				done.State = Unspent
				done.LockTxID = types.Hash{}
				done.LockedAt = 0
				_ = s.put(done)
			}
			return fmt.Errorf("%w: outpoint %s not unspent", ErrLockConflict, op)
		}
		u.State = Locked
		u.LockTxID = txid
		u.LockedAt = now
		if err := s.put(u); err != nil {
			for _, done := range locked {
				done.State = Unspent
				done.LockTxID = types.Hash{}
				done.LockedAt = 0
				_ = s.put(done)
			}
			return err
		}
		locked = append(locked, u)
	}
	return nil
}

// Unlock transitions Locked{txid,_} -> Unspent; no-op if not locked by txid.
func (s *Store) Unlock(outpoint types.Outpoint, txid types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.Get(outpoint)
	if err != nil {
		return nil
	}
	if u.State != Locked || u.LockTxID != txid {
		return nil
	}
	u.State = Unspent
	u.LockTxID = types.Hash{}
	u.LockedAt = 0
	return s.put(u)
}

// Confirm transitions Locked{txid} -> Confirmed{txid, blockHeight}. Fails
// with ErrWrongTxid if the lock is held by a different transaction.
func (s *Store) Confirm(outpoints []types.Outpoint, txid types.Hash, blockHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range outpoints {
		u, err := s.Get(op)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", op, err)
		}
		if u.State != Locked || u.LockTxID != txid {
			return fmt.Errorf("confirm %s: %w", op, ErrWrongTxid)
		}
		u.State = Confirmed
		u.ConfirmedHeight = blockHeight
		u.LockedAt = 0
		if err := s.put(u); err != nil {
			return err
		}
	}
	return nil
}

// Finalize transitions Confirmed{txid,_} -> Finalized{txid, now}, called
// when the containing block reaches precommit majority.
func (s *Store) Finalize(outpoints []types.Outpoint, txid types.Hash, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range outpoints {
		u, err := s.Get(op)
		if err != nil {
			return fmt.Errorf("finalize %s: %w", op, err)
		}
		if u.State != Confirmed || u.LockTxID != txid {
			return fmt.Errorf("finalize %s: %w", op, ErrWrongTxid)
		}
		u.State = Finalized
		u.FinalizedAt = now
		if err := s.put(u); err != nil {
			return err
		}
	}
	return nil
}

// Archive transitions Finalized{txid,_} -> Archived{txid, height, now}, once
// the containing block is older than the archival horizon.
func (s *Store) Archive(outpoints []types.Outpoint, txid types.Hash, height uint64, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range outpoints {
		u, err := s.Get(op)
		if err != nil {
			return fmt.Errorf("archive %s: %w", op, err)
		}
		if u.State != Finalized || u.LockTxID != txid {
			return fmt.Errorf("archive %s: %w", op, ErrWrongTxid)
		}
		u.State = Archived
		u.ArchivedHeight = height
		u.ArchivedAt = now
		if err := s.put(u); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveBelow promotes Finalized entries whose spending block height is at
// or below cutoffHeight to Archived{height, now}. Returns how many entries
// were archived.
func (s *Store) ArchiveBelow(cutoffHeight, tipHeight uint64, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*UTXO
	err := s.db.ForEach(nil, func(key, value []byte) error {
		if len(key) != 36 {
			return nil
		}
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return nil
		}
		if u.State == Finalized && u.ConfirmedHeight <= cutoffHeight {
			uu := u
			eligible = append(eligible, &uu)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive scan: %w", err)
	}

	for _, u := range eligible {
		u.State = Archived
		u.ArchivedHeight = tipHeight
		u.ArchivedAt = now
		if err := s.put(u); err != nil {
			return 0, err
		}
	}
	return len(eligible), nil
}

// GCLocks scans Locked entries and reverts those older than LockTimeoutSeconds
// back to Unspent. Returns the number of entries reverted.
func (s *Store) GCLocks(now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*UTXO
	err := s.db.ForEach(nil, func(key, value []byte) error {
		if len(key) != 36 {
			return nil
		}
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return nil
		}
		if u.State == Locked && now-u.LockedAt > LockTimeoutSeconds {
			uu := u
			stale = append(stale, &uu)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("gc_locks scan: %w", err)
	}

	for _, u := range stale {
		u.State = Unspent
		u.LockTxID = types.Hash{}
		u.LockedAt = 0
		if err := s.put(u); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// RevertOutputs removes UTXOs created by a block's transactions during
// rollback. Input restoration to their prior state is handled
// separately by the chain package's undo journal.
func (s *Store) RevertOutputs(outpoints []types.Outpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range outpoints {
		if err := s.delete(op); err != nil {
			return err
		}
	}
	return nil
}

// GetStakes returns all stake UTXOs locked by the given Ed25519 public key.
func (s *Store) GetStakes(pubKey []byte) ([]*UTXO, error) {
	if len(pubKey) != ed25519PubKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes, got %d", ed25519PubKeySize, len(pubKey))
	}
	prefix := make([]byte, len(prefixStake)+ed25519PubKeySize)
	copy(prefix, prefixStake)
	copy(prefix[len(prefixStake):], pubKey)

	var utxos []*UTXO
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		off := len(prefixStake) + ed25519PubKeySize
		if len(key) < off+types.HashSize+4 {
			return nil
		}
		var op types.Outpoint
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		u, err := s.Get(op)
		if err != nil {
			return nil
		}
		utxos = append(utxos, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan stake index: %w", err)
	}
	return utxos, nil
}

// GetAllStakedValidators returns the unique Ed25519 public keys of all
// validators that currently have stake UTXOs.
func (s *Store) GetAllStakedValidators() ([][]byte, error) {
	seen := make(map[string]struct{})
	var validators [][]byte

	err := s.db.ForEach(prefixStake, func(key, _ []byte) error {
		if len(key) < len(prefixStake)+ed25519PubKeySize {
			return nil
		}
		pk := key[len(prefixStake) : len(prefixStake)+ed25519PubKeySize]
		pkStr := string(pk)
		if _, ok := seen[pkStr]; !ok {
			seen[pkStr] = struct{}{}
			pubKey := make([]byte, ed25519PubKeySize)
			copy(pubKey, pk)
			validators = append(validators, pubKey)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan stake index: %w", err)
	}
	return validators, nil
}

// GetByAddress returns all UTXOs belonging to the given address.
func (s *Store) GetByAddress(addr types.Address) ([]*UTXO, error) {
	prefix := make([]byte, len(prefixAddr)+types.AddressSize)
	copy(prefix, prefixAddr)
	copy(prefix[len(prefixAddr):], addr[:])

	var utxos []*UTXO
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		off := len(prefixAddr) + types.AddressSize
		if len(key) < off+types.HashSize+4 {
			return nil
		}
		var op types.Outpoint
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		u, err := s.Get(op)
		if err != nil {
			return nil
		}
		utxos = append(utxos, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan address index: %w", err)
	}
	return utxos, nil
}

// ClearAll removes all UTXOs and their secondary indexes. Used during UTXO
// set recovery after a crash during reorg.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The backing DB may be shared (e.g. with the block store), so only
	// 36-byte primary records and the a/ and k/ index entries are removed.
	var keys [][]byte
	if err := s.db.ForEach(nil, func(key, _ []byte) error {
		isIndex := bytes.HasPrefix(key, prefixAddr) || bytes.HasPrefix(key, prefixStake)
		if len(key) != 36 && !isIndex {
			return nil
		}
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return nil
	}); err != nil {
		return fmt.Errorf("scan all: %w", err)
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete utxo key: %w", err)
		}
	}
	return nil
}
