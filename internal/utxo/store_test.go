package utxo

import (
	"errors"
	"testing"

	"github.com/time-coin/timecoin/internal/storage"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func makeOutpoint(data string, index uint32) types.Outpoint {
	return types.Outpoint{
		TxID:  crypto.Hash([]byte(data)),
		Index: index,
	}
}

func makeUTXO(data string, index uint32, value uint64) *UTXO {
	addr := types.Address{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		0x11, 0x12, 0x13, 0x14}
	return &UTXO{
		Outpoint: makeOutpoint(data, index),
		Value:    value,
		Script: types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: addr[:],
		},
		CreatedAtHeight: 1,
	}
}

func mustPut(t *testing.T, s *Store, u *UTXO) {
	t.Helper()
	if err := s.Put(u); err != nil {
		t.Fatalf("Put(%s): %v", u.Outpoint, err)
	}
}

func stateOf(t *testing.T, s *Store, op types.Outpoint) State {
	t.Helper()
	u, err := s.Get(op)
	if err != nil {
		t.Fatalf("Get(%s): %v", op, err)
	}
	return u.State
}

func TestStore_PutAndGet(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 5000)

	mustPut(t, s, u)

	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Value != 5000 {
		t.Errorf("value = %d, want 5000", got.Value)
	}
	if got.State != Unspent {
		t.Errorf("fresh UTXO state = %s, want unspent", got.State)
	}
}

func TestStore_GetNonexistent(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(makeOutpoint("ghost", 0)); err == nil {
		t.Error("Get() of a missing outpoint should error")
	}
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 100)
	mustPut(t, s, u)

	if err := s.Delete(u.Outpoint); err != nil {
		t.Fatalf("Delete(): %v", err)
	}
	if has, _ := s.Has(u.Outpoint); has {
		t.Error("deleted UTXO should be gone")
	}
}

// Lifecycle: Unspent -> Locked -> Confirmed -> Finalized -> Archived.
func TestStore_FullLifecycle(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 100)
	mustPut(t, s, u)

	txid := crypto.Hash([]byte("spender"))
	ops := []types.Outpoint{u.Outpoint}

	if err := s.LockMany(ops, txid, 1000); err != nil {
		t.Fatalf("LockMany: %v", err)
	}
	if got := stateOf(t, s, u.Outpoint); got != Locked {
		t.Fatalf("after lock: %s", got)
	}

	if err := s.Confirm(ops, txid, 42); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got := stateOf(t, s, u.Outpoint); got != Confirmed {
		t.Fatalf("after confirm: %s", got)
	}

	if err := s.Finalize(ops, txid, 2000); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := stateOf(t, s, u.Outpoint); got != Finalized {
		t.Fatalf("after finalize: %s", got)
	}

	if err := s.Archive(ops, txid, 142, 3000); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != Archived || got.ArchivedHeight != 142 {
		t.Fatalf("after archive: state=%s height=%d", got.State, got.ArchivedHeight)
	}
}

// Atomic batch: a conflicting outpoint mid-batch leaves every other outpoint
// untouched and the conflicting lock intact.
func TestStore_LockMany_AllOrNothing(t *testing.T) {
	s := testStore(t)
	o1 := makeUTXO("tx1", 0, 100)
	o2 := makeUTXO("tx2", 0, 200)
	o3 := makeUTXO("tx3", 0, 300)
	mustPut(t, s, o1)
	mustPut(t, s, o2)
	mustPut(t, s, o3)

	txY := crypto.Hash([]byte("tx_y"))
	if err := s.LockMany([]types.Outpoint{o2.Outpoint}, txY, 1000); err != nil {
		t.Fatalf("pre-lock o2: %v", err)
	}

	txX := crypto.Hash([]byte("tx_x"))
	err := s.LockMany([]types.Outpoint{o1.Outpoint, o2.Outpoint, o3.Outpoint}, txX, 1001)
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("want ErrLockConflict, got %v", err)
	}

	if got := stateOf(t, s, o1.Outpoint); got != Unspent {
		t.Errorf("o1 = %s, want unspent (rolled back)", got)
	}
	if got := stateOf(t, s, o3.Outpoint); got != Unspent {
		t.Errorf("o3 = %s, want unspent (never locked)", got)
	}
	u2, _ := s.Get(o2.Outpoint)
	if u2.State != Locked || u2.LockTxID != txY {
		t.Errorf("o2 must remain locked by tx_y, got state=%s txid=%s", u2.State, u2.LockTxID)
	}
}

func TestStore_Unlock(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 100)
	mustPut(t, s, u)

	txid := crypto.Hash([]byte("locker"))
	if err := s.LockMany([]types.Outpoint{u.Outpoint}, txid, 1000); err != nil {
		t.Fatalf("LockMany: %v", err)
	}

	// Unlock by a different txid is a no-op.
	other := crypto.Hash([]byte("other"))
	if err := s.Unlock(u.Outpoint, other); err != nil {
		t.Fatalf("Unlock (wrong txid): %v", err)
	}
	if got := stateOf(t, s, u.Outpoint); got != Locked {
		t.Errorf("wrong-txid unlock must not release the lock, got %s", got)
	}

	if err := s.Unlock(u.Outpoint, txid); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if got := stateOf(t, s, u.Outpoint); got != Unspent {
		t.Errorf("after unlock: %s, want unspent", got)
	}
}

func TestStore_Confirm_WrongTxid(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 100)
	mustPut(t, s, u)

	locker := crypto.Hash([]byte("locker"))
	if err := s.LockMany([]types.Outpoint{u.Outpoint}, locker, 1000); err != nil {
		t.Fatalf("LockMany: %v", err)
	}

	imposter := crypto.Hash([]byte("imposter"))
	err := s.Confirm([]types.Outpoint{u.Outpoint}, imposter, 7)
	if !errors.Is(err, ErrWrongTxid) {
		t.Fatalf("want ErrWrongTxid, got %v", err)
	}
}

func TestStore_Finalize_RequiresConfirmed(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 100)
	mustPut(t, s, u)

	txid := crypto.Hash([]byte("spender"))
	if err := s.Finalize([]types.Outpoint{u.Outpoint}, txid, 1000); err == nil {
		t.Error("Finalize on an Unspent outpoint must fail")
	}
}

// Finality durability: a Finalized or Archived entry never transitions back
// to Unspent through any store operation.
func TestStore_FinalizedNeverUnspent(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 100)
	mustPut(t, s, u)

	txid := crypto.Hash([]byte("spender"))
	ops := []types.Outpoint{u.Outpoint}
	s.LockMany(ops, txid, 1000)
	s.Confirm(ops, txid, 42)
	s.Finalize(ops, txid, 2000)

	// Unlock is a no-op past Locked.
	s.Unlock(u.Outpoint, txid)
	if got := stateOf(t, s, u.Outpoint); got != Finalized {
		t.Errorf("Unlock demoted a finalized entry to %s", got)
	}

	// Lock GC never touches non-Locked entries.
	if _, err := s.GCLocks(1_000_000); err != nil {
		t.Fatalf("GCLocks: %v", err)
	}
	if got := stateOf(t, s, u.Outpoint); got != Finalized {
		t.Errorf("GCLocks demoted a finalized entry to %s", got)
	}

	// LockMany refuses anything not Unspent.
	if err := s.LockMany(ops, crypto.Hash([]byte("thief")), 1); !errors.Is(err, ErrLockConflict) {
		t.Errorf("LockMany on finalized entry: want ErrLockConflict, got %v", err)
	}
}

func TestStore_GCLocks(t *testing.T) {
	s := testStore(t)
	stale := makeUTXO("stale", 0, 100)
	fresh := makeUTXO("fresh", 0, 100)
	mustPut(t, s, stale)
	mustPut(t, s, fresh)

	txid := crypto.Hash([]byte("locker"))
	s.LockMany([]types.Outpoint{stale.Outpoint}, txid, 1000)
	s.LockMany([]types.Outpoint{fresh.Outpoint}, txid, 2000)

	// Only the first lock has exceeded the timeout at this clock.
	reverted, err := s.GCLocks(1000 + LockTimeoutSeconds + 1)
	if err != nil {
		t.Fatalf("GCLocks: %v", err)
	}
	if reverted != 1 {
		t.Fatalf("reverted = %d, want 1", reverted)
	}
	if got := stateOf(t, s, stale.Outpoint); got != Unspent {
		t.Errorf("stale lock = %s, want unspent", got)
	}
	if got := stateOf(t, s, fresh.Outpoint); got != Locked {
		t.Errorf("fresh lock = %s, want still locked", got)
	}
}

func TestStore_ArchiveBelow(t *testing.T) {
	s := testStore(t)
	old := makeUTXO("old", 0, 100)
	recent := makeUTXO("recent", 0, 100)
	mustPut(t, s, old)
	mustPut(t, s, recent)

	txid := crypto.Hash([]byte("spender"))
	s.LockMany([]types.Outpoint{old.Outpoint}, txid, 1)
	s.Confirm([]types.Outpoint{old.Outpoint}, txid, 10)
	s.Finalize([]types.Outpoint{old.Outpoint}, txid, 2)

	s.LockMany([]types.Outpoint{recent.Outpoint}, txid, 1)
	s.Confirm([]types.Outpoint{recent.Outpoint}, txid, 95)
	s.Finalize([]types.Outpoint{recent.Outpoint}, txid, 2)

	archived, err := s.ArchiveBelow(50, 100, 3)
	if err != nil {
		t.Fatalf("ArchiveBelow: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived = %d, want 1", archived)
	}
	if got := stateOf(t, s, old.Outpoint); got != Archived {
		t.Errorf("old spend = %s, want archived", got)
	}
	if got := stateOf(t, s, recent.Outpoint); got != Finalized {
		t.Errorf("recent spend = %s, want still finalized", got)
	}
}

func TestStore_RevertOutputs(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 100)
	mustPut(t, s, u)

	if err := s.RevertOutputs([]types.Outpoint{u.Outpoint}); err != nil {
		t.Fatalf("RevertOutputs: %v", err)
	}
	if has, _ := s.Has(u.Outpoint); has {
		t.Error("reverted output should be removed")
	}
}

func TestStore_ImplementsSet(t *testing.T) {
	var _ Set = (*Store)(nil)
}

// ── Stake index ─────────────────────────────────────────────────────

func stakeUTXO(t *testing.T, data string, pubKey []byte, value uint64) *UTXO {
	t.Helper()
	return &UTXO{
		Outpoint: makeOutpoint(data, 0),
		Value:    value,
		Script: types.Script{
			Type: types.ScriptTypeStake,
			Data: pubKey,
		},
		CreatedAtHeight: 1,
	}
}

func TestStore_StakeIndex_PutAndGet(t *testing.T) {
	s := testStore(t)
	key, _ := crypto.GenerateKey()
	pub := key.PublicKey()

	mustPut(t, s, stakeUTXO(t, "stake1", pub, 1000))
	mustPut(t, s, stakeUTXO(t, "stake2", pub, 2000))

	stakes, err := s.GetStakes(pub)
	if err != nil {
		t.Fatalf("GetStakes: %v", err)
	}
	if len(stakes) != 2 {
		t.Fatalf("stakes = %d, want 2", len(stakes))
	}
}

func TestStore_StakeIndex_DeleteRemovesIndex(t *testing.T) {
	s := testStore(t)
	key, _ := crypto.GenerateKey()
	pub := key.PublicKey()

	u := stakeUTXO(t, "stake1", pub, 1000)
	mustPut(t, s, u)
	if err := s.Delete(u.Outpoint); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	stakes, err := s.GetStakes(pub)
	if err != nil {
		t.Fatalf("GetStakes: %v", err)
	}
	if len(stakes) != 0 {
		t.Errorf("stakes after delete = %d, want 0", len(stakes))
	}
}

func TestStore_StakeIndex_InvalidPubkeyLength(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetStakes(make([]byte, 33)); err == nil {
		t.Error("GetStakes must reject non-32-byte keys")
	}
}

func TestStore_GetAllStakedValidators(t *testing.T) {
	s := testStore(t)
	k1, _ := crypto.GenerateKey()
	k2, _ := crypto.GenerateKey()

	mustPut(t, s, stakeUTXO(t, "a", k1.PublicKey(), 1000))
	mustPut(t, s, stakeUTXO(t, "b", k1.PublicKey(), 1000))
	mustPut(t, s, stakeUTXO(t, "c", k2.PublicKey(), 1000))

	validators, err := s.GetAllStakedValidators()
	if err != nil {
		t.Fatalf("GetAllStakedValidators: %v", err)
	}
	if len(validators) != 2 {
		t.Errorf("validators = %d, want 2 (deduplicated)", len(validators))
	}
}
