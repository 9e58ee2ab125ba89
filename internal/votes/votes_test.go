package votes

import (
	"bytes"
	"testing"
	"time"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// testValidator couples a key with a stake for accumulator tests.
type testValidator struct {
	key   *crypto.PrivateKey
	stake uint64
}

func newTestValidator(t *testing.T, seed byte, stake uint64) testValidator {
	t.Helper()
	raw := bytes.Repeat([]byte{seed}, 32)
	key, err := crypto.PrivateKeyFromSeed(raw)
	if err != nil {
		t.Fatalf("key from seed: %v", err)
	}
	return testValidator{key: key, stake: stake}
}

func newTestEngine(vals ...testValidator) *Engine {
	stakeOf := func(id []byte) uint64 {
		for _, v := range vals {
			if bytes.Equal(v.key.PublicKey(), id) {
				return v.stake
			}
		}
		return 0
	}
	totalStake := func() uint64 {
		var sum uint64
		for _, v := range vals {
			sum += v.stake
		}
		return sum
	}
	activeCnt := func() int { return len(vals) }
	return New(stakeOf, totalStake, activeCnt)
}

func signedVote(t *testing.T, v testValidator, phase Phase, height uint64, hash types.Hash) Vote {
	t.Helper()
	vote := Vote{Phase: phase, Height: height, BlockHash: hash}
	if err := vote.Sign(v.key); err != nil {
		t.Fatalf("sign vote: %v", err)
	}
	return vote
}

func TestVote_SigningBytes_Layout(t *testing.T) {
	hash := types.Hash{0xAA, 0xBB}
	voter := []byte{1, 2, 3, 4}
	v := Vote{Phase: Prepare, Height: 7, BlockHash: hash, VoterID: voter}

	got := v.SigningBytes()
	want := append(append(append([]byte{}, hash[:]...), voter...), []byte("PREPARE")...)
	if !bytes.Equal(got, want) {
		t.Errorf("prepare signing bytes = %x, want %x", got, want)
	}

	v.Phase = Precommit
	got = v.SigningBytes()
	want = append(append(append([]byte{}, hash[:]...), voter...), []byte("PRECOMMIT")...)
	if !bytes.Equal(got, want) {
		t.Errorf("precommit signing bytes = %x, want %x", got, want)
	}
}

func TestVote_SignVerify(t *testing.T) {
	val := newTestValidator(t, 1, 10)
	vote := signedVote(t, val, Prepare, 5, types.Hash{0x01})
	if !vote.Verify() {
		t.Fatal("freshly signed vote should verify")
	}

	// Tampering with any signed field must break verification.
	tampered := vote
	tampered.BlockHash = types.Hash{0x02}
	if tampered.Verify() {
		t.Error("vote with altered block hash should not verify")
	}
	tampered = vote
	tampered.Phase = Precommit
	if tampered.Verify() {
		t.Error("prepare signature should not verify as precommit")
	}
}

// Stake-weighted majority: A (50) + B (30) cross the strict-majority threshold
// of total 105; the event fires exactly once, duplicates are idempotent, and a
// conflicting hash at the same height accumulates separately.
func TestEngine_StakeMajority(t *testing.T) {
	a := newTestValidator(t, 1, 50)
	b := newTestValidator(t, 2, 30)
	c := newTestValidator(t, 3, 25)
	e := newTestEngine(a, b, c)

	blockH := types.Hash{0x11}
	otherH := types.Hash{0x22}

	crossed, _, err := e.AddVote(signedVote(t, a, Prepare, 10, blockH))
	if err != nil || crossed {
		t.Fatalf("A alone (50/105) must not cross majority: crossed=%v err=%v", crossed, err)
	}

	crossed, _, err = e.AddVote(signedVote(t, b, Prepare, 10, blockH))
	if err != nil {
		t.Fatalf("B vote: %v", err)
	}
	if !crossed {
		t.Fatal("A+B (80/105) should cross strict majority (threshold 53)")
	}

	// Duplicate from A is idempotent and must not re-fire.
	crossed, _, err = e.AddVote(signedVote(t, a, Prepare, 10, blockH))
	if err != nil {
		t.Fatalf("duplicate vote: %v", err)
	}
	if crossed {
		t.Error("duplicate vote must not report crossing majority again")
	}

	// C voting for a different hash at the same height goes to a separate
	// accumulator and does not cross.
	crossed, _, err = e.AddVote(signedVote(t, c, Prepare, 10, otherH))
	if err != nil {
		t.Fatalf("C vote for other hash: %v", err)
	}
	if crossed {
		t.Error("25/105 on a separate accumulator must not cross majority")
	}
}

func TestEngine_ExactHalfIsNotMajority(t *testing.T) {
	a := newTestValidator(t, 1, 50)
	b := newTestValidator(t, 2, 50)
	e := newTestEngine(a, b)

	hash := types.Hash{0x01}
	crossed, _, err := e.AddVote(signedVote(t, a, Precommit, 1, hash))
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if crossed {
		t.Error("exactly half the stake (50/100) must not count as strict majority")
	}
}

func TestEngine_RejectsInvalidSignature(t *testing.T) {
	a := newTestValidator(t, 1, 50)
	e := newTestEngine(a)

	vote := signedVote(t, a, Prepare, 1, types.Hash{0x01})
	vote.Signature[0] ^= 0xFF
	if _, _, err := e.AddVote(vote); err == nil {
		t.Fatal("corrupted signature must be rejected")
	}
}

func TestEngine_EquivocationRecorded(t *testing.T) {
	a := newTestValidator(t, 1, 50)
	b := newTestValidator(t, 2, 50)
	e := newTestEngine(a, b)

	hashA := types.Hash{0x0A}
	hashB := types.Hash{0x0B}

	if _, _, err := e.AddVote(signedVote(t, a, Prepare, 3, hashA)); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	_, equiv, err := e.AddVote(signedVote(t, a, Prepare, 3, hashB))
	if err == nil || equiv == nil {
		t.Fatal("second vote for a different hash at the same height must be flagged as equivocation")
	}
	if !bytes.Equal(equiv.VoterID, a.key.PublicKey()) {
		t.Error("equivocation should name the offending voter")
	}

	all := e.Equivocations()
	if len(all) != 1 {
		t.Fatalf("want 1 recorded equivocation, got %d", len(all))
	}

	// Both votes are retained: B can still finalize either accumulator, and
	// A's stake counts in each (first-seen signature per accumulator).
	crossed, _, err := e.AddVote(signedVote(t, b, Prepare, 3, hashA))
	if err != nil {
		t.Fatalf("B vote: %v", err)
	}
	if !crossed {
		t.Error("hashA accumulator should still reach majority after equivocation")
	}
}

func TestEngine_PrecommitConsensusCallback(t *testing.T) {
	a := newTestValidator(t, 1, 60)
	b := newTestValidator(t, 2, 40)
	e := newTestEngine(a, b)

	done := make(chan types.Hash, 1)
	e.OnPrecommitConsensus(func(height uint64, blockHash types.Hash) {
		done <- blockHash
	})

	hash := types.Hash{0x07}
	if _, _, err := e.AddVote(signedVote(t, a, Precommit, 9, hash)); err != nil {
		t.Fatalf("vote: %v", err)
	}

	select {
	case got := <-done:
		if got != hash {
			t.Errorf("callback hash = %s, want %s", got, hash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("precommit consensus callback never fired")
	}
}

func TestEngine_SmallNetworkFallback(t *testing.T) {
	a := newTestValidator(t, 1, 100)
	e := newTestEngine(a)

	hash := types.Hash{0x05}
	e.AcceptLocally(4, hash)

	if e.ShouldFallbackFinalize(4, hash) {
		t.Error("fallback must not trigger before the timeout elapses")
	}

	// Rewind the accepted-at clock instead of sleeping for 5s.
	e.mu.Lock()
	for k := range e.blockSeenAt {
		e.blockSeenAt[k] = time.Now().Add(-SmallNetworkTimeout - time.Second)
	}
	e.mu.Unlock()

	if !e.ShouldFallbackFinalize(4, hash) {
		t.Error("single-validator network should fallback-finalize after the timeout")
	}
}

func TestEngine_Reap(t *testing.T) {
	a := newTestValidator(t, 1, 60)
	b := newTestValidator(t, 2, 40)
	e := newTestEngine(a, b)

	hash := types.Hash{0x09}
	if _, _, err := e.AddVote(signedVote(t, a, Precommit, 2, hash)); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if !e.IsFinalized(2, hash) {
		t.Fatal("60/100 precommit should finalize")
	}

	e.Reap(2, hash)
	if e.IsFinalized(2, hash) {
		t.Error("reaped accumulator must be gone")
	}
}

func TestEngine_ReapExpired(t *testing.T) {
	a := newTestValidator(t, 1, 10)
	e := newTestEngine(a)

	if _, _, err := e.AddVote(signedVote(t, a, Prepare, 1, types.Hash{0x01})); err != nil {
		t.Fatalf("vote: %v", err)
	}

	if n := e.ReapExpired(time.Now()); n != 0 {
		t.Errorf("nothing should expire immediately, reaped %d", n)
	}
	if n := e.ReapExpired(time.Now().Add(RetentionWindow + time.Minute)); n != 1 {
		t.Errorf("want 1 expired accumulator, got %d", n)
	}
}
