package consensus

import (
	"bytes"
	"testing"

	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

func seededKey(t *testing.T, seed byte) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.PrivateKeyFromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("seeded key: %v", err)
	}
	return key
}

func TestLeaderInput_Deterministic(t *testing.T) {
	prev := make([]byte, 32)
	a := LeaderInput(42, prev)
	b := LeaderInput(42, prev)
	if !bytes.Equal(a, b) {
		t.Fatal("same slot and prev hash must derive the same VRF input")
	}
	if bytes.Equal(a, LeaderInput(43, prev)) {
		t.Error("different slots must derive different inputs")
	}
	if bytes.Equal(a, FallbackLeaderInput(42, prev)) {
		t.Error("fallback input must differ from the primary input for the same slot")
	}
}

func TestLeaderScore_BigEndian(t *testing.T) {
	out := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0xFF, 0xFF}
	want := uint64(0x0102030405060708)
	if got := LeaderScore(out); got != want {
		t.Errorf("LeaderScore = %#x, want %#x", got, want)
	}
	if LeaderScore([]byte{1, 2, 3}) != 0 {
		t.Error("short output should score 0")
	}
}

func TestLessEffective_RationalComparison(t *testing.T) {
	cases := []struct {
		scoreA, stakeA, scoreB, stakeB uint64
		want                           bool
	}{
		// 100/100 = 1 vs 10/10 = 1: equal, not strictly less.
		{100, 100, 10, 10, false},
		// 50/100 = 0.5 < 10/10 = 1.
		{50, 100, 10, 10, true},
		// Overflow territory: cross-multiplication must not wrap.
		{1 << 63, 1, 1 << 62, 1, false},
		{1 << 62, 2, 1 << 63, 1, true},
		// Higher stake divides the same raw score further down.
		{1000, 100, 1000, 10, true},
	}
	for i, c := range cases {
		if got := lessEffective(c.scoreA, c.stakeA, c.scoreB, c.stakeB); got != c.want {
			t.Errorf("case %d: lessEffective(%d/%d, %d/%d) = %v, want %v",
				i, c.scoreA, c.stakeA, c.scoreB, c.stakeB, got, c.want)
		}
	}
}

func TestPickWinner_TieBreakByID(t *testing.T) {
	// Equal score and stake: the lexicographically smaller id wins.
	a := Candidate{ID: []byte{0x02}, Stake: 10, Score: 500}
	b := Candidate{ID: []byte{0x01}, Stake: 10, Score: 500}
	winner, ok := PickWinner([]Candidate{a, b})
	if !ok {
		t.Fatal("expected a winner")
	}
	if !bytes.Equal(winner.ID, []byte{0x01}) {
		t.Errorf("tie must break to the ascending id, got %x", winner.ID)
	}

	if _, ok := PickWinner(nil); ok {
		t.Error("empty candidate set must not produce a winner")
	}
}

// Two independent evaluations of the same validator set, stakes 100/10/1, at
// slot 42 with a zero previous hash must elect the same leader, and that
// leader must be the candidate minimizing score/stake.
func TestLeaderElection_Deterministic(t *testing.T) {
	keys := []*crypto.PrivateKey{seededKey(t, 0xA1), seededKey(t, 0xB2), seededKey(t, 0xC3)}
	stakes := []uint64{100, 10, 1}
	prev := make([]byte, 32)

	election := func() []Candidate {
		cands := make([]Candidate, 0, len(keys))
		for i, key := range keys {
			proof, output, err := crypto.Evaluate(key, LeaderInput(42, prev))
			if err != nil {
				t.Fatalf("vrf evaluate: %v", err)
			}
			cands = append(cands, Candidate{
				ID:     key.PublicKey(),
				Stake:  stakes[i],
				Proof:  proof,
				Output: output,
				Score:  LeaderScore(output[:]),
			})
		}
		return cands
	}

	first := election()
	second := election()

	w1, ok1 := PickWinner(first)
	w2, ok2 := PickWinner(second)
	if !ok1 || !ok2 {
		t.Fatal("both elections must produce a winner")
	}
	if !bytes.Equal(w1.ID, w2.ID) || w1.Score != w2.Score {
		t.Fatal("independent elections over identical inputs disagreed on the leader")
	}

	// Brute-force the minimal effective value to confirm PickWinner's choice.
	for _, c := range first {
		if bytes.Equal(c.ID, w1.ID) {
			continue
		}
		if lessEffective(c.Score, c.Stake, w1.Score, w1.Stake) {
			t.Errorf("candidate %x has a smaller effective value than the declared winner", c.ID)
		}
	}

	// Each proof must verify and re-derive the same output.
	for i, c := range first {
		out, err := crypto.Verify(keys[i].PublicKey(), LeaderInput(42, prev), c.Proof[:])
		if err != nil {
			t.Fatalf("verify candidate %d: %v", i, err)
		}
		if out != c.Output {
			t.Errorf("candidate %d: verified output differs from evaluated output", i)
		}
	}
}

func TestSortition_FullStakeAlwaysEligible(t *testing.T) {
	// stake == totalStake: score/2^64 < 1 holds for every possible score.
	if !Sortition(^uint64(0)-1, 100, 100) {
		t.Error("sole validator must always clear sortition")
	}
	if Sortition(500, 0, 100) {
		t.Error("zero stake is never eligible")
	}
	if Sortition(500, 10, 0) {
		t.Error("empty validator set is never eligible")
	}
}

func TestVRFEngine_PrepareSealVerify(t *testing.T) {
	key := seededKey(t, 0x11)
	avs := NewActiveValidatorSet()
	avs.SetStake(key.PublicKey(), 100)

	const genesisTS, slotSecs = 1_700_000_000, 600
	engine := NewVRFEngine(avs, genesisTS, slotSecs, 0)
	engine.SetSigner(key)

	header := &block.Header{
		Height:    5,
		Timestamp: genesisTS + 5*slotSecs,
		PrevHash:  types.Hash{0xAB},
	}
	if err := engine.Prepare(header); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	blk := block.NewBlock(header, nil)
	if err := engine.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if err := engine.VerifyHeader(header); err != nil {
		t.Fatalf("VerifyHeader on a freshly sealed header: %v", err)
	}

	// A non-validator leader must be rejected.
	intruder := seededKey(t, 0x22)
	bad := &block.Header{
		Height:    5,
		Timestamp: genesisTS + 5*slotSecs,
		PrevHash:  types.Hash{0xAB},
	}
	badEngine := NewVRFEngine(avs, genesisTS, slotSecs, 0)
	badEngine.SetSigner(intruder)
	if err := badEngine.Prepare(bad); err == nil {
		t.Error("non-validator signer must not pass Prepare")
	}

	// Tampered VRF score must fail verification.
	header.VRFScore++
	if err := engine.VerifyHeader(header); err == nil {
		t.Error("tampered vrf_score must fail verification")
	}
	header.VRFScore--

	// Genesis-style empty proof passes only at height 0.
	genesisHeader := &block.Header{Height: 0, Timestamp: genesisTS}
	if err := engine.VerifyHeader(genesisHeader); err != nil {
		t.Errorf("genesis empty proof should be accepted: %v", err)
	}
}
