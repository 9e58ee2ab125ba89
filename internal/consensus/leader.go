package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/crypto"
)

// vrfDomainSeparator and fallbackDomainSeparator are mixed into the VRF alpha
// string so leader-election randomness can never be replayed against any
// other use of the same validator key.
var (
	vrfDomainSeparator      = []byte("TIMECOIN_VRF_V2")
	fallbackDomainSeparator = []byte("TSDC-leader-selection-v2")
)

// FallbackTimeoutSeconds is how long the network waits for the scheduled
// leader before falling back to the alternate input derivation.
const FallbackTimeoutSeconds = 30

// LeaderInput derives the VRF alpha string for the given slot and chain tip.
func LeaderInput(slot uint64, previousBlockHash []byte) []byte {
	return slotInput(vrfDomainSeparator, slot, previousBlockHash)
}

// FallbackLeaderInput derives the alpha string used when the scheduled
// leader misses its slot.
func FallbackLeaderInput(slot uint64, previousBlockHash []byte) []byte {
	return slotInput(fallbackDomainSeparator, slot, previousBlockHash)
}

func slotInput(domain []byte, slot uint64, previousBlockHash []byte) []byte {
	buf := make([]byte, len(domain)+8+len(previousBlockHash))
	n := copy(buf, domain)
	binary.LittleEndian.PutUint64(buf[n:], slot)
	copy(buf[n+8:], previousBlockHash)
	h := crypto.Hash(buf)
	return h[:]
}

// LeaderScore derives the u64 election score from the first 8 bytes of a VRF
// output, big-endian per the protocol's scoring rule.
func LeaderScore(output []byte) uint64 {
	if len(output) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(output[:8])
}

// lessEffective reports whether (scoreA, stakeA) ranks strictly ahead of
// (scoreB, stakeB) under the weight-adjusted comparison effective = score /
// stake, computed via cross-multiplication to avoid floating point:
// scoreA*stakeB < scoreB*stakeA.
func lessEffective(scoreA uint64, stakeA uint64, scoreB uint64, stakeB uint64) bool {
	lhs := new(big.Int).Mul(big.NewInt(0).SetUint64(scoreA), big.NewInt(0).SetUint64(stakeB))
	rhs := new(big.Int).Mul(big.NewInt(0).SetUint64(scoreB), big.NewInt(0).SetUint64(stakeA))
	return lhs.Cmp(rhs) < 0
}

// twoPow64 is 2^64 as a big.Int, used for the sortition threshold check.
var twoPow64 = new(big.Int).Lsh(big.NewInt(1), 64)

// Sortition reports whether a validator holding stake out of totalStake is
// eligible to propose given its VRF score for the slot. Eligibility is local:
// a validator decides whether it may lead without needing any other
// validator's VRF output, which is never available to it (VRF evaluation
// requires the private key). The resulting fan-out — zero, one, or more
// simultaneously eligible proposers — is resolved after the fact by chain-
// score fork choice (see the chain package's reorg logic), which breaks ties
// between equal-height, equal-work tips by the smaller tip hash.
//
// score/2^64 < stake/totalStake, cross-multiplied: score*totalStake < stake*2^64.
func Sortition(score uint64, stake uint64, totalStake uint64) bool {
	if totalStake == 0 || stake == 0 {
		return false
	}
	lhs := new(big.Int).Mul(big.NewInt(0).SetUint64(score), big.NewInt(0).SetUint64(totalStake))
	rhs := new(big.Int).Mul(big.NewInt(0).SetUint64(stake), twoPow64)
	return lhs.Cmp(rhs) < 0
}

// AVSMember is one entry of the active validator set snapshot used for
// leader election and header verification.
type AVSMember struct {
	ID    []byte // validator public key, also used as the lexicographic tiebreak id.
	Stake uint64
}

// Candidate is a validator's VRF evaluation for a single slot, produced
// locally by a validator holding the matching private key.
type Candidate struct {
	ID     []byte
	Stake  uint64
	Proof  [crypto.ProofSize]byte
	Output [crypto.OutputSize]byte
	Score  uint64
}

// PickWinner selects the smallest-effective-value candidate from a set of
// already-eligible proposals for the same slot, breaking ties by ascending
// validator id. Chain fork choice does not call it. Returns false if
// candidates is empty.
func PickWinner(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if lessEffective(a.Score, a.Stake, b.Score, b.Stake) {
			return true
		}
		if lessEffective(b.Score, b.Stake, a.Score, a.Stake) {
			return false
		}
		return bytes.Compare(a.ID, b.ID) < 0
	})
	return sorted[0], true
}

// ActiveValidatorSet is a mutex-guarded snapshot of validators eligible to
// propose and vote, keyed by public key. Stake amounts are refreshed by the
// chain package's stake/unstake handlers as stake UTXOs come and go.
type ActiveValidatorSet struct {
	mu      sync.RWMutex
	members map[string]uint64 // hex-free raw pubkey string -> stake
}

// NewActiveValidatorSet creates an empty AVS snapshot.
func NewActiveValidatorSet() *ActiveValidatorSet {
	return &ActiveValidatorSet{members: make(map[string]uint64)}
}

// SetStake records (or updates) a validator's stake. A zero stake removes
// the validator from the active set.
func (a *ActiveValidatorSet) SetStake(pubKey []byte, stake uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stake == 0 {
		delete(a.members, string(pubKey))
		return
	}
	a.members[string(pubKey)] = stake
}

// Stake returns the validator's current stake, or 0 if not active.
func (a *ActiveValidatorSet) Stake(pubKey []byte) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.members[string(pubKey)]
}

// TotalStake returns the sum of all active validators' stake.
func (a *ActiveValidatorSet) TotalStake() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var total uint64
	for _, s := range a.members {
		total += s
	}
	return total
}

// Snapshot returns a stable-ordered copy of the active set (sorted by id).
func (a *ActiveValidatorSet) Snapshot() []AVSMember {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]AVSMember, 0, len(a.members))
	for k, v := range a.members {
		out = append(out, AVSMember{ID: []byte(k), Stake: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID, out[j].ID) < 0 })
	return out
}

// Count returns the number of active validators.
func (a *ActiveValidatorSet) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.members)
}

// VRFEngine implements Engine using VRF-based slot leader election in place
// of PoA's time-slot round robin. The shape (mutex-guarded validator state,
// SetSigner/Seal/VerifyHeader) follows the PoA engine; the election and
// scoring rules are the VRF sortition scheme above.
type VRFEngine struct {
	mu sync.RWMutex

	avs              *ActiveValidatorSet
	genesisTimestamp uint64
	slotSeconds      uint64
	vrfCutoverHeight uint64 // blocks below this height accept empty proofs.

	signer *crypto.PrivateKey

	stakeChecker StakeChecker
}

// NewVRFEngine creates a VRF consensus engine against the given active
// validator set and genesis parameters.
func NewVRFEngine(avs *ActiveValidatorSet, genesisTimestamp, slotSeconds, vrfCutoverHeight uint64) *VRFEngine {
	return &VRFEngine{
		avs:              avs,
		genesisTimestamp: genesisTimestamp,
		slotSeconds:      slotSeconds,
		vrfCutoverHeight: vrfCutoverHeight,
	}
}

// SetSigner sets the local validator key used by Seal.
func (e *VRFEngine) SetSigner(key *crypto.PrivateKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signer = key
}

// SetStakeChecker configures on-chain stake verification.
func (e *VRFEngine) SetStakeChecker(sc StakeChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stakeChecker = sc
}

// SlotForTimestamp returns the wall-clock slot index for a given Unix time.
func (e *VRFEngine) SlotForTimestamp(ts uint64) uint64 {
	if ts <= e.genesisTimestamp {
		return 0
	}
	return (ts - e.genesisTimestamp) / e.slotSeconds
}

// TimestampForSlot returns the deterministic timestamp a block at this slot
// must carry.
func (e *VRFEngine) TimestampForSlot(slot uint64) uint64 {
	return e.genesisTimestamp + slot*e.slotSeconds
}

// EvaluateSlot computes this node's own VRF proof/output for a slot, using
// the configured signer. Returns ok=false if no signer is configured or the
// signer isn't an active validator.
func (e *VRFEngine) EvaluateSlot(slot uint64, previousBlockHash []byte) (Candidate, bool, error) {
	return e.evaluateAlpha(LeaderInput(slot, previousBlockHash))
}

// EvaluateSlotFallback is EvaluateSlot under the fallback input derivation,
// used once the scheduled leader has missed its window.
func (e *VRFEngine) EvaluateSlotFallback(slot uint64, previousBlockHash []byte) (Candidate, bool, error) {
	return e.evaluateAlpha(FallbackLeaderInput(slot, previousBlockHash))
}

func (e *VRFEngine) evaluateAlpha(alpha []byte) (Candidate, bool, error) {
	e.mu.RLock()
	signer := e.signer
	e.mu.RUnlock()
	if signer == nil {
		return Candidate{}, false, nil
	}

	stake := e.avs.Stake(signer.PublicKey())
	if stake == 0 {
		return Candidate{}, false, nil
	}

	proof, output, err := crypto.Evaluate(signer, alpha)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("vrf evaluate: %w", err)
	}
	score := LeaderScore(output[:])
	return Candidate{
		ID:     signer.PublicKey(),
		Stake:  stake,
		Proof:  proof,
		Output: output,
		Score:  score,
	}, true, nil
}

// IsEligible reports whether EvaluateSlot's candidate clears the sortition
// threshold and may propose this slot.
func (e *VRFEngine) IsEligible(c Candidate) bool {
	return Sortition(c.Score, c.Stake, e.avs.TotalStake())
}

// Prepare fills the VRF fields on a header the local signer is about to
// propose. Must be called before Seal so the proof is covered by the
// signature.
func (e *VRFEngine) Prepare(header *block.Header) error {
	return e.prepare(header, false)
}

// PrepareFallback fills the VRF fields using the fallback input derivation.
// Used when the slot's scheduled window has passed without a block.
func (e *VRFEngine) PrepareFallback(header *block.Header) error {
	return e.prepare(header, true)
}

func (e *VRFEngine) prepare(header *block.Header, fallback bool) error {
	e.mu.RLock()
	signer := e.signer
	e.mu.RUnlock()
	if signer == nil {
		return fmt.Errorf("no signer configured")
	}

	slot := e.SlotForTimestamp(header.Timestamp)
	var (
		candidate Candidate
		ok        bool
		err       error
	)
	if fallback {
		candidate, ok, err = e.EvaluateSlotFallback(slot, header.PrevHash[:])
	} else {
		candidate, ok, err = e.EvaluateSlot(slot, header.PrevHash[:])
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signer is not an active validator")
	}
	if !e.IsEligible(candidate) {
		return fmt.Errorf("not eligible to propose slot %d", slot)
	}

	header.LeaderID = append([]byte(nil), signer.PublicKey()...)
	header.VRFProof = candidate.Proof
	header.VRFOutput = candidate.Output
	header.VRFScore = candidate.Score
	return nil
}

// Seal signs the header with the local validator's key. Must run after
// Prepare so the VRF fields are covered by the signature.
func (e *VRFEngine) Seal(blk *block.Block) error {
	e.mu.RLock()
	signer := e.signer
	e.mu.RUnlock()
	if signer == nil {
		return fmt.Errorf("no signer configured")
	}
	return blk.Header.Sign(signer)
}

// VerifyHeader checks the VRF proof, signature, and sortition eligibility of
// a received header. Genesis and pre-cutover blocks with an empty proof are
// accepted unconditionally (backward-compatibility path).
func (e *VRFEngine) VerifyHeader(header *block.Header) error {
	if header.Height == 0 || (e.vrfCutoverHeight > 0 && header.Height < e.vrfCutoverHeight) {
		if isZeroProof(header.VRFProof) {
			return nil
		}
	}

	if len(header.LeaderID) == 0 {
		return fmt.Errorf("missing leader id")
	}
	if len(header.Signature) == 0 {
		return fmt.Errorf("missing header signature")
	}
	if !header.VerifySignature(header.LeaderID) {
		return fmt.Errorf("invalid header signature")
	}

	stake := e.avs.Stake(header.LeaderID)
	if stake == 0 {
		return fmt.Errorf("leader %x is not an active validator", header.LeaderID)
	}

	e.mu.RLock()
	stakeChecker := e.stakeChecker
	e.mu.RUnlock()
	if stakeChecker != nil {
		ok, err := stakeChecker.HasStake(header.LeaderID)
		if err != nil {
			return fmt.Errorf("check stake: %w", err)
		}
		if !ok {
			return fmt.Errorf("leader has insufficient on-chain stake")
		}
	}

	// The proof must verify under the primary input, or — for blocks a
	// fallback leader produced after the scheduled leader's window — under
	// the fallback derivation.
	slot := e.SlotForTimestamp(header.Timestamp)
	output, err := crypto.Verify(header.LeaderID, LeaderInput(slot, header.PrevHash[:]), header.VRFProof[:])
	if err != nil || output != header.VRFOutput {
		output, err = crypto.Verify(header.LeaderID, FallbackLeaderInput(slot, header.PrevHash[:]), header.VRFProof[:])
		if err != nil {
			return fmt.Errorf("vrf verify: %w", err)
		}
		if output != header.VRFOutput {
			return fmt.Errorf("vrf output mismatch")
		}
	}
	score := LeaderScore(output[:])
	if score != header.VRFScore {
		return fmt.Errorf("vrf score mismatch")
	}
	if !Sortition(score, stake, e.avs.TotalStake()) {
		return fmt.Errorf("leader not eligible under sortition threshold")
	}
	return nil
}

func isZeroProof(p [crypto.ProofSize]byte) bool {
	var zero [crypto.ProofSize]byte
	return p == zero
}
