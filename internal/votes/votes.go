// Package votes implements the two-phase Prepare/Precommit vote engine that
// converts block acceptance into stake-weighted finality.
package votes

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// Phase distinguishes the two rounds of voting.
type Phase uint8

const (
	Prepare Phase = iota
	Precommit
)

func (p Phase) String() string {
	if p == Precommit {
		return "precommit"
	}
	return "prepare"
}

// Tag returns the domain-separation tag mixed into the vote signing message.
func (p Phase) Tag() []byte {
	if p == Precommit {
		return []byte("PRECOMMIT")
	}
	return []byte("PREPARE")
}

// RetentionWindow is how long an accumulator is kept after its last vote if
// it never finalizes or gets reaped for another reason.
const RetentionWindow = time.Hour

// SmallNetworkThreshold and SmallNetworkTimeout implement the cold-start
// concession: chains with fewer than 3 active validators finalize blocks
// locally if no votes arrive within the timeout.
const (
	SmallNetworkThreshold = 3
	SmallNetworkTimeout   = 5 * time.Second
)

// Vote is a single signed Prepare or Precommit message.
type Vote struct {
	Phase     Phase
	Height    uint64
	BlockHash types.Hash
	VoterID   []byte // validator public key
	Signature []byte
}

// SigningBytes returns the canonical bytes a voter signs:
// block_hash(32) || voter_id || tag(kind), where the tag is "PREPARE" or
// "PRECOMMIT". The height is not part of the message — the block hash already
// commits to it through the header.
func (v *Vote) SigningBytes() []byte {
	tag := v.Phase.Tag()
	buf := make([]byte, 0, types.HashSize+len(v.VoterID)+len(tag))
	buf = append(buf, v.BlockHash[:]...)
	buf = append(buf, v.VoterID...)
	buf = append(buf, tag...)
	return buf
}

// Verify checks the vote's signature against its claimed voter.
func (v *Vote) Verify() bool {
	return crypto.VerifySignature(v.SigningBytes(), v.Signature, v.VoterID)
}

// Sign fills in Signature and VoterID using the given signer.
func (v *Vote) Sign(signer crypto.Signer) error {
	v.VoterID = signer.PublicKey()
	sig, err := signer.Sign(v.SigningBytes())
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// ErrEquivocation is returned (informationally, never blocking) when a voter
// casts two different votes of the same phase at the same height.
var ErrEquivocation = errors.New("votes: equivocation detected")

type key struct {
	height    uint64
	blockHash types.Hash
	phase     Phase
}

// accumulator tallies stake for one (height, block_hash, phase) triple.
type accumulator struct {
	firstSeen  map[string][]byte // voter id (string) -> first-seen signature
	voterBlock map[string]types.Hash
	stakeSum   uint64
	consensus  bool
	createdAt  time.Time
	lastVoteAt time.Time
}

// Equivocation records a conflicting pair of votes from the same voter.
type Equivocation struct {
	Phase   Phase
	Height  uint64
	VoterID []byte
	VoteA   types.Hash
	VoteB   types.Hash
}

// Engine accumulates Prepare and Precommit votes and raises callbacks when
// each phase reaches strict stake majority.
type Engine struct {
	mu sync.Mutex

	totalStake func() uint64
	stakeOf    func(validatorID []byte) uint64
	activeCnt  func() int

	accs          map[key]*accumulator
	equivocations []Equivocation

	onPrepareConsensus   func(height uint64, blockHash types.Hash)
	onPrecommitConsensus func(height uint64, blockHash types.Hash)

	blockSeenAt map[string]time.Time // hex(height|hash) -> when locally accepted, for the small-network fallback
}

// New creates a vote engine. stakeOf and totalStake are called against the
// live active validator set on every vote so stake changes take effect
// immediately; activeCnt reports the current validator count for the
// small-network fallback.
func New(stakeOf func([]byte) uint64, totalStake func() uint64, activeCnt func() int) *Engine {
	return &Engine{
		stakeOf:     stakeOf,
		totalStake:  totalStake,
		activeCnt:   activeCnt,
		accs:        make(map[key]*accumulator),
		blockSeenAt: make(map[string]time.Time),
	}
}

// OnPrepareConsensus registers the callback fired the first time a
// (height, hash) pair crosses strict prepare majority.
func (e *Engine) OnPrepareConsensus(fn func(height uint64, blockHash types.Hash)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPrepareConsensus = fn
}

// OnPrecommitConsensus registers the callback fired when a (height, hash)
// pair crosses strict precommit majority — i.e. the block finalizes.
func (e *Engine) OnPrecommitConsensus(fn func(height uint64, blockHash types.Hash)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPrecommitConsensus = fn
}

func voterKey(id []byte) string { return string(id) }

// AddVote records a vote, returning whether it newly crossed majority (the
// caller uses this to decide whether to broadcast the next phase's vote or
// mark the block finalized) and any equivocation detected.
func (e *Engine) AddVote(v Vote) (crossedMajority bool, equiv *Equivocation, err error) {
	if !v.Verify() {
		return false, nil, errors.New("votes: invalid signature")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	k := key{height: v.Height, blockHash: v.BlockHash, phase: v.Phase}
	acc, ok := e.accs[k]
	if !ok {
		acc = &accumulator{
			firstSeen:  make(map[string][]byte),
			voterBlock: make(map[string]types.Hash),
			createdAt:  time.Now(),
		}
		e.accs[k] = acc
	}
	acc.lastVoteAt = time.Now()

	vk := voterKey(v.VoterID)

	// Check for equivocation: same voter, same phase, same height, different hash.
	for otherKey, otherAcc := range e.accs {
		if otherKey.height != v.Height || otherKey.phase != v.Phase || otherKey.blockHash == v.BlockHash {
			continue
		}
		if prevHash, seen := otherAcc.voterBlock[vk]; seen && prevHash != v.BlockHash {
			eq := Equivocation{Phase: v.Phase, Height: v.Height, VoterID: append([]byte(nil), v.VoterID...), VoteA: prevHash, VoteB: v.BlockHash}
			e.equivocations = append(e.equivocations, eq)
			equiv = &eq
			err = ErrEquivocation
		}
	}

	if _, seen := acc.firstSeen[vk]; seen {
		// Duplicate identical vote (or a within-accumulator resubmission): idempotent.
		return false, equiv, err
	}

	acc.firstSeen[vk] = v.Signature
	acc.voterBlock[vk] = v.BlockHash
	acc.stakeSum += e.stakeOf(v.VoterID)

	if acc.consensus {
		return false, equiv, err
	}

	total := e.totalStake()
	if total > 0 && acc.stakeSum > total/2 {
		acc.consensus = true
		crossedMajority = true
		if v.Phase == Prepare && e.onPrepareConsensus != nil {
			go e.onPrepareConsensus(v.Height, v.BlockHash)
		} else if v.Phase == Precommit && e.onPrecommitConsensus != nil {
			go e.onPrecommitConsensus(v.Height, v.BlockHash)
		}
	}
	return crossedMajority, equiv, err
}

// AcceptLocally marks that a block was accepted locally, starting the clock
// for the small-network fallback.
func (e *Engine) AcceptLocally(height uint64, blockHash types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockSeenAt[blockTimeKey(height, blockHash)] = time.Now()
}

// ShouldFallbackFinalize reports whether the tiny-network cold-start
// concession applies: fewer than SmallNetworkThreshold active validators and
// SmallNetworkTimeout has elapsed since the block was accepted locally
// without reaching consensus by votes.
func (e *Engine) ShouldFallbackFinalize(height uint64, blockHash types.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeCnt() >= SmallNetworkThreshold {
		return false
	}
	seenAt, ok := e.blockSeenAt[blockTimeKey(height, blockHash)]
	if !ok {
		return false
	}
	if time.Since(seenAt) < SmallNetworkTimeout {
		return false
	}
	k := key{height: height, blockHash: blockHash, phase: Precommit}
	if acc, ok := e.accs[k]; ok && acc.consensus {
		return false
	}
	return true
}

// IsFinalized reports whether the precommit accumulator for (height, hash)
// has already reached majority.
func (e *Engine) IsFinalized(height uint64, blockHash types.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.accs[key{height: height, blockHash: blockHash, phase: Precommit}]
	return ok && acc.consensus
}

// Equivocations returns a copy of every equivocation recorded so far.
func (e *Engine) Equivocations() []Equivocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Equivocation, len(e.equivocations))
	copy(out, e.equivocations)
	return out
}

// Reap drops both phase accumulators and the local-accept time for one
// (height, blockHash), e.g. a finalized-and-archived or abandoned block.
// Accumulators idle past RetentionWindow are dropped by ReapExpired.
func (e *Engine) Reap(height uint64, blockHash types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.accs, key{height: height, blockHash: blockHash, phase: Prepare})
	delete(e.accs, key{height: height, blockHash: blockHash, phase: Precommit})
	delete(e.blockSeenAt, blockTimeKey(height, blockHash))
}

// ReapExpired drops every accumulator whose last vote is older than
// RetentionWindow.
func (e *Engine) ReapExpired(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, acc := range e.accs {
		if now.Sub(acc.lastVoteAt) > RetentionWindow {
			delete(e.accs, k)
			n++
		}
	}
	return n
}

func blockTimeKey(height uint64, blockHash types.Hash) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(height >> (8 * i))
	}
	return hex.EncodeToString(buf[:]) + hex.EncodeToString(blockHash[:])
}
