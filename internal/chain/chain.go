// Package chain implements the blockchain state machine: block storage,
// UTXO application, VRF-based fork choice, and reorganization.
package chain

import (
	"fmt"
	"sync"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/consensus"
	"github.com/time-coin/timecoin/internal/storage"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/internal/votes"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// StakeHandler is called when a ScriptTypeStake output confirms on-chain, so
// the active validator set can be updated.
type StakeHandler func(pubKey []byte, stake uint64)

// UnstakeHandler is called when a ScriptTypeStake output is spent.
type UnstakeHandler func(pubKey []byte, stake uint64)

// RevertedTxHandler is called for every transaction in a reorg's replay set
// after a reorganization: present in the abandoned branch, absent from the new
// one. The core does not re-admit these to any mempool itself — that is an
// external collaborator's job.
type RevertedTxHandler func(t *tx.Transaction)

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).

	ID    types.ChainID
	state *State

	blocks       *BlockStore
	utxos        utxo.Set
	engine       consensus.Engine
	validator    *consensus.Validator
	avs          *consensus.ActiveValidatorSet
	voteEngine   *votes.Engine
	reorgMetrics *ReorgMetrics

	checkpoints map[uint64]types.Hash

	maxSupply        uint64     // Max coin supply (0 = unlimited).
	blockReward      uint64     // Base block subsidy in base units.
	validatorStake   uint64     // Exact stake amount required (0 = disabled).
	genesisHash      types.Hash // Hash of the genesis block (immutable).
	genesisTimestamp uint64
	slotSeconds      uint64
	archivalHorizon  uint64
	maxReorgDepth    uint64
	alertReorgDepth  uint64

	stakeHandler      StakeHandler
	unstakeHandler    UnstakeHandler
	revertedTxHandler RevertedTxHandler
}

// New creates a new chain with the given components, restoring any
// previously persisted tip from db.
func New(id types.ChainID, db storage.DB, utxoSet utxo.Set, engine consensus.Engine, avs *consensus.ActiveValidatorSet) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)

	tipHash, height, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	var genesisHash types.Hash
	if genBlk, err := blocks.GetByHeight(0); err == nil {
		genesisHash = genBlk.Hash()
	}
	checkpoints := make(map[uint64]types.Hash)
	if !genesisHash.IsZero() {
		checkpoints[0] = genesisHash
	}

	c := &Chain{
		ID: id,
		state: &State{
			TipHash:   tipHash,
			Height:    height,
			Supply:    blocks.GetSupply(),
			ChainWork: blocks.GetChainWork(),
		},
		blocks:       blocks,
		utxos:        utxoSet,
		engine:       engine,
		validator:    consensus.NewValidator(engine),
		avs:          avs,
		genesisHash:  genesisHash,
		checkpoints:  checkpoints,
		reorgMetrics: NewReorgMetrics(),
	}
	if !c.state.IsGenesis() {
		if tipBlk, err := blocks.GetByHash(tipHash); err == nil {
			c.state.TipTimestamp = tipBlk.Header.Timestamp
		}
	}

	c.voteEngine = votes.New(avs.Stake, avs.TotalStake, avs.Count)
	c.voteEngine.OnPrecommitConsensus(func(height uint64, blockHash types.Hash) {
		c.onPrecommitConsensus(height, blockHash)
	})

	return c, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// A no-op if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsGenesis() {
		return nil
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis bypasses consensus validation: no leader, no VRF proof, no
	// signature. Apply directly: store block, apply UTXOs, set tip.
	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	if err := c.blocks.Put(blk, 0); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	if err := c.blocks.SetSupply(supply); err != nil {
		return fmt.Errorf("set genesis supply: %w", err)
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = blk.Header.Timestamp
	c.genesisHash = hash
	c.checkpoints[0] = hash

	return nil
}

// SetConsensusRules configures consensus economic and timing limits. Call
// this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(gen *config.Genesis) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSupply = gen.Protocol.Consensus.MaxSupply
	c.blockReward = gen.Protocol.Consensus.BlockReward
	c.validatorStake = gen.Protocol.Consensus.ValidatorStake
	c.genesisTimestamp = gen.Timestamp
	c.slotSeconds = uint64(gen.Protocol.Consensus.BlockTime)
	if c.slotSeconds == 0 {
		c.slotSeconds = config.SlotSeconds
	}
	c.archivalHorizon = gen.Protocol.Consensus.ArchivalHorizon
	c.maxReorgDepth = gen.Protocol.Consensus.EffectiveMaxReorgDepth()
	c.alertReorgDepth = gen.Protocol.Consensus.EffectiveAlertReorgDepth()

	for height, hexHash := range gen.Checkpoints {
		if h, err := types.HexToHash(hexHash); err == nil {
			c.checkpoints[height] = h
		}
	}
}

// SetCheckpoints installs the merged compiled + genesis checkpoint schedule.
// The genesis entry is pinned dynamically: by New for a resumed chain, by
// InitFromGenesis for a fresh one.
func (c *Chain) SetCheckpoints(cps map[uint64]types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for height, h := range cps {
		c.checkpoints[height] = h
	}
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetByHash(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Supply
}

// SetStakeHandler sets the callback for ScriptTypeStake outputs in confirmed blocks.
func (c *Chain) SetStakeHandler(fn StakeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stakeHandler = fn
}

// SetUnstakeHandler sets the callback for ScriptTypeStake outputs being spent.
func (c *Chain) SetUnstakeHandler(fn UnstakeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unstakeHandler = fn
}

// SetRevertedTxHandler sets the callback invoked for the replay set after a reorg.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revertedTxHandler = fn
}

// VoteEngine exposes the two-phase vote accumulator so the p2p layer can
// feed it incoming votes and query finality.
func (c *Chain) VoteEngine() *votes.Engine {
	return c.voteEngine
}

// ActiveValidatorSet exposes the chain's AVS snapshot.
func (c *Chain) ActiveValidatorSet() *consensus.ActiveValidatorSet {
	return c.avs
}

// ReorgMetrics returns the most recently recorded reorganization events.
func (c *Chain) ReorgMetrics() []ReorgMetric {
	return c.reorgMetrics.Recent()
}

// Checkpoints returns a copy of the configured checkpoint map.
func (c *Chain) Checkpoints() map[uint64]types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]types.Hash, len(c.checkpoints))
	for k, v := range c.checkpoints {
		out[k] = v
	}
	return out
}

// onPrecommitConsensus runs once a block's Precommit accumulator reaches
// strict majority: every outpoint the block's transactions consumed is
// promoted from Confirmed to Finalized, the corresponding vote accumulators
// are reaped, and sufficiently old finalized spends are archived.
func (c *Chain) onPrecommitConsensus(height uint64, blockHash types.Hash) {
	blk, err := c.blocks.GetByHash(blockHash)
	if err != nil {
		return
	}
	now := time.Now().Unix()
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		outpoints := make([]types.Outpoint, 0, len(t.Inputs))
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			outpoints = append(outpoints, in.PrevOut)
		}
		if len(outpoints) > 0 {
			_ = c.utxos.Finalize(outpoints, txHash, now)
		}
	}
	c.voteEngine.Reap(height, blockHash)
	c.archiveOldFinalized(height, now)
}

// FinalizeLocally promotes a block's spends to Finalized without a vote
// majority. Only the tiny-network cold-start fallback uses this, gated by the
// vote engine's ShouldFallbackFinalize.
func (c *Chain) FinalizeLocally(height uint64, blockHash types.Hash) {
	c.onPrecommitConsensus(height, blockHash)
}

// archiveOldFinalized promotes Finalized spends whose containing block is at
// least archivalHorizon blocks behind tipHeight to Archived. A zero horizon
// disables archival entirely.
func (c *Chain) archiveOldFinalized(tipHeight uint64, now int64) {
	if c.archivalHorizon == 0 || tipHeight < c.archivalHorizon {
		return
	}
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return
	}
	cutoff := tipHeight - c.archivalHorizon
	_, _ = store.ArchiveBelow(cutoff, tipHeight, now)
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetByHash(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to
// the current tip. Used to recover from a crash during reorg where the UTXO
// set may be inconsistent.
func (c *Chain) RebuildUTXOs() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildUTXOsLocked()
}

func (c *Chain) rebuildUTXOsLocked() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	var chainWork uint64
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}
		chainWork += workContribution(blk)
	}

	c.state.ChainWork = chainWork
	if err := c.blocks.SetChainWork(chainWork); err != nil {
		return fmt.Errorf("set chain work after rebuild: %w", err)
	}
	return nil
}

// workContribution returns a block's contribution to total_chain_work: its
// vrf_score if the header carries a real proof, else the first 8 bytes of
// block_hash, big-endian.
func workContribution(blk *block.Block) uint64 {
	var zero [80]byte
	if blk.Header.VRFProof != zero {
		return blk.Header.VRFScore
	}
	hash := blk.Hash()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(hash[i])
	}
	return v
}
