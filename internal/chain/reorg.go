package chain

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// UndoData is the per-block rollback journal: the exact pre-spend state of
// every consumed UTXO, the outpoints the block created, and enough metadata
// to reverse supply accounting.
type UndoData struct {
	SpentUTXOs       []utxo.UTXO      `json:"spent_utxos"`
	CreatedOutpoints []types.Outpoint `json:"created_outpoints"`
	TxHashes         []types.Hash     `json:"tx_hashes"`
	BlockReward      uint64           `json:"block_reward"`
}

// Reorganization errors.
var (
	// ErrForkDetected indicates a valid block whose parent is known but is
	// not the current tip. The caller should decide whether to reorg.
	ErrForkDetected = errors.New("fork detected")

	// ErrReorgTooDeep is returned when a reorg would roll back more than the
	// configured maximum depth.
	ErrReorgTooDeep = errors.New("reorg too deep")

	// ErrForkTooDeep is returned when no common ancestor is found within the
	// search depth.
	ErrForkTooDeep = errors.New("common ancestor not found within search depth")

	// ErrCheckpointProtected is returned when a rollback would cross a
	// checkpointed height.
	ErrCheckpointProtected = errors.New("rollback would cross a checkpoint")

	// ErrFinalityReversal is returned when a rollback would demote a
	// Finalized or Archived outpoint.
	ErrFinalityReversal = errors.New("rollback would reverse finalized state")

	// ErrGenesisReorg is returned when a reorg would replace the genesis block.
	ErrGenesisReorg = errors.New("reorg would replace genesis block")
)

// ChainScore orders competing chains: (height, total work) lexicographically,
// with the lexicographically smaller tip hash breaking exact ties.
type ChainScore struct {
	Height  uint64
	Work    uint64
	TipHash types.Hash
}

// Better reports whether s strictly beats other under the switch rule: a
// chain wins on greater (height, work) — never on height alone when its work
// is lower — or, at identical height and work, on the smaller tip hash.
func (s ChainScore) Better(other ChainScore) bool {
	if s.Height > other.Height {
		return s.Work >= other.Work
	}
	if s.Height < other.Height {
		return false
	}
	if s.Work != other.Work {
		return s.Work > other.Work
	}
	return bytes.Compare(s.TipHash[:], other.TipHash[:]) < 0
}

// Score returns the current chain's score.
func (c *Chain) Score() ChainScore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainScore{Height: c.state.Height, Work: c.state.ChainWork, TipHash: c.state.TipHash}
}

// Reorg evaluates the branch ending at newTipHash against the active chain
// and switches to it when it wins the chain-score comparison. The whole
// procedure runs under the chain mutex: no block may be accepted or produced
// while a reorganization is in flight.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reorgLocked(newTipHash)
}

func (c *Chain) reorgLocked(newTipHash types.Hash) error {
	started := time.Now()

	newBranch, err := c.collectBranch(newTipHash)
	if err != nil {
		return err
	}
	if len(newBranch) == 0 {
		return fmt.Errorf("empty new branch")
	}

	ancestorHeight := newBranch[0].Header.Height - 1
	oldHeight := c.state.Height
	newTip := newBranch[len(newBranch)-1]

	// Chain-score comparison: work up to the common ancestor is shared, so
	// comparing the branch segments is equivalent to comparing full chains.
	var newWork, oldWork uint64
	for _, blk := range newBranch {
		newWork += workContribution(blk)
	}
	for h := ancestorHeight + 1; h <= oldHeight; h++ {
		blk, err := c.blocks.GetByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block at height %d: %w", h, err)
		}
		oldWork += workContribution(blk)
	}
	challenger := ChainScore{Height: newTip.Header.Height, Work: newWork, TipHash: newTip.Hash()}
	incumbent := ChainScore{Height: oldHeight, Work: oldWork, TipHash: c.state.TipHash}
	if !challenger.Better(incumbent) {
		return nil // Keep the current chain; the candidate stays stored.
	}

	depth := oldHeight - ancestorHeight

	// Checkpoint protection overrides every other consideration.
	for cpHeight := range c.checkpoints {
		if cpHeight > ancestorHeight && cpHeight <= oldHeight {
			c.recordRefusedReorg(started, oldHeight, newTip, ancestorHeight, "checkpoint")
			return fmt.Errorf("%w: checkpoint at height %d", ErrCheckpointProtected, cpHeight)
		}
	}

	maxDepth := c.maxReorgDepth
	if maxDepth == 0 {
		maxDepth = config.MaxReorgDepth
	}
	if depth > maxDepth {
		c.recordRefusedReorg(started, oldHeight, newTip, ancestorHeight, "too deep")
		return fmt.Errorf("%w: depth %d exceeds %d", ErrReorgTooDeep, depth, maxDepth)
	}
	alertDepth := c.alertReorgDepth
	if alertDepth == 0 {
		alertDepth = config.AlertReorgDepth
	}
	if depth >= alertDepth {
		log.Reorg.Warn().
			Uint64("depth", depth).
			Uint64("from_height", oldHeight).
			Uint64("to_height", newTip.Header.Height).
			Msg("deep reorganization")
	}

	// Finalized-tx protection: refuse before any irreversible step if any
	// regular transaction being rolled back has inputs in Finalized or
	// Archived state.
	oldBlocks := make([]*block.Block, 0, depth)
	for h := oldHeight; h > ancestorHeight; h-- {
		blk, err := c.blocks.GetByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block at height %d: %w", h, err)
		}
		oldBlocks = append(oldBlocks, blk) // Descending order.
		coinbaseTx := blk.Coinbase()
		for _, transaction := range blk.Transactions {
			if transaction == coinbaseTx {
				continue
			}
			for _, in := range transaction.Inputs {
				if in.PrevOut.IsZero() {
					continue
				}
				u, err := c.utxos.Get(in.PrevOut)
				if err != nil {
					continue
				}
				if u.State == utxo.Finalized || u.State == utxo.Archived {
					c.recordRefusedReorg(started, oldHeight, newTip, ancestorHeight, "finality reversal")
					return fmt.Errorf("%w: tx %s input %s is %s",
						ErrFinalityReversal, transaction.Hash(), in.PrevOut, u.State)
				}
			}
		}
	}

	// Rollback in descending height order, restoring each spent input to its
	// journaled prior state. A missing journal entry falls back to a full
	// rebuild from genesis (the legacy RestorePending path).
	journaled := true
	for _, blk := range oldBlocks {
		if has, err := c.blocks.db.Has(undoKey(blk.Header.Height)); err != nil || !has {
			journaled = false
			break
		}
	}
	if !journaled {
		return c.rebuildReorg(newBranch, oldBlocks, ancestorHeight, started)
	}

	for _, blk := range oldBlocks {
		h := blk.Header.Height
		undo, err := c.blocks.GetUndoData(h)
		if err != nil {
			return fmt.Errorf("load undo for height %d: %w", h, err)
		}
		if err := c.revertBlock(undo); err != nil {
			return fmt.Errorf("revert block %d: %w", h, err)
		}
		if undo.BlockReward > c.state.Supply {
			return fmt.Errorf("supply underflow at height %d: reward %d > supply %d", h, undo.BlockReward, c.state.Supply)
		}
		c.state.Supply -= undo.BlockReward
		c.voteEngine.Reap(h, blk.Hash())
	}
	if err := c.blocks.RemoveRange(ancestorHeight+1, oldHeight); err != nil {
		return fmt.Errorf("remove old range: %w", err)
	}

	ancestorBlk, err := c.blocks.GetByHeight(ancestorHeight)
	if err != nil {
		return fmt.Errorf("load common ancestor %d: %w", ancestorHeight, err)
	}
	c.state.TipHash = ancestorBlk.Hash()
	c.state.Height = ancestorHeight
	c.state.TipTimestamp = ancestorBlk.Header.Timestamp
	c.state.ChainWork -= oldWork
	if err := c.blocks.SetTip(c.state.TipHash, ancestorHeight); err != nil {
		return fmt.Errorf("set ancestor tip: %w", err)
	}
	if err := c.blocks.SetChainWork(c.state.ChainWork); err != nil {
		return fmt.Errorf("set ancestor chain work: %w", err)
	}
	if err := c.blocks.SetSupply(c.state.Supply); err != nil {
		return fmt.Errorf("set ancestor supply: %w", err)
	}

	// Apply the new branch in ascending order with full validation. Any
	// failure abandons the switch and restores the rolled-back chain.
	applied := 0
	for _, blk := range newBranch {
		if err := c.applyReplayBlock(blk); err != nil {
			restoreErr := c.restoreBranch(oldBlocks, newBranch, applied, ancestorHeight)
			if restoreErr != nil {
				return fmt.Errorf("replay height %d failed (%v) and restore failed: %w", blk.Header.Height, err, restoreErr)
			}
			return fmt.Errorf("replay block at height %d: %w", blk.Header.Height, err)
		}
		applied++
	}

	for _, blk := range newBranch {
		_ = c.blocks.DeleteSideBlock(blk.Hash())
	}

	// Replay set: transactions from the abandoned branch that the new branch
	// does not carry. Emitted as notifications only — re-admission to any
	// mempool is the caller's business.
	replay := c.replaySet(oldBlocks, newBranch)
	if c.revertedTxHandler != nil {
		for _, t := range replay {
			c.revertedTxHandler(t)
		}
	}

	c.reorgMetrics.Record(ReorgMetric{
		Timestamp:      time.Now().Unix(),
		FromHeight:     oldHeight,
		ToHeight:       c.state.Height,
		CommonAncestor: ancestorHeight,
		NewTipHash:     c.state.TipHash,
		BlocksRemoved:  depth,
		BlocksAdded:    uint64(len(newBranch)),
		TxsToReplay:    len(replay),
		DurationMS:     time.Since(started).Milliseconds(),
	})
	log.Reorg.Info().
		Uint64("common_ancestor", ancestorHeight).
		Uint64("removed", depth).
		Int("added", len(newBranch)).
		Int("replay_txs", len(replay)).
		Msg("chain reorganized")

	return nil
}

// applyReplayBlock runs the full acceptance pipeline for one new-branch block
// whose parent is already the tip.
func (c *Chain) applyReplayBlock(blk *block.Block) error {
	hash := blk.Hash()
	if err := c.validateHeaderRules(blk, hash); err != nil {
		return err
	}
	if err := c.validator.ValidateBlock(blk); err != nil {
		return err
	}
	if err := c.validateBlockState(blk); err != nil {
		return err
	}

	blockReward := c.computeBlockReward(blk)
	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = blockReward

	if err := c.blocks.PutUndoData(blk.Header.Height, undo); err != nil {
		return err
	}
	if err := c.blocks.Put(blk, workContribution(blk)); err != nil {
		return err
	}

	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}
	c.state.Supply += blockReward
	c.state.ChainWork += workContribution(blk)
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp
	if err := c.blocks.SetSupply(c.state.Supply); err != nil {
		return err
	}
	c.fireStakeHandlers(blk, undo)
	return nil
}

// revertBlock undoes a block's UTXO changes using its journal: created
// outputs are removed and each spent input reverts to its recorded prior
// state.
func (c *Chain) revertBlock(undo *UndoData) error {
	for i := len(undo.CreatedOutpoints) - 1; i >= 0; i-- {
		if err := c.utxos.Delete(undo.CreatedOutpoints[i]); err != nil {
			return fmt.Errorf("delete created output %s: %w", undo.CreatedOutpoints[i], err)
		}
	}
	for i := range undo.SpentUTXOs {
		prior := undo.SpentUTXOs[i]
		if err := c.utxos.Put(&prior); err != nil {
			return fmt.Errorf("restore utxo %s: %w", prior.Outpoint, err)
		}
	}
	return nil
}

// restoreBranch rolls back whatever prefix of the new branch was applied and
// re-applies the original chain, so a failed reorganization leaves the node
// exactly where it started.
func (c *Chain) restoreBranch(oldBlocks []*block.Block, newBranch []*block.Block, applied int, ancestorHeight uint64) error {
	for i := applied - 1; i >= 0; i-- {
		blk := newBranch[i]
		h := blk.Header.Height
		undo, err := c.blocks.GetUndoData(h)
		if err != nil {
			return c.rebuildAfterRestore(oldBlocks, newBranch, applied, ancestorHeight)
		}
		if err := c.revertBlock(undo); err != nil {
			return err
		}
		if undo.BlockReward <= c.state.Supply {
			c.state.Supply -= undo.BlockReward
		}
	}
	if applied > 0 {
		if err := c.blocks.RemoveRange(ancestorHeight+1, newBranch[applied-1].Header.Height); err != nil {
			return err
		}
	}

	// Re-apply the original chain ascending (oldBlocks is descending).
	for i := len(oldBlocks) - 1; i >= 0; i-- {
		if err := c.applyReplayBlock(oldBlocks[i]); err != nil {
			return err
		}
	}
	return nil
}

// rebuildAfterRestore is the last-ditch recovery when even the journaled
// restore cannot proceed: re-index the original chain and rebuild the UTXO
// set from genesis.
func (c *Chain) rebuildAfterRestore(oldBlocks []*block.Block, newBranch []*block.Block, applied int, ancestorHeight uint64) error {
	if applied > 0 {
		if err := c.blocks.RemoveRange(ancestorHeight+1, newBranch[applied-1].Header.Height); err != nil {
			return err
		}
	}
	for i := len(oldBlocks) - 1; i >= 0; i-- {
		blk := oldBlocks[i]
		if err := c.blocks.Put(blk, workContribution(blk)); err != nil {
			return err
		}
	}
	if len(oldBlocks) > 0 {
		c.state.TipHash = oldBlocks[0].Hash()
		c.state.Height = oldBlocks[0].Header.Height
		c.state.TipTimestamp = oldBlocks[0].Header.Timestamp
	}
	return c.rebuildUTXOsLocked()
}

// replaySet returns the transactions present in the removed branch but absent
// from the new one, coinbase excluded.
func (c *Chain) replaySet(oldBlocks []*block.Block, newBranch []*block.Block) []*tx.Transaction {
	inNew := make(map[types.Hash]struct{})
	for _, blk := range newBranch {
		for _, t := range blk.Transactions {
			inNew[t.Hash()] = struct{}{}
		}
	}
	var replay []*tx.Transaction
	for _, blk := range oldBlocks {
		coinbaseTx := blk.Coinbase()
		for _, t := range blk.Transactions {
			if t == coinbaseTx {
				continue
			}
			if _, ok := inNew[t.Hash()]; !ok {
				replay = append(replay, t)
			}
		}
	}
	return replay
}

func (c *Chain) recordRefusedReorg(started time.Time, oldHeight uint64, newTip *block.Block, ancestorHeight uint64, reason string) {
	c.reorgMetrics.Record(ReorgMetric{
		Timestamp:      time.Now().Unix(),
		FromHeight:     oldHeight,
		ToHeight:       newTip.Header.Height,
		CommonAncestor: ancestorHeight,
		NewTipHash:     newTip.Hash(),
		BlocksRemoved:  0,
		BlocksAdded:    0,
		DurationMS:     time.Since(started).Milliseconds(),
		Refused:        true,
		RefuseReason:   reason,
	})
	log.Reorg.Warn().Str("reason", reason).Uint64("candidate_height", newTip.Header.Height).Msg("reorganization refused")
}

// collectBranch collects blocks from the given hash back to the fork point
// (the last block shared with the active chain), walking side-chain storage.
// Returns blocks in ascending height order (ancestor+1 ... newTip).
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash

	for {
		blk, err := c.blocks.GetByHash(hash)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", hash, err)
		}
		branch = append(branch, blk)

		if len(branch) > config.CommonAncestorSearchDepth {
			return nil, fmt.Errorf("%w: searched %d blocks", ErrForkTooDeep, len(branch))
		}

		if blk.Header.Height == 0 {
			// Reject reorgs that would replace the genesis block.
			if !c.genesisHash.IsZero() && blk.Hash() != c.genesisHash {
				return nil, ErrGenesisReorg
			}
			break
		}
		parentHeight := blk.Header.Height - 1
		mainBlock, err := c.blocks.GetByHeight(parentHeight)
		if err == nil && mainBlock.Hash() == blk.Header.PrevHash {
			break // Common ancestor found.
		}
		hash = blk.Header.PrevHash
	}

	// Reverse to ascending order.
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}

	return branch, nil
}

// rebuildReorg handles a reorg when journal data is missing for old-branch
// blocks: it indexes the new branch by height, clears the UTXO set, and
// replays every block from genesis through the new tip. Slower than the
// journaled path but always correct.
func (c *Chain) rebuildReorg(newBranch []*block.Block, oldBlocks []*block.Block, ancestorHeight uint64, started time.Time) error {
	oldHeight := c.state.Height
	newTip := newBranch[len(newBranch)-1]

	// Reap vote accumulators for the abandoned branch.
	for _, blk := range oldBlocks {
		c.voteEngine.Reap(blk.Header.Height, blk.Hash())
	}

	// If the new branch is shorter than the old chain, drop the now-dangling
	// heights first.
	if oldHeight > newTip.Header.Height {
		if err := c.blocks.RemoveRange(newTip.Header.Height+1, oldHeight); err != nil {
			return fmt.Errorf("rebuild reorg: trim old heights: %w", err)
		}
	}

	// Index new branch blocks by height (overwrites old-branch entries).
	for _, blk := range newBranch {
		if err := c.blocks.Put(blk, workContribution(blk)); err != nil {
			return fmt.Errorf("rebuild reorg: index block at height %d: %w", blk.Header.Height, err)
		}
		_ = c.blocks.DeleteSideBlock(blk.Hash())
	}

	c.state.TipHash = newTip.Hash()
	c.state.Height = newTip.Header.Height
	c.state.TipTimestamp = newTip.Header.Timestamp

	if err := c.rebuildUTXOsLocked(); err != nil {
		return fmt.Errorf("rebuild reorg: %w", err)
	}
	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height); err != nil {
		return fmt.Errorf("rebuild reorg: set tip: %w", err)
	}

	replay := c.replaySet(oldBlocks, newBranch)
	if c.revertedTxHandler != nil {
		for _, t := range replay {
			c.revertedTxHandler(t)
		}
	}

	c.reorgMetrics.Record(ReorgMetric{
		Timestamp:      time.Now().Unix(),
		FromHeight:     oldHeight,
		ToHeight:       c.state.Height,
		CommonAncestor: ancestorHeight,
		NewTipHash:     c.state.TipHash,
		BlocksRemoved:  oldHeight - ancestorHeight,
		BlocksAdded:    uint64(len(newBranch)),
		TxsToReplay:    len(replay),
		DurationMS:     time.Since(started).Milliseconds(),
	})

	return nil
}
