package chain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// Block processing errors.
var (
	ErrBlockKnown             = errors.New("block already known")
	ErrPrevNotFound           = errors.New("previous block not found")
	ErrBadHeight              = errors.New("block height does not follow parent")
	ErrBadPrevHash            = errors.New("prev_hash does not match current tip")
	ErrSlotMisaligned         = errors.New("block timestamp not aligned to its slot")
	ErrClockSkew              = errors.New("block timestamp outside the clock-skew window")
	ErrCheckpointMismatch     = errors.New("block hash diverges from checkpoint")
	ErrApplyUTXO              = errors.New("failed to apply UTXO changes")
	ErrCoinbaseNotMature      = errors.New("coinbase output not mature")
	ErrBadCoinbaseTx          = errors.New("invalid coinbase transaction")
	ErrCoinbaseRewardExceeded = errors.New("coinbase reward exceeds consensus limit")
	ErrInvalidStakeAmount     = errors.New("invalid stake amount")
	ErrInputNotSpendable      = errors.New("input not in a spendable state")
)

// ProcessBlock validates a block and applies it to the chain.
//
// Validation runs in three layers: header/consensus rules (slot alignment,
// clock skew, checkpoint gate, VRF + leader signature via the consensus
// engine), structural rules (merkle root, canonical ordering, size, duplicate
// txids — block.Validate), and UTXO-dependent rules (input existence and
// spendability, signatures, fees, stake exactness). Only then does the block
// mutate state: inputs move to Confirmed, outputs are created Unspent, the
// block and its undo journal are persisted, and the tip advances — one
// linearizable step under c.mu.
//
// A block whose parent is known but is not the current tip is stored as a
// side-chain block and handed to the reorg machinery, which applies the
// chain-score switch rule.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processBlockLocked(blk)
}

func (c *Chain) processBlockLocked(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	if known, err := c.blocks.HasBlock(hash); err != nil {
		return fmt.Errorf("check block: %w", err)
	} else if known {
		return ErrBlockKnown
	}

	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return parentErr
	}

	if err := c.validateHeaderRules(blk, hash); err != nil {
		return err
	}

	// Structural + consensus validation (merkle, ordering, size, VRF, leader
	// signature).
	if err := c.validator.ValidateBlock(blk); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	// Fork: store the block body and let the reorg machinery decide whether
	// the competing chain wins under the chain-score rule.
	if errors.Is(parentErr, ErrForkDetected) {
		if err := c.blocks.StoreSideBlock(blk); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}
		if err := c.reorgLocked(hash); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
		return nil
	}

	// Fast path: block extends the current tip.
	if err := c.validateBlockState(blk); err != nil {
		return err
	}

	blockReward := c.computeBlockReward(blk)

	undo, err := c.applyBlockWithUndo(blk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}
	undo.BlockReward = blockReward

	// Persist the undo journal first, then the block: BlockStore.Put advances
	// the tip singletons and flushes, making both durable together.
	if err := c.blocks.PutUndoData(blk.Header.Height, undo); err != nil {
		return fmt.Errorf("store undo: %w", err)
	}
	if err := c.blocks.Put(blk, workContribution(blk)); err != nil {
		return fmt.Errorf("store block: %w", err)
	}

	// Cap block reward to respect max supply.
	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}

	c.state.Supply += blockReward
	c.state.ChainWork += workContribution(blk)
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp
	if err := c.blocks.SetSupply(c.state.Supply); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}

	c.fireStakeHandlers(blk, undo)

	// Start the two-phase vote clock for this block.
	c.voteEngine.AcceptLocally(blk.Header.Height, hash)

	return nil
}

// validateHeaderRules enforces the consensus rules that need only the header
// and chain configuration: deterministic slot timestamps, the clock-skew
// window, and the checkpoint gate. Runs before any state is touched.
func (c *Chain) validateHeaderRules(blk *block.Block, hash types.Hash) error {
	height := blk.Header.Height

	// Deterministic timestamp: genesis_timestamp + height * slot.
	expected := c.genesisTimestamp + height*c.slotSeconds
	if blk.Header.Timestamp != expected {
		return fmt.Errorf("%w: got %d, want %d", ErrSlotMisaligned, blk.Header.Timestamp, expected)
	}

	now := uint64(time.Now().Unix())
	if blk.Header.Timestamp > now+config.ClockSkewToleranceSeconds {
		return fmt.Errorf("%w: timestamp %d ahead of now %d", ErrClockSkew, blk.Header.Timestamp, now)
	}
	// The lower skew bound only applies to blocks claiming the current
	// wall-clock slot; blocks below it are historical sync or catch-up
	// production, whose deterministic timestamps are necessarily old.
	if c.slotSeconds > 0 && now > c.genesisTimestamp {
		currentSlot := (now - c.genesisTimestamp) / c.slotSeconds
		if height >= currentSlot && blk.Header.Timestamp+config.ClockSkewToleranceSeconds < now {
			return fmt.Errorf("%w: timestamp %d behind now %d", ErrClockSkew, blk.Header.Timestamp, now)
		}
	}

	// Checkpoint gate: reject before anything touches disk.
	if want, ok := c.checkpoints[height]; ok && hash != want {
		return fmt.Errorf("%w: height %d hash %s, checkpoint %s", ErrCheckpointMismatch, height, hash, want)
	}

	return nil
}

// checkParentLink verifies that the block's PrevHash and Height are consistent
// with the current chain tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	// Genesis block: PrevHash must be zero, height must be 0.
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	// Non-genesis: check if block extends current tip.
	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	// PrevHash != tip. Check if the parent exists (fork) or is truly unknown
	// (a chain gap: defer for sync).
	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetByHash(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// validateBlockState checks UTXO-dependent rules: per-input spendability,
// transaction signatures, coinbase limits, maturity, and stake amounts.
// Used by both the fast path and reorg replay.
func (c *Chain) validateBlockState(blk *block.Block) error {
	coinbaseTx := blk.Coinbase()
	if len(blk.Transactions) > 0 && coinbaseTx == nil {
		return ErrBadCoinbaseTx
	}

	if coinbaseTx != nil {
		// Reject coinbase with auxiliary token data — only ordinary
		// transactions may carry it.
		for i, out := range coinbaseTx.Outputs {
			if out.Token != nil {
				return fmt.Errorf("%w: output %d carries token data", ErrBadCoinbaseTx, i)
			}
			if out.Script.Type == types.ScriptTypeMint {
				return fmt.Errorf("%w: output %d uses mint script type", ErrBadCoinbaseTx, i)
			}
		}
	}

	// Full UTXO-aware transaction validation (skip coinbase): input
	// existence and spendable state, ownership, signatures, fee sanity.
	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if transaction == coinbaseTx {
			continue
		}
		provider := &spendableUTXOProvider{set: c.utxos, txid: transaction.Hash()}
		fee, err := transaction.ValidateWithUTXOs(provider)
		if err != nil {
			return fmt.Errorf("tx %d validation: %w", i, err)
		}
		if totalFees > math.MaxUint64-fee {
			return fmt.Errorf("tx %d fee overflow", i)
		}
		totalFees += fee
	}

	// Enforce coinbase mint limit:
	// minted = coinbase_total - total_fees (fees are recycled, not newly minted).
	if coinbaseTx != nil {
		coinbaseTotal, err := coinbaseTx.TotalOutputValue()
		if err != nil {
			return fmt.Errorf("coinbase output overflow: %w", err)
		}
		var minted uint64
		if coinbaseTotal > totalFees {
			minted = coinbaseTotal - totalFees
		}
		allowedMint := c.blockReward
		if c.maxSupply > 0 {
			if c.state.Supply >= c.maxSupply {
				allowedMint = 0
			} else if remaining := c.maxSupply - c.state.Supply; allowedMint > remaining {
				allowedMint = remaining
			}
		}
		if minted > allowedMint {
			return fmt.Errorf("%w: minted=%d allowed=%d", ErrCoinbaseRewardExceeded, minted, allowedMint)
		}
	}

	// Coinbase maturity: reject blocks that spend immature coinbase outputs.
	if err := c.checkCoinbaseMaturity(blk); err != nil {
		return err
	}

	// Enforce exact stake amount at chain level.
	if c.validatorStake > 0 {
		for _, transaction := range blk.Transactions {
			if transaction == coinbaseTx {
				continue
			}
			for _, out := range transaction.Outputs {
				if out.Script.Type == types.ScriptTypeStake && out.Value != c.validatorStake {
					return fmt.Errorf("%w: must be exactly %d, got %d", ErrInvalidStakeAmount, c.validatorStake, out.Value)
				}
			}
		}
	}

	return nil
}

// spendableUTXOProvider adapts the UTXO set to tx.UTXOProvider, treating an
// entry as present only when this transaction may spend it: Unspent, or
// Locked by this very txid (mempool admission already reserved it).
type spendableUTXOProvider struct {
	set  utxo.Set
	txid types.Hash
}

func (p *spendableUTXOProvider) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	if !p.spendable(u) {
		return 0, types.Script{}, fmt.Errorf("%w: %s is %s", ErrInputNotSpendable, outpoint, u.State)
	}
	return u.Value, u.Script, nil
}

func (p *spendableUTXOProvider) HasUTXO(outpoint types.Outpoint) bool {
	u, err := p.set.Get(outpoint)
	return err == nil && p.spendable(u)
}

func (p *spendableUTXOProvider) spendable(u *utxo.UTXO) bool {
	switch u.State {
	case utxo.Unspent:
		return true
	case utxo.Locked:
		return u.LockTxID == p.txid
	default:
		return false
	}
}

// computeBlockReward calculates the new coins minted in this block.
// Block reward = coinbase output value - total fees from non-coinbase txs.
// Must be called BEFORE applyBlockWithUndo (needs input values).
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	coinbaseTx := blk.Coinbase()
	if coinbaseTx == nil {
		return 0
	}

	coinbaseValue, err := coinbaseTx.TotalOutputValue()
	if err != nil {
		return 0
	}

	var totalFees uint64
	for _, transaction := range blk.Transactions {
		if transaction == coinbaseTx {
			continue
		}
		fee := c.computeTxFee(transaction)
		if totalFees > math.MaxUint64-fee {
			continue // Overflow guard.
		}
		totalFees += fee
	}

	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}

// computeTxFee calculates fee = sum(input values) - sum(output values) for a
// single transaction, reading input values from the UTXO set.
func (c *Chain) computeTxFee(transaction *tx.Transaction) uint64 {
	var inputSum, outputSum uint64
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxos.Get(in.PrevOut)
		if err != nil {
			continue
		}
		if inputSum > math.MaxUint64-u.Value {
			continue // Overflow guard.
		}
		inputSum += u.Value
	}
	for _, out := range transaction.Outputs {
		if outputSum > math.MaxUint64-out.Value {
			continue // Overflow guard.
		}
		outputSum += out.Value
	}
	if inputSum > outputSum {
		return inputSum - outputSum
	}
	return 0
}

// applyBlockWithUndo transitions the block's inputs to Confirmed and creates
// its outputs as Unspent, recording every prior input state in the undo
// journal so a reorg can restore it exactly.
func (c *Chain) applyBlockWithUndo(blk *block.Block) (*UndoData, error) {
	undo := &UndoData{}
	height := blk.Header.Height
	coinbaseTx := blk.Coinbase()

	for _, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		undo.TxHashes = append(undo.TxHashes, txHash)
		isCoinbase := transaction == coinbaseTx && height > 0

		// Spend inputs: Unspent (or Locked by this txid) -> Confirmed.
		// The entry stays in the set so finality can be tracked per-outpoint.
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue // Coinbase input.
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				return nil, fmt.Errorf("get utxo for undo %s: %w", in.PrevOut, err)
			}
			undo.SpentUTXOs = append(undo.SpentUTXOs, *u)

			u.State = utxo.Confirmed
			u.LockTxID = txHash
			u.ConfirmedHeight = height
			u.LockedAt = 0
			if err := c.utxos.Put(u); err != nil {
				return nil, fmt.Errorf("confirm %s: %w", in.PrevOut, err)
			}
		}

		// Create outputs.
		for i, out := range transaction.Outputs {
			op := types.Outpoint{TxID: txHash, Index: uint32(i)}
			undo.CreatedOutpoints = append(undo.CreatedOutpoints, op)

			u := &utxo.UTXO{
				Outpoint:        op,
				Value:           out.Value,
				Script:          out.Script,
				Token:           out.Token,
				CreatedAtHeight: height,
				Coinbase:        isCoinbase,
				State:           utxo.Unspent,
			}
			if err := c.utxos.Put(u); err != nil {
				return nil, fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}

	return undo, nil
}

// applyBlock replays a block's UTXO effects without keeping the journal.
// Used by the genesis bootstrap and the full rebuild path, where correctness
// comes from replaying from genesis.
func (c *Chain) applyBlock(blk *block.Block) error {
	_, err := c.applyBlockWithUndo(blk)
	return err
}

// checkCoinbaseMaturity verifies that no transaction in the block spends
// an immature coinbase output.
func (c *Chain) checkCoinbaseMaturity(blk *block.Block) error {
	for _, transaction := range blk.Transactions {
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := c.utxos.Get(in.PrevOut)
			if err != nil {
				continue // Will be caught by UTXO validation.
			}
			if u.Coinbase && blk.Header.Height-u.CreatedAtHeight < config.CoinbaseMaturity {
				return fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, config.CoinbaseMaturity, blk.Header.Height-u.CreatedAtHeight)
			}
		}
	}
	return nil
}

// fireStakeHandlers notifies the validator set about stake outputs created
// and stake UTXOs spent by an applied block.
func (c *Chain) fireStakeHandlers(blk *block.Block, undo *UndoData) {
	if c.stakeHandler != nil {
		for _, transaction := range blk.Transactions {
			for _, out := range transaction.Outputs {
				if out.Script.Type == types.ScriptTypeStake && len(out.Script.Data) == 32 {
					c.stakeHandler(out.Script.Data, out.Value)
				}
			}
		}
	}
	if c.unstakeHandler != nil {
		for i := range undo.SpentUTXOs {
			su := &undo.SpentUTXOs[i]
			if su.Script.Type == types.ScriptTypeStake && len(su.Script.Data) == 32 {
				c.unstakeHandler(su.Script.Data, su.Value)
			}
		}
	}
}
