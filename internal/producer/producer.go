// Package producer assembles candidate blocks for slots this node leads.
package producer

import (
	"errors"
	"fmt"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/consensus"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// ChainState provides read-only access to the current chain state.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	Supply() uint64
}

// MempoolSelector selects transactions for block inclusion.
type MempoolSelector interface {
	SelectForBlock(limit int) []*tx.Transaction
	GetFee(txHash types.Hash) uint64
}

// Production errors.
var (
	// ErrAheadOfSchedule means the next block's deterministic timestamp lies
	// too far in the future: the slot has not arrived yet.
	ErrAheadOfSchedule = errors.New("producer: next slot too far in the future")

	// ErrNotEligible means this node's VRF evaluation does not clear the
	// sortition threshold for the slot.
	ErrNotEligible = errors.New("producer: not eligible for this slot")
)

// Producer builds, seals, and returns candidate blocks. It never applies
// them — the caller feeds the result through chain.ProcessBlock and the
// vote pipeline.
type Producer struct {
	chain        ChainState
	engine       *consensus.VRFEngine
	pool         MempoolSelector
	coinbaseAddr types.Address

	blockReward      uint64
	maxSupply        uint64 // 0 = unlimited
	genesisTimestamp uint64
	slotSeconds      uint64
	maxBlockTxs      int
}

// New creates a block producer.
func New(chain ChainState, engine *consensus.VRFEngine, pool MempoolSelector,
	coinbaseAddr types.Address, blockReward, maxSupply, genesisTimestamp, slotSeconds uint64) *Producer {
	if slotSeconds == 0 {
		slotSeconds = config.SlotSeconds
	}
	return &Producer{
		chain:            chain,
		engine:           engine,
		pool:             pool,
		coinbaseAddr:     coinbaseAddr,
		blockReward:      blockReward,
		maxSupply:        maxSupply,
		genesisTimestamp: genesisTimestamp,
		slotSeconds:      slotSeconds,
		maxBlockTxs:      config.MaxBlockTxs,
	}
}

// NextTimestamp returns the deterministic timestamp the next block must
// carry: genesis_timestamp + height * slot.
func (p *Producer) NextTimestamp() uint64 {
	return p.genesisTimestamp + (p.chain.Height()+1)*p.slotSeconds
}

// Produce assembles and seals a block extending the current tip, for the
// slot matching the next height. now is the wall clock in unix seconds.
//
// The block's timestamp is exactly the slot boundary. Production is refused
// when that timestamp lies more than two slots past now (the leader would be
// running ahead of the schedule), and when this node's VRF evaluation is not
// eligible for the slot.
func (p *Producer) Produce(now uint64) (*block.Block, error) {
	height := p.chain.Height() + 1
	timestamp := p.genesisTimestamp + height*p.slotSeconds

	if timestamp > now+config.BlockProductionLagToleranceSeconds {
		return nil, fmt.Errorf("%w: slot timestamp %d, now %d", ErrAheadOfSchedule, timestamp, now)
	}

	// Select mempool transactions and sum their fees.
	var selected []*tx.Transaction
	var totalFees uint64
	if p.pool != nil {
		selected = p.pool.SelectForBlock(p.maxBlockTxs - 1) // Reserve a slot for the coinbase.
		for _, t := range selected {
			totalFees += p.pool.GetFee(t.Hash())
		}
	}

	// Cap the subsidy so supply never exceeds the cap.
	reward := p.blockReward
	if p.maxSupply > 0 {
		currentSupply := p.chain.Supply()
		if currentSupply >= p.maxSupply {
			reward = 0
		} else if currentSupply+reward > p.maxSupply {
			reward = p.maxSupply - currentSupply
		}
	}

	coinbase := BuildCoinbase(p.coinbaseAddr, reward+totalFees, height)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	// Canonical order: every transaction sorted ascending by txid. The
	// merkle root is only deterministic over this order.
	block.SortTxs(txs)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}

	header := &block.Header{
		Height:     height,
		Timestamp:  timestamp,
		PrevHash:   p.chain.TipHash(),
		MerkleRoot: block.ComputeMerkleRoot(txHashes),
	}

	// Fill VRF fields; Prepare fails when the signer is not eligible. Once
	// the scheduled leader's window has passed without a block, retry under
	// the fallback input derivation.
	if err := p.engine.Prepare(header); err != nil {
		if now < timestamp+config.FallbackLeaderTimeoutS {
			return nil, fmt.Errorf("%w: %v", ErrNotEligible, err)
		}
		if fbErr := p.engine.PrepareFallback(header); fbErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotEligible, fbErr)
		}
	}

	blk := block.NewBlock(header, txs)
	if err := p.engine.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	return blk, nil
}

// BuildCoinbase creates a coinbase transaction with the given reward.
// The block height is encoded in the coinbase input's signature field
// to ensure each coinbase tx has a unique hash (similar to Bitcoin's BIP34).
func BuildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		heightBytes[i] = byte(height >> (8 * i))
	}

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{}, // Zero outpoint marks coinbase.
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value: reward,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addr[:],
			},
		}},
	}
}
