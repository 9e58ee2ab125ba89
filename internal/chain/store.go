package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/time-coin/timecoin/internal/storage"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/types"
)

// Persisted key layout (fixed wire/disk contract, never altered):
//   - blocks:        "block_" + height_decimal
//   - singleton tip:  "tip_height"   (u64-LE)
//   - singleton:      "chain_height" (u64-LE; the chain's block count, tip
//     height + 1, kept distinct from tip_height per the persisted-layout
//     note naming two singletons)
//
// Further indices are permitted and used here for hash->height lookup
// (needed by reorg's common-ancestor search) and per-block undo data.
var (
	prefixBlock     = []byte("block_")
	prefixHashIndex = []byte("h/") // h/<hash(32)> -> height(8) LE
	prefixTx        = []byte("x/") // x/<txhash(32)> -> height(8) LE + blockHash(32)
	prefixUndo      = []byte("d/") // d/<height(8) LE> -> undo JSON
	prefixSide      = []byte("f/") // f/<hash(32)> -> block JSON (fork candidates)

	keyTipHash    = []byte("s/tiphash")
	keyTipHeight  = []byte("tip_height")
	keyChainHeigt = []byte("chain_height")
	keySupply     = []byte("s/supply")
	keyChainWork  = []byte("s/chainwork")
)

// BlockStore persists blocks and chain metadata to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

func blockKey(height uint64) []byte {
	return append(append([]byte{}, prefixBlock...), []byte(strconv.FormatUint(height, 10))...)
}

func hashIndexKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHashIndex)+types.HashSize)
	copy(key, prefixHashIndex)
	copy(key[len(prefixHashIndex):], hash[:])
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func undoKey(height uint64) []byte {
	key := make([]byte, len(prefixUndo)+8)
	copy(key, prefixUndo)
	binary.LittleEndian.PutUint64(key[len(prefixUndo):], height)
	return key
}

func sideKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixSide)+types.HashSize)
	copy(key, prefixSide)
	copy(key[len(prefixSide):], hash[:])
	return key
}

// Put stores a block at its height, indexes it by hash and by each
// transaction's hash, advances the tip/chain-height singletons, and flushes
// the write durably. Callers pass the block's vrf_score contribution to
// running total_chain_work (see workContribution in chain.go for the fallback rule).
func (bs *BlockStore) Put(blk *block.Block, workContribution uint64) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	height := blk.Header.Height
	hash := blk.Hash()

	if err := bs.db.Put(blockKey(height), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], height)
	if err := bs.db.Put(hashIndexKey(hash), heightBuf[:]); err != nil {
		return fmt.Errorf("hash index put: %w", err)
	}

	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.LittleEndian.PutUint64(val[:8], height)
		copy(val[8:], hash[:])
		if err := bs.db.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}

	if err := bs.setTipLocked(hash, height); err != nil {
		return err
	}
	if err := bs.addChainWork(workContribution); err != nil {
		return err
	}
	return bs.db.Flush()
}

// GetByHeight retrieves a block by its height.
func (bs *BlockStore) GetByHeight(height uint64) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(height))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetByHash retrieves a block by its hash: main-chain blocks via the hash
// index, side-chain candidates via their dedicated keyspace.
func (bs *BlockStore) GetByHash(hash types.Hash) (*block.Block, error) {
	heightBytes, err := bs.db.Get(hashIndexKey(hash))
	if err == nil {
		if len(heightBytes) != 8 {
			return nil, fmt.Errorf("corrupt hash index entry")
		}
		return bs.GetByHeight(binary.LittleEndian.Uint64(heightBytes))
	}

	data, err := bs.db.Get(sideKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block %s not found: %w", hash, err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("side block unmarshal: %w", err)
	}
	return &blk, nil
}

// HasBlock reports whether a block with this hash is known, on the main
// chain or as a side-chain candidate.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	has, err := bs.db.Has(hashIndexKey(hash))
	if err != nil || has {
		return has, err
	}
	return bs.db.Has(sideKey(hash))
}

// HasHeight reports whether a block exists at the given height.
func (bs *BlockStore) HasHeight(height uint64) (bool, error) {
	return bs.db.Has(blockKey(height))
}

// StoreSideBlock persists a fork-candidate block body keyed by hash only. It
// joins the height/tx indices when a reorganization adopts its branch.
func (bs *BlockStore) StoreSideBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("side block marshal: %w", err)
	}
	if err := bs.db.Put(sideKey(blk.Hash()), data); err != nil {
		return fmt.Errorf("side block put: %w", err)
	}
	return nil
}

// DeleteSideBlock drops a side-chain candidate, typically after its branch
// has been adopted into the main chain or abandoned.
func (bs *BlockStore) DeleteSideBlock(hash types.Hash) error {
	return bs.db.Delete(sideKey(hash))
}

// RemoveRange deletes blocks and their indices for heights in [from, to]
// inclusive, used when rolling back during a reorg. It does not touch the
// tip/chain-height singletons; callers update those separately once the new
// tip is known.
func (bs *BlockStore) RemoveRange(from, to uint64) error {
	for h := from; h <= to; h++ {
		blk, err := bs.GetByHeight(h)
		if err != nil {
			continue
		}
		hash := blk.Hash()
		if err := bs.db.Delete(blockKey(h)); err != nil {
			return fmt.Errorf("remove block %d: %w", h, err)
		}
		bs.db.Delete(hashIndexKey(hash))
		for _, t := range blk.Transactions {
			bs.db.Delete(txKey(t.Hash()))
		}
		bs.db.Delete(undoKey(h))
	}
	return nil
}

func (bs *BlockStore) setTipLocked(hash types.Hash, height uint64) error {
	if err := bs.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], height)
	if err := bs.db.Put(keyTipHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip_height: %w", err)
	}
	var chainBuf [8]byte
	binary.LittleEndian.PutUint64(chainBuf[:], height+1)
	if err := bs.db.Put(keyChainHeigt, chainBuf[:]); err != nil {
		return fmt.Errorf("set chain_height: %w", err)
	}
	return nil
}

// SetTip overwrites the tip/chain-height singletons directly, used by reorg
// after rolling back or reapplying blocks.
func (bs *BlockStore) SetTip(hash types.Hash, height uint64) error {
	if err := bs.setTipLocked(hash, height); err != nil {
		return err
	}
	return bs.db.Flush()
}

// GetTip returns the current chain tip hash and height. Returns zero values
// if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, nil
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}
	heightBytes, err := bs.db.Get(keyTipHeight)
	if err != nil || len(heightBytes) != 8 {
		return types.Hash{}, 0, fmt.Errorf("tip_height missing or corrupt")
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, binary.LittleEndian.Uint64(heightBytes), nil
}

// GetTxLocation returns the block height and hash that contain the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	height := binary.LittleEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

// PutUndoData stores the rollback journal for the block at the given height.
func (bs *BlockStore) PutUndoData(height uint64, undo *UndoData) error {
	data, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo: %w", err)
	}
	if err := bs.db.Put(undoKey(height), data); err != nil {
		return fmt.Errorf("put undo: %w", err)
	}
	return nil
}

// GetUndoData retrieves the rollback journal for the block at the given height.
func (bs *BlockStore) GetUndoData(height uint64) (*UndoData, error) {
	data, err := bs.db.Get(undoKey(height))
	if err != nil {
		return nil, fmt.Errorf("get undo: %w", err)
	}
	var undo UndoData
	if err := json.Unmarshal(data, &undo); err != nil {
		return nil, fmt.Errorf("unmarshal undo: %w", err)
	}
	return &undo, nil
}

// DeleteUndo removes undo data for the block at the given height.
func (bs *BlockStore) DeleteUndo(height uint64) error {
	return bs.db.Delete(undoKey(height))
}

func (bs *BlockStore) addChainWork(delta uint64) error {
	cur := bs.GetChainWork()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], cur+delta)
	return bs.db.Put(keyChainWork, buf[:])
}

// SetChainWork overwrites total_chain_work directly (used by reorg when
// rolling back to an ancestor, where work must be recomputed, not summed).
func (bs *BlockStore) SetChainWork(work uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], work)
	return bs.db.Put(keyChainWork, buf[:])
}

// GetChainWork returns total_chain_work (0 if unset).
func (bs *BlockStore) GetChainWork() uint64 {
	data, err := bs.db.Get(keyChainWork)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(data)
}

// SetSupply persists total coin supply.
func (bs *BlockStore) SetSupply(supply uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], supply)
	return bs.db.Put(keySupply, buf[:])
}

// GetSupply returns total coin supply (0 if unset).
func (bs *BlockStore) GetSupply() uint64 {
	data, err := bs.db.Get(keySupply)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(data)
}
