// Package node assembles the chain, consensus, mempool, networking, and RPC
// subsystems into a runnable blockchain node.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/chain"
	"github.com/time-coin/timecoin/internal/consensus"
	klog "github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/mempool"
	"github.com/time-coin/timecoin/internal/p2p"
	"github.com/time-coin/timecoin/internal/producer"
	"github.com/time-coin/timecoin/internal/rpc"
	"github.com/time-coin/timecoin/internal/scheduler"
	"github.com/time-coin/timecoin/internal/storage"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/internal/votes"
	"github.com/time-coin/timecoin/internal/wallet"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// Node is a fully-initialized blockchain node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.DB
	utxoStore *utxo.Store
	engine    *consensus.VRFEngine
	avs       *consensus.ActiveValidatorSet
	ch        *chain.Chain
	pool      *mempool.Pool
	tracker   *consensus.ValidatorTracker

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// RPC
	rpcServer *rpc.Server

	// Block production
	validatorKey *crypto.PrivateKey

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, consensus, chain, mempool, P2P, RPC) but
// does NOT start background goroutines (production, sync). Call Start()
// for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Set address HRP ──────────────────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/timecoin.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Str("consensus", genesis.Protocol.Consensus.Type).
		Int("slot_seconds", genesis.Protocol.Consensus.BlockTime).
		Msg("Starting TimeCoin node")

	// ── 4. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}

	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Validator key ────────────────────────────────────────────
	var validatorKey *crypto.PrivateKey
	if cfg.Mining.ValidatorKey != "" {
		validatorKey, err = loadValidatorKey(cfg.Mining.ValidatorKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load validator key %s: %w", cfg.Mining.ValidatorKey, err)
		}
		logger.Info().
			Str("pubkey", hex.EncodeToString(validatorKey.PublicKey())[:16]+"...").
			Msg("Validator key loaded")
	}
	if cfg.Mining.Enabled && validatorKey == nil {
		db.Close()
		return nil, fmt.Errorf("block production requires validator-key")
	}

	// ── 6. Consensus engine + active validator set ──────────────────
	engine, avs, err := createEngine(genesis)
	if err != nil {
		db.Close()
		if validatorKey != nil {
			validatorKey.Zero()
		}
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}
	if validatorKey != nil {
		engine.SetSigner(validatorKey)
	}

	stakeChecker := consensus.NewUTXOStakeChecker(utxoStore, genesis.Protocol.Consensus.ValidatorStake)
	if genesis.Protocol.Consensus.ValidatorStake > 0 {
		engine.SetStakeChecker(stakeChecker)
		logger.Info().
			Uint64("stake", genesis.Protocol.Consensus.ValidatorStake).
			Msg("Validator staking enabled")
	}

	// ── 7. Chain ────────────────────────────────────────────────────
	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine, avs)
	if err != nil {
		db.Close()
		if validatorKey != nil {
			validatorKey.Zero()
		}
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(genesis)

	cps, err := config.CheckpointsFor(cfg.Network, genesis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint schedule: %w", err)
	}
	ch.SetCheckpoints(cps)

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			if validatorKey != nil {
				validatorKey.Zero()
			}
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 8. Mempool ──────────────────────────────────────────────────
	adapter := producer.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 5000)
	pool.SetMinFeeRate(genesis.Protocol.Consensus.MinFeeRate)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)
	pool.SetStakeAmount(genesis.Protocol.Consensus.ValidatorStake)

	logger.Info().
		Uint64("min_fee_rate", genesis.Protocol.Consensus.MinFeeRate).
		Msg("Mempool ready")

	// ── 9. Validator tracker ────────────────────────────────────────
	tracker := consensus.NewValidatorTracker(60 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:          cfg,
		genesis:      genesis,
		logger:       logger,
		db:           db,
		utxoStore:    utxoStore,
		engine:       engine,
		avs:          avs,
		ch:           ch,
		pool:         pool,
		tracker:      tracker,
		validatorKey: validatorKey,
		ctx:          ctx,
		cancel:       cancel,
	}

	// ── 10. Stake / reorg handlers ──────────────────────────────────
	ch.SetStakeHandler(func(pubKey []byte, stake uint64) {
		n.avs.SetStake(pubKey, n.avs.Stake(pubKey)+stake)
		logger.Info().
			Str("pubkey", hex.EncodeToString(pubKey)[:16]+"...").
			Uint64("stake", stake).
			Msg("Validator stake registered")
	})
	ch.SetUnstakeHandler(func(pubKey []byte, stake uint64) {
		current := n.avs.Stake(pubKey)
		if current <= stake {
			n.avs.SetStake(pubKey, 0)
			logger.Info().
				Str("pubkey", hex.EncodeToString(pubKey)[:16]+"...").
				Msg("Validator removed (stake withdrawn)")
		} else {
			n.avs.SetStake(pubKey, current-stake)
		}
	})
	ch.SetRevertedTxHandler(func(t *tx.Transaction) {
		if _, err := pool.Add(t); err == nil {
			logger.Debug().
				Str("tx", t.Hash().String()[:16]+"...").
				Msg("Reorg replay transaction returned to mempool")
		}
	})

	// Recover staked validators on restart.
	if ch.Height() > 0 {
		stakedPKs, err := utxoStore.GetAllStakedValidators()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to scan staked validators")
		} else {
			recovered := 0
			for _, pk := range stakedPKs {
				stakes, err := utxoStore.GetStakes(pk)
				if err != nil {
					continue
				}
				var total uint64
				for _, s := range stakes {
					if s.State == utxo.Unspent || s.State == utxo.Locked {
						total += s.Value
					}
				}
				if total > 0 {
					avs.SetStake(pk, total)
					recovered++
				}
			}
			if recovered > 0 {
				logger.Info().Int("count", recovered).Msg("Staked validators recovered from UTXO set")
			}
		}
	}

	// ── 11. Vote pipeline ───────────────────────────────────────────
	ch.VoteEngine().OnPrepareConsensus(func(height uint64, blockHash types.Hash) {
		n.castVote(votes.Precommit, height, blockHash)
	})

	// ── 12. P2P ─────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		if err := n.setupP2P(); err != nil {
			db.Close()
			if validatorKey != nil {
				validatorKey.Zero()
			}
			return nil, err
		}
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 13. RPC server ──────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, ch, utxoStore, pool, n.p2pNode, genesis, engine, cfg.RPC)
		if err := n.rpcServer.Start(); err != nil {
			n.teardown()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}

		n.rpcServer.SetValidatorTracker(tracker)
		if n.p2pNode != nil {
			n.rpcServer.SetBanManager(n.p2pNode.BanManager)
		}

		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")

		if cfg.Wallet.Enabled {
			ks, ksErr := wallet.NewKeystore(cfg.KeystoreDir())
			if ksErr != nil {
				n.teardown()
				return nil, fmt.Errorf("create wallet keystore: %w", ksErr)
			}
			n.rpcServer.SetKeystore(ks)
			n.rpcServer.SetWalletTxIndex(rpc.NewWalletTxIndex(db))
			logger.Info().Str("path", cfg.KeystoreDir()).Msg("Wallet RPC enabled")
		}
	} else {
		if cfg.Wallet.Enabled {
			logger.Warn().Msg("wallet.enabled is true but RPC is disabled; wallet RPC endpoints unavailable")
		}
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

// setupP2P starts the libp2p node and wires gossip handlers for blocks,
// transactions, votes, and heartbeats, plus the sync and tip-query protocols.
func (n *Node) setupP2P() error {
	cfg, genesis, ch, pool, logger := n.cfg, n.genesis, n.ch, n.pool, n.logger

	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         n.db,
		DHTServer:  cfg.P2P.DHTServer,
		NetworkID:  genesis.ChainID,
		DataDir:    cfg.ChainDataDir(),
	})

	genesisHash, _ := genesis.Hash()
	n.p2pNode.SetGenesisHash(genesisHash)
	n.p2pNode.SetHeightFn(func() uint64 { return ch.Height() })

	// Block handler with sync trigger for unknown parents.
	var rootSyncing atomic.Bool
	n.p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
		var blk block.Block
		if err := json.Unmarshal(data, &blk); err != nil {
			logger.Debug().Err(err).Msg("Failed to unmarshal block")
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, "unmarshal: "+err.Error())
			return
		}
		if err := ch.ProcessBlock(&blk); err != nil {
			if errors.Is(err, chain.ErrPrevNotFound) && rootSyncing.CompareAndSwap(false, true) {
				go func() {
					defer rootSyncing.Store(false)
					n.runStartupSync()
				}()
			}
			if !errors.Is(err, chain.ErrBlockKnown) &&
				!errors.Is(err, chain.ErrPrevNotFound) &&
				!errors.Is(err, chain.ErrForkDetected) {
				n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
			}
			if !errors.Is(err, chain.ErrBlockKnown) {
				logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Failed to process block")
			}
			return
		}
		n.afterBlockAccepted(&blk)

		logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Msg("Block received and applied")
	})

	// Tx handler.
	n.p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
		var t tx.Transaction
		if err := json.Unmarshal(data, &t); err != nil {
			logger.Debug().Err(err).Msg("Failed to unmarshal transaction")
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "unmarshal: "+err.Error())
			return
		}
		fee, err := pool.Add(&t)
		if err != nil {
			logger.Debug().Err(err).Msg("Rejected transaction")
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
			return
		}
		logger.Debug().
			Str("tx", t.Hash().String()[:16]+"...").
			Uint64("fee", fee).
			Msg("Transaction added to mempool")
	})

	// Vote handler: verify and accumulate; equivocations are logged for
	// external reporting but never block the accumulator.
	n.p2pNode.SetVoteHandler(func(from peer.ID, data []byte) {
		var v votes.Vote
		if err := json.Unmarshal(data, &v); err != nil {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "vote unmarshal: "+err.Error())
			return
		}
		_, equiv, err := ch.VoteEngine().AddVote(v)
		if equiv != nil {
			klog.Votes.Warn().
				Str("voter", hex.EncodeToString(equiv.VoterID)[:16]+"...").
				Uint64("height", equiv.Height).
				Msg("Vote equivocation detected")
		}
		if err != nil && !errors.Is(err, votes.ErrEquivocation) {
			n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "vote: "+err.Error())
		}
	})

	if err := n.p2pNode.Start(); err != nil {
		return fmt.Errorf("start P2P: %w", err)
	}

	logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Int("port", cfg.P2P.Port).
		Bool("discovery", !cfg.P2P.NoDiscover).
		Msg("P2P node started")

	// Heartbeat topic: liveness signal feeding the validator tracker.
	if err := n.p2pNode.JoinHeartbeat(); err != nil {
		logger.Warn().Err(err).Msg("Failed to join heartbeat topic")
	} else {
		n.p2pNode.SetHeartbeatHandler(func(msg *p2p.HeartbeatMessage) {
			if n.avs.Stake(msg.PubKey) == 0 {
				return
			}
			n.tracker.RecordHeartbeat(msg.PubKey)
		})
	}

	// Sync, tip, and block-hash query protocols.
	n.syncer = p2p.NewSyncer(n.p2pNode)
	n.syncer.RegisterHandler(func(fromHeight uint64, max uint32) []*block.Block {
		var blocks []*block.Block
		for h := fromHeight; h < fromHeight+uint64(max); h++ {
			blk, err := ch.GetBlockByHeight(h)
			if err != nil {
				break
			}
			blocks = append(blocks, blk)
		}
		return blocks
	})
	n.syncer.RegisterHeightHandler(func() (uint64, string, uint64) {
		score := ch.Score()
		return score.Height, score.TipHash.String(), score.Work
	})
	n.syncer.RegisterBlockHashHandler(func(height uint64) (string, bool) {
		blk, err := ch.GetBlockByHeight(height)
		if err != nil {
			return "", false
		}
		return blk.Hash().String(), true
	})
	logger.Info().Msg("Chain sync protocols registered")

	return nil
}

// afterBlockAccepted runs the post-acceptance pipeline shared by produced,
// gossiped, and synced blocks: drop included transactions from the mempool,
// record the leader's liveness, and cast this node's Prepare vote.
func (n *Node) afterBlockAccepted(blk *block.Block) {
	n.pool.RemoveConfirmed(blk.Transactions)
	if len(blk.Header.LeaderID) > 0 {
		n.tracker.RecordBlock(blk.Header.LeaderID)
	}
	n.castVote(votes.Prepare, blk.Header.Height, blk.Hash())
}

// castVote signs and broadcasts a vote for (height, hash), counting it in the
// local accumulator first. Non-validators stay silent.
func (n *Node) castVote(phase votes.Phase, height uint64, blockHash types.Hash) {
	if n.validatorKey == nil || n.avs.Stake(n.validatorKey.PublicKey()) == 0 {
		return
	}
	v := votes.Vote{Phase: phase, Height: height, BlockHash: blockHash}
	if err := v.Sign(n.validatorKey); err != nil {
		n.logger.Error().Err(err).Msg("Failed to sign vote")
		return
	}
	if _, _, err := n.ch.VoteEngine().AddVote(v); err != nil && !errors.Is(err, votes.ErrEquivocation) {
		n.logger.Debug().Err(err).Msg("Own vote rejected")
		return
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.BroadcastVote(&v); err != nil {
			n.logger.Debug().Err(err).Str("phase", phase.String()).Msg("Failed to broadcast vote")
		}
	}
}

// Start launches background goroutines: startup sync, sync loop, slot
// scheduler, heartbeat, lock GC, and the vote-accumulator reaper.
func (n *Node) Start() error {
	// Startup sync.
	if n.p2pNode != nil && n.syncer != nil {
		n.runStartupSync()
		n.spawn(n.runSyncLoop)
	}

	// Maintenance loops.
	n.spawn(n.runLockGC)
	n.spawn(n.runVoteReaper)
	n.spawn(n.runVoteFallback)

	// Block production.
	if n.cfg.Mining.Enabled {
		coinbaseAddr, err := resolveCoinbase(n.cfg.Mining.Coinbase, n.validatorKey)
		if err != nil {
			return fmt.Errorf("resolve coinbase: %w", err)
		}

		prod := producer.New(n.ch, n.engine, n.pool, coinbaseAddr,
			n.genesis.Protocol.Consensus.BlockReward,
			n.genesis.Protocol.Consensus.MaxSupply,
			n.genesis.Timestamp,
			uint64(n.genesis.Protocol.Consensus.BlockTime))

		sched := scheduler.New(n.ch, func(now uint64) error {
			return n.produceOnce(prod, now)
		}, n.genesis.Timestamp, uint64(n.genesis.Protocol.Consensus.BlockTime))

		n.logger.Info().
			Str("coinbase", hex.EncodeToString(coinbaseAddr[:])[:16]+"...").
			Uint64("reward", n.genesis.Protocol.Consensus.BlockReward).
			Msg("Block production enabled")

		if n.validatorKey != nil {
			n.spawn(func() { n.runHeartbeat(60 * time.Second) })
		}
		n.spawn(func() { _ = sched.Run(n.ctx) })
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Bool("producing", n.cfg.Mining.Enabled).
		Msg("Node started successfully")

	return nil
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// produceOnce builds one block for the current slot, applies it locally, and
// broadcasts it.
func (n *Node) produceOnce(prod *producer.Producer, now uint64) error {
	blk, err := prod.Produce(now)
	if err != nil {
		return err
	}

	if err := n.ch.ProcessBlock(blk); err != nil {
		if errors.Is(err, chain.ErrCoinbaseNotMature) {
			for _, t := range blk.Transactions {
				if cb := blk.Coinbase(); t == cb {
					continue
				}
				n.pool.Remove(t.Hash())
			}
		}
		return fmt.Errorf("process own block: %w", err)
	}
	n.afterBlockAccepted(blk)

	if n.p2pNode != nil {
		if err := n.p2pNode.BroadcastBlock(blk); err != nil {
			n.logger.Error().Err(err).Msg("Failed to broadcast block")
		}
	}

	n.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().String()[:16]+"...").
		Int("txs", len(blk.Transactions)).
		Msg("Block produced")
	return nil
}

// Stop performs graceful shutdown in reverse order. The chain store is
// flushed before exit; a failed flush is fatal because partial persistence
// breaks the durability contract.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.validatorKey != nil {
		n.validatorKey.Zero()
	}
	if n.db != nil {
		if err := n.db.Flush(); err != nil {
			n.logger.Fatal().Err(err).Msg("Final storage flush failed")
		}
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// teardown releases resources during a failed New().
func (n *Node) teardown() {
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.validatorKey != nil {
		n.validatorKey.Zero()
	}
	if n.db != nil {
		n.db.Close()
	}
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// ── Maintenance loops ───────────────────────────────────────────────

// runLockGC reverts expired UTXO admission locks back to Unspent.
func (n *Node) runLockGC() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if reverted, err := n.utxoStore.GCLocks(time.Now().Unix()); err != nil {
				klog.UTXO.Warn().Err(err).Msg("Lock GC failed")
			} else if reverted > 0 {
				klog.UTXO.Info().Int("reverted", reverted).Msg("Stale UTXO locks released")
			}
		}
	}
}

// runVoteReaper drops vote accumulators past their retention window.
func (n *Node) runVoteReaper() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if reaped := n.ch.VoteEngine().ReapExpired(time.Now()); reaped > 0 {
				klog.Votes.Debug().Int("reaped", reaped).Msg("Expired vote accumulators dropped")
			}
		}
	}
}

// runVoteFallback applies the tiny-network cold-start concession: with fewer
// than three active validators and no votes arriving, the tip finalizes
// locally after the fallback timeout.
func (n *Node) runVoteFallback() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			height := n.ch.Height()
			tip := n.ch.TipHash()
			if tip.IsZero() {
				continue
			}
			if n.ch.VoteEngine().ShouldFallbackFinalize(height, tip) {
				klog.Votes.Warn().
					Uint64("height", height).
					Msg("Small-network fallback finalization (debug-only concession)")
				n.ch.FinalizeLocally(height, tip)
			}
		}
	}
}

// ── Sync ────────────────────────────────────────────────────────────

func (n *Node) runSyncLoop() {
	if n.p2pNode == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if len(n.p2pNode.PeerList()) == 0 {
				continue
			}
			n.runStartupSync()
		}
	}
}

func (n *Node) runStartupSync() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	peers := n.p2pNode.PeerList()
	if len(peers) == 0 {
		n.logger.Info().Msg("No peers for startup sync")
		return
	}

	// Survey a few peers for the best tip under the chain-score rule.
	local := n.ch.Score()
	var bestPeer peer.ID
	best := local
	found := false
	limit := 3
	if len(peers) < limit {
		limit = len(peers)
	}
	for _, p := range peers[:limit] {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		tipHash, err := types.HexToHash(resp.TipHash)
		if err != nil {
			continue
		}
		score := chain.ChainScore{Height: resp.Height, Work: resp.TotalWork, TipHash: tipHash}
		if score.Better(best) {
			best = score
			bestPeer = p.ID
			found = true
		}
	}

	if !found {
		n.logger.Debug().Uint64("height", local.Height).Msg("Chain is up to date")
		return
	}

	// Same-height (or better-scored equal-height) fork: walk back to the
	// common ancestor and fetch the competing branch.
	if best.Height <= local.Height {
		n.logger.Info().
			Uint64("height", local.Height).
			Str("peer_tip", best.TipHash.String()[:16]+"...").
			Msg("Better-scored fork detected, resolving")
		n.resolveFork(bestPeer, local.Height, best.Height)
		return
	}

	total := best.Height - local.Height
	n.logger.Info().
		Uint64("local", local.Height).
		Uint64("remote", best.Height).
		Uint64("blocks", total).
		Msg("Syncing chain")

	syncStart := time.Now()

	for from := local.Height + 1; from <= best.Height; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > best.Height {
			max = uint32(best.Height - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, bestPeer, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			break
		}

		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				if errors.Is(err, chain.ErrPrevNotFound) {
					n.logger.Info().
						Uint64("height", blk.Header.Height).
						Msg("Fork detected during sync, resolving")
					n.resolveFork(bestPeer, blk.Header.Height, best.Height)
					return
				}
				n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Sync block failed")
				return
			}
			n.pool.RemoveConfirmed(blk.Transactions)
		}

		synced := n.ch.Height() - local.Height
		pct := float64(synced) / float64(total) * 100
		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", best.Height).
			Str("progress", fmt.Sprintf("%.1f%%", pct)).
			Msg("Syncing")
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("elapsed", time.Since(syncStart)).
		Msg("Sync complete")
}

// resolveFork locates the common ancestor with a peer's chain — block-hash
// queries at exponentially growing offsets below the lower of the failed
// height and the local tip (the highest height both sides can hold), then a linear
// scan between the bracketing heights — and feeds the competing branch
// through ProcessBlock, which stores it side-chain and lets the reorg
// machinery arbitrate.
func (n *Node) resolveFork(peerID peer.ID, failedHeight, peerTip uint64) {
	searchFrom := failedHeight
	if searchFrom > n.ch.Height() {
		searchFrom = n.ch.Height()
	}

	// Exponential back-off probing to bracket the divergence point.
	var low, high uint64
	high = searchFrom
	low = 0
	offset := uint64(1)
	probed := uint64(0)
	for high > 0 {
		h := uint64(0)
		if searchFrom > offset {
			h = searchFrom - offset
		}
		probed += offset
		if probed > config.CommonAncestorSearchDepth {
			n.logger.Warn().Msg("Fork resolution aborted: ancestor search depth exceeded")
			return
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestBlockHash(reqCtx, peerID, h)
		cancel()
		if err == nil && resp.Found {
			localBlk, lerr := n.ch.GetBlockByHeight(h)
			if lerr == nil && localBlk.Hash().String() == resp.Hash {
				low = h
				break
			}
			high = h
		}
		if h == 0 {
			break
		}
		offset *= 2
	}

	// Linear scan between the brackets for the last agreeing height.
	ancestor := low
	for h := low + 1; h < high; h++ {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestBlockHash(reqCtx, peerID, h)
		cancel()
		if err != nil || !resp.Found {
			break
		}
		localBlk, lerr := n.ch.GetBlockByHeight(h)
		if lerr != nil || localBlk.Hash().String() != resp.Hash {
			break
		}
		ancestor = h
	}

	n.logger.Info().
		Uint64("ancestor", ancestor).
		Uint64("peer_tip", peerTip).
		Msg("Common ancestor found, downloading fork blocks")

	for from := ancestor + 1; from <= peerTip; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > peerTip {
			max = uint32(peerTip - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, peerID, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Fork sync request failed")
			return
		}

		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) || errors.Is(err, chain.ErrForkDetected) {
					continue
				}
				n.logger.Warn().Err(err).
					Uint64("height", blk.Header.Height).
					Msg("Fork sync block failed")
				return
			}
			n.pool.RemoveConfirmed(blk.Transactions)
		}
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Msg("Fork resolved")
}

// ── Heartbeat ───────────────────────────────────────────────────────

func (n *Node) runHeartbeat(interval time.Duration) {
	if n.p2pNode == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pubKey := n.validatorKey.PublicKey()
	n.logger.Info().Dur("interval", interval).Msg("Heartbeat broadcast started")

	n.sendHeartbeat(pubKey)

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sendHeartbeat(pubKey)
		}
	}
}

func (n *Node) sendHeartbeat(pubKey []byte) {
	ts := time.Now().Unix()
	height := n.ch.Height()

	data := p2p.HeartbeatSigningBytes(pubKey, height, ts)
	hash := crypto.Hash(data)
	sig, err := n.validatorKey.Sign(hash[:])
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to sign heartbeat")
		return
	}

	msg := &p2p.HeartbeatMessage{
		PubKey:    pubKey,
		Height:    height,
		Timestamp: ts,
		Signature: sig,
	}

	if err := n.p2pNode.BroadcastHeartbeat(msg); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to broadcast heartbeat")
	}
}
