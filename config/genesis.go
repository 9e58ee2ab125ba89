package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// ConsensusVRF is the only consensus type this node produces blocks under:
// stake-weighted VRF slot leader election with two-phase vote finality.
// Blocks below VRFCutoverHeight may carry empty proofs (legacy import path).
const ConsensusVRF = "vrf"

// Slot timing and protocol-wide windows.
const (
	SlotSeconds               = 600
	FallbackLeaderTimeoutS    = 30
	UTXOLockTimeoutS          = 600
	SmallNetworkVoteFallbackS = 5
	MaxReorgDepth             = 1000
	AlertReorgDepth           = 100
	CommonAncestorSearchDepth = 10_000
	ReorgMetricRingCapacity   = 100
	ClockSkewToleranceSeconds = 900

	// BlockProductionLagToleranceSeconds caps how far ahead of wall-clock a
	// leader may produce: the deterministic slot timestamp must not exceed
	// now + 2 slots.
	BlockProductionLagToleranceSeconds = 2 * SlotSeconds

	// MaxBlockSizeBytes is the consensus-critical serialized block size
	// ceiling, tighter than the structural MaxBlockSize used by
	// block.Validate for early rejection.
	MaxBlockSizeBytes = 1_000_000
)

// Denomination constants.
// 1 coin = 10^8 base units. All on-chain values are in base units.
const (
	Decimals  = 8
	Coin      = 100_000_000 // 10^8 base units per coin
	MilliCoin = 100_000     // 10^5
	MicroCoin = 100         // 10^2
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// UnstakeCooldown is the number of blocks that unstake return outputs
// are locked before they can be spent. Prevents stake-and-withdraw attacks.
const UnstakeCooldown uint64 = 20

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // Structural ceiling (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Checkpoint pins the expected block hash at a height. A chain that carries a
// different hash at a checkpointed height is rejected outright, and no
// reorganization may roll back across a checkpoint.
type Checkpoint struct {
	Height uint64
	Hash   string // hex-encoded block hash
}

// Compiled checkpoint schedules, one per network. The genesis block (height 0)
// is always an implicit checkpoint in addition to these: its hash is derived
// from the genesis configuration at startup, so it is enforced dynamically
// rather than listed here. Entries are appended with releases as each network
// accumulates history.
var (
	MainnetCheckpoints = []Checkpoint{}

	TestnetCheckpoints = []Checkpoint{}
)

// CheckpointsFor returns the compiled checkpoint schedule for a network plus
// any extra pins from the genesis file, as a height->hash map.
func CheckpointsFor(network NetworkType, gen *Genesis) (map[uint64]types.Hash, error) {
	compiled := MainnetCheckpoints
	if network == Testnet {
		compiled = TestnetCheckpoints
	}
	out := make(map[uint64]types.Hash, len(compiled)+len(gen.Checkpoints))
	var last uint64
	for i, cp := range compiled {
		if i > 0 && cp.Height <= last {
			return nil, fmt.Errorf("compiled checkpoints not strictly increasing at height %d", cp.Height)
		}
		last = cp.Height
		h, err := types.HexToHash(cp.Hash)
		if err != nil {
			return nil, fmt.Errorf("compiled checkpoint at height %d: %w", cp.Height, err)
		}
		out[cp.Height] = h
	}
	for height, hexHash := range gen.Checkpoints {
		h, err := types.HexToHash(hexHash)
		if err != nil {
			return nil, fmt.Errorf("genesis checkpoint at height %d: %w", height, err)
		}
		if existing, ok := out[height]; ok && existing != h {
			return nil, fmt.Errorf("genesis checkpoint at height %d conflicts with compiled schedule", height)
		}
		out[height] = h
	}
	return out, nil
}

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "TMC")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`

	// Checkpoints maps a block height to its hex-encoded expected block hash,
	// merged with the network's compiled schedule by CheckpointsFor. Height 0
	// (the genesis) is always an implicit checkpoint regardless of whether it
	// appears here.
	Checkpoints map[uint64]string `json:"checkpoints,omitempty"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields.
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	// Consensus
	Consensus ConsensusRules `json:"consensus"`

	// Fork activation schedule
	Forks ForkSchedule `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Type is always "vrf".
	Type string `json:"type"`

	// BlockTime is the slot length in seconds. Every block's timestamp must
	// equal genesis_timestamp + height * BlockTime exactly.
	BlockTime int `json:"block_time"`

	// Validators lists initial validator Ed25519 public keys (hex). Further
	// validators join by locking stake on-chain.
	Validators []string `json:"validators,omitempty"`

	// Economics
	BlockReward uint64 `json:"block_reward"` // Base units per block
	MaxSupply   uint64 `json:"max_supply"`   // Total coin cap in base units (0 = unlimited)
	MinFeeRate  uint64 `json:"min_fee_rate"` // Minimum fee rate (base units per byte of SigningBytes)

	// Staking
	ValidatorStake uint64 `json:"validator_stake,omitempty"` // Exact stake per validator slot (base units, 0 = no staking)

	// Timing windows. Zero values fall back to the protocol defaults above;
	// they are exposed here so a test network can shorten them.
	MaxReorgDepth            uint64 `json:"max_reorg_depth,omitempty"`
	AlertReorgDepth          uint64 `json:"alert_reorg_depth,omitempty"`
	UTXOLockTimeoutS         uint64 `json:"utxo_lock_timeout_s,omitempty"`
	SmallNetworkVoteFallback uint64 `json:"small_network_vote_fallback_s,omitempty"`
	FallbackLeaderTimeoutS   uint64 `json:"fallback_leader_timeout_s,omitempty"`

	// VRFCutoverHeight is the first height that must carry a real VRF proof.
	// Blocks below this height (and the genesis, always) accept an all-zero
	// proof for backward compatibility.
	VRFCutoverHeight uint64 `json:"vrf_cutover_height,omitempty"`

	// ArchivalHorizon is how many blocks behind the tip a Finalized UTXO must
	// be before it is archived. 0 means "never archive automatically".
	ArchivalHorizon uint64 `json:"archival_horizon,omitempty"`
}

// EffectiveMaxReorgDepth returns the configured or default reorg depth gate.
func (r *ConsensusRules) EffectiveMaxReorgDepth() uint64 {
	if r.MaxReorgDepth > 0 {
		return r.MaxReorgDepth
	}
	return MaxReorgDepth
}

// EffectiveAlertReorgDepth returns the configured or default alert depth.
func (r *ConsensusRules) EffectiveAlertReorgDepth() uint64 {
	if r.AlertReorgDepth > 0 {
		return r.AlertReorgDepth
	}
	return AlertReorgDepth
}

// =============================================================================
// Testnet Identity
//
// The testnet validator key is derived at runtime from a fixed, well-known
// 32-byte Ed25519 seed (DO NOT use on mainnet). Deriving instead of embedding
// keeps the pubkey, address, and genesis alloc consistent by construction.
// =============================================================================

// TestnetValidatorSeed is the well-known Ed25519 seed for the testnet validator
// ("timecoin-testnet-validator-v1" padded to 32 bytes, hex-encoded).
const TestnetValidatorSeed = "74696d65636f696e2d746573746e65742d76616c696461746f722d7631000000"

// TestnetValidatorKey returns the testnet validator private key.
func TestnetValidatorKey() *crypto.PrivateKey {
	seed, err := hex.DecodeString(TestnetValidatorSeed)
	if err != nil {
		panic("config: bad testnet seed constant: " + err.Error())
	}
	key, err := crypto.PrivateKeyFromSeed(seed)
	if err != nil {
		panic("config: bad testnet seed constant: " + err.Error())
	}
	return key
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "timecoin-mainnet-1",
		ChainName: "TimeCoin Mainnet",
		Symbol:    "TMC",
		Timestamp: 1767225600, // 2026-01-01T00:00:00Z
		ExtraData: "TimeCoin Genesis",
		Alloc: map[string]uint64{
			// Genesis treasury allocation (legacy prefixed hex address form).
			"tmc:b54897a1a27b36d8d4cb6a64e482e86bbd43bd5a": 1_000_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				Type:           ConsensusVRF,
				BlockTime:      SlotSeconds,
				BlockReward:    25 * Coin,
				MaxSupply:      21_000_000 * Coin,
				MinFeeRate:     100, // base units per byte of SigningBytes
				ValidatorStake: 10_000 * Coin,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration. The full initial
// supply is allocated to the well-known testnet validator, which is also the
// only genesis validator.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "timecoin-testnet-1"
	g.ChainName = "TimeCoin Testnet"
	g.ExtraData = "TimeCoin Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Consensus.MinFeeRate = 1
	g.Protocol.Consensus.ValidatorStake = 1000 * Coin

	key := TestnetValidatorKey()
	pub := key.PublicKey()
	addr := crypto.AddressFromPubKey(pub)
	g.Alloc = map[string]uint64{
		types.TestnetHRP + ":" + addr.Hex(): 2_000_000 * Coin,
	}
	g.Protocol.Consensus.Validators = []string{hex.EncodeToString(pub)}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.Type != ConsensusVRF {
		return fmt.Errorf("unknown consensus type: %s", g.Protocol.Consensus.Type)
	}

	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}

	if g.Timestamp == 0 {
		return fmt.Errorf("genesis timestamp is required")
	}

	for _, v := range g.Protocol.Consensus.Validators {
		raw, err := hex.DecodeString(v)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("validator %q is not a 32-byte hex Ed25519 public key", v)
		}
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
