package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/consensus"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadValidatorKey reads a hex-encoded Ed25519 private key (32-byte seed or
// 64-byte expanded form) from a file.
func loadValidatorKey(path string) (*crypto.PrivateKey, error) {
	path = expandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("validator key file not found: %s (use 'timecoin-cli wallet export-key' to generate one)", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading validator key file: %s", path)
		}
		return nil, fmt.Errorf("read validator key file %s: %w", path, err)
	}

	hexStr := strings.TrimSpace(string(data))
	if len(hexStr) == 0 {
		return nil, fmt.Errorf("validator key file %s is empty", path)
	}

	keyBytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("validator key file %s contains invalid hex: %w", path, err)
	}

	pk, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid validator key in %s (expected Ed25519 seed): %w", path, err)
	}
	return pk, nil
}

// resolveCoinbase determines the coinbase address from a string or validator key.
func resolveCoinbase(coinbaseStr string, validatorKey *crypto.PrivateKey) (types.Address, error) {
	if coinbaseStr != "" {
		addr, err := types.ParseAddress(coinbaseStr)
		if err != nil {
			return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
		}
		return addr, nil
	}

	if validatorKey != nil {
		return crypto.AddressFromPubKey(validatorKey.PublicKey()), nil
	}

	return types.Address{}, fmt.Errorf("--mine requires --coinbase address or --validator-key (to derive coinbase from public key)")
}

// createEngine builds the VRF consensus engine and its backing validator set
// from the genesis configuration, seeding the AVS with the genesis validators
// at the configured stake.
func createEngine(genesis *config.Genesis) (*consensus.VRFEngine, *consensus.ActiveValidatorSet, error) {
	if genesis.Protocol.Consensus.Type != config.ConsensusVRF {
		return nil, nil, fmt.Errorf("unsupported consensus type: %s", genesis.Protocol.Consensus.Type)
	}

	avs := consensus.NewActiveValidatorSet()
	genesisStake := genesis.Protocol.Consensus.ValidatorStake
	if genesisStake == 0 {
		genesisStake = 1
	}
	for i, v := range genesis.Protocol.Consensus.Validators {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != 32 {
			return nil, nil, fmt.Errorf("decode validator %d: bad Ed25519 public key %q", i, v)
		}
		avs.SetStake(b, genesisStake)
	}

	engine := consensus.NewVRFEngine(
		avs,
		genesis.Timestamp,
		uint64(genesis.Protocol.Consensus.BlockTime),
		genesis.Protocol.Consensus.VRFCutoverHeight,
	)
	return engine, avs, nil
}
