package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ipfs/go-log/v2"
	"github.com/layer-3/clearsync/pkg/debounce"
	"gopkg.in/yaml.v3"
)

const (
	checkChainIdCallTimeout = 5 * time.Second
	checkChainIdRetryWindow = 30 * time.Second
	custodiesFileName       = "custodies.yaml"
)

var (
	chainNameRegex       = regexp.MustCompile(`^[a-z][a-z_]+[a-z]$`)
	contractAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

	rpcCheckLogger = log.Logger("custody-rpc-check")
)

// CustodiesConfig is the root of custodies.yaml. DefaultCustodyAddress applies
// to every chain that does not set its own custody_address.
type CustodiesConfig struct {
	DefaultCustodyAddress string        `yaml:"default_custody_address"`
	Chains                []ChainConfig `yaml:"chains"`
}

// ChainConfig describes one chain a ledger may be opened on.
type ChainConfig struct {
	// Name is the chain identifier (e.g., "polygon_amoy"), snake_case
	Name string `yaml:"name"`
	// ID is the EIP-155 chain ID committed into every leaf
	ID uint64 `yaml:"id"`
	// Disabled chains are ignored
	Disabled bool `yaml:"disabled"`
	// CustodyAddress is the custody contract the catalogs of this chain bind to
	CustodyAddress string `yaml:"custody_address"`
	// BlockchainRPC is populated from the optional <NAME>_BLOCKCHAIN_RPC variable
	BlockchainRPC string `yaml:"-"`
}

// Custody returns the parsed custody contract address.
func (c ChainConfig) Custody() common.Address {
	return common.HexToAddress(c.CustodyAddress)
}

// LoadCustodies reads <configDirPath>/custodies.yaml, applies defaults, validates
// names and addresses and, for chains that have an RPC configured, verifies the
// chain ID. It returns the enabled chains keyed by chain ID.
func LoadCustodies(configDirPath string) (map[uint64]ChainConfig, error) {
	custodiesPath := filepath.Join(configDirPath, custodiesFileName)
	f, err := os.Open(custodiesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg CustodiesConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.verifyVariables(); err != nil {
		return nil, err
	}

	if err := cfg.verifyRPCs(); err != nil {
		return nil, err
	}

	return cfg.getEnabled(), nil
}

func (cfg *CustodiesConfig) verifyVariables() error {
	def := cfg.DefaultCustodyAddress
	if def != "" && !contractAddressRegex.MatchString(def) {
		return fmt.Errorf("invalid default custody contract address '%s'", def)
	}

	seen := make(map[uint64]string)
	for i, ch := range cfg.Chains {
		if ch.Disabled {
			continue
		}

		if !chainNameRegex.MatchString(ch.Name) {
			return fmt.Errorf("invalid chain name '%s', should match snake_case format", ch.Name)
		}
		if ch.ID == 0 {
			return fmt.Errorf("missing chain id for chain '%s'", ch.Name)
		}
		if other, ok := seen[ch.ID]; ok {
			return fmt.Errorf("chain id %d is used by both '%s' and '%s'", ch.ID, other, ch.Name)
		}
		seen[ch.ID] = ch.Name

		if ch.CustodyAddress == "" {
			if def == "" {
				return fmt.Errorf("missing default and chain-specific custody contract address for chain '%s'", ch.Name)
			}
			cfg.Chains[i].CustodyAddress = def
		} else if !contractAddressRegex.MatchString(ch.CustodyAddress) {
			return fmt.Errorf("invalid custody contract address '%s' for chain '%s'", ch.CustodyAddress, ch.Name)
		}
	}

	return nil
}

// verifyRPCs checks the chain ID of every enabled chain that has a
// <NAME_UPPERCASE>_BLOCKCHAIN_RPC variable set. Chains without one are trusted
// as configured since the node never submits transactions itself.
func (cfg *CustodiesConfig) verifyRPCs() error {
	for i, ch := range cfg.Chains {
		if ch.Disabled {
			continue
		}

		blockchainRPC := os.Getenv(fmt.Sprintf("%s_BLOCKCHAIN_RPC", strings.ToUpper(ch.Name)))
		if blockchainRPC == "" {
			continue
		}

		if err := checkChainId(blockchainRPC, ch.ID); err != nil {
			return fmt.Errorf("chain '%s' ChainID check failed: %w", ch.Name, err)
		}

		cfg.Chains[i].BlockchainRPC = blockchainRPC
	}

	return nil
}

func (cfg *CustodiesConfig) getEnabled() map[uint64]ChainConfig {
	enabled := make(map[uint64]ChainConfig)
	for _, ch := range cfg.Chains {
		if !ch.Disabled {
			enabled[ch.ID] = ch
		}
	}
	return enabled
}

// checkChainId connects to an RPC endpoint and verifies it returns the expected
// chain ID. Transient RPC failures are retried with backoff inside the retry window.
func checkChainId(blockchainRPC string, expectedChainID uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkChainIdRetryWindow)
	defer cancel()

	var client *ethclient.Client
	err := debounce.Debounce(ctx, rpcCheckLogger, func(ctx context.Context) error {
		dialCtx, dialCancel := context.WithTimeout(ctx, checkChainIdCallTimeout)
		defer dialCancel()

		var err error
		client, err = ethclient.DialContext(dialCtx, blockchainRPC)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to connect to blockchain RPC: %w", err)
	}
	defer client.Close()

	var chainID uint64
	err = debounce.Debounce(ctx, rpcCheckLogger, func(ctx context.Context) error {
		callCtx, callCancel := context.WithTimeout(ctx, checkChainIdCallTimeout)
		defer callCancel()

		id, err := client.ChainID(callCtx)
		if err != nil {
			return err
		}
		chainID = id.Uint64()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get chain ID from blockchain RPC: %w", err)
	}

	if chainID != expectedChainID {
		return fmt.Errorf("unexpected chain ID from blockchain RPC: got %d, want %d", chainID, expectedChainID)
	}

	return nil
}
