package uniswap

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

//go:embed chains.yaml
var defaultChainsYAML []byte

// ErrUnknownChain is wrapped by UnknownChainError.
var ErrUnknownChain = errors.New("chain not configured")

// UnknownChainError reports a chain id missing from the registry.
type UnknownChainError struct {
	ChainID  uint64
	Contract string
}

func (e *UnknownChainError) Error() string {
	return fmt.Sprintf("%s not configured for chain id %d", e.Contract, e.ChainID)
}

func (e *UnknownChainError) Unwrap() error {
	return ErrUnknownChain
}

// ChainContracts holds the contracts read on one chain.
type ChainContracts struct {
	ChainID         uint64
	Name            string
	PositionManager common.Address
	Factory         common.Address
}

// Registry maps chain ids to their contracts. It is read only after load.
type Registry struct {
	chains map[uint64]ChainContracts
}

type registryFile struct {
	Chains []struct {
		ID              uint64 `yaml:"id"`
		Name            string `yaml:"name"`
		PositionManager string `yaml:"position_manager"`
		Factory         string `yaml:"factory"`
	} `yaml:"chains"`
}

// DefaultRegistry returns the registry shipped with the binary.
func DefaultRegistry() (*Registry, error) {
	return ParseRegistry(defaultChainsYAML)
}

// LoadRegistry reads a registry file, or the default one when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes a YAML registry.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode chains: %w", err)
	}

	chains := make(map[uint64]ChainContracts, len(file.Chains))
	for _, c := range file.Chains {
		if _, dup := chains[c.ID]; dup {
			return nil, fmt.Errorf("chain %d listed twice", c.ID)
		}
		entry := ChainContracts{ChainID: c.ID, Name: c.Name}
		if c.PositionManager != "" {
			if !common.IsHexAddress(c.PositionManager) {
				return nil, fmt.Errorf("chain %d: invalid position manager %q", c.ID, c.PositionManager)
			}
			entry.PositionManager = common.HexToAddress(c.PositionManager)
		}
		if c.Factory != "" {
			if !common.IsHexAddress(c.Factory) {
				return nil, fmt.Errorf("chain %d: invalid factory %q", c.ID, c.Factory)
			}
			entry.Factory = common.HexToAddress(c.Factory)
		}
		chains[c.ID] = entry
	}

	return &Registry{chains: chains}, nil
}

// Chain returns the entry for chainID.
func (r *Registry) Chain(chainID uint64) (ChainContracts, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return ChainContracts{}, &UnknownChainError{ChainID: chainID, Contract: "chain"}
	}
	return c, nil
}

// PositionManager returns the position manager for chainID.
func (r *Registry) PositionManager(chainID uint64) (common.Address, error) {
	c, ok := r.chains[chainID]
	if !ok || c.PositionManager == (common.Address{}) {
		return common.Address{}, &UnknownChainError{ChainID: chainID, Contract: "position manager"}
	}
	return c.PositionManager, nil
}

// Factory returns the pool factory for chainID.
func (r *Registry) Factory(chainID uint64) (common.Address, error) {
	c, ok := r.chains[chainID]
	if !ok || c.Factory == (common.Address{}) {
		return common.Address{}, &UnknownChainError{ChainID: chainID, Contract: "factory"}
	}
	return c.Factory, nil
}

// ChainIDs lists the configured chains in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
