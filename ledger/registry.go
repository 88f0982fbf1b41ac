package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/TammyLattimore/bloom-focus-chain/core"
)

// Registry maps chain IDs to FocusLedger deployments. It backs the
// deployment resolver injected into the engine so tests can swap in fixed
// tables.
type Registry map[uint64]core.Deployment

// Resolve implements core.DeploymentResolver.
func (r Registry) Resolve(chainID uint64) (core.Deployment, bool) {
	deployment, ok := r[chainID]
	return deployment, ok
}

// Known public deployments of the FocusLedger contract.
const (
	ChainSepolia uint64 = 11155111
	ChainLocal   uint64 = 31337

	sepoliaLedger = "0x7A250c4E1f3b8d9aDd6F5c0d1E9b42Fb83C4De11"
	localLedger   = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

// DefaultRegistry returns the built-in deployment table. Callers may extend
// or replace entries from configuration.
func DefaultRegistry() Registry {
	return Registry{
		ChainSepolia: {ChainID: ChainSepolia, Address: common.HexToAddress(sepoliaLedger)},
		ChainLocal:   {ChainID: ChainLocal, Address: common.HexToAddress(localLedger)},
	}
}
