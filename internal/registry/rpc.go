package registry

import (
	"fmt"
	"strings"

	"github.com/ggonzalez94/defi-autopilot/internal/id"
)

// Default public EVM RPC endpoints by chain ID, used when no override is configured.
var defaultRPCByChainID = map[int64]string{
	1:     "https://eth.llamarpc.com",
	10:    "https://mainnet.optimism.io",
	56:    "https://bsc-dataseed.binance.org",
	137:   "https://polygon-rpc.com",
	8453:  "https://mainnet.base.org",
	42161: "https://arb1.arbitrum.io/rpc",
	43114: "https://api.avax.network/ext/bc/C/rpc",
}

var defaultRPCByCAIP2 = map[string]string{
	"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp": "https://api.mainnet-beta.solana.com",
	"solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1": "https://api.devnet.solana.com",
	"aptos:1":                                 "https://fullnode.mainnet.aptoslabs.com",
	"aptos:2":                                 "https://fullnode.testnet.aptoslabs.com",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

// ResolveRPCURL picks the override when set, then the built-in default for the chain.
func ResolveRPCURL(override string, chain id.Chain) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if chain.IsEVM() {
		if value, ok := DefaultRPCURL(chain.EVMChainID); ok {
			return value, nil
		}
	} else if value, ok := defaultRPCByCAIP2[chain.CAIP2]; ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain %s; set chains.%s.rpc_url", chain.CAIP2, chain.Slug)
}
