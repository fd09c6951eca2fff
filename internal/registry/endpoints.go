package registry

const (
	// Swap routers.
	OneInchBaseURL     = "https://api.1inch.dev"
	UniswapBaseURL     = "https://trade-api.gateway.uniswap.org/v1"
	JupiterLiteBaseURL = "https://lite-api.jup.ag/swap/v1"
	JupiterProBaseURL  = "https://api.jup.ag/swap/v1"
	FibrousBaseURL     = "https://api.fibrous.finance"

	// Bridges.
	LiFiBaseURL   = "https://li.quest/v1"
	AcrossBaseURL = "https://app.across.to/api"
	BungeeBaseURL = "https://public-backend.bungee.exchange/api/v1"
	// BungeeDedicatedBaseURL needs both an API key and an affiliate id.
	BungeeDedicatedBaseURL = "https://dedicated-backend.bungee.exchange/api/v1"

	// Market data.
	DefiLlamaYieldsURL = "https://yields.llama.fi"
	DefiLlamaCoinsURL  = "https://coins.llama.fi"
)

// PrivateRPCByChainID lists privacy-preserving submission endpoints that accept
// eth_sendRawTransaction. Operators may override or extend them in config.
var privateRPCByChainID = map[int64]string{
	1: "https://rpc.flashbots.net/fast",
}

func DefaultPrivateRPCURL(chainID int64) (string, bool) {
	value, ok := privateRPCByChainID[chainID]
	return value, ok
}
