package coinsub

var networks = map[string]string{
	"1":        "Ethereum Mainnet",
	"10":       "Optimism",
	"56":       "BSC",
	"97":       "BSC Testnet",
	"137":      "Polygon",
	"295":      "Hedera Mainnet",
	"296":      "Hedera Testnet",
	"420":      "Optimism Sepolia",
	"8453":     "Base",
	"42161":    "Arbitrum One",
	"80002":    "Polygon Amoy Testnet",
	"84532":    "Base Sepolia",
	"421613":   "Arbitrum Nova",
	"421614":   "Arbitrum Sepolia",
	"11155111": "Sepolia Testnet",
}

// NetworkName maps an EVM chain id to a display name.
func NetworkName(chainID string) string {
	if chainID == "" {
		return ""
	}
	if name, ok := networks[chainID]; ok {
		return name
	}
	return "Chain ID " + chainID
}
