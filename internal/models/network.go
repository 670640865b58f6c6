package models

// Asset is a settlement token on a payment network.
type Asset struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	// EIP712Name/Version feed the typed-data domain clients sign over.
	EIP712Name    string `json:"eip712Name"`
	EIP712Version string `json:"eip712Version"`
}

// Network is a supported payment network and its settlement assets. The
// first asset is the default when a gateway does not pin one explicitly.
type Network struct {
	ID     string  `json:"id"`
	Assets []Asset `json:"assets"`
}

// NetworkRegistry holds the supported networks, keyed by network id.
// Populated once at startup from platform configuration; read-only after.
type NetworkRegistry map[string]Network

// Asset resolves an asset on a network. An empty address selects the
// network's default asset. The second return reports whether the network and
// asset are known.
func (r NetworkRegistry) Asset(networkID, address string) (Asset, bool) {
	net, ok := r[networkID]
	if !ok || len(net.Assets) == 0 {
		return Asset{}, false
	}
	if address == "" {
		return net.Assets[0], true
	}
	for _, a := range net.Assets {
		if a.Address == address {
			return a, true
		}
	}
	return Asset{}, false
}

// DefaultNetworks returns the networks the platform settles on out of the
// box. USDC on Base mainnet and the Base Sepolia testnet.
func DefaultNetworks() NetworkRegistry {
	return NetworkRegistry{
		"base": {
			ID: "base",
			Assets: []Asset{{
				Address:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Symbol:        "USDC",
				Decimals:      6,
				EIP712Name:    "USD Coin",
				EIP712Version: "2",
			}},
		},
		"base-sepolia": {
			ID: "base-sepolia",
			Assets: []Asset{{
				Address:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Symbol:        "USDC",
				Decimals:      6,
				EIP712Name:    "USDC",
				EIP712Version: "2",
			}},
		},
	}
}
