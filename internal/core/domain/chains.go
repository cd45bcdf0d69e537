package domain

import "strconv"

// ChainID is the EIP-155 chain id of an origin chain.
type ChainID uint64

type ChainName string

func (id ChainID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseChainID parses a decimal chain id.
func ParseChainID(s string) (ChainID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ChainID(v), nil
}

const (
	// Chain IDs
	ChainIDBaseSepolia     ChainID = 84532
	ChainIDArbitrumSepolia ChainID = 421614
	ChainIDAvalancheFuji   ChainID = 43113
	ChainIDSonicTestnet    ChainID = 64165
	ChainIDBNBTestnet      ChainID = 97
	ChainIDReactiveLasna   ChainID = 5318007

	// Chain Names (Internal Codes)
	ChainNameBaseSepolia     ChainName = "BASE_SEPOLIA"
	ChainNameArbitrumSepolia ChainName = "ARBITRUM_SEPOLIA"
	ChainNameAvalancheFuji   ChainName = "AVALANCHE_FUJI"
	ChainNameSonicTestnet    ChainName = "SONIC_TESTNET"
	ChainNameBNBTestnet      ChainName = "BNB_TESTNET"
	ChainNameReactiveLasna   ChainName = "REACTIVE_LASNA"
)

// ChainIDToName maps ChainID to its human-readable InternalCode/Name.
var ChainIDToName = map[ChainID]ChainName{
	ChainIDBaseSepolia:     ChainNameBaseSepolia,
	ChainIDArbitrumSepolia: ChainNameArbitrumSepolia,
	ChainIDAvalancheFuji:   ChainNameAvalancheFuji,
	ChainIDSonicTestnet:    ChainNameSonicTestnet,
	ChainIDBNBTestnet:      ChainNameBNBTestnet,
	ChainIDReactiveLasna:   ChainNameReactiveLasna,
}

// ChainNameToID maps Chain Name to its ID.
var ChainNameToID = map[ChainName]ChainID{
	ChainNameBaseSepolia:     ChainIDBaseSepolia,
	ChainNameArbitrumSepolia: ChainIDArbitrumSepolia,
	ChainNameAvalancheFuji:   ChainIDAvalancheFuji,
	ChainNameSonicTestnet:    ChainIDSonicTestnet,
	ChainNameBNBTestnet:      ChainIDBNBTestnet,
	ChainNameReactiveLasna:   ChainIDReactiveLasna,
}

// Label returns the configured or well-known name for metrics and logs.
func (id ChainID) Label() string {
	if name, ok := ChainIDToName[id]; ok {
		return string(name)
	}
	return id.String()
}
