// Package contract holds the ABI of the origin-chain rental contract.
package contract

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Event and method names used by the coordinator.
const (
	EventRentalCreated   = "RentalCreated"
	EventRentalStarted   = "RentalStarted"
	EventRentalReclaimed = "RentalReclaimed"

	MethodRentals          = "rentals"
	MethodNextRentalID     = "nextRentalId"
	MethodReactiveContract = "reactiveContract"
	MethodIsRentalExpired  = "isRentalExpired"
	MethodManualReclaim    = "manualReclaim"
	MethodAutoReclaim      = "autoReclaim"
)

// LeaseChainABI is the subset of the rental contract ABI the coordinator uses.
const LeaseChainABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "rentalId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "nftContract", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "tokenId", "type": "uint256"},
      {"indexed": false, "internalType": "address", "name": "owner", "type": "address"},
      {"indexed": false, "internalType": "address", "name": "renter", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "duration", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "price", "type": "uint256"}
    ],
    "name": "RentalCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "rentalId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "renter", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "startTime", "type": "uint256"}
    ],
    "name": "RentalStarted",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "rentalId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "nftContract", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "tokenId", "type": "uint256"},
      {"indexed": false, "internalType": "bool", "name": "wasAutomatic", "type": "bool"}
    ],
    "name": "RentalReclaimed",
    "type": "event"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "name": "rentals",
    "outputs": [
      {"internalType": "address", "name": "nftContract", "type": "address"},
      {"internalType": "uint256", "name": "tokenId", "type": "uint256"},
      {"internalType": "address", "name": "owner", "type": "address"},
      {"internalType": "address", "name": "renter", "type": "address"},
      {"internalType": "uint256", "name": "price", "type": "uint256"},
      {"internalType": "uint256", "name": "duration", "type": "uint256"},
      {"internalType": "uint256", "name": "startTime", "type": "uint256"},
      {"internalType": "bool", "name": "isActive", "type": "bool"},
      {"internalType": "bool", "name": "isReclaimed", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "nextRentalId",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "reactiveContract",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "rentalId", "type": "uint256"}],
    "name": "isRentalExpired",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "rentalId", "type": "uint256"}],
    "name": "manualReclaim",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "rentalId", "type": "uint256"}],
    "name": "autoReclaim",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

var parsed = mustParse(LeaseChainABI)

func mustParse(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("contract: invalid ABI: " + err.Error())
	}
	return a
}

// ABI returns the parsed contract ABI.
func ABI() abi.ABI {
	return parsed
}

// EventTopics returns topic0 of every event the coordinator consumes.
func EventTopics() []common.Hash {
	return []common.Hash{
		parsed.Events[EventRentalCreated].ID,
		parsed.Events[EventRentalStarted].ID,
		parsed.Events[EventRentalReclaimed].ID,
	}
}

// RentalView is the flat output of the rentals(uint256) getter.
type RentalView struct {
	NftContract common.Address
	TokenId     *big.Int
	Owner       common.Address
	Renter      common.Address
	Price       *big.Int
	Duration    *big.Int
	StartTime   *big.Int
	IsActive    bool
	IsReclaimed bool
}
