// Package evmtest builds ABI-encoded rental contract data for tests.
package evmtest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm/contract"
)

// Position places a log inside a chain.
type Position struct {
	Contract common.Address
	Block    uint64
	TxHash   common.Hash
	Index    uint
}

func newLog(chainID domain.ChainID, pos Position, event string, topics []common.Hash, data ...any) domain.RawLog {
	ev := contract.ABI().Events[event]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(err)
	}
	return domain.RawLog{
		ChainID: chainID,
		Log: types.Log{
			Address:     pos.Contract,
			Topics:      append([]common.Hash{ev.ID}, topics...),
			Data:        packed,
			BlockNumber: pos.Block,
			TxHash:      pos.TxHash,
			Index:       pos.Index,
		},
	}
}

func idTopic(id uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(id))
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

// Created encodes RentalCreated.
func Created(
	chainID domain.ChainID,
	pos Position,
	rentalID uint64,
	nft common.Address,
	tokenID int64,
	owner, renter common.Address,
	duration uint64,
	price int64,
) domain.RawLog {
	return newLog(chainID, pos, contract.EventRentalCreated,
		[]common.Hash{idTopic(rentalID), addrTopic(nft)},
		big.NewInt(tokenID), owner, renter, new(big.Int).SetUint64(duration), big.NewInt(price))
}

// Started encodes RentalStarted.
func Started(chainID domain.ChainID, pos Position, rentalID uint64, renter common.Address, startTime uint64) domain.RawLog {
	return newLog(chainID, pos, contract.EventRentalStarted,
		[]common.Hash{idTopic(rentalID), addrTopic(renter)},
		new(big.Int).SetUint64(startTime))
}

// Reclaimed encodes RentalReclaimed.
func Reclaimed(
	chainID domain.ChainID,
	pos Position,
	rentalID uint64,
	nft common.Address,
	tokenID int64,
	automatic bool,
) domain.RawLog {
	return newLog(chainID, pos, contract.EventRentalReclaimed,
		[]common.Hash{idTopic(rentalID), addrTopic(nft)},
		big.NewInt(tokenID), automatic)
}

// RentalView encodes the output of rentals(uint256).
func RentalView(v contract.RentalView) []byte {
	out, err := contract.ABI().Methods[contract.MethodRentals].Outputs.Pack(
		v.NftContract, orZero(v.TokenId), v.Owner, v.Renter, orZero(v.Price),
		orZero(v.Duration), orZero(v.StartTime), v.IsActive, v.IsReclaimed,
	)
	if err != nil {
		panic(err)
	}
	return out
}

// Uint encodes a single uint256 return value.
func Uint(v uint64) []byte {
	out, err := contract.ABI().Methods[contract.MethodNextRentalID].Outputs.Pack(new(big.Int).SetUint64(v))
	if err != nil {
		panic(err)
	}
	return out
}

// Address encodes a single address return value.
func Address(a common.Address) []byte {
	out, err := contract.ABI().Methods[contract.MethodReactiveContract].Outputs.Pack(a)
	if err != nil {
		panic(err)
	}
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
