package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm/contract"
)

// Decoder turns raw rental contract logs into normalized events.
type Decoder struct {
	abi abi.ABI
}

// NewDecoder creates a decoder for the rental contract ABI.
func NewDecoder() *Decoder {
	return &Decoder{abi: contract.ABI()}
}

// Decode parses a log. Any log that does not match a known event exactly
// yields an error wrapping domain.ErrUnknownEventShape.
func (d *Decoder) Decode(raw domain.RawLog) (*domain.RentalEvent, error) {
	l := raw.Log
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", domain.ErrUnknownEventShape)
	}

	ev, err := d.abi.EventByID(l.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s", domain.ErrUnknownEventShape, l.Topics[0].Hex())
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s with %d topics", domain.ErrUnknownEventShape, ev.Name, len(l.Topics))
	}

	values := make(map[string]any)
	if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", domain.ErrUnknownEventShape, ev.Name, err)
	}
	if err := d.abi.UnpackIntoMap(values, ev.Name, l.Data); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", domain.ErrUnknownEventShape, ev.Name, err)
	}

	f := fields{values: values, event: ev.Name}
	out := &domain.RentalEvent{
		ID:          raw.ID(),
		RentalID:    f.number("rentalId"),
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
	}

	switch ev.Name {
	case contract.EventRentalCreated:
		out.Kind = domain.EventRentalCreated
		out.NFTContract = f.address("nftContract")
		out.TokenID = f.bigInt("tokenId")
		out.Owner = f.address("owner")
		out.Renter = f.address("renter")
		out.Duration = f.number("duration")
		out.Price = f.bigInt("price")
	case contract.EventRentalStarted:
		out.Kind = domain.EventRentalStarted
		out.Renter = f.address("renter")
		out.StartTime = f.number("startTime")
	case contract.EventRentalReclaimed:
		out.Kind = domain.EventRentalReclaimed
		out.NFTContract = f.address("nftContract")
		out.TokenID = f.bigInt("tokenId")
		out.Automatic = f.boolean("wasAutomatic")
	default:
		return nil, fmt.Errorf("%w: unhandled event %s", domain.ErrUnknownEventShape, ev.Name)
	}

	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// fields reads typed values out of an unpacked event, keeping the first error.
type fields struct {
	values map[string]any
	event  string
	err    error
}

func (f *fields) fail(name string, v any) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s.%s has type %T", domain.ErrUnknownEventShape, f.event, name, v)
	}
}

func (f *fields) bigInt(name string) *big.Int {
	v, ok := f.values[name].(*big.Int)
	if !ok {
		f.fail(name, f.values[name])
		return nil
	}
	return v
}

func (f *fields) number(name string) uint64 {
	v := f.bigInt(name)
	if v == nil {
		return 0
	}
	if !v.IsUint64() {
		f.fail(name, v)
		return 0
	}
	return v.Uint64()
}

func (f *fields) address(name string) common.Address {
	v, ok := f.values[name].(common.Address)
	if !ok {
		f.fail(name, f.values[name])
	}
	return v
}

func (f *fields) boolean(name string) bool {
	v, ok := f.values[name].(bool)
	if !ok {
		f.fail(name, f.values[name])
	}
	return v
}
