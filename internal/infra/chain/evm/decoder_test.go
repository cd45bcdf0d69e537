package evm

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm/evmtest"
)

func TestDecoder_KnownEvents(t *testing.T) {
	d := NewDecoder()
	pos := evmtest.Position{Contract: testContract, Block: 42, TxHash: common.HexToHash("0xabc"), Index: 3}

	created, err := d.Decode(evmtest.Created(97, pos, 1, testNFT, 9, ownerAddr, renterAddr, 86400, 500))
	require.NoError(t, err)
	assert.Equal(t, domain.EventRentalCreated, created.Kind)
	assert.Equal(t, uint64(1), created.RentalID)
	assert.Equal(t, testNFT, created.NFTContract)
	assert.Equal(t, int64(9), created.TokenID.Int64())
	assert.Equal(t, ownerAddr, created.Owner)
	assert.Equal(t, renterAddr, created.Renter)
	assert.Equal(t, uint64(86400), created.Duration)
	assert.Equal(t, int64(500), created.Price.Int64())
	assert.Equal(t, uint64(42), created.BlockNumber)
	assert.Equal(t, domain.EventID{ChainID: 97, TxHash: pos.TxHash, LogIndex: 3}, created.ID)

	started, err := d.Decode(evmtest.Started(97, pos, 1, renterAddr, 1000))
	require.NoError(t, err)
	assert.Equal(t, domain.EventRentalStarted, started.Kind)
	assert.Equal(t, renterAddr, started.Renter)
	assert.Equal(t, uint64(1000), started.StartTime)

	reclaimed, err := d.Decode(evmtest.Reclaimed(97, pos, 1, testNFT, 9, true))
	require.NoError(t, err)
	assert.Equal(t, domain.EventRentalReclaimed, reclaimed.Kind)
	assert.True(t, reclaimed.Automatic)
}

func TestDecoder_UnknownShapes(t *testing.T) {
	d := NewDecoder()
	valid := evmtest.Started(97, evmtest.Position{Contract: testContract}, 1, renterAddr, 1000)

	tests := []struct {
		name string
		log  types.Log
	}{
		{"no topics", types.Log{}},
		{"unknown topic", types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}},
		{"missing indexed topic", types.Log{Topics: valid.Log.Topics[:2], Data: valid.Log.Data}},
		{"truncated data", types.Log{Topics: valid.Log.Topics, Data: valid.Log.Data[:10]}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(domain.RawLog{ChainID: 97, Log: tt.log})
			assert.ErrorIs(t, err, domain.ErrUnknownEventShape)
		})
	}
}
