package domain

import "time"

// Cursor is the persisted part of a chain registration: the last block
// whose logs were fully applied.
type Cursor struct {
	ChainID          ChainID     `db:"chain_id"`
	CurrentBlock     uint64      `db:"block_number"`
	CurrentBlockHash string      `db:"block_hash"`
	UpdatedAt        time.Time   `db:"updated_at"`
	State            CursorState `db:"state"`
}

type CursorState string

const (
	CursorStateInit     CursorState = "init"
	CursorStateScanning CursorState = "scanning"
	CursorStateCatchup  CursorState = "catchup"
	CursorStatePaused   CursorState = "paused"
	CursorStateHalted   CursorState = "halted"
)
