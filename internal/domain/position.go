package domain

import "time"

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position represents an open or historical holding in a token. The core
// computes P&L values; durable storage belongs to the store layer.
type Position struct {
	ID            string
	OwnerID       string
	TokenMint     string
	Venue         Venue
	EntryPrice    float64
	CurrentPrice  float64
	Amount        uint64 // token base units held
	UnrealizedPnL float64
	RealizedPnL   float64
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
	ExitPrice     *float64
}
