package domain

import (
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// FormatRecord is the per-format slice of a player's results. Games is
// always Wins + Losses + Draws.
type FormatRecord struct {
	Games  int
	Wins   int
	Losses int
	Draws  int
	Rating int
}

// PlayerRecord is one ledger row. Username is the primary key; records are
// overwritten wholesale on re-fetch, never merged field by field.
type PlayerRecord struct {
	Username   string
	Title      string
	JoinedAt   time.Time
	LastOnline time.Time

	Daily  FormatRecord
	Rapid  FormatRecord
	Bullet FormatRecord
	Blitz  FormatRecord

	// TotalGames is the sum of the four per-format game counts.
	TotalGames int

	FideRating int

	// PuzzleRating is the historical maximum the source exposes, not a
	// current value. Zero means it was never recorded.
	PuzzleRating int
	PuzzleDate   time.Time

	Status Status
}

// Formats returns the per-format records in canonical order
// (daily, rapid, bullet, blitz).
func (r *PlayerRecord) Formats() [4]FormatRecord {
	return [4]FormatRecord{r.Daily, r.Rapid, r.Bullet, r.Blitz}
}

// HasRated reports whether the player has any games or any nonzero rating.
// Players failing this check are dropped by the cleaning transform.
func (r *PlayerRecord) HasRated() bool {
	for _, f := range r.Formats() {
		if f.Games != 0 || f.Rating != 0 {
			return true
		}
	}
	return r.TotalGames != 0
}
