// Package extract normalizes raw API payloads into ledger records.
package extract

import (
	"strings"
	"time"

	"chess-ledger/internal/api"
	"chess-ledger/internal/domain"
)

// Format flattens one per-format stats block. The game count is always
// derived from the win/loss/draw record; absent blocks come through as the
// zero payload and yield an all-zero result.
func Format(fs api.FormatStats) domain.FormatRecord {
	return domain.FormatRecord{
		Games:  fs.Record.Win + fs.Record.Loss + fs.Record.Draw,
		Wins:   fs.Record.Win,
		Losses: fs.Record.Loss,
		Draws:  fs.Record.Draw,
		Rating: fs.Last.Rating,
	}
}

// Puzzle returns the historical-maximum puzzle rating and the date it was
// achieved. ok is false when the source has never recorded one. The source
// only exposes the historical max, so a lower later value never replaces a
// stored one anywhere downstream.
func Puzzle(stats *api.StatsResponse) (rating int, date time.Time, ok bool) {
	high := stats.Tactics.Highest
	if high.Rating == 0 {
		return 0, time.Time{}, false
	}
	return high.Rating, time.Unix(high.Date, 0).UTC(), true
}

// Record builds the full PlayerRecord for one identity from its profile and
// stats payloads. Usernames are case-folded to lower, matching how the
// ledger keys players.
func Record(username string, profile *api.Profile, stats *api.StatsResponse) domain.PlayerRecord {
	rec := domain.PlayerRecord{
		Username:   strings.ToLower(username),
		Title:      profile.Title,
		JoinedAt:   unixTime(profile.Joined),
		LastOnline: unixTime(profile.LastOnline),
		Daily:      Format(stats.ChessDaily),
		Rapid:      Format(stats.ChessRapid),
		Bullet:     Format(stats.ChessBullet),
		Blitz:      Format(stats.ChessBlitz),
		FideRating: stats.Fide,
		Status:     domain.StatusActive,
	}
	rec.TotalGames = rec.Daily.Games + rec.Rapid.Games + rec.Bullet.Games + rec.Blitz.Games

	if rating, date, ok := Puzzle(stats); ok {
		rec.PuzzleRating = rating
		rec.PuzzleDate = date
	}
	return rec
}

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
