// Package clean turns the master ledger into the presentation table the
// dashboard consumes: display column names, derived win/loss/draw
// percentages, and inactive all-zero players dropped.
package clean

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"chess-ledger/internal/config"
	"chess-ledger/internal/domain"
	"chess-ledger/internal/ledger"

	"github.com/rs/zerolog"
)

var header = []string{
	"Username", "Join Date", "Last Online",
	"Total Games Played", "Total Daily Games", "Total Rapid Games", "Total Bullet Games", "Total Blitz Games",
	"Daily Rating", "Rapid Rating", "Bullet Rating", "Blitz Rating",
	"Puzzle Rating", "Puzzle Date",
	"Daily Wins", "Daily Losses", "Daily Draws",
	"Rapid Wins", "Rapid Losses", "Rapid Draws",
	"Bullet Wins", "Bullet Losses", "Bullet Draws",
	"Blitz Wins", "Blitz Losses", "Blitz Draws",
	"Daily Win Percentage", "Daily Loss Percentage", "Daily Draw Percentage",
	"Rapid Win Percentage", "Rapid Loss Percentage", "Rapid Draw Percentage",
	"Bullet Win Percentage", "Bullet Loss Percentage", "Bullet Draw Percentage",
	"Blitz Win Percentage", "Blitz Loss Percentage", "Blitz Draw Percentage",
}

// FormatShare is one format's derived percentage triple.
type FormatShare struct {
	Win  int
	Loss int
	Draw int
}

// Row is one cleaned, presentation-ready player.
type Row struct {
	Record domain.PlayerRecord
	Daily  FormatShare
	Rapid  FormatShare
	Bullet FormatShare
	Blitz  FormatShare
}

// FromRecord derives the percentage columns for one player. ok is false for
// records the cleaned table excludes: deleted players and players with no
// games and no ratings at all.
func FromRecord(rec domain.PlayerRecord) (Row, bool) {
	if rec.Status == domain.StatusDeleted || !rec.HasRated() {
		return Row{}, false
	}
	return Row{
		Record: rec,
		Daily:  share(rec.Daily),
		Rapid:  share(rec.Rapid),
		Bullet: share(rec.Bullet),
		Blitz:  share(rec.Blitz),
	}, true
}

func share(f domain.FormatRecord) FormatShare {
	if f.Games == 0 {
		return FormatShare{}
	}
	return FormatShare{
		Win:  percent(f.Wins, f.Games),
		Loss: percent(f.Losses, f.Games),
		Draw: percent(f.Draws, f.Games),
	}
}

func percent(part, total int) int {
	return int(math.Round(float64(part) / float64(total) * 100))
}

// Rows cleans a whole ledger, ordered by username.
func Rows(records map[string]domain.PlayerRecord) []Row {
	usernames := make([]string, 0, len(records))
	for u := range records {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	rows := make([]Row, 0, len(records))
	for _, u := range usernames {
		if row, ok := FromRecord(records[u]); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// Cleaner reads the master ledger and writes the cleaned CSV.
type Cleaner struct {
	store   *ledger.Store
	outPath string
	logger  zerolog.Logger
}

func NewCleaner(store *ledger.Store, cfg *config.Config, logger zerolog.Logger) *Cleaner {
	return &Cleaner{store: store, outPath: cfg.CleanedPath, logger: logger}
}

func (c *Cleaner) Run() error {
	records, err := c.store.LoadMaster()
	if err != nil {
		return err
	}
	rows := Rows(records)

	if err := writeRows(c.outPath, rows); err != nil {
		return fmt.Errorf("write cleaned table: %w", err)
	}
	c.logger.Info().
		Int("players_in", len(records)).
		Int("players_out", len(rows)).
		Str("path", c.outPath).
		Msg("cleaned table written")
	return nil
}

func writeRows(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	for _, row := range rows {
		if err := w.Write(encode(row)); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encode(row Row) []string {
	r := row.Record
	return []string{
		r.Username,
		displayTime(r.JoinedAt),
		displayTime(r.LastOnline),
		strconv.Itoa(r.TotalGames),
		strconv.Itoa(r.Daily.Games),
		strconv.Itoa(r.Rapid.Games),
		strconv.Itoa(r.Bullet.Games),
		strconv.Itoa(r.Blitz.Games),
		strconv.Itoa(r.Daily.Rating),
		strconv.Itoa(r.Rapid.Rating),
		strconv.Itoa(r.Bullet.Rating),
		strconv.Itoa(r.Blitz.Rating),
		strconv.Itoa(r.PuzzleRating),
		displayTime(r.PuzzleDate),
		strconv.Itoa(r.Daily.Wins),
		strconv.Itoa(r.Daily.Losses),
		strconv.Itoa(r.Daily.Draws),
		strconv.Itoa(r.Rapid.Wins),
		strconv.Itoa(r.Rapid.Losses),
		strconv.Itoa(r.Rapid.Draws),
		strconv.Itoa(r.Bullet.Wins),
		strconv.Itoa(r.Bullet.Losses),
		strconv.Itoa(r.Bullet.Draws),
		strconv.Itoa(r.Blitz.Wins),
		strconv.Itoa(r.Blitz.Losses),
		strconv.Itoa(r.Blitz.Draws),
		strconv.Itoa(row.Daily.Win),
		strconv.Itoa(row.Daily.Loss),
		strconv.Itoa(row.Daily.Draw),
		strconv.Itoa(row.Rapid.Win),
		strconv.Itoa(row.Rapid.Loss),
		strconv.Itoa(row.Rapid.Draw),
		strconv.Itoa(row.Bullet.Win),
		strconv.Itoa(row.Bullet.Loss),
		strconv.Itoa(row.Bullet.Draw),
		strconv.Itoa(row.Blitz.Win),
		strconv.Itoa(row.Blitz.Loss),
		strconv.Itoa(row.Blitz.Draw),
	}
}

func displayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// Header exposes the cleaned table's column names for downstream loaders.
func Header() []string {
	return append([]string(nil), header...)
}

// Encode exposes one row's CSV cells for downstream loaders.
func Encode(row Row) []string {
	return encode(row)
}
