// Package ledger owns the durable CSV files: the all-time master ledger,
// the roster-scoped current snapshot, the deleted-accounts audit log, and
// the last-full-update marker.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"chess-ledger/internal/config"
	"chess-ledger/internal/domain"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const timeLayout = "2006-01-02 15:04:05"

var columns = []string{
	"username", "title", "join_date", "last_online",
	"total_games", "total_daily", "total_rapid", "total_bullet", "total_blitz",
	"daily_rating", "rapid_rating", "bullet_rating", "blitz_rating",
	"daily_wins", "daily_losses", "daily_draws",
	"rapid_wins", "rapid_losses", "rapid_draws",
	"bullet_wins", "bullet_losses", "bullet_draws",
	"blitz_wins", "blitz_losses", "blitz_draws",
	"highest_puzzle_rating", "highest_puzzle_date",
	"fide_rating", "status",
}

type Store struct {
	masterPath   string
	snapshotPath string
	deletedPath  string
	markerPath   string
	logger       zerolog.Logger
}

func NewStore(cfg *config.Config, logger zerolog.Logger) *Store {
	return &Store{
		masterPath:   cfg.MasterPath,
		snapshotPath: cfg.SnapshotPath,
		deletedPath:  cfg.DeletedLogPath,
		markerPath:   cfg.MarkerPath,
		logger:       logger,
	}
}

// LoadMaster reads the whole master ledger into memory. A missing file is
// an empty ledger, not an error.
func (s *Store) LoadMaster() (map[string]domain.PlayerRecord, error) {
	return loadFile(s.masterPath)
}

func (s *Store) LoadSnapshot() (map[string]domain.PlayerRecord, error) {
	return loadFile(s.snapshotPath)
}

// WriteMaster rewrites the master ledger atomically. Rows are ordered by
// username so two runs over identical data produce identical bytes.
func (s *Store) WriteMaster(records map[string]domain.PlayerRecord) error {
	if err := writeFile(s.masterPath, records); err != nil {
		return fmt.Errorf("persist master ledger: %w", err)
	}
	s.logger.Info().Int("players", len(records)).Str("path", s.masterPath).Msg("master ledger written")
	return nil
}

func (s *Store) WriteSnapshot(records map[string]domain.PlayerRecord) error {
	if err := writeFile(s.snapshotPath, records); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	s.logger.Debug().Int("players", len(records)).Str("path", s.snapshotPath).Msg("snapshot written")
	return nil
}

// AppendDeleted records one timestamped audit block listing the identities
// removed during this cycle. Deletions are never silently dropped.
func (s *Store) AppendDeleted(runID string, at time.Time, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.deletedPath), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(s.deletedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open deleted-accounts log: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "# run %s at %s, %d account(s) removed\n", runID, at.UTC().Format(time.RFC3339), len(usernames))
	sorted := append([]string(nil), usernames...)
	sort.Strings(sorted)
	for _, u := range sorted {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("generate audit entry id: %w", err)
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\n", id, at.UTC().Format(time.RFC3339), u)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append deleted-accounts log: %w", err)
	}
	return f.Sync()
}

// LastFullUpdate reads the marker. ok is false when no full update has ever
// completed.
func (s *Store) LastFullUpdate() (time.Time, bool, error) {
	raw, err := os.ReadFile(s.markerPath)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read full-update marker: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse full-update marker: %w", err)
	}
	return ts, true, nil
}

// RecordFullUpdate overwrites the marker. Only called after a full update
// completes successfully.
func (s *Store) RecordFullUpdate(at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(s.markerPath), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	line := at.UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(s.markerPath, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write full-update marker: %w", err)
	}
	return nil
}

func loadFile(path string) (map[string]domain.PlayerRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]domain.PlayerRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	if len(rows) == 0 {
		return map[string]domain.PlayerRecord{}, nil
	}

	idx := map[string]int{}
	for i, col := range rows[0] {
		idx[col] = i
	}
	if _, ok := idx["username"]; !ok {
		return nil, fmt.Errorf("ledger %s has no username column", path)
	}

	records := make(map[string]domain.PlayerRecord, len(rows)-1)
	for _, row := range rows[1:] {
		rec, err := decodeRow(idx, row)
		if err != nil {
			return nil, fmt.Errorf("ledger %s: %w", path, err)
		}
		records[rec.Username] = rec
	}
	return records, nil
}

func writeFile(path string, records map[string]domain.PlayerRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	usernames := make([]string, 0, len(records))
	for u := range records {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		f.Close()
		return err
	}
	for _, u := range usernames {
		if err := w.Write(encodeRow(records[u])); err != nil {
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
	// Rename keeps readers from ever seeing a torn file.
	return os.Rename(tmp, path)
}

func encodeRow(r domain.PlayerRecord) []string {
	return []string{
		r.Username,
		r.Title,
		formatTime(r.JoinedAt),
		formatTime(r.LastOnline),
		strconv.Itoa(r.TotalGames),
		strconv.Itoa(r.Daily.Games),
		strconv.Itoa(r.Rapid.Games),
		strconv.Itoa(r.Bullet.Games),
		strconv.Itoa(r.Blitz.Games),
		strconv.Itoa(r.Daily.Rating),
		strconv.Itoa(r.Rapid.Rating),
		strconv.Itoa(r.Bullet.Rating),
		strconv.Itoa(r.Blitz.Rating),
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
		strconv.Itoa(r.PuzzleRating),
		formatTime(r.PuzzleDate),
		strconv.Itoa(r.FideRating),
		string(r.Status),
	}
}

func decodeRow(idx map[string]int, row []string) (domain.PlayerRecord, error) {
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}
	getInt := func(col string) int {
		v := strings.TrimSpace(get(col))
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	}

	username := strings.ToLower(strings.TrimSpace(get("username")))
	if username == "" {
		return domain.PlayerRecord{}, fmt.Errorf("row with empty username")
	}

	rec := domain.PlayerRecord{
		Username:   username,
		Title:      get("title"),
		JoinedAt:   parseTime(get("join_date")),
		LastOnline: parseTime(get("last_online")),
		Daily: domain.FormatRecord{
			Games:  getInt("total_daily"),
			Wins:   getInt("daily_wins"),
			Losses: getInt("daily_losses"),
			Draws:  getInt("daily_draws"),
			Rating: getInt("daily_rating"),
		},
		Rapid: domain.FormatRecord{
			Games:  getInt("total_rapid"),
			Wins:   getInt("rapid_wins"),
			Losses: getInt("rapid_losses"),
			Draws:  getInt("rapid_draws"),
			Rating: getInt("rapid_rating"),
		},
		Bullet: domain.FormatRecord{
			Games:  getInt("total_bullet"),
			Wins:   getInt("bullet_wins"),
			Losses: getInt("bullet_losses"),
			Draws:  getInt("bullet_draws"),
			Rating: getInt("bullet_rating"),
		},
		Blitz: domain.FormatRecord{
			Games:  getInt("total_blitz"),
			Wins:   getInt("blitz_wins"),
			Losses: getInt("blitz_losses"),
			Draws:  getInt("blitz_draws"),
			Rating: getInt("blitz_rating"),
		},
		TotalGames:   getInt("total_games"),
		PuzzleRating: getInt("highest_puzzle_rating"),
		PuzzleDate:   parseTime(get("highest_puzzle_date")),
		FideRating:   getInt("fide_rating"),
		Status:       domain.Status(get("status")),
	}
	if rec.Status == "" {
		rec.Status = domain.StatusActive
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
