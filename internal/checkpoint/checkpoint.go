// Package checkpoint persists the set of usernames already attempted in the
// current run, so an interrupted run resumes without re-spending its
// rate-limited request budget.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"chess-ledger/internal/config"

	"github.com/rs/zerolog"
)

type Tracker struct {
	path   string
	logger zerolog.Logger

	mu   sync.Mutex
	file *os.File
}

func New(cfg *config.Config, logger zerolog.Logger) *Tracker {
	return &Tracker{path: cfg.CheckpointPath, logger: logger}
}

func NewAt(path string, logger zerolog.Logger) *Tracker {
	return &Tracker{path: path, logger: logger}
}

// Load reconstructs the processed set from the log. A missing file is a
// fresh run, not an error.
func (t *Tracker) Load() (map[string]struct{}, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	processed := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		processed[name] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	t.logger.Info().Int("count", len(processed)).Str("path", t.path).Msg("checkpoint loaded")
	return processed, nil
}

// Mark appends one username and syncs the file so the entry survives a
// crash immediately after the call returns.
func (t *Tracker) Mark(username string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
		f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open checkpoint for append: %w", err)
		}
		t.file = f
	}
	if _, err := fmt.Fprintln(t.file, username); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return t.file.Sync()
}

// Clear removes the log entirely. Only called after a run has processed
// 100% of its pending set; a partial run leaves the log for the next resume.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		if err := t.file.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("error closing checkpoint file")
		}
		t.file = nil
	}
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	t.logger.Info().Str("path", t.path).Msg("checkpoint cleared")
	return nil
}

func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
