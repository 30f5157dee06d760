// Package reconcile drives one pipeline run: decide the update mode, build
// the worklist, resume past the checkpoint, dispatch the fetches, and merge
// the outcomes into the snapshot and master ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chess-ledger/internal/checkpoint"
	"chess-ledger/internal/config"
	"chess-ledger/internal/dispatch"
	"chess-ledger/internal/domain"
	"chess-ledger/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRosterUnavailable means the roster fetch wholly failed. Proceeding
// would make an outage look like every player left, so the run aborts.
var ErrRosterUnavailable = errors.New("roster unavailable")

// RosterClient is the slice of the API client the reconciler needs.
type RosterClient interface {
	FetchRoster(ctx context.Context) ([]string, error)
}

type Mode string

const (
	// ModePartial reconciles only the current roster.
	ModePartial Mode = "partial"
	// ModeFull reconciles the roster plus every player the master ledger
	// has ever seen, so departed players get re-checked for deletion.
	ModeFull Mode = "full"
)

type Summary struct {
	RunID      string
	Mode       Mode
	RosterSize int
	Worklist   int
	Resumed    int // identities skipped via checkpoint
	Processed  int
	Active     int
	Deleted    int
	Failed     int
	Completed  bool
}

type Reconciler struct {
	roster     RosterClient
	dispatcher *dispatch.Dispatcher
	store      *ledger.Store
	tracker    *checkpoint.Tracker
	logger     zerolog.Logger

	// deletions is an fsynced sidecar log of 404'd usernames whose removal
	// has not yet been merged and audited. The checkpoint alone cannot carry
	// this: a crash after the checkpoint entry but before the end-of-run
	// merge would otherwise lose the deletion entirely.
	deletions *checkpoint.Tracker

	saveEvery    int
	fullInterval time.Duration
	now          func() time.Time
}

func New(
	roster RosterClient,
	dispatcher *dispatch.Dispatcher,
	store *ledger.Store,
	tracker *checkpoint.Tracker,
	cfg *config.Config,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		roster:       roster,
		dispatcher:   dispatcher,
		store:        store,
		tracker:      tracker,
		logger:       logger,
		deletions:    checkpoint.NewAt(cfg.CheckpointPath+".deleted", logger),
		saveEvery:    cfg.SaveEvery,
		fullInterval: cfg.FullUpdateInterval,
		now:          time.Now,
	}
}

// Close releases the file handles held for checkpoint-style appends.
func (r *Reconciler) Close() error {
	return r.deletions.Close()
}

// Run executes one reconciliation cycle. force selects full mode regardless
// of the last-full-update marker. Per-player failures never fail the run;
// roster and persistence failures do.
func (r *Reconciler) Run(ctx context.Context, force bool) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString()}
	logger := r.logger.With().Str("run_id", summary.RunID).Logger()

	mode, err := r.determineMode(force)
	if err != nil {
		return summary, err
	}
	summary.Mode = mode
	logger.Info().Str("mode", string(mode)).Bool("forced", force).Msg("starting reconciliation run")

	roster, err := r.roster.FetchRoster(ctx)
	if err != nil {
		return summary, fmt.Errorf("%w: %v", ErrRosterUnavailable, err)
	}
	if len(roster) == 0 {
		// An empty sequence means "could not determine roster", never
		// "everyone left".
		return summary, ErrRosterUnavailable
	}
	summary.RosterSize = len(roster)

	var master map[string]domain.PlayerRecord
	if mode == ModeFull {
		master, err = r.store.LoadMaster()
		if err != nil {
			return summary, err
		}
	}

	worklist := buildWorklist(roster, master)
	summary.Worklist = len(worklist)

	processed, err := r.tracker.Load()
	if err != nil {
		return summary, err
	}
	resuming := len(processed) > 0

	pending := make([]string, 0, len(worklist))
	for _, username := range worklist {
		if _, done := processed[username]; done {
			summary.Resumed++
			continue
		}
		pending = append(pending, username)
	}
	logger.Info().
		Int("roster", len(roster)).
		Int("worklist", len(worklist)).
		Int("pending", len(pending)).
		Int("resumed", summary.Resumed).
		Msg("worklist built")

	snapshot := map[string]domain.PlayerRecord{}
	if resuming {
		// Keep the intermediate results of the interrupted run.
		snapshot, err = r.store.LoadSnapshot()
		if err != nil {
			return summary, err
		}
	}

	// Deletions recorded by an interrupted run that never reached its merge.
	deletedSet, err := r.deletions.Load()
	if err != nil {
		return summary, err
	}
	for username := range deletedSet {
		delete(snapshot, username)
	}

	completions := 0
	for outcome := range r.dispatcher.Run(ctx, pending) {
		if outcome.Kind == dispatch.Failed && ctx.Err() != nil {
			// The run is shutting down; leave the identity unmarked so the
			// resume actually retries it.
			continue
		}
		markCheckpoint := true
		if outcome.Kind == dispatch.Deleted {
			// The deletion goes to disk before the checkpoint entry: a crash
			// between the two re-probes the name instead of losing it.
			if err := r.deletions.Mark(outcome.Username); err != nil {
				logger.Error().Err(err).Str("username", outcome.Username).Msg("failed to persist deletion, leaving unmarked for retry")
				markCheckpoint = false
			}
		}
		if markCheckpoint {
			if err := r.tracker.Mark(outcome.Username); err != nil {
				logger.Error().Err(err).Str("username", outcome.Username).Msg("failed to append checkpoint")
			}
		}
		completions++

		switch outcome.Kind {
		case dispatch.Active:
			snapshot[outcome.Record.Username] = outcome.Record
			summary.Active++
		case dispatch.Deleted:
			delete(snapshot, outcome.Username)
			deletedSet[outcome.Username] = struct{}{}
			summary.Deleted++
		case dispatch.Failed:
			summary.Failed++
		}

		if completions%r.saveEvery == 0 {
			if err := r.store.WriteSnapshot(snapshot); err != nil {
				logger.Error().Err(err).Msg("intermediate snapshot save failed")
			} else {
				logger.Info().Int("completions", completions).Msg("intermediate snapshot saved")
			}
		}
	}
	summary.Processed = completions
	summary.Completed = completions == len(pending)

	if err := r.store.WriteSnapshot(snapshot); err != nil {
		return summary, err
	}

	if mode == ModeFull {
		deleted := make([]string, 0, len(deletedSet))
		for username := range deletedSet {
			deleted = append(deleted, username)
		}
		mergeMaster(master, snapshot, deleted)
		if err := r.store.WriteMaster(master); err != nil {
			return summary, err
		}
		if err := r.store.AppendDeleted(summary.RunID, r.now(), deleted); err != nil {
			return summary, err
		}
		// The sidecar's entries are now merged and audited; only a full-mode
		// run may drop them.
		if err := r.deletions.Clear(); err != nil {
			return summary, err
		}
		if summary.Completed {
			if err := r.store.RecordFullUpdate(r.now()); err != nil {
				return summary, err
			}
		}
	}

	if summary.Completed {
		if err := r.tracker.Clear(); err != nil {
			return summary, err
		}
	} else {
		logger.Warn().
			Int("processed", summary.Processed).
			Int("pending", len(pending)).
			Msg("run incomplete, checkpoint retained for resume")
	}

	logger.Info().
		Int("active", summary.Active).
		Int("deleted", summary.Deleted).
		Int("failed", summary.Failed).
		Bool("completed", summary.Completed).
		Msg("reconciliation run finished")
	return summary, nil
}

func (r *Reconciler) determineMode(force bool) (Mode, error) {
	if force {
		return ModeFull, nil
	}
	last, ok, err := r.store.LastFullUpdate()
	if err != nil {
		return ModePartial, err
	}
	if !ok || r.now().Sub(last) >= r.fullInterval {
		return ModeFull, nil
	}
	return ModePartial, nil
}

// buildWorklist unions the roster with the master ledger's usernames (full
// mode passes a non-nil master). Records already flagged deleted are not
// re-checked; their removal has been observed and audited once.
func buildWorklist(roster []string, master map[string]domain.PlayerRecord) []string {
	seen := map[string]struct{}{}
	for _, username := range roster {
		seen[strings.ToLower(username)] = struct{}{}
	}
	for username, rec := range master {
		if rec.Status == domain.StatusDeleted {
			continue
		}
		seen[username] = struct{}{}
	}

	worklist := make([]string, 0, len(seen))
	for username := range seen {
		worklist = append(worklist, username)
	}
	sort.Strings(worklist)
	return worklist
}

// mergeMaster applies this run's results to the master ledger: active
// records overwrite wholesale, deletions are retained but flagged so the
// all-time record stays auditable.
func mergeMaster(master, snapshot map[string]domain.PlayerRecord, deleted []string) {
	for username, rec := range snapshot {
		master[username] = rec
	}
	for _, username := range deleted {
		rec, ok := master[username]
		if !ok {
			continue
		}
		rec.Status = domain.StatusDeleted
		master[username] = rec
	}
}
