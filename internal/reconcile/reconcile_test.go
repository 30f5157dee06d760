package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chess-ledger/internal/api"
	"chess-ledger/internal/checkpoint"
	"chess-ledger/internal/config"
	"chess-ledger/internal/dispatch"
	"chess-ledger/internal/domain"
	"chess-ledger/internal/ledger"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu           sync.Mutex
	roster       []string
	rosterErr    error
	deleted      map[string]bool
	failing      map[string]bool
	ratings      map[string]int
	profileCalls map[string]int
	statsCalls   map[string]int

	// onProfile, when set, runs before each profile fetch, outside the lock.
	onProfile func(username string)
}

func newFakeRemote(roster ...string) *fakeRemote {
	return &fakeRemote{
		roster:       roster,
		deleted:      map[string]bool{},
		failing:      map[string]bool{},
		ratings:      map[string]int{},
		profileCalls: map[string]int{},
		statsCalls:   map[string]int{},
	}
}

func (f *fakeRemote) FetchRoster(ctx context.Context) ([]string, error) {
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return f.roster, nil
}

func (f *fakeRemote) FetchProfile(ctx context.Context, username string) (*api.Profile, error) {
	if f.onProfile != nil {
		f.onProfile(username)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls[username]++
	if f.deleted[username] {
		return nil, api.ErrNotFound
	}
	if f.failing[username] {
		return nil, errors.New("upstream timeout")
	}
	return &api.Profile{Username: username, Joined: 1500000000, LastOnline: 1700000000}, nil
}

func (f *fakeRemote) FetchStats(ctx context.Context, username string) *api.StatsResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls[username]++
	rating := f.ratings[username]
	if rating == 0 {
		rating = 1000
	}
	return &api.StatsResponse{
		ChessBlitz: api.FormatStats{
			Last:   api.RatingSnapshot{Rating: rating},
			Record: api.GameRecord{Win: 5, Loss: 4, Draw: 1},
		},
	}
}

type fixture struct {
	remote  *fakeRemote
	rec     *Reconciler
	store   *ledger.Store
	tracker *checkpoint.Tracker
	cfg     *config.Config
	now     time.Time
}

func newFixture(t *testing.T, remote *fakeRemote) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Workers:            2,
		SaveEvery:          2,
		FullUpdateInterval: 30 * 24 * time.Hour,
		MasterPath:         filepath.Join(dir, "master_players.csv"),
		SnapshotPath:       filepath.Join(dir, "players_snapshot.csv"),
		CheckpointPath:     filepath.Join(dir, "players.checkpoint"),
		DeletedLogPath:     filepath.Join(dir, "deleted_players.log"),
		MarkerPath:         filepath.Join(dir, "last_full_update.txt"),
	}
	logger := zerolog.Nop()
	store := ledger.NewStore(cfg, logger)
	tracker := checkpoint.New(cfg, logger)
	t.Cleanup(func() { _ = tracker.Close() })

	rec := New(remote, dispatch.New(remote, cfg, logger), store, tracker, cfg, logger)
	t.Cleanup(func() { _ = rec.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return now }

	return &fixture{remote: remote, rec: rec, store: store, tracker: tracker, cfg: cfg, now: now}
}

func seedMaster(t *testing.T, fx *fixture, usernames ...string) {
	t.Helper()
	master := map[string]domain.PlayerRecord{}
	for _, u := range usernames {
		master[u] = domain.PlayerRecord{
			Username: u,
			Blitz:    domain.FormatRecord{Games: 3, Wins: 1, Losses: 1, Draws: 1, Rating: 700},
			Status:   domain.StatusActive,
		}
	}
	require.NoError(t, fx.store.WriteMaster(master))
}

// Full mode with roster [a b] against master {a c}, where c 404s on the
// profile check: a refreshed, b added, c flagged deleted and audited.
func TestFullUpdateReconcilesMasterAndAuditsDeletion(t *testing.T) {
	remote := newFakeRemote("a", "b")
	remote.deleted["c"] = true
	remote.ratings["a"] = 1500

	fx := newFixture(t, remote)
	seedMaster(t, fx, "a", "c")

	summary, err := fx.rec.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, ModeFull, summary.Mode)
	assert.Equal(t, 3, summary.Worklist, "worklist is roster union master")
	assert.Equal(t, 2, summary.Active)
	assert.Equal(t, 1, summary.Deleted)
	assert.True(t, summary.Completed)

	master, err := fx.store.LoadMaster()
	require.NoError(t, err)
	require.Contains(t, master, "a")
	require.Contains(t, master, "b")
	assert.Equal(t, 1500, master["a"].Blitz.Rating, "existing player is refreshed by full overwrite")
	assert.Equal(t, domain.StatusActive, master["b"].Status)

	// Deleted players stay in the master ledger but flagged, for audit.
	require.Contains(t, master, "c")
	assert.Equal(t, domain.StatusDeleted, master["c"].Status)
	assert.Equal(t, 700, master["c"].Blitz.Rating, "last known stats are retained")

	snapshot, err := fx.store.LoadSnapshot()
	require.NoError(t, err)
	assert.NotContains(t, snapshot, "c")

	audit, err := os.ReadFile(fx.cfg.DeletedLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "c")
	assert.Contains(t, string(audit), summary.RunID)

	// 404 is definitive: one profile call, zero stats calls.
	assert.Equal(t, 1, remote.profileCalls["c"])
	assert.Zero(t, remote.statsCalls["c"])

	// Completed full update records the marker and clears the checkpoint.
	_, ok, err := fx.store.LastFullUpdate()
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = os.Stat(fx.cfg.CheckpointPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPartialModeLeavesMasterUntouched(t *testing.T) {
	remote := newFakeRemote("a", "b")
	fx := newFixture(t, remote)
	seedMaster(t, fx, "c")
	require.NoError(t, fx.store.RecordFullUpdate(fx.now.Add(-24*time.Hour)))

	summary, err := fx.rec.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, ModePartial, summary.Mode)
	assert.Equal(t, 2, summary.Worklist, "partial mode processes only the roster")

	master, err := fx.store.LoadMaster()
	require.NoError(t, err)
	assert.Contains(t, master, "c")
	assert.NotContains(t, master, "a", "partial mode never writes the master ledger")
	assert.Zero(t, remote.profileCalls["c"])
}

func TestStaleMarkerSelectsFullMode(t *testing.T) {
	remote := newFakeRemote("a")
	fx := newFixture(t, remote)
	require.NoError(t, fx.store.RecordFullUpdate(fx.now.Add(-31*24*time.Hour)))

	summary, err := fx.rec.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, summary.Mode)
}

func TestRosterFailureAbortsRun(t *testing.T) {
	remote := newFakeRemote()
	remote.rosterErr = errors.New("connection refused")
	fx := newFixture(t, remote)

	_, err := fx.rec.Run(context.Background(), false)
	require.ErrorIs(t, err, ErrRosterUnavailable)
}

func TestEmptyRosterIsUnavailableNotEmpty(t *testing.T) {
	remote := newFakeRemote()
	fx := newFixture(t, remote)
	seedMaster(t, fx, "a")

	_, err := fx.rec.Run(context.Background(), true)
	require.ErrorIs(t, err, ErrRosterUnavailable)

	master, err := fx.store.LoadMaster()
	require.NoError(t, err)
	assert.Contains(t, master, "a", "an unavailable roster must not look like everyone left")
}

func TestFailedPlayerIsSkippedNotFatal(t *testing.T) {
	remote := newFakeRemote("a", "flaky")
	remote.failing["flaky"] = true
	fx := newFixture(t, remote)

	summary, err := fx.rec.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.Completed, "a failed player still counts as processed for this run")

	snapshot, err := fx.store.LoadSnapshot()
	require.NoError(t, err)
	assert.NotContains(t, snapshot, "flaky")
	assert.Contains(t, snapshot, "a")

	// Eligible again next run: the checkpoint was cleared with the run.
	_, err = os.Stat(fx.cfg.CheckpointPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestIdempotentBackToBackRuns(t *testing.T) {
	remote := newFakeRemote("a", "b")
	fx := newFixture(t, remote)

	_, err := fx.rec.Run(context.Background(), true)
	require.NoError(t, err)
	first, err := os.ReadFile(fx.cfg.MasterPath)
	require.NoError(t, err)

	_, err = fx.rec.Run(context.Background(), true)
	require.NoError(t, err)
	second, err := os.ReadFile(fx.cfg.MasterPath)
	require.NoError(t, err)

	assert.Equal(t, first, second, "no remote-side changes means a byte-identical master ledger")
}

func TestResumeProcessesOnlyRemainingIdentities(t *testing.T) {
	remote := newFakeRemote("a", "b", "c", "d")
	fx := newFixture(t, remote)

	// Simulate an interrupted run that already handled a and b: both are
	// checkpointed, and the intermediate snapshot save caught them.
	require.NoError(t, fx.tracker.Mark("a"))
	require.NoError(t, fx.tracker.Mark("b"))
	resumed := map[string]domain.PlayerRecord{
		"a": {Username: "a", Status: domain.StatusActive, Blitz: domain.FormatRecord{Rating: 999}},
		"b": {Username: "b", Status: domain.StatusActive, Blitz: domain.FormatRecord{Rating: 999}},
	}
	require.NoError(t, fx.store.WriteSnapshot(resumed))

	summary, err := fx.rec.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Resumed)
	assert.Equal(t, 2, summary.Processed, "only the remaining identities are fetched")
	assert.Zero(t, remote.profileCalls["a"])
	assert.Zero(t, remote.profileCalls["b"])
	assert.Equal(t, 1, remote.profileCalls["c"])
	assert.Equal(t, 1, remote.profileCalls["d"])

	snapshot, err := fx.store.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot, 4, "resumed results and fresh results are both present")
	assert.Equal(t, 999, snapshot["a"].Blitz.Rating, "already-processed players are not re-fetched")
	assert.True(t, summary.Completed)
}

func TestDeletedPlayerNotRecheckedOnNextFullRun(t *testing.T) {
	remote := newFakeRemote("a")
	remote.deleted["ghost"] = true
	fx := newFixture(t, remote)
	seedMaster(t, fx, "a", "ghost")

	_, err := fx.rec.Run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, remote.profileCalls["ghost"])

	_, err = fx.rec.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.profileCalls["ghost"], "a flagged deletion is not probed again")

	audit, err := os.ReadFile(fx.cfg.DeletedLogPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(audit), "ghost"), "audited exactly once per occurrence")
}

func TestUppercaseRosterNamesAreFolded(t *testing.T) {
	remote := newFakeRemote("Wanjiku")
	fx := newFixture(t, remote)

	_, err := fx.rec.Run(context.Background(), true)
	require.NoError(t, err)

	master, err := fx.store.LoadMaster()
	require.NoError(t, err)
	assert.Contains(t, master, "wanjiku")
	assert.NotContains(t, master, "Wanjiku")
}

// Reconstructs the state left by a run that crashed after observing a 404
// but before the end-of-run merge: the name is checkpointed and recorded in
// the deletions sidecar, the snapshot was saved without it, and the master
// ledger still carries it as active. The resumed run must not re-probe the
// name, yet its merge must still flag and audit the deletion.
func TestResumedRunMergesDeletionFromCrashedRun(t *testing.T) {
	remote := newFakeRemote("a")
	remote.ratings["a"] = 1500

	fx := newFixture(t, remote)
	seedMaster(t, fx, "a", "ghost")
	require.NoError(t, fx.store.WriteSnapshot(map[string]domain.PlayerRecord{}))

	cp := checkpoint.NewAt(fx.cfg.CheckpointPath, zerolog.Nop())
	require.NoError(t, cp.Mark("ghost"))
	require.NoError(t, cp.Close())
	del := checkpoint.NewAt(fx.cfg.CheckpointPath+".deleted", zerolog.Nop())
	require.NoError(t, del.Mark("ghost"))
	require.NoError(t, del.Close())

	summary, err := fx.rec.Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, summary.Completed)
	assert.Equal(t, 0, remote.profileCalls["ghost"], "checkpointed name must not be re-probed")

	master, err := fx.store.LoadMaster()
	require.NoError(t, err)
	require.Contains(t, master, "ghost")
	assert.Equal(t, domain.StatusDeleted, master["ghost"].Status)
	assert.Equal(t, 700, master["ghost"].Blitz.Rating, "flagged record keeps its last-known stats")
	assert.Equal(t, 1500, master["a"].Blitz.Rating)

	snapshot, err := fx.store.LoadSnapshot()
	require.NoError(t, err)
	assert.NotContains(t, snapshot, "ghost")

	audit, err := os.ReadFile(fx.cfg.DeletedLogPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(audit), "ghost"))

	_, err = os.Stat(fx.cfg.CheckpointPath + ".deleted")
	assert.ErrorIs(t, err, os.ErrNotExist, "merged deletions must not be re-audited")
}

func TestIntermediateSnapshotSavedEveryInterval(t *testing.T) {
	remote := newFakeRemote("a", "b", "c")
	gate := make(chan struct{})
	remote.onProfile = func(username string) {
		if username == "c" {
			<-gate
		}
	}

	fx := newFixture(t, remote)

	type result struct {
		summary *Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := fx.rec.Run(context.Background(), true)
		done <- result{summary, err}
	}()

	// SaveEvery is 2, so once a and b complete the snapshot must hit disk
	// while c is still in flight.
	require.Eventually(t, func() bool {
		snapshot, err := fx.store.LoadSnapshot()
		if err != nil {
			return false
		}
		_, hasA := snapshot["a"]
		_, hasB := snapshot["b"]
		return hasA && hasB
	}, 5*time.Second, 5*time.Millisecond, "intermediate snapshot never written")

	close(gate)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.summary.Completed)

	snapshot, err := fx.store.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot, 3)
}

func TestCancelledRunLeavesFailedNamesUnmarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := newFakeRemote("a", "b")
	remote.failing["b"] = true
	remote.onProfile = func(username string) {
		if username == "b" {
			cancel()
		}
	}

	fx := newFixture(t, remote)

	summary, err := fx.rec.Run(ctx, true)
	require.NoError(t, err)
	assert.False(t, summary.Completed)

	processed, err := checkpoint.NewAt(fx.cfg.CheckpointPath, zerolog.Nop()).Load()
	require.NoError(t, err)
	assert.Contains(t, processed, "a")
	assert.NotContains(t, processed, "b", "a failure during shutdown must stay retryable")

	_, err = os.Stat(fx.cfg.MarkerPath)
	assert.ErrorIs(t, err, os.ErrNotExist, "incomplete run must not set the full-update marker")
}
