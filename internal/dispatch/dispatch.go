// Package dispatch fans per-player fetch work out over a bounded worker
// pool and streams outcomes back in completion order.
package dispatch

import (
	"context"
	"errors"

	"chess-ledger/internal/api"
	"chess-ledger/internal/config"
	"chess-ledger/internal/domain"
	"chess-ledger/internal/extract"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"
)

// Fetcher is the slice of the API client the dispatcher needs.
type Fetcher interface {
	FetchProfile(ctx context.Context, username string) (*api.Profile, error)
	FetchStats(ctx context.Context, username string) *api.StatsResponse
}

type Kind int

const (
	// Active: the player exists and a fresh record was extracted.
	Active Kind = iota
	// Deleted: the remote source reports the identity no longer exists.
	Deleted
	// Failed: this run could not obtain data for the identity; it stays
	// eligible for the next run.
	Failed
)

type Outcome struct {
	Username string
	Kind     Kind
	Record   domain.PlayerRecord // meaningful only when Kind == Active
	Err      error               // set when Kind == Failed
}

type Dispatcher struct {
	client  Fetcher
	workers int
	logger  zerolog.Logger
}

func New(client Fetcher, cfg *config.Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{client: client, workers: cfg.Workers, logger: logger}
}

// Run drains usernames through the pool and yields one Outcome per
// username on the returned channel, in completion order. The channel is
// closed once every submitted identity has produced an outcome.
func (d *Dispatcher) Run(ctx context.Context, usernames []string) <-chan Outcome {
	out := make(chan Outcome)

	go func() {
		defer close(out)
		pool := pond.NewPool(d.workers)
		group := pool.NewGroup()
		for _, username := range usernames {
			username := username
			group.Submit(func() {
				out <- d.process(ctx, username)
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			d.logger.Warn().Err(err).Msg("worker group finished with error")
		}
		pool.StopAndWait()
	}()

	return out
}

func (d *Dispatcher) process(ctx context.Context, username string) Outcome {
	profile, err := d.client.FetchProfile(ctx, username)
	if errors.Is(err, api.ErrNotFound) {
		d.logger.Info().Str("username", username).Msg("account no longer exists")
		return Outcome{Username: username, Kind: Deleted}
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("username", username).Msg("player fetch failed, deferring to next run")
		return Outcome{Username: username, Kind: Failed, Err: err}
	}

	// A 404 above returns before this point, so a deleted account never
	// costs a stats request.
	stats := d.client.FetchStats(ctx, username)
	return Outcome{Username: username, Kind: Active, Record: extract.Record(username, profile, stats)}
}
