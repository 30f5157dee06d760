package fx

import (
	"chess-ledger/internal/africa"
	"chess-ledger/internal/api"
	"chess-ledger/internal/checkpoint"
	"chess-ledger/internal/clean"
	"chess-ledger/internal/config"
	"chess-ledger/internal/constants"
	"chess-ledger/internal/dispatch"
	"chess-ledger/internal/export"
	"chess-ledger/internal/ledger"
	"chess-ledger/internal/logger"
	"chess-ledger/internal/ratelimit"
	"chess-ledger/internal/reconcile"

	"go.uber.org/fx"
)

func ProvideLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(cfg.RateLimit, constants.RateWindow)
}

func ProvideFetcher(client *api.Client) dispatch.Fetcher {
	return client
}

func ProvideRosterClient(client *api.Client) reconcile.RosterClient {
	return client
}

func ProvideRosterByCountry(client *api.Client) africa.RosterByCountry {
	return client
}

var Module = fx.Options(
	logger.Module,
	config.Module,
	fx.Provide(ProvideLimiter),
	// api client
	fx.Provide(api.NewClient),
	fx.Provide(ProvideFetcher),
	fx.Provide(ProvideRosterClient),
	fx.Provide(ProvideRosterByCountry),
	// pipeline
	fx.Provide(checkpoint.New),
	fx.Provide(ledger.NewStore),
	fx.Provide(dispatch.New),
	fx.Provide(reconcile.New),
	// downstream outputs
	fx.Provide(clean.NewCleaner),
	fx.Provide(export.OpenDB),
	fx.Provide(export.NewExporter),
	fx.Provide(africa.NewCounter),
)
