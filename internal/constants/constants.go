package constants

import "time"

const (
	ExternalAPITimeout = 10 * time.Second
	DatabaseTimeout    = 5 * time.Second
	RetryBaseDelay     = 2 * time.Second
	ShutdownTimeout    = 15 * time.Second
)

const (
	FetchMaxAttempts = 3
	DefaultWorkers   = 5
	DefaultRateLimit = 2 // requests per second
	RateWindow       = time.Second
)

const (
	// SaveInterval is the number of completed players between intermediate
	// snapshot writes during a run.
	SaveInterval = 50

	// FullUpdateInterval is how stale the last full update may be before the
	// next run reconciles the whole master ledger instead of just the roster.
	FullUpdateInterval = 30 * 24 * time.Hour
)

const (
	DBMaxOpenConns    = 1
	DBBatchSize       = 100
	DBConnMaxLifetime = 1 * time.Hour
)
