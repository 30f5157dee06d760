// Package export loads the cleaned player table into a SQLite database for
// downstream consumers that prefer SQL over CSV.
package export

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"chess-ledger/internal/clean"
	"chess-ledger/internal/config"
	"chess-ledger/internal/constants"
	"chess-ledger/internal/ledger"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

func OpenDB(cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	logger.Info().Str("path", cfg.DBPath).Msg("opening database")

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(constants.DBMaxOpenConns)
	db.SetConnMaxLifetime(constants.DBConnMaxLifetime)

	if err := optimizeSQLite(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("optimize SQLite: %w", err)
	}
	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB, logger zerolog.Logger) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run goose migrations: %w", err)
	}
	logger.Info().Msg("migrations completed successfully")
	return nil
}

func optimizeSQLite(db *sql.DB, logger zerolog.Logger) error {
	pragmas := []struct {
		name  string
		value string
	}{
		{"journal_mode", "WAL"},
		{"synchronous", "NORMAL"},
		{"busy_timeout", "5000"},
		{"temp_store", "MEMORY"},
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", pragma.name, pragma.value)); err != nil {
			logger.Warn().Err(err).Str("pragma", pragma.name).Msg("failed to set pragma")
			return fmt.Errorf("set PRAGMA %s: %w", pragma.name, err)
		}
	}
	return nil
}

type Exporter struct {
	db     *sql.DB
	store  *ledger.Store
	logger zerolog.Logger
}

func NewExporter(db *sql.DB, store *ledger.Store, logger zerolog.Logger) *Exporter {
	return &Exporter{db: db, store: store, logger: logger}
}

// Run rebuilds the players table from the master ledger's cleaned rows.
// The table is replaced wholesale each export, matching the CSV files'
// rewrite semantics.
func (e *Exporter) Run(ctx context.Context) error {
	records, err := e.store.LoadMaster()
	if err != nil {
		return err
	}
	rows := clean.Rows(records)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM players"); err != nil {
		return fmt.Errorf("truncate players: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL())
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < len(rows); i += constants.DBBatchSize {
		end := i + constants.DBBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		for _, row := range rows[i:end] {
			cells := clean.Encode(row)
			args := make([]any, len(cells))
			for j, cell := range cells {
				args[j] = cell
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert player %s: %w", row.Record.Username, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE export_meta SET exported_at = ?", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record export time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit export: %w", err)
	}
	e.logger.Info().Int("players", len(rows)).Msg("players exported to database")
	return nil
}

func insertSQL() string {
	cols := clean.Header()
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = fmt.Sprintf("%q", col)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO players (%s) VALUES (%s)",
		strings.Join(quoted, ", "), strings.Join(marks, ", "))
}
