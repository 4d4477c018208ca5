package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

// schemaVersion is the version scripts/initdb.sql produces.
const schemaVersion = 1

// bootstrapLockKey is the advisory lock id held while the schema is applied.
const bootstrapLockKey int64 = 0x646f63616e63 // "docanc"

// ErrSchemaTooNew is returned when the database was migrated by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// EnsureBootstrapped applies scripts/initdb.sql when the recorded schema
// version is behind. Instances starting together serialize on an advisory
// lock and re-read the version once they hold it.
func EnsureBootstrapped(ctx context.Context, db *sql.DB) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	current, err := recordedVersion(ctxBoot, db)
	if err != nil {
		return err
	}
	if need, err := bootstrapNeeded(current); err != nil || !need {
		return err
	}

	tx, err := db.BeginTx(ctxBoot, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctxBoot, `SELECT pg_advisory_xact_lock($1)`, bootstrapLockKey); err != nil {
		return fmt.Errorf("bootstrap lock: %w", err)
	}
	if current, err = recordedVersion(ctxBoot, tx); err != nil {
		return err
	}
	if need, err := bootstrapNeeded(current); err != nil || !need {
		return err
	}

	script, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}
	if _, err := tx.ExecContext(ctxBoot, string(script)); err != nil {
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if _, err := tx.ExecContext(ctxBoot,
		`INSERT INTO docanchor_meta (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
		schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// recordedVersion returns the highest applied schema version, 0 when the
// meta table does not exist yet.
func recordedVersion(ctx context.Context, q queryer) (int, error) {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT to_regclass('docanchor_meta') IS NOT NULL`).Scan(&exists); err != nil {
		return 0, fmt.Errorf("meta table check failed: %w", err)
	}
	if !exists {
		return 0, nil
	}
	var v int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM docanchor_meta`).Scan(&v); err != nil {
		return 0, fmt.Errorf("meta version check failed: %w", err)
	}
	return v, nil
}

func bootstrapNeeded(current int) (bool, error) {
	switch {
	case current > schemaVersion:
		return false, fmt.Errorf("%w: found %d, expected %d", ErrSchemaTooNew, current, schemaVersion)
	case current == schemaVersion:
		return false, nil
	default:
		return true, nil
	}
}
