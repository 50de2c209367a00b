package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	Name    string
	Content string
	Hash    string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		h := sha256.Sum256(b)
		out = append(out, migration{Name: e.Name(), Content: string(b), Hash: hex.EncodeToString(h[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func EnsureMigrationsTable(ctx context.Context, d *DB) error {
	_, err := d.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  name text PRIMARY KEY,
  sha256 text NOT NULL,
  applied_at timestamptz NOT NULL DEFAULT now()
);
`)
	return err
}

// ApplyMigrations runs every embedded migration not yet recorded, each in its
// own transaction, and returns the names it applied. A recorded migration whose
// content changed is an error.
func ApplyMigrations(ctx context.Context, d *DB) ([]string, error) {
	if err := EnsureMigrationsTable(ctx, d); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	migs, err := loadMigrations()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migs {
		var existingHash string
		err := d.Pool.QueryRow(ctx, `SELECT sha256 FROM schema_migrations WHERE name=$1`, m.Name).Scan(&existingHash)
		switch {
		case err == nil:
			if existingHash != m.Hash {
				return applied, fmt.Errorf("migration %s hash mismatch (db=%s fs=%s)", m.Name, existingHash, m.Hash)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("lookup %s: %w", m.Name, err)
		}

		tx, err := d.Pool.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin tx: %w", err)
		}
		if _, err := tx.Exec(ctx, m.Content); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(name, sha256) VALUES ($1,$2)`, m.Name, m.Hash); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("record %s: %w", m.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}
