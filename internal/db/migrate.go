package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migration is one embedded schema file, applied in name order.
type Migration struct {
	Name string
	SQL  string
}

func Migrations() ([]Migration, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Name: strings.TrimPrefix(name, "migrations/"), SQL: string(body)})
	}
	return out, nil
}

// Migrate applies every migration not yet recorded in schema_migrations and
// returns the names it applied.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	if _, err := pool.Exec(ctx, "create table if not exists schema_migrations (name text primary key, applied_at timestamptz not null)"); err != nil {
		return nil, fmt.Errorf("schema_migrations: %w", err)
	}
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, m := range all {
		done, err := apply(ctx, pool, m)
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if done {
			applied = append(applied, m.Name)
		}
	}
	return applied, nil
}

func apply(ctx context.Context, pool *pgxpool.Pool, m Migration) (bool, error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)
	// Serialises concurrent migrators.
	if _, err := tx.Exec(ctx, "lock table schema_migrations in exclusive mode"); err != nil {
		return false, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, "select exists(select 1 from schema_migrations where name = $1)", m.Name).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, "insert into schema_migrations (name, applied_at) values ($1, $2)", m.Name, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
