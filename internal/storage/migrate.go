package storage

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationTable = "quoted_migrations"

func migrationSource() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{FileSystem: migrationsFS, Root: "migrations"}
}

// Migrate applies (up) or rolls back (down, at most max steps) the embedded
// schema migrations. It returns the number of migrations executed.
func Migrate(ctx context.Context, pool *pgxpool.Pool, up bool, max int) (int, error) {
	if pool == nil {
		return 0, ErrNotConfigured
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	ms := migrate.MigrationSet{TableName: migrationTable}
	dir := migrate.Up
	if !up {
		dir = migrate.Down
	}
	n, err := ms.ExecMaxContext(ctx, db, "postgres", migrationSource(), dir, max)
	if err != nil {
		return n, fmt.Errorf("apply migrations: %w", err)
	}
	return n, nil
}
