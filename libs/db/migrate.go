package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrations describes an embedded goose migration directory.
type Migrations struct {
	FS  fs.FS
	Dir string
}

// Migrate applies pending migrations. goose needs database/sql, so a
// short-lived connection is opened through the pgx stdlib driver.
func Migrate(ctx context.Context, databaseURL string, m Migrations) error {
	return withGoose(ctx, databaseURL, m, func(db *sql.DB) error {
		return goose.UpContext(ctx, db, m.Dir)
	})
}

// MigrationStatus logs the applied/pending state of every migration.
func MigrationStatus(ctx context.Context, databaseURL string, m Migrations) error {
	return withGoose(ctx, databaseURL, m, func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, m.Dir)
	})
}

func withGoose(ctx context.Context, databaseURL string, m Migrations, fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migration connection: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(m.FS)
	defer goose.SetBaseFS(nil)

	if err := fn(db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}
