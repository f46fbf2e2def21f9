package database

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects with the given driver ("postgres" or "sqlite3") and pings the server.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	if driver == "sqlite3" {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

// Migrate applies the embedded schema for the connection's driver.
// Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	b, err := migrationsFS.ReadFile("migrations/" + db.DriverName() + ".sql")
	if err != nil {
		return fmt.Errorf("no migrations for driver %s: %w", db.DriverName(), err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
