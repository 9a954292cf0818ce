package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"connbridge/internal/platform/config"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB is a *sql.DB that knows which placeholder style its driver expects.
// Queries are written with ? and passed through Rebind.
type DB struct {
	*sql.DB
	Driver string
}

func New(db *sql.DB, driver string) *DB {
	return &DB{DB: db, Driver: driver}
}

// Open picks the driver from the URL scheme: postgres:// and postgresql://
// use lib/pq, anything else is a sqlite path with an optional file: prefix.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	driver, dsn := parseURL(cfg.URL)

	if driver == DriverSQLite && !isMemoryDSN(dsn) {
		path, _, _ := strings.Cut(dsn, "?")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	if driver == DriverSQLite && isMemoryDSN(dsn) {
		// every new connection to :memory: is a fresh empty database
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(5, maxConns))
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, err
		}
	}

	return New(db, driver), nil
}

func parseURL(url string) (driver, dsn string) {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DriverPostgres, url
	}
	return DriverSQLite, strings.TrimPrefix(url, "file:")
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// Rebind converts ? placeholders to $1, $2, ... for Postgres.
func (db *DB) Rebind(query string) string {
	if db.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&b, "$%d", idx)
			idx++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
