package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// database is the optional durability layer under a Store: a kv table
// mirroring memory and a single meta row carrying the version.
type database struct {
	db *sql.DB
}

func openDatabase(path string) (*database, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connecting: %w", err)
	}

	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &database{db: db}, nil
}

func (d *database) load() (map[string][]byte, uint64, error) {
	kv := map[string][]byte{}
	rows, err := d.db.Query(`SELECT key, value FROM kv`)
	if err != nil {
		return nil, 0, fmt.Errorf("store: loading values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, 0, fmt.Errorf("store: scanning row: %w", err)
		}
		kv[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: loading values: %w", err)
	}

	var version uint64
	err = d.db.QueryRow(`SELECT version FROM meta WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return kv, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: loading version: %w", err)
	}
	return kv, version, nil
}

// apply writes one commit atomically.
func (d *database) apply(puts map[string][]byte, dels map[string]struct{}, version uint64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range puts {
		if _, err := tx.Exec(
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		); err != nil {
			return fmt.Errorf("store: writing %q: %w", key, err)
		}
	}
	for key := range dels {
		if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("store: deleting %q: %w", key, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO meta (id, version) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version`,
		version,
	); err != nil {
		return fmt.Errorf("store: writing version: %w", err)
	}
	return tx.Commit()
}

func (d *database) Close() error {
	return d.db.Close()
}
