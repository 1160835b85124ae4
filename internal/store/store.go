// Package store keeps a local SQLite snapshot of the hub's channel records.
// The hub owns the data; the snapshot lets the bridge start in degraded mode
// when the hub is unreachable instead of starting empty.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trungdn/zalobridge/internal/credential"
	"github.com/trungdn/zalobridge/internal/hub"
)

// Store persists channel snapshots in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps concurrent reads cheap while the fetch loop writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS channels (
			id                INTEGER PRIMARY KEY,
			name              TEXT NOT NULL,
			zalo_account_name TEXT NOT NULL DEFAULT '',
			imei              TEXT NOT NULL DEFAULT '',
			user_agent        TEXT NOT NULL DEFAULT '',
			proxy             TEXT NOT NULL DEFAULT '',
			account_id        INTEGER NOT NULL DEFAULT 0,
			cookie            TEXT NOT NULL DEFAULT '[]',
			is_connected      INTEGER NOT NULL DEFAULT 0,
			last_login_at     DATETIME,
			fetched_at        DATETIME NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the stored channel list with a fresh hub fetch.
func (s *Store) SaveSnapshot(channels []hub.Channel) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM channels`); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, ch := range channels {
		cookie, err := json.Marshal(ch.Cookie)
		if err != nil {
			return fmt.Errorf("encoding cookie for channel %d: %w", ch.ID, err)
		}
		var lastLogin any
		if ch.LastLoginAt != nil {
			lastLogin = ch.LastLoginAt.UTC()
		}
		_, err = tx.Exec(
			`INSERT INTO channels (id, name, zalo_account_name, imei, user_agent,
			                       proxy, account_id, cookie, is_connected, last_login_at, fetched_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.ID, ch.Name, ch.ZaloAccountName, ch.IMEI, ch.UserAgent,
			ch.Proxy, ch.AccountID, string(cookie), ch.IsConnected, lastLogin, now,
		)
		if err != nil {
			return fmt.Errorf("inserting channel %d: %w", ch.ID, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot returns the last saved channel list, newest snapshot first by
// channel id. An empty database yields an empty slice, not an error.
func (s *Store) LoadSnapshot() ([]hub.Channel, error) {
	rows, err := s.db.Query(
		`SELECT id, name, zalo_account_name, imei, user_agent, proxy,
		        account_id, cookie, is_connected, last_login_at
		 FROM channels ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []hub.Channel
	for rows.Next() {
		var (
			ch        hub.Channel
			cookie    string
			lastLogin sql.NullTime
		)
		err := rows.Scan(&ch.ID, &ch.Name, &ch.ZaloAccountName, &ch.IMEI,
			&ch.UserAgent, &ch.Proxy, &ch.AccountID, &cookie, &ch.IsConnected, &lastLogin)
		if err != nil {
			return nil, err
		}
		var set credential.Set
		if err := json.Unmarshal([]byte(cookie), &set); err != nil {
			return nil, fmt.Errorf("decoding cookie for channel %d: %w", ch.ID, err)
		}
		ch.Cookie = set
		if lastLogin.Valid {
			t := lastLogin.Time
			ch.LastLoginAt = &t
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}
