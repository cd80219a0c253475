package client

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoSnapshot is returned by LoadSnapshot when nothing was saved yet.
var ErrNoSnapshot = errors.New("no snapshot saved")

// Store is the client's local sqlite store: the last engine snapshot, the
// synced settings and a small key/value table.
type Store struct {
	db  *sql.DB
	dir string
}

// OpenState opens or creates the client state database
func OpenState(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	state := &Store{db: db, dir: dir}
	if err := state.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return state, nil
}

// Close closes the state database
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the directory where state is stored
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- Single row: the last full snapshot.
CREATE TABLE IF NOT EXISTS Snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	gallery TEXT NOT NULL DEFAULT '',
	personal_ui TEXT NOT NULL DEFAULT '',
	synced_at INTEGER NOT NULL DEFAULT 0
);
`
	_, err := s.db.Exec(schema)
	return err
}

// GetConfig retrieves a configuration value
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)`, key, value)
	return err
}

// SaveSnapshot replaces the stored snapshot.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO Snapshot (id, data, saved_at) VALUES (1, ?, ?)`,
		string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot and when it was saved.
func (s *Store) LoadSnapshot() (Snapshot, time.Time, error) {
	var data string
	var savedAt int64
	err := s.db.QueryRow(`SELECT data, saved_at FROM Snapshot WHERE id = 1`).Scan(&data, &savedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, time.Time{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, time.Time{}, fmt.Errorf("stored snapshot is corrupt: %w", err)
	}
	return snap, time.UnixMilli(savedAt), nil
}

// SaveSettings stores the local copy of the synced settings.
func (s *Store) SaveSettings(gallery, personalUI []byte) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Settings (id, gallery, personal_ui, synced_at) VALUES (1, ?, ?, ?)
	`, string(gallery), string(personalUI), time.Now().UnixMilli())
	return err
}

// LoadSettings returns the local copy of the synced settings.
func (s *Store) LoadSettings() (gallery, personalUI []byte, err error) {
	var g, p string
	err = s.db.QueryRow(`SELECT gallery, personal_ui FROM Settings WHERE id = 1`).Scan(&g, &p)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if g != "" {
		gallery = []byte(g)
	}
	if p != "" {
		personalUI = []byte(p)
	}
	return gallery, personalUI, nil
}
