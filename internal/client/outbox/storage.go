package outbox

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"github.com/tallyhq/tally/internal/db"
)

// storageKey is the single fixed key the whole outbox state lives under.
// The blob carries no schema version tag; restore validation is the only
// migration story, matching the original design.
const storageKey = "outbox.state"

// Storage is the durable home of the persisted outbox blob. Single writer:
// only the Store saves, and only after every mutation; Load happens once at
// startup restore.
type Storage interface {
	// Save writes the blob. Failures are tolerated by callers; durability is
	// best-effort.
	Save(data []byte) error
	// Load reads the blob. Returns (nil, nil) when nothing was ever saved.
	Load() ([]byte, error)
	// Wipe removes the blob entirely.
	Wipe() error
}

const storageSchema = `
CREATE TABLE IF NOT EXISTS outbox_state (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TEXT NOT NULL -- RFC3339
);
`

// SQLiteStorage persists the outbox blob in a local SQLite database.
type SQLiteStorage struct {
	db     *sqlx.DB
	dbPath string
}

// NewSQLiteStorage creates a storage handle. Call Open before use.
func NewSQLiteStorage(dbPath string) *SQLiteStorage {
	return &SQLiteStorage{dbPath: dbPath}
}

// Open opens or creates the underlying database.
func (s *SQLiteStorage) Open() error {
	if s.db != nil {
		return fmt.Errorf("outbox storage already open")
	}

	database, err := db.NewSqliteDb(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open outbox storage: %w", err)
	}

	if _, err := database.Exec(storageSchema); err != nil {
		database.Close()
		return fmt.Errorf("initialize outbox storage schema: %w", err)
	}

	s.db = database
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return fmt.Errorf("outbox storage not open")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close outbox storage: %w", err)
	}
	s.db = nil
	return nil
}

func (s *SQLiteStorage) Save(data []byte) error {
	if s.db == nil {
		return fmt.Errorf("outbox storage not open")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO outbox_state (key, value, updated_at) VALUES (?, ?, ?)`,
		storageKey, data, now,
	)
	if err != nil {
		return fmt.Errorf("save outbox state: %w", err)
	}

	slog.Debug("outbox state saved", "size", humanize.Bytes(uint64(len(data))))
	return nil
}

func (s *SQLiteStorage) Load() ([]byte, error) {
	if s.db == nil {
		return nil, fmt.Errorf("outbox storage not open")
	}

	var value []byte
	err := s.db.Get(&value, `SELECT value FROM outbox_state WHERE key = ?`, storageKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load outbox state: %w", err)
	}
	return value, nil
}

func (s *SQLiteStorage) Wipe() error {
	if s.db == nil {
		return fmt.Errorf("outbox storage not open")
	}

	if _, err := s.db.Exec(`DELETE FROM outbox_state WHERE key = ?`, storageKey); err != nil {
		return fmt.Errorf("wipe outbox state: %w", err)
	}
	return nil
}

// MemoryStorage is an in-memory Storage for tests and ephemeral agents.
type MemoryStorage struct {
	data []byte
	// FailSaves simulates quota/private-mode storage write failures.
	FailSaves bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Save(data []byte) error {
	if m.FailSaves {
		return fmt.Errorf("storage write rejected")
	}
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Load() ([]byte, error) {
	if m.data == nil {
		return nil, nil
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryStorage) Wipe() error {
	m.data = nil
	return nil
}
