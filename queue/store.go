package queue

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Status is the replay state of a queued action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Action is a mutating request captured while offline.
type Action struct {
	ID         string
	Method     string
	URL        string
	Headers    http.Header
	Body       []byte
	CreatedAt  time.Time
	RetryCount int
	Status     Status
}

// Store persists queued actions in sqlite so they survive reloads, and
// hosts the named cooperative lock used for cross-tab single-flight.
type Store struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewStore opens (or creates) the durable action store.
// If the file name is empty, a new in-memory db is opened.
func NewStore(filename string) (*Store, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		method TEXT,
		url TEXT,
		headers BLOB,
		body BLOB,
		created_at INTEGER,
		retry_count INTEGER,
		status TEXT
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS created_at_idx ON actions (created_at)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		owner TEXT,
		expires_at INTEGER
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &Store{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Add persists a new action. Adding an id that already exists is a
// no-op, which makes enqueue idempotent per action id.
func (s *Store) Add(a Action) error {
	headers, err := json.Marshal(a.Headers)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(`INSERT OR IGNORE INTO actions
		(id, method, url, headers, body, created_at, retry_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Method, a.URL, headers, a.Body, a.CreatedAt.UnixNano(), a.RetryCount, string(a.Status))
	return err
}

// Pending returns all not-yet-resolved actions in creation order.
// Actions stuck in syncing (a replay pass died mid-flight) are included:
// at-least-once delivery is the contract, idempotency keys in the action
// body make it safe at the business layer.
func (s *Store) Pending() ([]Action, error) {
	rows, err := s.db.Query(`SELECT id, method, url, headers, body, created_at, retry_count, status
		FROM actions WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(StatusPending), string(StatusSyncing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var headers []byte
		var createdAt int64
		var status string
		if err := rows.Scan(&a.ID, &a.Method, &a.URL, &headers, &a.Body, &createdAt, &a.RetryCount, &status); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(headers, &a.Headers); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(0, createdAt)
		a.Status = Status(status)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Failed returns dead-lettered actions awaiting manual resolution.
func (s *Store) Failed() ([]Action, error) {
	rows, err := s.db.Query(`SELECT id, method, url, created_at, retry_count
		FROM actions WHERE status = ? ORDER BY created_at ASC`, string(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Method, &a.URL, &createdAt, &a.RetryCount); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(0, createdAt)
		a.Status = StatusFailed
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// SetStatus updates an action's replay state and retry count.
func (s *Store) SetStatus(id string, status Status, retryCount int) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("UPDATE actions SET status = ?, retry_count = ? WHERE id = ?",
		string(status), retryCount, id)
	return err
}

// Complete marks an action delivered and removes it from the store in
// one atomic statement. A completed id can therefore never be replayed.
func (s *Store) Complete(id string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM actions WHERE id = ?", id)
	return err
}

// Clear drops every queued action. Used on logout.
func (s *Store) Clear() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM actions")
	return err
}

// TryLock attempts to acquire the named cooperative lock for owner.
// Stale locks past their ttl are broken. Re-acquiring a lock already
// held by the same owner extends it.
func (s *Store) TryLock(name, owner string, ttl time.Duration) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	now := time.Now()
	if _, err := s.db.Exec("DELETE FROM locks WHERE name = ? AND expires_at < ?", name, now.UnixNano()); err != nil {
		return false, err
	}
	result, err := s.db.Exec("INSERT OR IGNORE INTO locks (name, owner, expires_at) VALUES (?, ?, ?)",
		name, owner, now.Add(ttl).UnixNano())
	if err != nil {
		return false, err
	}
	if inserted, err := result.RowsAffected(); err != nil {
		return false, err
	} else if inserted > 0 {
		return true, nil
	}
	// extend if we already hold it
	result, err = s.db.Exec("UPDATE locks SET expires_at = ? WHERE name = ? AND owner = ?",
		now.Add(ttl).UnixNano(), name, owner)
	if err != nil {
		return false, err
	}
	updated, err := result.RowsAffected()
	return updated > 0, err
}

// Unlock releases the named lock if owner holds it.
func (s *Store) Unlock(name, owner string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM locks WHERE name = ? AND owner = ?", name, owner)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
