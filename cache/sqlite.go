package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache is a Provider backed by a single sqlite table.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (*SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		stored_at INTEGER,
		bytes BLOB
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS stored_at_idx ON entries (stored_at)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteCache) Get(key string) (Entry, bool, error) {
	var storedAt int64
	var bytes []byte
	err := s.db.QueryRow("SELECT stored_at, bytes FROM entries WHERE key = ?", key).
		Scan(&storedAt, &bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(storedAt, 0), Bytes: bytes}, true, nil
}

func (s *SQLiteCache) Put(e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO entries (key, stored_at, bytes) VALUES (?, ?, ?)",
		e.Key, e.StoredAt.Unix(), e.Bytes)
	return err
}

func (s *SQLiteCache) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key)
	return err
}

func (s *SQLiteCache) AllKeys(prefix string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE key LIKE ? ORDER BY key", likePattern(prefix))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s *SQLiteCache) Count(prefix string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE key LIKE ?", likePattern(prefix)).
		Scan(&count)
	return count, err
}

func (s *SQLiteCache) Oldest(prefix string) (string, time.Time, error) {
	var key string
	var storedAt int64
	err := s.db.QueryRow(
		"SELECT key, stored_at FROM entries WHERE key LIKE ? ORDER BY stored_at ASC LIMIT 1",
		likePattern(prefix),
	).Scan(&key, &storedAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return key, time.Unix(storedAt, 0), nil
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

func likePattern(prefix string) string {
	return prefix + "%"
}
