package cache

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBCache is a Provider backed by a goleveldb database.
// Entries are stored gob-encoded under their cache key.
type LevelDBCache struct {
	db *leveldb.DB
}

type leveldbEntry struct {
	StoredAt int64
	Bytes    []byte
}

// NewLevelDBCache opens (or creates) a leveldb database at the given path.
// If the path is empty, an in-memory database is used.
func NewLevelDBCache(path string) (*LevelDBCache, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &LevelDBCache{db: db}, nil
}

func (l *LevelDBCache) Get(key string) (Entry, bool, error) {
	b, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent leveldbEntry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(ent.StoredAt, 0), Bytes: ent.Bytes}, true, nil
}

func (l *LevelDBCache) Put(e Entry) error {
	b, err := encodeGob(leveldbEntry{StoredAt: e.StoredAt.Unix(), Bytes: e.Bytes})
	if err != nil {
		return err
	}
	return l.db.Put([]byte(e.Key), b, nil)
}

func (l *LevelDBCache) Purge(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l *LevelDBCache) AllKeys(prefix string, cb func(string)) error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		cb(string(it.Key()))
	}
	return it.Error()
}

func (l *LevelDBCache) Count(prefix string) (int, error) {
	count := 0
	err := l.AllKeys(prefix, func(string) { count++ })
	return count, err
}

func (l *LevelDBCache) Oldest(prefix string) (string, time.Time, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var oldestKey string
	var oldestAt int64
	for it.Next() {
		var ent leveldbEntry
		if err := decodeGob(it.Value(), &ent); err != nil {
			continue
		}
		if oldestKey == "" || ent.StoredAt < oldestAt {
			oldestKey = string(it.Key())
			oldestAt = ent.StoredAt
		}
	}
	if err := it.Error(); err != nil {
		return "", time.Time{}, err
	}
	if oldestKey == "" {
		return "", time.Time{}, ErrNotFound
	}
	return oldestKey, time.Unix(oldestAt, 0), nil
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}

func encodeGob(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
