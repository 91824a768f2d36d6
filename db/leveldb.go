package db

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key is absent
var ErrNotFound = leveldb.ErrNotFound

var syncWrite = &opt.WriteOptions{Sync: true}

// LevelDB wraps the actual LevelDB connection
type LevelDB struct {
	conn *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB instance at the given path
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db}, nil
}

// NewMemLevelDB opens a LevelDB instance backed by memory, used in tests
func NewMemLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db}, nil
}

// Close safely closes the LevelDB connection
func (l *LevelDB) Close() error {
	return l.conn.Close()
}

// Put inserts or updates a key-value pair
func (l *LevelDB) Put(key, value []byte) error {
	return l.conn.Put(key, value, nil)
}

// PutSync is Put followed by an fsync of the journal
func (l *LevelDB) PutSync(key, value []byte) error {
	return l.conn.Put(key, value, syncWrite)
}

// Get retrieves the value for a given key
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	return l.conn.Get(key, nil)
}

// Write applies a batch atomically and syncs it
func (l *LevelDB) Write(batch *leveldb.Batch) error {
	return l.conn.Write(batch, syncWrite)
}

// NewPrefixIterator loops over keys starting with prefix
func (l *LevelDB) NewPrefixIterator(prefix []byte) iterator.Iterator {
	return l.conn.NewIterator(util.BytesPrefix(prefix), nil)
}

// NewRangeIterator loops over keys in [start, limit)
func (l *LevelDB) NewRangeIterator(start, limit []byte) iterator.Iterator {
	return l.conn.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
}

// IsNotFound reports whether err is a missing-key error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
