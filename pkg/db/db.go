// Package db persists what the payment core wants to survive a restart: spent nullifiers,
// light client state and payment records. The destination chain stays the authority for
// spent nullifiers; the database only saves round trips.
package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("not found in store")

// Operation represents a database operation type
type Operation string

const (
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type DBError struct {
	Op  Operation
	Key []byte
	Err error
}

func (e *DBError) Unwrap() error {
	return e.Err
}

func (e *DBError) Error() string {
	return fmt.Sprintf("database: %s key: %s error: %v", e.Op, e.Key, e.Err)
}

type Database struct {
	db *badger.DB
}

func Open(path string) (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Database{db: db}, nil
}

// OpenInMemory returns a database that lives until Close. Used by tests and the devnet.
func OpenInMemory() (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Database{db: db}, nil
}

func OpenDb(logger *zap.Logger, dataDir string) (*Database, error) {
	dbPath := path.Join(dataDir, "db")
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database", zap.String("path", dbPath))
	return db, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Conn returns a pointer to the underlying database connection.
func (d *Database) Conn() *badger.DB {
	return d.db
}

func (d *Database) putJSON(key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b)
	}); err != nil {
		return &DBError{Op: OpUpdate, Key: key, Err: err}
	}
	return nil
}

func (d *Database) getJSON(key []byte, v any) error {
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return &DBError{Op: OpRead, Key: key, Err: err}
	}
	return nil
}

// updateJSON reads the value at key into v (leaving v untouched when absent), lets fn modify it
// and writes it back in the same transaction. fn returning false skips the write.
func (d *Database) updateJSON(key []byte, v any, fn func(found bool) (bool, error)) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		found := true
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			found = false
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, v) }); err != nil {
				return err
			}
		}
		write, err := fn(found)
		if err != nil || !write {
			return err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set(key, b)
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return &DBError{Op: OpUpdate, Key: key, Err: err}
	}
	return nil
}

func (d *Database) has(key []byte) (bool, error) {
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, &DBError{Op: OpRead, Key: key, Err: err}
}

// iterateJSON decodes every value under prefix into a fresh T.
func iterateJSON[T any](d *Database, prefix []byte) ([]*T, error) {
	out := []*T{}
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			err := item.Value(func(val []byte) error {
				v := new(T)
				if err := json.Unmarshal(val, v); err != nil {
					return fmt.Errorf("failed to unmarshal %s: %w", key, err)
				}
				out = append(out, v)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &DBError{Op: OpRead, Key: prefix, Err: err}
	}
	return out, nil
}
