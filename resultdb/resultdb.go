// Copyright (c) 2025 The nimvote developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package resultdb persists tally results in a bolt database so finished
// polls are not recounted on every start.
package resultdb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/nimvote/nimvote/address"
	"github.com/nimvote/nimvote/tally"
)

const (
	// DBName is the file name of the database inside its directory.
	DBName = "results.db"

	// DefaultTimeout is how long to wait for the database file lock.
	DefaultTimeout = 60 * time.Second

	dbType = "bdb"
)

var (
	// resultsBucket maps address || height to a JSON encoded result.
	resultsBucket = []byte("results")

	// ErrCorrupt is returned for entries that cannot be decoded.
	ErrCorrupt = errors.New("corrupt result entry")
)

// DB is a tally.ResultCache backed by walletdb.
type DB struct {
	db walletdb.DB
}

// Ensure DB implements the tally cache.
var _ tally.ResultCache = (*DB)(nil)

// Open opens the result database in dir, creating it when it does not exist
// yet.
func Open(dir string, timeout time.Duration) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, DBName)
	db, err := walletdb.Open(dbType, dbPath, true, timeout)
	if errors.Is(err, walletdb.ErrDbDoesNotExist) {
		log.Infof("Creating result database %s", dbPath)
		db, err = walletdb.Create(dbType, dbPath, true, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("open result database: %w", err)
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		if tx.ReadWriteBucket(resultsBucket) != nil {
			return nil
		}
		_, err := tx.CreateTopLevelBucket(resultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize result database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// keySize is the size of an encoded cache key.
const keySize = 36 + 4

func encodeKey(key tally.CacheKey) []byte {
	k := make([]byte, 0, keySize)
	k = append(k, key.Address.String()...)
	return binary.BigEndian.AppendUint32(k, key.Height)
}

func decodeKey(k []byte) (tally.CacheKey, error) {
	if len(k) < 4 {
		return tally.CacheKey{}, ErrCorrupt
	}

	split := len(k) - 4
	addr, err := address.Decode(string(k[:split]))
	if err != nil {
		return tally.CacheKey{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return tally.CacheKey{
		Address: addr,
		Height:  binary.BigEndian.Uint32(k[split:]),
	}, nil
}

// FetchResult returns the result stored under key, or nil if there is
// none.
func (d *DB) FetchResult(key tally.CacheKey) (*tally.Result, error) {
	var result *tally.Result
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		v := tx.ReadBucket(resultsBucket).Get(encodeKey(key))
		if v == nil {
			return nil
		}

		result = new(tally.Result)
		if err := json.Unmarshal(v, result); err != nil {
			return fmt.Errorf("%w %v: %v", ErrCorrupt, key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// PutResult stores result under key, replacing any previous result.
func (d *DB) PutResult(key tally.CacheKey, result *tally.Result) error {
	v, err := json.Marshal(result)
	if err != nil {
		return err
	}

	err = walletdb.Update(d.db, func(tx walletdb.ReadWriteTx) error {
		return tx.ReadWriteBucket(resultsBucket).Put(encodeKey(key), v)
	})
	if err != nil {
		return err
	}

	log.Debugf("Stored result %v (%d bytes)", key, len(v))
	return nil
}

// ForEachKey calls f with the key of every stored result in address and
// height order.
func (d *DB) ForEachKey(f func(key tally.CacheKey) error) error {
	return walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(resultsBucket).ForEach(func(k, _ []byte) error {
			key, err := decodeKey(k)
			if err != nil {
				return err
			}
			return f(key)
		})
	})
}

// Prune removes all results of addr except the one counted at the highest
// height.  It returns the number of removed results.
func (d *DB) Prune(addr address.Address) (int, error) {
	var stale [][]byte
	err := walletdb.Update(d.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(resultsBucket)
		prefix := addr.String()

		var latest []byte
		err := bucket.ForEach(func(k, _ []byte) error {
			if len(k) != keySize || string(k[:len(prefix)]) != prefix {
				return nil
			}
			if latest != nil {
				stale = append(stale, latest)
			}
			latest = append([]byte(nil), k...)
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(stale) > 0 {
		log.Debugf("Pruned %d results of %v", len(stale), addr)
	}
	return len(stale), nil
}
