// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // bbolt driver

	"github.com/pharosfund/pharos/project"
)

var (
	// stateBucket holds one record per project hash: a one byte state
	// followed by the 32 byte claiming tx hash when claimed.
	stateBucket = []byte("projectstate")

	// errNoBucket is returned when the database was created without the
	// expected bucket, which indicates a foreign or corrupt file.
	errNoBucket = errors.New("project state bucket missing")
)

// dbTimeout bounds how long opening the underlying bbolt file may block on
// a flock held by another process.
const dbTimeout = 10 * time.Second

// ProjectState is the persisted lifecycle record of one project. It is kept
// keyed by project hash so history survives restarts and a project file
// temporarily disappearing from disk.
type ProjectState struct {
	State project.State

	// ClaimedBy is the hash of the claiming transaction, set only when
	// State is StateClaimed.
	ClaimedBy *chainhash.Hash
}

// StateDB persists per-project state in a walletdb (bbolt) file.
type StateDB struct {
	db walletdb.DB
}

// OpenStateDB opens, or creates, the state database at the given path.
func OpenStateDB(dbPath string) (*StateDB, error) {
	db, err := walletdb.Open("bdb", dbPath, true, dbTimeout, false)
	if errors.Is(err, walletdb.ErrDbDoesNotExist) {
		db, err = walletdb.Create("bdb", dbPath, true, dbTimeout, false)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open state db: %w", err)
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &StateDB{db: db}, nil
}

// Close releases the database file.
func (s *StateDB) Close() error {
	return s.db.Close()
}

// PutState records the state of a project, replacing any previous record.
func (s *StateDB) PutState(id chainhash.Hash, state ProjectState) error {
	record := make([]byte, 1, 1+chainhash.HashSize)
	record[0] = byte(state.State)
	if state.ClaimedBy != nil {
		record = append(record, state.ClaimedBy[:]...)
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(stateBucket)
		if bucket == nil {
			return errNoBucket
		}

		return bucket.Put(id[:], record)
	})
}

// State returns the persisted state of a project. Projects never recorded
// default to open.
func (s *StateDB) State(id chainhash.Hash) (ProjectState, error) {
	state := ProjectState{State: project.StateOpen}

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(stateBucket)
		if bucket == nil {
			return errNoBucket
		}

		record := bucket.Get(id[:])
		if record == nil {
			return nil
		}
		if len(record) < 1 {
			return errors.New("short project state record")
		}

		state.State = project.State(record[0])
		if len(record) == 1+chainhash.HashSize {
			var h chainhash.Hash
			copy(h[:], record[1:])
			state.ClaimedBy = &h
		}

		return nil
	})

	return state, err
}

// ForEach calls fn for every persisted project state.
func (s *StateDB) ForEach(fn func(chainhash.Hash, ProjectState) error) error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(stateBucket)
		if bucket == nil {
			return errNoBucket
		}

		return bucket.ForEach(func(k, v []byte) error {
			if len(k) != chainhash.HashSize || len(v) < 1 {
				return errors.New("corrupt state record")
			}

			var id chainhash.Hash
			copy(id[:], k)

			state := ProjectState{State: project.State(v[0])}
			if len(v) == 1+chainhash.HashSize {
				var h chainhash.Hash
				copy(h[:], v[1:])
				state.ClaimedBy = &h
			}

			return fn(id, state)
		})
	})
}
