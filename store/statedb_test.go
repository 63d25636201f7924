// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/pharosfund/pharos/project"
)

// TestStateDBRoundTrip asserts a claimed state with its claiming hash
// survives closing and reopening the database.
func TestStateDBRoundTrip(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")

	db, err := OpenStateDB(dbPath)
	require.NoError(t, err)

	var id, claim chainhash.Hash
	id[0], claim[0] = 1, 2

	// Unrecorded projects default to open.
	state, err := db.State(id)
	require.NoError(t, err)
	require.Equal(t, project.StateOpen, state.State)
	require.Nil(t, state.ClaimedBy)

	err = db.PutState(id, ProjectState{
		State:     project.StateClaimed,
		ClaimedBy: &claim,
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenStateDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	state, err = db.State(id)
	require.NoError(t, err)
	require.Equal(t, project.StateClaimed, state.State)
	require.Equal(t, claim, *state.ClaimedBy)

	// ForEach visits the single record.
	var visited int
	err = db.ForEach(func(gotID chainhash.Hash, got ProjectState) error {
		visited++
		require.Equal(t, id, gotID)
		require.Equal(t, project.StateClaimed, got.State)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, visited)
}
