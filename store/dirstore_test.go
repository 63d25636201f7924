// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/pharosfund/pharos/project"
)

func testDirProject(t *testing.T, title string) *project.Project {
	t.Helper()

	serverURL, err := url.Parse("https://pharos.example.com/p")
	require.NoError(t, err)

	proj, err := project.NewProject(
		title, btcutil.SatoshiPerBitcoin, 10000,
		[]*wire.TxOut{wire.NewTxOut(
			btcutil.SatoshiPerBitcoin, codecScript,
		)},
		serverURL, time.Unix(1700000200, 0),
	)
	require.NoError(t, err)

	return proj
}

func testDirPledge(t *testing.T) *project.Pledge {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{0x01}, 0),
		[]byte{0x51}, nil,
	))
	tx.AddTxOut(wire.NewTxOut(btcutil.SatoshiPerBitcoin, codecScript))

	pledge, err := project.NewPledge(
		[]*wire.MsgTx{tx}, 25000, time.Unix(1700000300, 0),
		"alice@example.com", "good luck",
	)
	require.NoError(t, err)

	return pledge
}

// TestDirStoreRoundTrip saves a project and a pledge and reads them back via
// a directory scan, asserting the decoded entities carry the same identity
// hashes as the originals.
func TestDirStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	proj := testDirProject(t, "roundtrip")
	require.NoError(t, store.SaveProject(proj))

	pledge := testDirPledge(t)
	require.NoError(t, store.SavePledge(proj.ID(), pledge))

	projects := store.Projects()
	require.Len(t, projects, 1)
	if projects[0].ID() != proj.ID() {
		t.Fatalf("scanned project does not match saved project: %v %v",
			spew.Sdump(projects[0]), spew.Sdump(proj))
	}

	pledges := store.PledgesFor(proj.ID())
	require.Len(t, pledges, 1)
	require.Equal(t, pledge.Hash(), pledges[0].Hash())
	require.Equal(t, pledge.TotalInput(), pledges[0].TotalInput())

	// Pledges are keyed by project, so scanning under a different
	// project hash finds nothing.
	require.Empty(t, store.PledgesFor(chainhash.Hash{0xff}))
}

// TestDirStoreSkipsBrokenFiles asserts a corrupt project file does not hide
// the readable ones from a scan.
func TestDirStoreSkipsBrokenFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewDirStore(dir)
	require.NoError(t, err)

	proj := testDirProject(t, "survivor")
	require.NoError(t, store.SaveProject(proj))

	broken := filepath.Join(dir, "broken"+ProjectFileExt)
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0600))

	projects := store.Projects()
	require.Len(t, projects, 1)
	require.Equal(t, proj.ID(), projects[0].ID())
}
