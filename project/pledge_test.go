// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package project

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testScript is a stand-in output script. The engine never executes scripts,
// so any non-empty bytes will do.
var testScript = []byte{0x76, 0xa9, 0x14, 0x01, 0x02, 0x03, 0x88, 0xac}

// newTestProject returns a serverless project with a 1 BTC goal paying a
// single target output.
func newTestProject(t *testing.T) *Project {
	t.Helper()

	proj, err := NewProject(
		"test project", btcutil.SatoshiPerBitcoin, 0,
		[]*wire.TxOut{wire.NewTxOut(
			btcutil.SatoshiPerBitcoin, testScript,
		)},
		nil, time.Unix(1700000000, 0),
	)
	require.NoError(t, err)

	return proj
}

// newTestPledge returns a signed single-tx pledge spending the given
// outpoints and paying the project's target output.
func newTestPledge(t *testing.T, proj *Project, value btcutil.Amount,
	ops ...wire.OutPoint) *Pledge {

	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, op := range ops {
		op := op
		in := wire.NewTxIn(&op, nil, nil)
		in.SignatureScript = []byte{0x51}
		tx.AddTxIn(in)
	}
	for _, out := range proj.Outputs() {
		tx.AddTxOut(out)
	}

	pledge, err := NewPledge(
		[]*wire.MsgTx{tx}, value, time.Unix(1700000100, 0), "", "",
	)
	require.NoError(t, err)

	return pledge
}

func testOutPoint(b byte, index uint32) wire.OutPoint {
	var h chainhash.Hash
	h[0] = b

	return wire.OutPoint{Hash: h, Index: index}
}

// TestPledgeSanityCheck exercises the structural checks a pledge must pass
// before any network verification happens.
func TestPledgeSanityCheck(t *testing.T) {
	t.Parallel()

	proj := newTestProject(t)

	tests := []struct {
		name    string
		mutate  func(p *Pledge)
		wantErr error
	}{
		{
			name:   "valid pledge",
			mutate: func(p *Pledge) {},
		},
		{
			name: "unsigned input",
			mutate: func(p *Pledge) {
				p.PledgeTx().TxIn[0].SignatureScript = nil
			},
			wantErr: ErrUnsignedInput,
		},
		{
			name: "no inputs",
			mutate: func(p *Pledge) {
				p.PledgeTx().TxIn = nil
			},
			wantErr: ErrNoInputs,
		},
		{
			name: "missing project output",
			mutate: func(p *Pledge) {
				p.PledgeTx().TxOut = nil
			},
			wantErr: ErrOutputMismatch,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pledge := newTestPledge(
				t, proj, btcutil.SatoshiPerBitcoin,
				testOutPoint(1, 0),
			)
			tc.mutate(pledge)

			err := pledge.SanityCheck(proj)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

// TestPledgeSanityCheckDuplicateInput asserts two inputs of one pledge
// spending the same outpoint are rejected as a duplicated outpoint.
func TestPledgeSanityCheckDuplicateInput(t *testing.T) {
	t.Parallel()

	proj := newTestProject(t)
	op := testOutPoint(7, 1)
	pledge := newTestPledge(t, proj, btcutil.SatoshiPerBitcoin, op, op)

	err := pledge.SanityCheck(proj)

	var dupErr *DuplicatedOutPointError
	require.ErrorAs(t, err, &dupErr)
	require.Equal(t, op, dupErr.OutPoint)
}

// TestScrubbedPledgeIdentity asserts a scrubbed pledge hashes to the same
// identity as the full pledge it stands in for, so the two collapse to one
// set entry.
func TestScrubbedPledgeIdentity(t *testing.T) {
	t.Parallel()

	proj := newTestProject(t)
	full := newTestPledge(
		t, proj, btcutil.SatoshiPerBitcoin, testOutPoint(2, 0),
	)

	scrubbed := NewScrubbedPledge(
		full.Hash(), full.TotalInput(), full.Timestamp(), "",
	)

	require.True(t, scrubbed.IsScrubbed())
	require.False(t, full.IsScrubbed())
	require.Equal(t, full.Hash(), scrubbed.Hash())

	// Scrubbed pledges carry no outpoints and cannot be P2P checked.
	require.Nil(t, scrubbed.OutPoints())
	_, err := scrubbed.PrimaryOutPoint()
	require.ErrorIs(t, err, ErrScrubbedPledge)
}

// TestNewPledgeLimits asserts construction bounds.
func TestNewPledgeLimits(t *testing.T) {
	t.Parallel()

	txs := make([]*wire.MsgTx, MaxDependencies+2)
	for i := range txs {
		txs[i] = wire.NewMsgTx(wire.TxVersion)
	}

	_, err := NewPledge(txs, 1000, time.Now(), "", "")
	require.ErrorIs(t, err, ErrTooManyDependencies)

	_, err = NewPledge(nil, 1000, time.Now(), "", "")
	require.Error(t, err)
}

// TestProjectIdentity asserts the identity hash changes with the creation
// metadata, so an edited project replaces rather than aliases the old one.
func TestProjectIdentity(t *testing.T) {
	t.Parallel()

	outputs := []*wire.TxOut{
		wire.NewTxOut(btcutil.SatoshiPerBitcoin, testScript),
	}

	a, err := NewProject(
		"a", btcutil.SatoshiPerBitcoin, 0, outputs, nil,
		time.Unix(1700000000, 0),
	)
	require.NoError(t, err)

	b, err := NewProject(
		"a", btcutil.SatoshiPerBitcoin, 0, outputs, nil,
		time.Unix(1700000001, 0),
	)
	require.NoError(t, err)

	c, err := NewProject(
		"a", btcutil.SatoshiPerBitcoin, 0, outputs, nil,
		time.Unix(1700000000, 0),
	)
	require.NoError(t, err)

	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, a.ID(), c.ID())
}
