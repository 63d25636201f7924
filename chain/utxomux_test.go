// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// mockPeer answers UTXO queries from a fixed unspent map, optionally
// erroring or stalling instead.
type mockPeer struct {
	addr      string
	unspent   map[wire.OutPoint]bool
	err       error
	stall     bool
	unqual    bool
	queries   atomic.Int32
	queriedOp atomic.Int32
}

func (m *mockPeer) Addr() string {
	return m.addr
}

func (m *mockPeer) SupportsUTXOQueries() bool {
	return !m.unqual
}

func (m *mockPeer) UTXOs(ctx context.Context,
	ops []wire.OutPoint) ([]bool, error) {

	m.queries.Add(1)
	m.queriedOp.Add(int32(len(ops)))

	if m.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}

	answers := make([]bool, len(ops))
	for i, op := range ops {
		answers[i] = m.unspent[op]
	}

	return answers, nil
}

func mockOutPoint(b byte) wire.OutPoint {
	var h chainhash.Hash
	h[0] = b

	return wire.OutPoint{Hash: h, Index: 0}
}

// TestQueryUTXOsConsensus asserts agreeing peers produce a merged result and
// outpoints nobody answered come back unknown.
func TestQueryUTXOsConsensus(t *testing.T) {
	t.Parallel()

	op1, op2 := mockOutPoint(1), mockOutPoint(2)
	unspent := map[wire.OutPoint]bool{op1: true, op2: false}

	peers := []Peer{
		&mockPeer{addr: "a", unspent: unspent},
		&mockPeer{addr: "b", unspent: unspent},
		&mockPeer{addr: "c", unspent: unspent},
	}

	result, err := QueryUTXOs(
		context.Background(), peers,
		[]wire.OutPoint{op1, op2}, time.Second,
	)
	require.NoError(t, err)
	require.Equal(t, UTXOUnspent, result[op1])
	require.Equal(t, UTXOSpent, result[op2])
}

// TestQueryUTXOsDisagreement asserts a single dissenting peer fails the
// whole query with an InconsistentUTXOAnswersError. Majority voting is
// deliberately not done: a lying minority peer must be surfaced, not
// outvoted.
func TestQueryUTXOsDisagreement(t *testing.T) {
	t.Parallel()

	op := mockOutPoint(3)

	peers := []Peer{
		&mockPeer{addr: "a", unspent: map[wire.OutPoint]bool{op: true}},
		&mockPeer{addr: "b", unspent: map[wire.OutPoint]bool{op: true}},
		&mockPeer{addr: "c", unspent: map[wire.OutPoint]bool{op: false}},
	}

	_, err := QueryUTXOs(
		context.Background(), peers, []wire.OutPoint{op}, time.Second,
	)

	var inconsistent *InconsistentUTXOAnswersError
	require.ErrorAs(t, err, &inconsistent)
	require.Equal(t, op, inconsistent.OutPoint)
}

// TestQueryUTXOsPeerFailures asserts erroring and stalling peers are
// excluded silently while the remaining answers still count, and that a
// round with no answers at all resolves to unknown.
func TestQueryUTXOsPeerFailures(t *testing.T) {
	t.Parallel()

	op := mockOutPoint(4)

	good := &mockPeer{
		addr:    "good",
		unspent: map[wire.OutPoint]bool{op: true},
	}
	bad := &mockPeer{addr: "bad", err: errors.New("boom")}
	slow := &mockPeer{addr: "slow", stall: true}

	result, err := QueryUTXOs(
		context.Background(), []Peer{good, bad, slow},
		[]wire.OutPoint{op}, 50*time.Millisecond,
	)
	require.NoError(t, err)
	require.Equal(t, UTXOUnspent, result[op])

	// With only failing peers the answer is indeterminate, not an error.
	result, err = QueryUTXOs(
		context.Background(), []Peer{bad, slow},
		[]wire.OutPoint{op}, 50*time.Millisecond,
	)
	require.NoError(t, err)
	require.Equal(t, UTXOUnknown, result[op])
}

// TestQueryUTXOsNoQualifyingPeers asserts peers without UTXO query support
// are never asked.
func TestQueryUTXOsNoQualifyingPeers(t *testing.T) {
	t.Parallel()

	unqual := &mockPeer{addr: "old", unqual: true}

	_, err := QueryUTXOs(
		context.Background(), []Peer{unqual},
		[]wire.OutPoint{mockOutPoint(5)}, time.Second,
	)
	require.ErrorIs(t, err, ErrNoUTXOPeers)
	require.EqualValues(t, 0, unqual.queries.Load())
}
