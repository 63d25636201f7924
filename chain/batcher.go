// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// UTXOLookup is the resolved answer for one registered outpoint.
type UTXOLookup struct {
	State UTXOState
	Err   error
}

// UTXOBatcher coalesces many outpoint lookups into one multiplexed network
// round trip. Callers register interest with Query, which never sends
// anything by itself; an explicit Flush issues a single combined query for
// everything registered since the previous flush and resolves all waiters.
// Verifying N pledges needs N lookups, but those lookups should share one
// round trip.
type UTXOBatcher struct {
	mtx     sync.Mutex
	pending map[wire.OutPoint][]chan UTXOLookup
	timeout time.Duration
}

// NewUTXOBatcher returns a batcher whose flushes bound each peer's answer by
// timeout. A zero timeout uses DefaultQueryTimeout.
func NewUTXOBatcher(timeout time.Duration) *UTXOBatcher {
	if timeout == 0 {
		timeout = DefaultQueryTimeout
	}

	return &UTXOBatcher{
		pending: make(map[wire.OutPoint][]chan UTXOLookup),
		timeout: timeout,
	}
}

// Query registers interest in op's UTXO status and returns a buffered
// channel that receives exactly one answer after the next Flush. Multiple
// registrations of the same outpoint share one slot in the combined query.
func (b *UTXOBatcher) Query(op wire.OutPoint) <-chan UTXOLookup {
	ch := make(chan UTXOLookup, 1)

	b.mtx.Lock()
	b.pending[op] = append(b.pending[op], ch)
	b.mtx.Unlock()

	return ch
}

// Pending returns the number of distinct outpoints awaiting the next flush.
func (b *UTXOBatcher) Pending() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return len(b.pending)
}

// Flush sends one combined query for every registered outpoint to the given
// peers and resolves all waiters. A consensus failure resolves every waiter
// with the error; the error is also returned so the caller can fail its
// whole verification run.
func (b *UTXOBatcher) Flush(ctx context.Context, peers []Peer) error {
	b.mtx.Lock()
	pending := b.pending
	b.pending = make(map[wire.OutPoint][]chan UTXOLookup)
	b.mtx.Unlock()

	if len(pending) == 0 {
		return nil
	}

	ops := make([]wire.OutPoint, 0, len(pending))
	for op := range pending {
		ops = append(ops, op)
	}

	log.Debugf("Flushing batched UTXO query for %d outpoints", len(ops))

	result, err := QueryUTXOs(ctx, peers, ops, b.timeout)
	if err != nil {
		for _, waiters := range pending {
			for _, ch := range waiters {
				ch <- UTXOLookup{State: UTXOUnknown, Err: err}
			}
		}

		return err
	}

	for op, waiters := range pending {
		lookup := UTXOLookup{State: result[op]}
		for _, ch := range waiters {
			ch <- lookup
		}
	}

	return nil
}
