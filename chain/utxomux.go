// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// DefaultQueryTimeout bounds how long a single peer may take to answer a
// UTXO query before its answer is excluded from the round.
const DefaultQueryTimeout = 10 * time.Second

// ErrNoUTXOPeers is returned when no connected peer advertises UTXO query
// support.
var ErrNoUTXOPeers = errors.New("no peers support UTXO queries")

// InconsistentUTXOAnswersError is returned when queried peers disagree about
// an outpoint's existence. Disagreement means at least one peer is lying or
// badly out of sync; for an operation that moves real money the whole check
// fails rather than taking a majority vote.
type InconsistentUTXOAnswersError struct {
	OutPoint wire.OutPoint
}

// Error implements the error interface.
func (e *InconsistentUTXOAnswersError) Error() string {
	return fmt.Sprintf("peers returned inconsistent answers for "+
		"outpoint %v", e.OutPoint)
}

// QueryUTXOs sends the same UTXO existence query to every given peer and
// requires the answers to agree. Peers that error or exceed timeout are
// excluded silently; outpoints no peer answered come back as UTXOUnknown.
// Any disagreement between answering peers fails the whole query with an
// InconsistentUTXOAnswersError.
func QueryUTXOs(ctx context.Context, peers []Peer, ops []wire.OutPoint,
	timeout time.Duration) (UTXOResult, error) {

	qualified := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.SupportsUTXOQueries() {
			qualified = append(qualified, p)
		}
	}
	if len(qualified) == 0 {
		return nil, ErrNoUTXOPeers
	}

	log.Debugf("Querying %d peers for %d outpoints", len(qualified),
		len(ops))

	// Ask every peer concurrently. Each answer slot stays nil when the
	// peer errored or timed out.
	answers := make([][]bool, len(qualified))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range qualified {
		i, p := i, p
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			answer, err := p.UTXOs(qctx, ops)
			if err != nil {
				log.Debugf("Peer %s failed UTXO query: %v",
					p.Addr(), err)
				return nil
			}
			if len(answer) != len(ops) {
				log.Warnf("Peer %s returned %d answers for "+
					"%d outpoints, ignoring", p.Addr(),
					len(answer), len(ops))
				return nil
			}
			answers[i] = answer

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge the per-peer answers, insisting that every peer which
	// answered agrees on every outpoint.
	result := make(UTXOResult, len(ops))
	for opIdx, op := range ops {
		state := UTXOUnknown
		for peerIdx := range qualified {
			answer := answers[peerIdx]
			if answer == nil {
				continue
			}

			peerState := UTXOSpent
			if answer[opIdx] {
				peerState = UTXOUnspent
			}

			if state == UTXOUnknown {
				state = peerState
				continue
			}
			if state != peerState {
				return nil, &InconsistentUTXOAnswersError{
					OutPoint: op,
				}
			}
		}
		result[op] = state
	}

	return result, nil
}
