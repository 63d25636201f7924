// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"math/rand"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// filterChanged pokes the network layer to re-pull the watch list. The
// refresh calls back into WatchedOutPoints which runs on the actor, so the
// poke itself must leave the actor goroutine first.
func (b *Backend) filterChanged() {
	b.assertOnActor()

	if b.cfg.Filter == nil {
		return
	}

	go b.cfg.Filter.RefreshFilter()
}

// WatchedOutPoints returns a snapshot of every outpoint backing an open
// pledge plus the inputs of pending claims still being watched for
// confidence. It implements chain.FilterProvider.
func (b *Backend) WatchedOutPoints() []wire.OutPoint {
	var ops []wire.OutPoint
	_ = b.runOnActor(func() {
		ops = make([]wire.OutPoint, 0, len(b.openOutpoints))
		for op := range b.openOutpoints {
			ops = append(ops, op)
		}
		for _, cw := range b.claims {
			if cw.detached {
				continue
			}
			for op := range cw.spends {
				ops = append(ops, op)
			}
		}
	})

	return ops
}

// WatchedScripts returns the target output scripts of every registered
// project, so claim transactions are matched by the network filter even
// before any of their inputs are known.
func (b *Backend) WatchedScripts() [][]byte {
	var scripts [][]byte
	_ = b.runOnActor(func() {
		for _, p := range b.projects {
			scripts = append(scripts, p.OutputScripts()...)
		}
	})

	return scripts
}

// WatchedClaimTxs returns the hashes of the claim transactions still being
// watched for confidence, so the network layer can poll their confirmation
// state after every attached block. Detached claims are final and no longer
// reported.
func (b *Backend) WatchedClaimTxs() []chainhash.Hash {
	var hashes []chainhash.Hash
	_ = b.runOnActor(func() {
		for hash, cw := range b.claims {
			if cw.detached {
				continue
			}
			hashes = append(hashes, hash)
		}
	})

	return hashes
}

// BloomFilter builds a BIP 37 bloom filter over the current watch list with
// the given false positive rate, for callers that speak the P2P filterload
// protocol instead of the RPC filter.
func (b *Backend) BloomFilter(fpRate float64) *wire.MsgFilterLoad {
	ops := b.WatchedOutPoints()
	scripts := b.WatchedScripts()

	n := uint32(len(ops) + len(scripts))
	if n == 0 {
		n = 1
	}

	f := bloom.NewFilter(n, rand.Uint32(), fpRate,
		wire.BloomUpdateNone)
	for i := range ops {
		f.AddOutPoint(&ops[i])
	}
	for _, script := range scripts {
		f.Add(script)
	}

	return f.MsgFilterLoad()
}
