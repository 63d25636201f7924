// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain abstracts the Bitcoin network collaborators the pledge
// engine needs: peers answering UTXO existence queries, a transaction
// broadcaster, and a stream of block/transaction notifications. The package
// also houses the multiplexed, batched UTXO verification protocol built on
// top of those primitives.
package chain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// UTXOState is the network's answer about one outpoint.
type UTXOState uint8

const (
	// UTXOUnspent means the outpoint is present in the UTXO set.
	UTXOUnspent UTXOState = iota

	// UTXOSpent means the outpoint is absent, i.e. it was spent or never
	// existed.
	UTXOSpent

	// UTXOUnknown means no peer answered within the query timeout. The
	// outpoint's status is indeterminate for this round.
	UTXOUnknown
)

// String returns a human readable state name.
func (s UTXOState) String() string {
	switch s {
	case UTXOUnspent:
		return "unspent"
	case UTXOSpent:
		return "spent"
	case UTXOUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// UTXOResult maps each queried outpoint to the network's consensus answer.
type UTXOResult map[wire.OutPoint]UTXOState

// Peer is a connected node that can be asked about the UTXO set. The wire
// format of the query is the underlying network layer's contract; this
// package only consumes the answer.
type Peer interface {
	// Addr returns the peer's network address for logging.
	Addr() string

	// SupportsUTXOQueries reports whether the peer advertises the UTXO
	// query capability. Peers that don't are never queried.
	SupportsUTXOQueries() bool

	// UTXOs returns, for each requested outpoint, whether it is present
	// in the peer's view of the UTXO set. The returned slice matches the
	// request by index.
	UTXOs(ctx context.Context, ops []wire.OutPoint) ([]bool, error)
}

// PeerSource provides the set of currently connected peers.
type PeerSource interface {
	// UTXOPeers returns the connected peers advertising UTXO query
	// support.
	UTXOPeers() []Peer

	// WaitForUTXOPeers blocks until at least min qualifying peers are
	// connected or the context is done.
	WaitForUTXOPeers(ctx context.Context, min int) ([]Peer, error)
}

// Broadcaster publishes transactions to the network. Broadcast returns once
// the transaction has propagated to the connected peers, bounded by the
// caller's context.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// FilterProvider is implemented by the pledge engine: it owns the set of
// outpoints whose spends matter for revocation and claim detection. The
// network layer pulls the watch list whenever it (re)registers its
// transaction filter.
type FilterProvider interface {
	// WatchedOutPoints returns a snapshot of the outpoints currently
	// spent by open pledges.
	WatchedOutPoints() []wire.OutPoint
}

// FilterRefresher is implemented by the network layer. The engine pokes it
// after every change to the watched outpoint set so only relevant
// transactions keep flowing in.
type FilterRefresher interface {
	RefreshFilter()
}

// Notification types. These are processed from reading a notification
// channel rather than handled directly in transport callbacks, which allows
// blocking calls from the consumer side.
type (
	// PeerConnected is sent when a new qualifying peer connection is
	// established.
	PeerConnected struct {
		Addr string
	}

	// BlockConnected is sent for every newly attached block.
	BlockConnected struct {
		Hash   chainhash.Hash
		Height int32
		Time   time.Time
	}

	// RelevantTx is sent for every observed transaction matching the
	// registered filter, whether from the mempool or a confirmed block.
	RelevantTx struct {
		Tx *wire.MsgTx

		// Mined is true when the transaction was seen in a block
		// rather than announced by peers.
		Mined bool
	}

	// TxConfidence reports a change in how settled a watched transaction
	// is: how many peers have announced it, its confirmation depth, and
	// whether it has been double spent or reorganized away.
	TxConfidence struct {
		TxHash    chainhash.Hash
		Depth     int32
		PeerCount int
		Dead      bool
	}
)
