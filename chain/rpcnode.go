// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// peerPollInterval is how often WaitForUTXOPeers re-examines the connection
// set while waiting for enough qualifying peers.
const peerPollInterval = time.Second

// RPCNode is one trusted full node reached over the btcd websocket RPC. It
// acts as a UTXO query peer: gettxout against its view of the chain answers
// the existence question the verification protocol asks.
type RPCNode struct {
	client *rpcclient.Client
	addr   string
}

// A compile-time check to ensure that RPCNode satisfies the Peer interface.
var _ Peer = (*RPCNode)(nil)

// Addr returns the node's RPC address.
func (n *RPCNode) Addr() string {
	return n.addr
}

// SupportsUTXOQueries reports UTXO query support. gettxout is part of the
// base RPC surface, so every connected node qualifies.
func (n *RPCNode) SupportsUTXOQueries() bool {
	return !n.client.Disconnected()
}

// UTXOs resolves each outpoint against the node's UTXO set. All requests are
// issued asynchronously up front so the whole batch shares one round trip,
// then the answers are collected in order.
func (n *RPCNode) UTXOs(ctx context.Context,
	ops []wire.OutPoint) ([]bool, error) {

	futures := make([]rpcclient.FutureGetTxOutResult, len(ops))
	for i, op := range ops {
		op := op
		futures[i] = n.client.GetTxOutAsync(&op.Hash, op.Index, true)
	}

	answers := make([]bool, len(ops))
	for i, f := range futures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := f.Receive()
		if err != nil {
			return nil, err
		}

		// gettxout returns nothing for spent or unknown outpoints.
		answers[i] = res != nil
	}

	return answers, nil
}

// NodeGroupConfig describes the nodes a NodeGroup connects to.
type NodeGroupConfig struct {
	// Conns holds one connection config per node. The first node is also
	// used for notifications and transaction broadcast.
	Conns []*rpcclient.ConnConfig

	// Params defines the Bitcoin network the nodes must be on.
	Params *chaincfg.Params

	// FilterProvider supplies the watch list registered with the
	// notifying node. May be set after construction via
	// SetFilterProvider, but must be set before Start.
	FilterProvider FilterProvider

	// ReconnectAttempts defines the number of retries (each after an
	// increasing backoff) if a connection can not be established.
	ReconnectAttempts int
}

// NodeGroup multiplexes a set of trusted full nodes into the PeerSource,
// Broadcaster and FilterRefresher collaborators the engine consumes.
// Querying several independently operated nodes and insisting their answers
// agree is what stands in for BIP64-style peer queries when running against
// RPC backends.
type NodeGroup struct {
	cfg   *NodeGroupConfig
	nodes []*RPCNode

	enqueueNotification chan interface{}
	dequeueNotification chan interface{}

	started bool
	quit    chan struct{}
	quitMtx sync.Mutex
	wg      sync.WaitGroup
}

// Compile-time interface checks.
var (
	_ PeerSource      = (*NodeGroup)(nil)
	_ Broadcaster     = (*NodeGroup)(nil)
	_ FilterRefresher = (*NodeGroup)(nil)
)

// NewNodeGroup creates the group and its RPC clients. Connections are not
// established until Start.
func NewNodeGroup(cfg *NodeGroupConfig) (*NodeGroup, error) {
	if len(cfg.Conns) == 0 {
		return nil, errors.New("node group needs at least one node")
	}
	if cfg.Params == nil {
		return nil, errors.New("missing chain params config")
	}

	g := &NodeGroup{
		cfg:                 cfg,
		enqueueNotification: make(chan interface{}),
		dequeueNotification: make(chan interface{}),
		quit:                make(chan struct{}),
	}

	for i, conn := range cfg.Conns {
		conn.DisableAutoReconnect = false
		conn.DisableConnectOnNew = true

		// Only the first node feeds notifications so each event is
		// seen exactly once.
		var handlers *rpcclient.NotificationHandlers
		if i == 0 {
			handlers = &rpcclient.NotificationHandlers{
				OnClientConnected:        g.onClientConnect,
				OnFilteredBlockConnected: g.onBlockConnected,
				OnRelevantTxAccepted:     g.onRelevantTx,
			}
		}

		client, err := rpcclient.New(conn, handlers)
		if err != nil {
			return nil, err
		}
		g.nodes = append(g.nodes, &RPCNode{
			client: client,
			addr:   conn.Host,
		})
	}

	return g, nil
}

// SetFilterProvider wires the engine's watch list into the group. Must be
// called before Start.
func (g *NodeGroup) SetFilterProvider(p FilterProvider) {
	g.cfg.FilterProvider = p
}

// Start connects every node, verifies the network, and begins streaming
// notifications from the first node.
func (g *NodeGroup) Start() error {
	for _, n := range g.nodes {
		err := n.client.Connect(g.cfg.ReconnectAttempts)
		if err != nil {
			return err
		}

		net, err := n.client.GetCurrentNet()
		if err != nil {
			n.client.Disconnect()
			return err
		}
		if net != g.cfg.Params.Net {
			n.client.Disconnect()
			return errors.New("mismatched networks")
		}
	}

	ntfnNode := g.nodes[0]
	if err := ntfnNode.client.NotifyBlocks(); err != nil {
		return err
	}
	g.RefreshFilter()

	g.quitMtx.Lock()
	g.started = true
	g.quitMtx.Unlock()

	g.wg.Add(1)
	go g.handler()

	return nil
}

// Stop disconnects the nodes and signals the shutdown of all goroutines
// started by Start.
func (g *NodeGroup) Stop() {
	g.quitMtx.Lock()
	select {
	case <-g.quit:
	default:
		close(g.quit)
		for _, n := range g.nodes {
			n.client.Shutdown()
		}

		if !g.started {
			close(g.dequeueNotification)
		}
	}
	g.quitMtx.Unlock()
}

// WaitForShutdown blocks until the clients have finished disconnecting and
// all handlers have exited.
func (g *NodeGroup) WaitForShutdown() {
	for _, n := range g.nodes {
		n.client.WaitForShutdown()
	}
	g.wg.Wait()
}

// Notifications returns a channel of parsed notifications. This channel must
// be continually read or the process may abort for running out of memory, as
// unread notifications are queued for later reads.
func (g *NodeGroup) Notifications() <-chan interface{} {
	return g.dequeueNotification
}

// UTXOPeers returns the currently connected nodes.
func (g *NodeGroup) UTXOPeers() []Peer {
	peers := make([]Peer, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n.SupportsUTXOQueries() {
			peers = append(peers, n)
		}
	}

	return peers
}

// WaitForUTXOPeers blocks until at least min nodes are connected or ctx is
// done.
func (g *NodeGroup) WaitForUTXOPeers(ctx context.Context,
	min int) ([]Peer, error) {

	for {
		peers := g.UTXOPeers()
		if len(peers) >= min {
			return peers, nil
		}

		select {
		case <-time.After(peerPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.quit:
			return nil, errors.New("node group stopped")
		}
	}
}

// Broadcast submits the transaction through the notifying node. Acceptance
// by the node's mempool is taken as propagation; rejection surfaces the
// node's error.
func (g *NodeGroup) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	future := g.nodes[0].client.SendRawTransactionAsync(tx, false)

	done := make(chan error, 1)
	go func() {
		_, err := future.Receive()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshFilter re-registers the transaction filter on the notifying node
// from the engine's current watch list. Called by the engine after every
// watched-outpoint change.
func (g *NodeGroup) RefreshFilter() {
	if g.cfg.FilterProvider == nil {
		return
	}

	ops := g.cfg.FilterProvider.WatchedOutPoints()
	addrs := g.watchedAddresses()

	err := g.nodes[0].client.LoadTxFilter(true, addrs, ops)
	if err != nil {
		log.Errorf("Unable to refresh tx filter: %v", err)
		return
	}

	log.Debugf("Registered tx filter with %d outpoints and %d addresses",
		len(ops), len(addrs))
}

// watchedAddresses converts the provider's watched output scripts to
// addresses, which is the form the RPC filter accepts. Non-standard scripts
// are skipped; their spends are still caught through the outpoint half of
// the filter.
func (g *NodeGroup) watchedAddresses() []btcutil.Address {
	type scriptProvider interface {
		WatchedScripts() [][]byte
	}
	sp, ok := g.cfg.FilterProvider.(scriptProvider)
	if !ok {
		return nil
	}

	var addrs []btcutil.Address
	for _, script := range sp.WatchedScripts() {
		_, scriptAddrs, _, err := txscript.ExtractPkScriptAddrs(
			script, g.cfg.Params,
		)
		if err != nil {
			continue
		}
		addrs = append(addrs, scriptAddrs...)
	}

	return addrs
}

func (g *NodeGroup) onClientConnect() {
	select {
	case g.enqueueNotification <- PeerConnected{
		Addr: g.nodes[0].addr,
	}:
	case <-g.quit:
	}
}

func (g *NodeGroup) onBlockConnected(height int32, header *wire.BlockHeader,
	txns []*btcutil.Tx) {

	blockNtfn := BlockConnected{
		Hash:   header.BlockHash(),
		Height: height,
		Time:   header.Timestamp,
	}
	select {
	case g.enqueueNotification <- blockNtfn:
	case <-g.quit:
		return
	}

	for _, tx := range txns {
		select {
		case g.enqueueNotification <- RelevantTx{
			Tx:    tx.MsgTx(),
			Mined: true,
		}:
		case <-g.quit:
			return
		}
	}

	go g.pollClaimConfidence()
}

// pollClaimConfidence re-queries every node for the watched claim
// transactions and emits one TxConfidence per claim. It runs once per
// attached block: a claim either gained a confirmation, was reorganized
// away, or was double spent, and all three show up in the nodes' answers.
func (g *NodeGroup) pollClaimConfidence() {
	type claimTxSource interface {
		WatchedClaimTxs() []chainhash.Hash
	}
	src, ok := g.cfg.FilterProvider.(claimTxSource)
	if !ok {
		return
	}

	for _, txHash := range src.WatchedClaimTxs() {
		txHash := txHash

		var confs []int64
		for _, n := range g.nodes {
			res, err := n.client.GetRawTransactionVerbose(&txHash)
			if err != nil {
				// The node no longer knows the transaction,
				// in mempool or chain.
				continue
			}
			confs = append(confs, int64(res.Confirmations))
		}

		select {
		case g.enqueueNotification <- claimConfidence(txHash, confs):
		case <-g.quit:
			return
		}
	}
}

// claimConfidence folds the per-node confirmation answers for one claim
// transaction into a TxConfidence. A claim no node knows anymore has been
// double spent or reorganized out and is reported dead; otherwise the
// deepest answer wins and the number of answering nodes stands in for the
// announcing peer count.
func claimConfidence(txHash chainhash.Hash, confs []int64) TxConfidence {
	if len(confs) == 0 {
		return TxConfidence{TxHash: txHash, Dead: true}
	}

	var depth int64
	for _, c := range confs {
		if c > depth {
			depth = c
		}
	}

	return TxConfidence{
		TxHash:    txHash,
		Depth:     int32(depth),
		PeerCount: len(confs),
	}
}

func (g *NodeGroup) onRelevantTx(rawTx []byte) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		log.Errorf("Unable to deserialize relevant tx: %v", err)
		return
	}

	select {
	case g.enqueueNotification <- RelevantTx{Tx: tx}:
	case <-g.quit:
	}
}

// handler maintains a queue of notifications so transport callbacks never
// block, in the same way the RPC clients themselves queue work.
func (g *NodeGroup) handler() {
	defer g.wg.Done()

	var notifications []interface{}
	enqueue := g.enqueueNotification
	var dequeue chan interface{}
	var next interface{}

out:
	for {
		select {
		case n, ok := <-enqueue:
			if !ok {
				if len(notifications) == 0 {
					break out
				}
				enqueue = nil
				continue
			}
			if len(notifications) == 0 {
				next = n
				dequeue = g.dequeueNotification
			}
			notifications = append(notifications, n)

		case dequeue <- next:
			notifications[0] = nil
			notifications = notifications[1:]
			if len(notifications) != 0 {
				next = notifications[0]
			} else {
				dequeue = nil
			}

		case <-g.quit:
			break out
		}
	}
	close(g.dequeueNotification)
}

// BestBlock returns the notifying node's chain tip.
func (g *NodeGroup) BestBlock() (*chainhash.Hash, int32, error) {
	return g.nodes[0].client.GetBestBlock()
}
