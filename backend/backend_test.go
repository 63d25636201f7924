// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/pharosfund/pharos/chain"
	"github.com/pharosfund/pharos/obsset"
	"github.com/pharosfund/pharos/project"
)

var (
	testScript = []byte{0x76, 0xa9, 0x14, 0x01, 0x02, 0x03, 0x88, 0xac}

	testTimeout = 5 * time.Second
)

// fakePeer answers UTXO queries from a static map. Outpoints missing from
// the map count as spent, matching how a real node answers gettxout.
type fakePeer struct {
	addr string

	// gate, when set, holds every UTXO answer back until it is closed.
	gate chan struct{}

	mtx     sync.Mutex
	unspent map[wire.OutPoint]bool
	err     error
}

func (p *fakePeer) Addr() string              { return p.addr }
func (p *fakePeer) SupportsUTXOQueries() bool { return true }

func (p *fakePeer) UTXOs(_ context.Context,
	ops []wire.OutPoint) ([]bool, error) {

	if p.gate != nil {
		<-p.gate
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	answers := make([]bool, len(ops))
	for i, op := range ops {
		answers[i] = p.unspent[op]
	}

	return answers, nil
}

func (p *fakePeer) setUnspent(op wire.OutPoint, unspent bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.unspent[op] = unspent
}

// fakePeerSource hands out a fixed peer set without waiting.
type fakePeerSource struct {
	peers []chain.Peer
}

func (s *fakePeerSource) UTXOPeers() []chain.Peer {
	return s.peers
}

func (s *fakePeerSource) WaitForUTXOPeers(ctx context.Context,
	min int) ([]chain.Peer, error) {

	if len(s.peers) < min {
		return nil, ctx.Err()
	}

	return s.peers, nil
}

type fakeWallet struct {
	mtx     sync.Mutex
	pledges map[chainhash.Hash][]*project.Pledge
	revoked map[chainhash.Hash]bool
	scripts [][]byte
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		pledges: make(map[chainhash.Hash][]*project.Pledge),
		revoked: make(map[chainhash.Hash]bool),
	}
}

func (w *fakeWallet) Pledges(projectID chainhash.Hash) []*project.Pledge {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.pledges[projectID]
}

func (w *fakeWallet) IsRevoked(p *project.Pledge) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.revoked[p.Hash()]
}

func (w *fakeWallet) WatchScripts(scripts [][]byte) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.scripts = append(w.scripts, scripts...)
}

type fakeStore struct {
	mtx    sync.Mutex
	saved  map[chainhash.Hash][]*project.Pledge
	onDisk map[chainhash.Hash][]*project.Pledge
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:  make(map[chainhash.Hash][]*project.Pledge),
		onDisk: make(map[chainhash.Hash][]*project.Pledge),
	}
}

func (s *fakeStore) Projects() []*project.Project { return nil }

func (s *fakeStore) PledgesFor(projectID chainhash.Hash) []*project.Pledge {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.onDisk[projectID]
}

func (s *fakeStore) SavePledge(projectID chainhash.Hash,
	p *project.Pledge) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.saved[projectID] = append(s.saved[projectID], p)

	return nil
}

func (s *fakeStore) savedCount(projectID chainhash.Hash) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.saved[projectID])
}

type fakeBroadcaster struct {
	mtx sync.Mutex
	txs []*wire.MsgTx
	err error
}

func (b *fakeBroadcaster) Broadcast(_ context.Context,
	tx *wire.MsgTx) error {

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.err != nil {
		return b.err
	}
	b.txs = append(b.txs, tx)

	return nil
}

type fakeRefresher struct {
	calls atomic.Int32
}

func (r *fakeRefresher) RefreshFilter() {
	r.calls.Add(1)
}

type fakeStatusSource struct {
	mtx    sync.Mutex
	status *ServerStatus
	err    error
}

func (s *fakeStatusSource) ProjectStatus(_ context.Context,
	_ *project.Project) (*ServerStatus, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	return s.status, nil
}

func (s *fakeStatusSource) set(status *ServerStatus) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.status = status
	s.err = nil
}

// harness bundles an engine wired to fakes, tuned for fast tests: a single
// qualifying peer is enough and jitter is effectively disabled.
type harness struct {
	t *testing.T

	backend     *Backend
	peer        *fakePeer
	wallet      *fakeWallet
	store       *fakeStore
	broadcaster *fakeBroadcaster
	status      *fakeStatusSource
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		t:           t,
		peer:        &fakePeer{addr: "127.0.0.1:8333", unspent: make(map[wire.OutPoint]bool)},
		wallet:      newFakeWallet(),
		store:       newFakeStore(),
		broadcaster: &fakeBroadcaster{},
		status:      &fakeStatusSource{},
	}

	cfg := &Config{
		Params:       &chaincfg.SimNetParams,
		Peers:        &fakePeerSource{peers: []chain.Peer{h.peer}},
		Broadcaster:  h.broadcaster,
		Wallet:       h.wallet,
		Store:        h.store,
		StatusSource: h.status,
		MinPeers:     1,
		MaxJitter:    time.Millisecond,
		QueryTimeout: time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		b.Stop()
		b.WaitForShutdown()
	})

	h.backend = b

	return h
}

// newProject returns a serverless project with a 1 BTC goal.
func newProject(t *testing.T) *project.Project {
	t.Helper()

	proj, err := project.NewProject(
		"backend test project", btcutil.SatoshiPerBitcoin, 0,
		[]*wire.TxOut{wire.NewTxOut(
			btcutil.SatoshiPerBitcoin, testScript,
		)},
		nil, time.Unix(1700000000, 0),
	)
	require.NoError(t, err)

	return proj
}

// newServerProject returns a server-assisted variant.
func newServerProject(t *testing.T) *project.Project {
	t.Helper()

	serverURL, err := url.Parse("https://pledges.example.com")
	require.NoError(t, err)

	proj, err := project.NewProject(
		"assisted test project", btcutil.SatoshiPerBitcoin, 0,
		[]*wire.TxOut{wire.NewTxOut(
			btcutil.SatoshiPerBitcoin, testScript,
		)},
		serverURL, time.Unix(1700000000, 0),
	)
	require.NoError(t, err)

	return proj
}

func newPledge(t *testing.T, proj *project.Project, value btcutil.Amount,
	ops ...wire.OutPoint) *project.Pledge {

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

	pledge, err := project.NewPledge(
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

// waitForOpen blocks until the project's open set reaches the wanted size.
func (h *harness) waitForOpen(projectID chainhash.Hash, want int) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		return len(h.backend.OpenPledges(projectID)) == want
	}, testTimeout, 5*time.Millisecond)
}

// TestProjectLifecycle covers registration, state seeding and removal.
func TestProjectLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()

	h.backend.ProjectDiscovered(proj)

	got, err := h.backend.Project(id)
	require.NoError(t, err)
	require.Equal(t, proj.Title(), got.Title())

	state, err := h.backend.ProjectState(id)
	require.NoError(t, err)
	require.Equal(t, project.StateOpen, state.State)

	// Discovering the same project twice is a no-op.
	h.backend.ProjectDiscovered(proj)

	h.backend.ProjectRemoved(id)
	require.Eventually(t, func() bool {
		_, err := h.backend.Project(id)
		return errors.Is(err, project.ErrUnknownProject)
	}, testTimeout, 5*time.Millisecond)

	_, err = h.backend.ProjectState(id)
	require.ErrorIs(t, err, project.ErrUnknownProject)
}

// TestPledgeVerification walks a discovered pledge through a successful
// P2P check into the open set, then revokes it by flipping the network's
// answer.
func TestPledgeVerification(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(1, 0)
	pledge := newPledge(t, proj, btcutil.SatoshiPerBitcoin/2, op)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)

	h.waitForOpen(id, 1)
	require.Equal(t, int64(btcutil.SatoshiPerBitcoin/2),
		h.backend.PledgedTotal(id))

	// A clean round leaves no check status behind.
	require.Eventually(t, func() bool {
		_, ok := h.backend.CheckStatusOf(id)
		return !ok
	}, testTimeout, 5*time.Millisecond)

	// The outpoint gets spent; the next check round drops the pledge.
	h.peer.setUnspent(op, false)
	h.backend.CheckProject(id)

	h.waitForOpen(id, 0)
	require.Zero(t, h.backend.PledgedTotal(id))
}

// TestRediscoveredPledgeIsUnchanged verifies that re-running a check over an
// unchanged pledge set produces no diff: the pledge stays in the open set
// rather than being removed and re-added.
func TestRediscoveredPledgeIsUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(2, 0)
	pledge := newPledge(t, proj, 1000, op)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)
	h.waitForOpen(id, 1)

	m, err := h.backend.MirrorOpenPledges(id, serialExec{})
	require.NoError(t, err)
	defer m.Stop()

	var removals atomic.Int32
	m.OnChange(func(ev obsset.Event[*project.Pledge]) {
		if ev.Kind == obsset.Removed {
			removals.Add(1)
		}
	})

	// Same pledge again, plus two explicit re-checks.
	h.backend.PledgeDiscovered(id, pledge)
	h.backend.CheckProject(id)
	h.backend.CheckProject(id)

	require.Eventually(t, func() bool {
		_, ok := h.backend.CheckStatusOf(id)
		return !ok && len(h.backend.OpenPledges(id)) == 1
	}, testTimeout, 5*time.Millisecond)

	// The pledge never bounced out and back in.
	require.Zero(t, removals.Load())
	require.Equal(t, 1, m.Len())
}

// serialExec runs mirror callbacks inline; the test body synchronizes via
// require.Eventually.
type serialExec struct{}

func (serialExec) Execute(fn func()) { fn() }

// TestDuplicateOutPointFailsBatch checks that two pledges spending the same
// outpoint invalidate the whole verification round instead of one of them
// winning silently.
func TestDuplicateOutPointFailsBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	shared := testOutPoint(3, 1)

	// Different total inputs make the pledge identities distinct.
	p1 := newPledge(t, proj, 1000, shared)
	p2 := newPledge(t, proj, 2000, shared)

	h.peer.setUnspent(shared, true)
	h.backend.ProjectDiscovered(proj)

	// First pledge verifies cleanly on its own.
	h.backend.PledgeDiscovered(id, p1)
	h.waitForOpen(id, 1)

	// The twin poisons the next round: the whole batch fails and the
	// open set is left untouched rather than one of the two winning.
	h.backend.PledgeDiscovered(id, p2)

	require.Eventually(t, func() bool {
		status, ok := h.backend.CheckStatusOf(id)
		if !ok || status.Err == nil {
			return false
		}
		var dupErr *project.DuplicatedOutPointError
		return errors.As(status.Err, &dupErr)
	}, testTimeout, 5*time.Millisecond)

	open := h.backend.OpenPledges(id)
	require.Len(t, open, 1)
	require.Equal(t, p1.Hash(), open[0].Hash())
}

// TestInconsistentPeersSurfaceInStatus checks that disagreeing peers fail
// the round and the consensus error lands in the project's check status.
func TestInconsistentPeersSurfaceInStatus(t *testing.T) {
	t.Parallel()

	op := testOutPoint(4, 0)
	disagreeing := &fakePeer{
		addr:    "127.0.0.2:8333",
		unspent: make(map[wire.OutPoint]bool),
	}

	h := newHarness(t, func(cfg *Config) {
		agreeing := cfg.Peers.(*fakePeerSource).peers[0].(*fakePeer)
		agreeing.setUnspent(op, true)
		cfg.Peers = &fakePeerSource{peers: []chain.Peer{
			agreeing, disagreeing,
		}}
		cfg.MinPeers = 2
	})

	proj := newProject(t)
	id := proj.ID()
	pledge := newPledge(t, proj, 1000, op)

	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)

	require.Eventually(t, func() bool {
		status, ok := h.backend.CheckStatusOf(id)
		if !ok || status.Err == nil {
			return false
		}
		var incErr *chain.InconsistentUTXOAnswersError
		return errors.As(status.Err, &incErr)
	}, testTimeout, 5*time.Millisecond)

	require.Empty(t, h.backend.OpenPledges(id))
}

// TestWalletRevokedPledgeNeverOpens checks that the wallet's revocation
// knowledge overrides a stale unspent answer from the network.
func TestWalletRevokedPledgeNeverOpens(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(5, 0)
	pledge := newPledge(t, proj, 1000, op)

	h.wallet.mtx.Lock()
	h.wallet.revoked[pledge.Hash()] = true
	h.wallet.mtx.Unlock()

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)
	h.backend.CheckProject(id)

	// The check completes without the pledge ever entering the open set.
	require.Never(t, func() bool {
		return len(h.backend.OpenPledges(id)) > 0
	}, 250*time.Millisecond, 10*time.Millisecond)
}

// TestSubmitPledge covers the accepted path, persistence, idempotent
// resubmission and the overcommit guard.
func TestSubmitPledge(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(6, 0)
	pledge := newPledge(t, proj, btcutil.SatoshiPerBitcoin/2, op)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, h.backend.SubmitPledge(ctx, id, pledge))
	require.Len(t, h.backend.OpenPledges(id), 1)
	require.Equal(t, 1, h.store.savedCount(id))

	// Resubmission is a no-op, not a double count.
	require.NoError(t, h.backend.SubmitPledge(ctx, id, pledge))
	require.Len(t, h.backend.OpenPledges(id), 1)

	// A second pledge pushing past the goal is rejected before any
	// network traffic.
	op2 := testOutPoint(6, 1)
	h.peer.setUnspent(op2, true)
	big := newPledge(t, proj, btcutil.SatoshiPerBitcoin, op2)

	err := h.backend.SubmitPledge(ctx, id, big)
	var goalErr *project.GoalExceededError
	require.ErrorAs(t, err, &goalErr)
	require.Equal(t, btcutil.Amount(btcutil.SatoshiPerBitcoin),
		goalErr.Value)

	// Exactly reaching the goal is fine.
	op3 := testOutPoint(6, 2)
	h.peer.setUnspent(op3, true)
	exact := newPledge(t, proj, btcutil.SatoshiPerBitcoin/2, op3)
	require.NoError(t, h.backend.SubmitPledge(ctx, id, exact))
}

// TestSubmitSpentPledgeRejected checks that a pledge whose input is already
// gone never enters the open set and the submitter learns about it.
func TestSubmitSpentPledgeRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	pledge := newPledge(t, proj, 1000, testOutPoint(7, 0))

	h.backend.ProjectDiscovered(proj)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := h.backend.SubmitPledge(ctx, id, pledge)
	require.Error(t, err)
	require.Empty(t, h.backend.OpenPledges(id))
	require.Zero(t, h.store.savedCount(id))
}

// TestSubmitPledgeFastPathRejections checks the structural rejections that
// happen before any scheduling.
func TestSubmitPledgeFastPathRejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	h.backend.ProjectDiscovered(proj)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// Wait until the project is registered.
	require.Eventually(t, func() bool {
		_, err := h.backend.Project(id)
		return err == nil
	}, testTimeout, 5*time.Millisecond)

	t.Run("unknown project", func(t *testing.T) {
		pledge := newPledge(t, proj, 1000, testOutPoint(8, 0))
		err := h.backend.SubmitPledge(
			ctx, chainhash.Hash{0xff}, pledge,
		)
		require.ErrorIs(t, err, project.ErrUnknownProject)
	})

	t.Run("scrubbed", func(t *testing.T) {
		scrubbed := project.NewScrubbedPledge(
			chainhash.Hash{1}, 1000, time.Now(), "",
		)
		err := h.backend.SubmitPledge(ctx, id, scrubbed)
		require.ErrorIs(t, err, project.ErrScrubbedPledge)
	})

	t.Run("unsigned input", func(t *testing.T) {
		tx := wire.NewMsgTx(wire.TxVersion)
		op := testOutPoint(8, 1)
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		for _, out := range proj.Outputs() {
			tx.AddTxOut(out)
		}
		unsigned, err := project.NewPledge(
			[]*wire.MsgTx{tx}, 1000, time.Now(), "", "",
		)
		require.NoError(t, err)

		err = h.backend.SubmitPledge(ctx, id, unsigned)
		require.ErrorIs(t, err, project.ErrUnsignedInput)
	})
}

// TestMinPledgeEnforced checks the project's pledge floor.
func TestMinPledgeEnforced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	proj, err := project.NewProject(
		"floored project", btcutil.SatoshiPerBitcoin, 10000,
		[]*wire.TxOut{wire.NewTxOut(
			btcutil.SatoshiPerBitcoin, testScript,
		)},
		nil, time.Unix(1700000000, 0),
	)
	require.NoError(t, err)
	id := proj.ID()

	h.backend.ProjectDiscovered(proj)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	small := newPledge(t, proj, 9999, testOutPoint(9, 0))
	err = h.backend.SubmitPledge(ctx, id, small)
	require.ErrorIs(t, err, project.ErrPledgeTooSmall)
}

// TestServerRefresh exercises the server-assisted flow: the server's pledge
// list is authoritative, a scrubbed duplicate of a known pledge collapses
// into it, and a shrinking server list shrinks the open set.
func TestServerRefresh(t *testing.T) {
	t.Parallel()

	proj := newServerProject(t)
	id := proj.ID()
	op := testOutPoint(10, 0)

	full := newPledge(t, proj, 1000, op)
	scrubbed := project.NewScrubbedPledge(
		full.Hash(), full.TotalInput(), full.Timestamp(), "",
	)

	h := newHarness(t, nil)
	h.status.set(&ServerStatus{Pledges: []*project.Pledge{full}})

	// Discovery of a server-assisted project triggers the initial
	// refresh automatically.
	h.backend.ProjectDiscovered(proj)
	h.waitForOpen(id, 1)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// The server now reports the scrubbed copy: same identity, still one
	// open pledge.
	h.status.set(&ServerStatus{Pledges: []*project.Pledge{scrubbed}})
	require.NoError(t, h.backend.RefreshFromServer(ctx, id))
	require.Len(t, h.backend.OpenPledges(id), 1)

	// The server dropped the pledge: the open set follows, even though
	// no local check ever tested it as spent.
	h.status.set(&ServerStatus{})
	require.NoError(t, h.backend.RefreshFromServer(ctx, id))
	require.Empty(t, h.backend.OpenPledges(id))
}

// TestServerReportsClaim checks that a server-reported claim moves the
// project to claimed without any local network observation.
func TestServerReportsClaim(t *testing.T) {
	t.Parallel()

	proj := newServerProject(t)
	id := proj.ID()
	claimHash := chainhash.Hash{0xcc}

	h := newHarness(t, nil)
	h.status.set(&ServerStatus{ClaimedBy: &claimHash})

	h.backend.ProjectDiscovered(proj)

	require.Eventually(t, func() bool {
		state, err := h.backend.ProjectState(id)
		return err == nil && state.State == project.StateClaimed &&
			state.ClaimedBy != nil && *state.ClaimedBy == claimHash
	}, testTimeout, 5*time.Millisecond)
}

// TestRefreshFromServerOnServerlessProject checks the guard against
// refreshing a project that has no status server.
func TestRefreshFromServerOnServerlessProject(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	h.backend.ProjectDiscovered(proj)

	require.Eventually(t, func() bool {
		_, err := h.backend.Project(proj.ID())
		return err == nil
	}, testTimeout, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.Error(t, h.backend.RefreshFromServer(ctx, proj.ID()))
}

// claimTx builds a transaction spending the given outpoints and paying all
// of the project's target outputs, i.e. a valid claim.
func claimTx(proj *project.Project, ops ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, op := range ops {
		op := op
		in := wire.NewTxIn(&op, nil, nil)
		in.SignatureScript = []byte{0x52}
		tx.AddTxIn(in)
	}
	for _, out := range proj.Outputs() {
		tx.AddTxOut(out)
	}

	return tx
}

// TestClaimLifecycle drives a claim from first sighting through acceptance
// to death: pending with one announcing peer, claimed at the peer threshold,
// then released back to open when the claim is double spent away.
func TestClaimLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.MinPeers = 1
	})
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(11, 0)
	pledge := newPledge(t, proj, 1000, op)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)
	h.waitForOpen(id, 1)

	claim := claimTx(proj, op)
	claimHash := claim.TxHash()

	// Unmined sighting with no announcing peers yet: the project stays
	// open until the peer threshold (MinPeers, here 1) is crossed.
	b := h.backend
	b.OnTransactionObserved(claim, false)
	b.OnTxConfidence(chain.TxConfidence{TxHash: claimHash, PeerCount: 0})

	require.Never(t, func() bool {
		state, _ := b.ProjectState(id)
		return state.State == project.StateClaimed
	}, 250*time.Millisecond, 10*time.Millisecond)

	// Threshold crossed: claimed exactly once, pledge moves over.
	b.OnTxConfidence(chain.TxConfidence{TxHash: claimHash, PeerCount: 1})

	require.Eventually(t, func() bool {
		state, err := b.ProjectState(id)
		return err == nil && state.State == project.StateClaimed &&
			state.ClaimedBy != nil && *state.ClaimedBy == claimHash
	}, testTimeout, 5*time.Millisecond)

	h.waitForOpen(id, 0)
	require.Len(t, b.ClaimedPledges(id), 1)

	// The claim is double spent out of the chain: error state, pledge
	// returns to open.
	b.OnTxConfidence(chain.TxConfidence{TxHash: claimHash, Dead: true})

	require.Eventually(t, func() bool {
		state, err := b.ProjectState(id)
		return err == nil && state.State == project.StateError
	}, testTimeout, 5*time.Millisecond)

	h.waitForOpen(id, 1)
	require.Empty(t, b.ClaimedPledges(id))
}

// TestMinedClaimIsImmediate checks that a claim observed in a block skips
// the peer-count threshold entirely.
func TestMinedClaimIsImmediate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(12, 0)
	pledge := newPledge(t, proj, 1000, op)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)
	h.waitForOpen(id, 1)

	claim := claimTx(proj, op)
	h.backend.OnTransactionObserved(claim, true)

	require.Eventually(t, func() bool {
		state, err := h.backend.ProjectState(id)
		return err == nil && state.State == project.StateClaimed
	}, testTimeout, 5*time.Millisecond)
	require.Len(t, h.backend.ClaimedPledges(id), 1)
}

// TestRevocationByObservedSpend checks that a non-claim transaction spending
// a pledged outpoint removes the pledge immediately.
func TestRevocationByObservedSpend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(13, 0)
	pledge := newPledge(t, proj, 1000, op)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)
	h.waitForOpen(id, 1)

	// The spender pays somewhere else entirely, so it cannot be a claim.
	revocation := wire.NewMsgTx(wire.TxVersion)
	in := wire.NewTxIn(&op, nil, nil)
	in.SignatureScript = []byte{0x53}
	revocation.AddTxIn(in)
	revocation.AddTxOut(wire.NewTxOut(500, []byte{0x6a}))

	h.backend.OnTransactionObserved(revocation, false)

	h.waitForOpen(id, 0)
}

// TestWatchedOutPointsFollowOpenSet checks the filter provider view and the
// refresh poke.
func TestWatchedOutPointsFollowOpenSet(t *testing.T) {
	t.Parallel()

	refresher := &fakeRefresher{}
	h := newHarness(t, func(cfg *Config) {
		cfg.Filter = refresher
	})
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(14, 0)
	pledge := newPledge(t, proj, 1000, op)

	require.Empty(t, h.backend.WatchedOutPoints())

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)
	h.waitForOpen(id, 1)

	require.Eventually(t, func() bool {
		ops := h.backend.WatchedOutPoints()
		return len(ops) == 1 && ops[0] == op
	}, testTimeout, 5*time.Millisecond)
	require.Positive(t, refresher.calls.Load())

	// Project scripts are watched for claim detection.
	scripts := h.backend.WatchedScripts()
	require.Len(t, scripts, 1)
	require.Equal(t, testScript, scripts[0])

	filterLoad := h.backend.BloomFilter(0.001)
	require.NotNil(t, filterLoad)
	require.NotEmpty(t, filterLoad.Filter)
}

// TestConcurrentSubmissionsCannotOvercommit races two submissions that each
// fit the goal on their own but not together. The early guard passes both;
// the decisive re-check after verification must admit exactly one.
func TestConcurrentSubmissionsCannotOvercommit(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, func(cfg *Config) {
		// The gate holds the first verification round open long
		// enough for both submissions to pass the early guard, so
		// the query timeout must outlast it.
		cfg.QueryTimeout = 3 * time.Second
	})
	h.peer.gate = gate

	proj := newProject(t)
	id := proj.ID()

	op1, op2 := testOutPoint(20, 0), testOutPoint(20, 1)
	h.peer.setUnspent(op1, true)
	h.peer.setUnspent(op2, true)

	p1 := newPledge(t, proj, 3*btcutil.SatoshiPerBitcoin/4, op1)
	p2 := newPledge(t, proj, 3*btcutil.SatoshiPerBitcoin/4, op2)

	h.backend.ProjectDiscovered(proj)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	errs := make(chan error, 2)
	for _, p := range []*project.Pledge{p1, p2} {
		p := p
		go func() {
			errs <- h.backend.SubmitPledge(ctx, id, p)
		}()
	}

	// Both submissions must be past the early guard before the network
	// answers: one round in flight, one queued behind it.
	require.Eventually(t, func() bool {
		var queued int
		err := h.backend.runOnActor(func() {
			queued = len(h.backend.pendingChecks)
		})
		return err == nil && queued == 1
	}, testTimeout, 5*time.Millisecond)

	close(gate)

	var accepted, rejected int
	for i := 0; i < 2; i++ {
		err := <-errs
		if err == nil {
			accepted++
			continue
		}
		var goalErr *project.GoalExceededError
		require.ErrorAs(t, err, &goalErr)
		rejected++
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, 1, rejected)

	require.Equal(t, int64(3*btcutil.SatoshiPerBitcoin/4),
		h.backend.PledgedTotal(id))
	require.Len(t, h.backend.OpenPledges(id), 1)
}

// TestPeriodicRecheck covers the ticker-driven re-verification: a pledge
// whose outpoint is spent without any block or transaction notification is
// still dropped once the periodic round notices.
func TestPeriodicRecheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.RecheckInterval = 20 * time.Millisecond
	})
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(21, 0)
	pledge := newPledge(t, proj, 1000, op)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)
	h.waitForOpen(id, 1)

	// The outpoint is spent behind the engine's back.
	h.peer.setUnspent(op, false)
	h.waitForOpen(id, 0)
}

// TestClaimAlsoRevokesOtherProjects checks that a claim of one project
// which also spends an outpoint backing another project's pledge revokes
// that pledge immediately.
func TestClaimAlsoRevokesOtherProjects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	projA := newProject(t)
	otherScript := []byte{0x76, 0xa9, 0x14, 0x0a, 0x0b, 0x0c, 0x88, 0xac}
	projB, err := project.NewProject(
		"unrelated project", btcutil.SatoshiPerBitcoin, 0,
		[]*wire.TxOut{wire.NewTxOut(
			btcutil.SatoshiPerBitcoin, otherScript,
		)},
		nil, time.Unix(1700000000, 0),
	)
	require.NoError(t, err)

	idA, idB := projA.ID(), projB.ID()
	opA, opB := testOutPoint(22, 0), testOutPoint(22, 1)
	pledgeA := newPledge(t, projA, 1000, opA)
	pledgeB := newPledge(t, projB, 1000, opB)

	h.peer.setUnspent(opA, true)
	h.peer.setUnspent(opB, true)
	h.backend.ProjectDiscovered(projA)
	h.backend.ProjectDiscovered(projB)
	h.backend.PledgeDiscovered(idA, pledgeA)
	h.backend.PledgeDiscovered(idB, pledgeB)
	h.waitForOpen(idA, 1)
	h.waitForOpen(idB, 1)

	// The claim of A also spends the outpoint backing B's pledge.
	claim := claimTx(projA, opA, opB)
	h.backend.OnTransactionObserved(claim, true)

	require.Eventually(t, func() bool {
		state, err := h.backend.ProjectState(idA)
		return err == nil && state.State == project.StateClaimed
	}, testTimeout, 5*time.Millisecond)

	// B's pledge was revoked by the same transaction, not claimed.
	h.waitForOpen(idB, 0)
	require.Empty(t, h.backend.ClaimedPledges(idB))
}

// TestClientModeDependencyPledgePurged checks that a discovered pledge
// carrying dependency transactions is rejected in client mode and leaves
// the pending stage, rather than being rejected again every round.
func TestClientModeDependencyPledgePurged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()

	dep := wire.NewMsgTx(wire.TxVersion)
	depOp := testOutPoint(23, 0)
	depIn := wire.NewTxIn(&depOp, nil, nil)
	depIn.SignatureScript = []byte{0x51}
	dep.AddTxIn(depIn)
	dep.AddTxOut(wire.NewTxOut(1500, testScript))

	op := wire.OutPoint{Hash: dep.TxHash(), Index: 0}
	tx := wire.NewMsgTx(wire.TxVersion)
	in := wire.NewTxIn(&op, nil, nil)
	in.SignatureScript = []byte{0x51}
	tx.AddTxIn(in)
	for _, out := range proj.Outputs() {
		tx.AddTxOut(out)
	}

	pledge, err := project.NewPledge(
		[]*wire.MsgTx{dep, tx}, 1000, time.Unix(1700000100, 0),
		"", "",
	)
	require.NoError(t, err)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)

	var staged int
	require.NoError(t, h.backend.runOnActor(func() {
		h.backend.pledgeDiscovered(id, pledge)
		staged = len(h.backend.pending[id])
	}))
	require.Equal(t, 1, staged)

	require.Eventually(t, func() bool {
		var pendingLen int
		err := h.backend.runOnActor(func() {
			pendingLen = len(h.backend.pending[id])
		})
		return err == nil && pendingLen == 0
	}, testTimeout, 5*time.Millisecond)

	require.Empty(t, h.backend.OpenPledges(id))
}

// TestWatchedClaimTxsFollowClaimWatch checks the confidence polling view:
// an active claim watch exposes its hash, a detached one does not.
func TestWatchedClaimTxsFollowClaimWatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	proj := newProject(t)
	id := proj.ID()
	op := testOutPoint(24, 0)
	pledge := newPledge(t, proj, 1000, op)

	h.peer.setUnspent(op, true)
	h.backend.ProjectDiscovered(proj)
	h.backend.PledgeDiscovered(id, pledge)
	h.waitForOpen(id, 1)

	require.Empty(t, h.backend.WatchedClaimTxs())

	claim := claimTx(proj, op)
	claimHash := claim.TxHash()
	h.backend.OnTransactionObserved(claim, true)

	require.Eventually(t, func() bool {
		hashes := h.backend.WatchedClaimTxs()
		return len(hashes) == 1 && hashes[0] == claimHash
	}, testTimeout, 5*time.Millisecond)

	// Past final depth the watch detaches and the hash is no longer
	// polled.
	h.backend.OnTxConfidence(chain.TxConfidence{
		TxHash: claimHash,
		Depth:  4,
	})

	require.Eventually(t, func() bool {
		return len(h.backend.WatchedClaimTxs()) == 0
	}, testTimeout, 5*time.Millisecond)
}
