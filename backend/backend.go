// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package backend implements the pledge reconciliation engine: a
// single-threaded actor that owns the authoritative per-project pledge sets,
// drives UTXO verification against the P2P network, merges pledge
// discoveries from disk, wallet and status servers, and watches the network
// for claims and revocations.
package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/pharosfund/pharos/chain"
	"github.com/pharosfund/pharos/obsset"
	"github.com/pharosfund/pharos/project"
	"github.com/pharosfund/pharos/store"
)

const (
	// DefaultMinPeers is the number of qualifying peers a verification
	// run waits for before querying. Test networks override this to 1.
	DefaultMinPeers = 2

	// DefaultMaxJitter bounds the random delay added before a scheduled
	// re-verification, so bulk imports and fresh blocks don't cause a
	// thundering herd of identical checks.
	DefaultMaxJitter = 10 * time.Second

	// DefaultDependencyTimeout bounds the broadcast of a single
	// dependency transaction during pledge submission.
	DefaultDependencyTimeout = 30 * time.Second

	// DefaultPeerWaitTimeout bounds how long a verification run waits
	// for enough qualifying peers before giving up with an error.
	DefaultPeerWaitTimeout = 2 * time.Minute

	// DefaultRecheckInterval is how often every project with open
	// pledges is re-verified against the network regardless of block or
	// transaction activity, catching spends the notification filter
	// missed.
	DefaultRecheckInterval = 10 * time.Minute

	// recheckJitterScaler spreads the periodic re-verification ticks
	// out, so a fleet of engines started together doesn't query its
	// peers in lockstep.
	recheckJitterScaler = 0.2

	// claimFinalDepth is the confirmation depth past which a claim
	// transaction is considered final and its watcher detaches.
	claimFinalDepth = 3
)

// ErrBackendStopped is returned by entry points once Stop has been called.
var ErrBackendStopped = errors.New("backend has stopped")

// CheckStatus surfaces verification progress for one project. It is present
// in the status map only while a check is in flight or after the most recent
// check failed; absence means the last known-good state was accepted.
type CheckStatus struct {
	// InProgress is true while a verification run is executing.
	InProgress bool

	// Err holds the failure of the most recent run, nil while in
	// progress.
	Err error
}

// ServerStatus is a status server's consolidated answer for one project.
type ServerStatus struct {
	// Pledges are the currently open pledges the server reports, usually
	// in scrubbed form.
	Pledges []*project.Pledge

	// ClaimedBy is the hash of the claiming transaction, if the server
	// knows the project was claimed.
	ClaimedBy *chainhash.Hash
}

// StatusSource fetches a project's status from its remote status server.
// Implementations perform blocking HTTP and are never called on the actor
// goroutine.
type StatusSource interface {
	ProjectStatus(ctx context.Context,
		p *project.Project) (*ServerStatus, error)
}

// Config assembles the engine's collaborators and tuning knobs.
type Config struct {
	// Params identifies the Bitcoin network.
	Params *chaincfg.Params

	// Peers supplies connected peers for UTXO verification.
	Peers chain.PeerSource

	// Broadcaster publishes dependency transactions during submission.
	// Only needed in server mode.
	Broadcaster chain.Broadcaster

	// Filter, when set, is poked after every change to the watched
	// outpoint set so the network layer re-registers its filter.
	Filter chain.FilterRefresher

	// Wallet is the local wallet collaborator. Optional; a server has
	// no wallet.
	Wallet store.Wallet

	// Store supplies disk-discovered pledges and persists accepted ones.
	// Optional.
	Store store.ProjectStore

	// StateDB persists per-project lifecycle state across restarts.
	StateDB *store.StateDB

	// StatusSource polls remote status servers for server-assisted
	// projects. Optional; ignored in server mode.
	StatusSource StatusSource

	// ServerMode selects the server-side behavior: submissions are
	// accepted and dependency-carrying pledges are verified rather than
	// rejected.
	ServerMode bool

	// MinPeers overrides DefaultMinPeers when positive.
	MinPeers int

	// QueryTimeout overrides chain.DefaultQueryTimeout when positive.
	QueryTimeout time.Duration

	// MaxJitter overrides DefaultMaxJitter when positive.
	MaxJitter time.Duration

	// DependencyTimeout overrides DefaultDependencyTimeout when
	// positive.
	DependencyTimeout time.Duration

	// PeerWaitTimeout overrides DefaultPeerWaitTimeout when positive.
	PeerWaitTimeout time.Duration

	// RecheckInterval overrides DefaultRecheckInterval when positive.
	RecheckInterval time.Duration
}

// pledgeRef locates a pledge inside the engine's maps by project and pledge
// identity. A pledge can only belong to one project, so the outpoint index
// maps to exactly one ref.
type pledgeRef struct {
	projectID  chainhash.Hash
	pledgeHash chainhash.Hash
}

// Backend is the reconciliation engine actor. All mutable state below the
// config is owned by the single goroutine started in Start; external callers
// interact only through the exported entry points.
type Backend struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	// inTask is set while the actor executes a task and backs the
	// on-actor assertion in debug paths.
	inTask atomic.Bool

	// Everything below is actor-owned.

	projects    map[chainhash.Hash]*project.Project
	projectList *obsset.Set[chainhash.Hash, *project.Project]

	open    map[chainhash.Hash]*obsset.Set[chainhash.Hash, *project.Pledge]
	claimed map[chainhash.Hash]*obsset.Set[chainhash.Hash, *project.Pledge]

	// pending holds pledges discovered but not yet verified, so a
	// scheduled check picks them up.
	pending map[chainhash.Hash]map[chainhash.Hash]*project.Pledge

	states  *obsset.Map[chainhash.Hash, store.ProjectState]
	checks  *obsset.Map[chainhash.Hash, CheckStatus]

	// openOutpoints indexes every outpoint spent by an open pledge, for
	// revocation detection against observed transactions.
	openOutpoints map[wire.OutPoint]pledgeRef

	// claims tracks observed claim transactions per claim tx hash.
	claims map[chainhash.Hash]*claimWatch

	// checking serializes verification runs: while one is in flight,
	// new requests queue behind it.
	checking      bool
	pendingChecks []*checkRequest
}

// New creates an engine from the given config. Start must be called before
// any entry point is used.
func New(cfg *Config) (*Backend, error) {
	if cfg.Params == nil {
		return nil, errors.New("missing chain params")
	}
	if cfg.Peers == nil {
		return nil, errors.New("missing peer source")
	}

	b := &Backend{
		cfg:           *cfg,
		tasks:         make(chan func(), 128),
		quit:          make(chan struct{}),
		projects:      make(map[chainhash.Hash]*project.Project),
		projectList:   obsset.NewSet(projectKey),
		open:          make(map[chainhash.Hash]*obsset.Set[chainhash.Hash, *project.Pledge]),
		claimed:       make(map[chainhash.Hash]*obsset.Set[chainhash.Hash, *project.Pledge]),
		pending:       make(map[chainhash.Hash]map[chainhash.Hash]*project.Pledge),
		states:        obsset.NewMap[chainhash.Hash, store.ProjectState](),
		checks:        obsset.NewMap[chainhash.Hash, CheckStatus](),
		openOutpoints: make(map[wire.OutPoint]pledgeRef),
		claims:        make(map[chainhash.Hash]*claimWatch),
	}

	if b.cfg.MinPeers <= 0 {
		b.cfg.MinPeers = DefaultMinPeers
	}
	if b.cfg.QueryTimeout <= 0 {
		b.cfg.QueryTimeout = chain.DefaultQueryTimeout
	}
	if b.cfg.MaxJitter <= 0 {
		b.cfg.MaxJitter = DefaultMaxJitter
	}
	if b.cfg.DependencyTimeout <= 0 {
		b.cfg.DependencyTimeout = DefaultDependencyTimeout
	}
	if b.cfg.PeerWaitTimeout <= 0 {
		b.cfg.PeerWaitTimeout = DefaultPeerWaitTimeout
	}
	if b.cfg.RecheckInterval <= 0 {
		b.cfg.RecheckInterval = DefaultRecheckInterval
	}

	return b, nil
}

func projectKey(p *project.Project) chainhash.Hash {
	return p.ID()
}

func pledgeKey(p *project.Pledge) chainhash.Hash {
	return p.Hash()
}

// Start launches the actor goroutine.
func (b *Backend) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("backend already started")
	}

	b.wg.Add(1)
	go b.actor()

	b.wg.Add(1)
	go b.recheckLoop()

	log.Info("Pledge reconciliation engine started")

	return nil
}

// recheckLoop periodically re-verifies every project that still has open
// pledges. Block and transaction notifications drive most state changes,
// but a filter gap or a missed broadcast would otherwise leave a spent
// pledge open indefinitely; the ticker bounds that window.
func (b *Backend) recheckLoop() {
	defer b.wg.Done()

	ticker := chain.NewJitterTicker(
		b.cfg.RecheckInterval, recheckJitterScaler,
	)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.runOnActor(func() {
				for id, open := range b.open {
					if open.Len() == 0 {
						continue
					}
					b.queueCheck(&checkRequest{
						projectID: id,
					})
				}
			})
			if err != nil {
				return
			}

		case <-b.quit:
			return
		}
	}
}

// Stop signals the actor to exit after draining queued work.
func (b *Backend) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.quit)
}

// WaitForShutdown blocks until the actor goroutine has exited.
func (b *Backend) WaitForShutdown() {
	b.wg.Wait()
}

// actor is the engine's single worker loop. Every mutation of the pledge
// sets, project states and check statuses happens here.
func (b *Backend) actor() {
	defer b.wg.Done()

	for {
		select {
		case fn := <-b.tasks:
			b.inTask.Store(true)
			fn()
			b.inTask.Store(false)

		case <-b.quit:
			// Drain whatever was queued before the quit so
			// callers blocked on replies are released.
			for {
				select {
				case fn := <-b.tasks:
					b.inTask.Store(true)
					fn()
					b.inTask.Store(false)
				default:
					return
				}
			}
		}
	}
}

// assertOnActor guards the private mutation paths. It is a cheap runtime
// check rather than a compile-time guarantee, so it panics loudly instead of
// limping on with a data race.
func (b *Backend) assertOnActor() {
	if !b.inTask.Load() {
		panic("backend state touched off the actor goroutine")
	}
}

// post enqueues fn onto the actor, dropping it when the engine has stopped.
func (b *Backend) post(fn func()) {
	select {
	case b.tasks <- fn:
	case <-b.quit:
	}
}

// Execute implements obsset.Executor, letting observable mirrors target the
// actor goroutine.
func (b *Backend) Execute(fn func()) {
	b.post(fn)
}

// runOnActor posts fn and blocks until it ran.
func (b *Backend) runOnActor(fn func()) error {
	done := make(chan struct{})
	select {
	case b.tasks <- func() {
		fn()
		close(done)
	}:
	case <-b.quit:
		return ErrBackendStopped
	}

	select {
	case <-done:
		return nil
	case <-b.quit:
		// The drain loop still runs queued tasks after quit.
		<-done
		return nil
	}
}

// ProjectDiscovered registers a project with the engine, begins watching its
// target scripts for claim detection, and immediately kicks off
// verification: server-assisted projects are refreshed from their status
// server, everything else runs a full P2P check over the pledges already
// known for it.
func (b *Backend) ProjectDiscovered(p *project.Project) {
	b.post(func() {
		b.projectDiscovered(p)
	})
}

func (b *Backend) projectDiscovered(p *project.Project) {
	b.assertOnActor()

	id := p.ID()
	if _, ok := b.projects[id]; ok {
		return
	}

	log.Infof("Project discovered: %q (%s)", p.Title(), id)

	b.projects[id] = p
	b.projectList.Add(p)
	b.open[id] = obsset.NewSet(pledgeKey)
	b.claimed[id] = obsset.NewSet(pledgeKey)

	// Project state survives restarts, so seed from the database rather
	// than assuming open.
	state := store.ProjectState{State: project.StateOpen}
	if b.cfg.StateDB != nil {
		var err error
		state, err = b.cfg.StateDB.State(id)
		if err != nil {
			log.Errorf("Unable to load state of %s: %v", id, err)
			state = store.ProjectState{
				State: project.StateUnknown,
			}
		}
	}
	b.states.Put(id, state)

	if b.cfg.Wallet != nil {
		b.cfg.Wallet.WatchScripts(p.OutputScripts())
	}

	if b.clientAssisted(p) {
		go func() {
			ctx, cancel := context.WithTimeout(
				context.Background(), b.cfg.PeerWaitTimeout,
			)
			defer cancel()

			if err := b.RefreshFromServer(ctx, id); err != nil {
				log.Warnf("Initial server refresh of %s "+
					"failed: %v", id, err)
			}
		}()
		return
	}

	b.queueCheck(&checkRequest{projectID: id})
}

// clientAssisted reports whether pledge status of p is owned by a remote
// status server from this node's point of view.
func (b *Backend) clientAssisted(p *project.Project) bool {
	return !b.cfg.ServerMode && p.IsServerAssisted() &&
		b.cfg.StatusSource != nil
}

// ProjectRemoved drops a project from the engine's maps, for example after
// an edit produced a replacement with a new identity. Persisted state is
// kept so history survives the file disappearing.
func (b *Backend) ProjectRemoved(id chainhash.Hash) {
	b.post(func() {
		b.assertOnActor()

		if _, ok := b.projects[id]; !ok {
			return
		}

		// Deindex the project's open pledges before dropping the
		// sets.
		if open := b.open[id]; open != nil {
			for _, p := range open.Items() {
				b.deindexPledge(p)
			}
		}

		delete(b.projects, id)
		b.projectList.RemoveKey(id)
		delete(b.open, id)
		delete(b.claimed, id)
		delete(b.pending, id)
		b.states.Delete(id)
		b.checks.Delete(id)

		b.filterChanged()
	})
}

// PledgeDiscovered hands the engine a pledge found on disk, in the wallet or
// elsewhere. Already-known pledges are a no-op; new ones are verified after
// a jitter delay together with every other open pledge of the project, so
// duplicate outpoints across pledges are caught.
func (b *Backend) PledgeDiscovered(projectID chainhash.Hash,
	p *project.Pledge) {

	b.post(func() {
		b.pledgeDiscovered(projectID, p)
	})
}

func (b *Backend) pledgeDiscovered(projectID chainhash.Hash,
	p *project.Pledge) {

	b.assertOnActor()

	proj, ok := b.projects[projectID]
	if !ok {
		log.Warnf("Pledge discovered for unknown project %s",
			projectID)
		return
	}

	hash := p.Hash()
	if b.pledgeKnown(projectID, hash, p) {
		return
	}

	log.Debugf("Pledge %s discovered for project %q", hash, proj.Title())

	pending, ok := b.pending[projectID]
	if !ok {
		pending = make(map[chainhash.Hash]*project.Pledge)
		b.pending[projectID] = pending
	}
	pending[hash] = p

	b.scheduleJitteredCheck(projectID)
}

// pledgeKnown reports whether the engine already tracks the pledge in any
// lifecycle stage.
func (b *Backend) pledgeKnown(projectID, hash chainhash.Hash,
	p *project.Pledge) bool {

	if open := b.open[projectID]; open != nil &&
		open.ContainsKey(hash) {

		return true
	}
	if claimed := b.claimed[projectID]; claimed != nil &&
		claimed.ContainsKey(hash) {

		return true
	}
	if pending := b.pending[projectID]; pending != nil {
		if _, ok := pending[hash]; ok {
			return true
		}
	}
	if b.cfg.Wallet != nil && b.cfg.Wallet.IsRevoked(p) {
		return true
	}

	return false
}

// scheduleJitteredCheck queues a verification of the project after a random
// delay, unless the trigger is superseded by a fresher check completing
// first; syncPledges always diffs against live state, so a stale trigger is
// harmless.
func (b *Backend) scheduleJitteredCheck(projectID chainhash.Hash) {
	delay := chain.JitterDuration(b.cfg.MaxJitter)
	time.AfterFunc(delay, func() {
		b.post(func() {
			b.queueCheck(&checkRequest{projectID: projectID})
		})
	})
}

// CheckProject manually triggers a full verification of the project's
// pledges, e.g. from a UI refresh action.
func (b *Backend) CheckProject(projectID chainhash.Hash) {
	b.post(func() {
		b.queueCheck(&checkRequest{projectID: projectID})
	})
}

// Project returns the registered project with the given ID.
func (b *Backend) Project(id chainhash.Hash) (*project.Project, error) {
	var proj *project.Project
	err := b.runOnActor(func() {
		proj = b.projects[id]
	})
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, project.ErrUnknownProject
	}

	return proj, nil
}

// Projects returns a snapshot of all registered projects.
func (b *Backend) Projects() []*project.Project {
	var projects []*project.Project
	_ = b.runOnActor(func() {
		projects = b.projectList.Items()
	})

	return projects
}

// MirrorProjects returns a live copy of the project list applying its
// change stream on the given executor.
func (b *Backend) MirrorProjects(
	exec obsset.Executor) (*obsset.Mirror[chainhash.Hash,
	*project.Project], error) {

	var m *obsset.Mirror[chainhash.Hash, *project.Project]
	err := b.runOnActor(func() {
		m = b.projectList.Mirror(exec)
	})

	return m, err
}

// MirrorOpenPledges returns a live copy of a project's open pledge set
// applying its change stream on the given executor.
func (b *Backend) MirrorOpenPledges(projectID chainhash.Hash,
	exec obsset.Executor) (*obsset.Mirror[chainhash.Hash,
	*project.Pledge], error) {

	var (
		m      *obsset.Mirror[chainhash.Hash, *project.Pledge]
		outErr error
	)
	err := b.runOnActor(func() {
		open, ok := b.open[projectID]
		if !ok {
			outErr = project.ErrUnknownProject
			return
		}
		m = open.Mirror(exec)
	})
	if err != nil {
		return nil, err
	}

	return m, outErr
}

// OpenPledges returns a snapshot of a project's open pledges.
func (b *Backend) OpenPledges(
	projectID chainhash.Hash) []*project.Pledge {

	var pledges []*project.Pledge
	_ = b.runOnActor(func() {
		if open, ok := b.open[projectID]; ok {
			pledges = open.Items()
		}
	})

	return pledges
}

// ClaimedPledges returns a snapshot of a project's claimed pledges.
func (b *Backend) ClaimedPledges(
	projectID chainhash.Hash) []*project.Pledge {

	var pledges []*project.Pledge
	_ = b.runOnActor(func() {
		if claimed, ok := b.claimed[projectID]; ok {
			pledges = claimed.Items()
		}
	})

	return pledges
}

// PledgedTotal returns the summed input value of a project's open pledges.
func (b *Backend) PledgedTotal(projectID chainhash.Hash) int64 {
	var total int64
	_ = b.runOnActor(func() {
		total = b.pledgedTotal(projectID)
	})

	return total
}

func (b *Backend) pledgedTotal(projectID chainhash.Hash) int64 {
	b.assertOnActor()

	open, ok := b.open[projectID]
	if !ok {
		return 0
	}

	var total int64
	for _, p := range open.Items() {
		total += int64(p.TotalInput())
	}

	return total
}

// ProjectState returns the current lifecycle state of a project.
func (b *Backend) ProjectState(
	id chainhash.Hash) (store.ProjectState, error) {

	var (
		state store.ProjectState
		ok    bool
	)
	err := b.runOnActor(func() {
		state, ok = b.states.Get(id)
	})
	if err != nil {
		return state, err
	}
	if !ok {
		return state, project.ErrUnknownProject
	}

	return state, nil
}

// CheckStatusOf returns the in-flight or most-recently-failed verification
// status of a project. ok is false when the last check was accepted.
func (b *Backend) CheckStatusOf(id chainhash.Hash) (CheckStatus, bool) {
	var (
		status CheckStatus
		ok     bool
	)
	_ = b.runOnActor(func() {
		status, ok = b.checks.Get(id)
	})

	return status, ok
}

// ConsumeNotifications dispatches the network layer's notification stream
// into the engine until the channel closes or the engine stops.
func (b *Backend) ConsumeNotifications(ntfns <-chan interface{}) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		for {
			select {
			case n, ok := <-ntfns:
				if !ok {
					return
				}
				b.dispatchNotification(n)

			case <-b.quit:
				return
			}
		}
	}()
}

func (b *Backend) dispatchNotification(n interface{}) {
	switch n := n.(type) {
	case chain.BlockConnected:
		b.OnBlockConnected(n)

	case chain.RelevantTx:
		b.OnTransactionObserved(n.Tx, n.Mined)

	case chain.TxConfidence:
		b.OnTxConfidence(n)

	case chain.PeerConnected:
		log.Debugf("Peer connected: %s", n.Addr)
	}
}

// OnBlockConnected reacts to a new block: every project holding open
// pledges is re-verified after a jitter delay, since any of their outpoints
// may have been spent in the block.
func (b *Backend) OnBlockConnected(block chain.BlockConnected) {
	b.post(func() {
		b.assertOnActor()

		log.Debugf("New block %v (height %d)", block.Hash,
			block.Height)

		for id, open := range b.open {
			if open.Len() == 0 {
				continue
			}
			b.scheduleJitteredCheck(id)
		}
	})
}
