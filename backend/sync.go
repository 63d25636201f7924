// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/pharosfund/pharos/project"
	"github.com/pharosfund/pharos/store"
)

// syncPledges reconciles a verification outcome into the project's open set
// with a minimal diff: pledges verified but not yet open are added, pledges
// tested but no longer verified are removed. Nothing is ever rebuilt
// wholesale; consumers observe the individual add/remove events and derive
// animations and running totals from them.
//
// When serverList is true the verified list came from an authoritative
// status server, and open pledges missing from it are removed even if they
// were not part of this round's tested set.
func (b *Backend) syncPledges(proj *project.Project,
	tested fn.Set[chainhash.Hash], verified []*project.Pledge,
	serverList bool) {

	b.assertOnActor()

	id := proj.ID()
	open := b.open[id]
	claimed := b.claimed[id]
	if open == nil || claimed == nil {
		return
	}

	verifiedKeys := fn.NewSet[chainhash.Hash]()
	for _, p := range verified {
		hash := p.Hash()
		verifiedKeys.Add(hash)

		// The wallet's revocation knowledge beats the network's
		// answer: a user-revoked pledge never re-enters the open set
		// even while the replacement spend is still propagating.
		if b.cfg.Wallet != nil && b.cfg.Wallet.IsRevoked(p) {
			continue
		}

		// Already claimed pledges stay claimed.
		if claimed.ContainsKey(hash) {
			continue
		}

		// A scrubbed copy of a pledge already present in full form
		// hashes to the same identity through its scrub marker, so
		// Add dedupes it here.
		if b.addOpenPledge(id, p) {
			log.Infof("Pledge %s added to project %q (%v)",
				hash, proj.Title(), p.TotalInput())
		}
	}

	for _, p := range open.Items() {
		hash := p.Hash()
		if verifiedKeys.Contains(hash) {
			continue
		}

		remove := tested.Contains(hash) || serverList
		if !remove {
			continue
		}

		b.removeOpenPledge(id, p)
		log.Infof("Pledge %s removed from project %q", hash,
			proj.Title())
	}
}

// addOpenPledge inserts a pledge into the open set and indexes its
// outpoints for revocation detection. Returns false when the pledge was
// already present.
func (b *Backend) addOpenPledge(projectID chainhash.Hash,
	p *project.Pledge) bool {

	b.assertOnActor()

	open := b.open[projectID]
	if open == nil || !open.Add(p) {
		return false
	}

	ref := pledgeRef{projectID: projectID, pledgeHash: p.Hash()}
	for _, op := range p.OutPoints() {
		b.openOutpoints[op] = ref
	}

	return true
}

// removeOpenPledge removes a pledge from the open set and deindexes its
// outpoints.
func (b *Backend) removeOpenPledge(projectID chainhash.Hash,
	p *project.Pledge) bool {

	b.assertOnActor()

	open := b.open[projectID]
	if open == nil || !open.RemoveKey(p.Hash()) {
		return false
	}
	b.deindexPledge(p)

	return true
}

func (b *Backend) deindexPledge(p *project.Pledge) {
	b.assertOnActor()

	for _, op := range p.OutPoints() {
		delete(b.openOutpoints, op)
	}
}

// movePledgeToClaimed shifts a pledge from the open set to the claimed set,
// recording the claim watch that consumed it.
func (b *Backend) movePledgeToClaimed(projectID chainhash.Hash,
	p *project.Pledge, claim *claimWatch) {

	b.assertOnActor()

	b.removeOpenPledge(projectID, p)

	claimed := b.claimed[projectID]
	if claimed != nil && claimed.Add(p) {
		log.Infof("Pledge %s of project %s claimed by %v", p.Hash(),
			projectID, claim.txHash)
	}
}

// RefreshFromServer performs the authoritative refresh for a
// server-assisted project: the server's reported pledge list replaces the
// tested set, and a reported claim hash moves the project to claimed even
// before the local watcher observed the claim on the network. The HTTP
// round trip happens on the calling goroutine; only the merge runs on the
// actor.
func (b *Backend) RefreshFromServer(ctx context.Context,
	projectID chainhash.Hash) error {

	if b.cfg.StatusSource == nil {
		return errors.New("no status source configured")
	}

	proj, err := b.Project(projectID)
	if err != nil {
		return err
	}
	if !proj.IsServerAssisted() {
		return errors.New("project has no status server")
	}

	if err := b.runOnActor(func() {
		b.checks.Put(projectID, CheckStatus{InProgress: true})
	}); err != nil {
		return err
	}

	status, err := b.cfg.StatusSource.ProjectStatus(ctx, proj)
	if err != nil {
		_ = b.runOnActor(func() {
			b.checks.Put(projectID, CheckStatus{Err: err})
		})
		return err
	}

	return b.runOnActor(func() {
		b.applyServerStatus(proj, status)
	})
}

// applyServerStatus merges a status server response on the actor.
func (b *Backend) applyServerStatus(proj *project.Project,
	status *ServerStatus) {

	b.assertOnActor()

	id := proj.ID()
	if _, ok := b.projects[id]; !ok {
		return
	}

	// The server's list is both the tested set and, after filtering,
	// the verified set.
	tested := fn.NewSet[chainhash.Hash]()
	for _, p := range status.Pledges {
		tested.Add(p.Hash())
	}

	b.syncPledges(proj, tested, status.Pledges, true)
	delete(b.pending, id)
	b.filterChanged()
	b.checks.Delete(id)

	if status.ClaimedBy != nil {
		b.setProjectState(id, store.ProjectState{
			State:     project.StateClaimed,
			ClaimedBy: status.ClaimedBy,
		})
	}

	log.Debugf("Server refresh of %q: %d pledge(s), claimed=%v",
		proj.Title(), len(status.Pledges), status.ClaimedBy != nil)
}

// setProjectState updates the observable state map and persists the change.
func (b *Backend) setProjectState(id chainhash.Hash,
	state store.ProjectState) {

	b.assertOnActor()

	if current, ok := b.states.Get(id); ok &&
		current.State == state.State &&
		equalHashPtr(current.ClaimedBy, state.ClaimedBy) {

		return
	}

	b.states.Put(id, state)

	if b.cfg.StateDB != nil {
		if err := b.cfg.StateDB.PutState(id, state); err != nil {
			log.Errorf("Unable to persist state of %s: %v", id,
				err)
		}
	}
}

func equalHashPtr(a, b *chainhash.Hash) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}
