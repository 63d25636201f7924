// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/pharosfund/pharos/chain"
	"github.com/pharosfund/pharos/project"
)

// checkRequest describes one queued verification run.
type checkRequest struct {
	projectID chainhash.Hash

	// extra is verified alongside the project's known pledges, used by
	// submission to test a candidate before accepting it.
	extra *project.Pledge

	// done, when set, receives the fate of the extra pledge: nil when
	// it survived verification, the rejection cause otherwise.
	done chan error
}

// queueCheck runs the request now or, when a verification is already in
// flight, queues it behind the current one. Only one run executes at a time;
// ordering guarantees of the observable sets depend on it.
func (b *Backend) queueCheck(req *checkRequest) {
	b.assertOnActor()

	if b.checking {
		b.pendingChecks = append(b.pendingChecks, req)
		return
	}
	b.startCheck(req)
}

// finishRun releases the verification slot and starts the next queued run.
func (b *Backend) finishRun() {
	b.assertOnActor()

	b.checking = false
	if len(b.pendingChecks) == 0 {
		return
	}

	next := b.pendingChecks[0]
	b.pendingChecks[0] = nil
	b.pendingChecks = b.pendingChecks[1:]
	b.startCheck(next)
}

// startCheck assembles the pledge set to test and launches the network phase
// off the actor goroutine. The continuation resumes on the actor via
// finishCheck.
func (b *Backend) startCheck(req *checkRequest) {
	b.assertOnActor()

	proj, ok := b.projects[req.projectID]
	if !ok {
		if req.done != nil {
			req.done <- project.ErrUnknownProject
		}
		return
	}

	pledges := b.collectPledges(req)
	if len(pledges) == 0 {
		// Nothing testable. No full pledge is known and scrubbed
		// copies cannot be verified against the network.
		if req.done != nil {
			req.done <- project.ErrScrubbedPledge
		}
		b.checks.Delete(req.projectID)
		return
	}

	b.checking = true
	b.checks.Put(req.projectID, CheckStatus{InProgress: true})

	log.Infof("Verifying %d pledge(s) of project %q against the P2P "+
		"network", len(pledges), proj.Title())

	go b.runCheck(proj, pledges, req)
}

// collectPledges gathers every full pledge currently worth testing: the open
// set, pledges pending since discovery, disk finds and the wallet's own.
// Scrubbed pledges carry no transaction data and cannot be P2P checked, so
// they are skipped. In client mode, pledges still dragging dependency
// transactions are rejected from the run: a client pledge must have its
// dependencies broadcast and settled before it reaches the engine.
func (b *Backend) collectPledges(req *checkRequest) []*project.Pledge {
	b.assertOnActor()

	projectID := req.projectID
	byHash := make(map[chainhash.Hash]*project.Pledge)

	add := func(p *project.Pledge) {
		if p.IsScrubbed() {
			return
		}
		if !b.cfg.ServerMode && len(p.Dependencies()) > 0 {
			log.Warnf("Rejecting pledge %s: dependency "+
				"transactions are not allowed in client mode",
				p.Hash())
			// Drop it from the pending stage too, or every
			// round would reject and re-warn about it forever.
			if pending := b.pending[projectID]; pending != nil {
				delete(pending, p.Hash())
				if len(pending) == 0 {
					delete(b.pending, projectID)
				}
			}
			return
		}
		byHash[p.Hash()] = p
	}

	if open := b.open[projectID]; open != nil {
		for _, p := range open.Items() {
			add(p)
		}
	}
	for _, p := range b.pending[projectID] {
		add(p)
	}
	if b.cfg.Store != nil {
		for _, p := range b.cfg.Store.PledgesFor(projectID) {
			add(p)
		}
	}
	if b.cfg.Wallet != nil {
		for _, p := range b.cfg.Wallet.Pledges(projectID) {
			add(p)
		}
	}
	if req.extra != nil {
		add(req.extra)
	}

	pledges := make([]*project.Pledge, 0, len(byHash))
	for _, p := range byHash {
		pledges = append(pledges, p)
	}

	return pledges
}

// runCheck is the network phase of a verification run. It never touches
// actor state: it waits for enough qualifying peers, issues one batched
// multi-peer UTXO query covering every pledge's primary outpoint, and posts
// the verdicts back to the actor.
func (b *Backend) runCheck(proj *project.Project,
	pledges []*project.Pledge, req *checkRequest) {

	ctx, cancel := context.WithTimeout(
		context.Background(), b.cfg.PeerWaitTimeout,
	)
	defer cancel()

	peers, err := b.cfg.Peers.WaitForUTXOPeers(ctx, b.cfg.MinPeers)
	if err != nil {
		err = fmt.Errorf("waiting for %d qualifying peers: %w",
			b.cfg.MinPeers, err)
		b.post(func() {
			b.finishCheck(proj, pledges, nil, err, req)
		})
		return
	}

	batcher := chain.NewUTXOBatcher(b.cfg.QueryTimeout)

	waiters := make(map[chainhash.Hash]<-chan chain.UTXOLookup)
	for _, p := range pledges {
		op, err := p.PrimaryOutPoint()
		if err != nil {
			// Skipped here, surfaced by the sanity check on the
			// actor side.
			continue
		}
		waiters[p.Hash()] = batcher.Query(op)
	}

	flushErr := batcher.Flush(ctx, peers)

	verdicts := make(map[chainhash.Hash]chain.UTXOState, len(waiters))
	if flushErr == nil {
		for hash, ch := range waiters {
			lookup := <-ch
			verdicts[hash] = lookup.State
		}
	}

	b.post(func() {
		b.finishCheck(proj, pledges, verdicts, flushErr, req)
	})
}

// finishCheck applies the verdicts of a verification run on the actor:
// structural checks, cross-pledge duplicate detection, revocation/claim
// classification, the minimal-diff sync, and the filter refresh.
func (b *Backend) finishCheck(proj *project.Project,
	pledges []*project.Pledge, verdicts map[chainhash.Hash]chain.UTXOState,
	runErr error, req *checkRequest) {

	b.assertOnActor()
	defer b.finishRun()

	id := proj.ID()

	// The project may have been removed while the network phase ran.
	if _, ok := b.projects[id]; !ok {
		if req.done != nil {
			req.done <- project.ErrUnknownProject
		}
		return
	}

	// A consensus failure or peer shortage fails the whole run: no
	// partial acceptance, status set for passive observers.
	if runErr != nil {
		log.Errorf("Verification of %q failed: %v", proj.Title(),
			runErr)
		b.checks.Put(id, CheckStatus{Err: runErr})
		if req.done != nil {
			req.done <- runErr
		}
		return
	}

	var (
		tested        = fn.NewSet[chainhash.Hash]()
		verified      []*project.Pledge
		seenOutpoints = make(map[wire.OutPoint]chainhash.Hash)
		structuralErr error
		extraVerified bool
	)

	for _, p := range pledges {
		hash := p.Hash()

		state, ok := verdicts[hash]
		if !ok || state == chain.UTXOUnknown {
			// Timeout: indeterminate, excluded from this round
			// without being treated as revoked.
			log.Debugf("Pledge %s excluded from round: no "+
				"answer", hash)
			continue
		}

		// The answer is definitive either way, so the pledge was
		// tested and syncPledges may act on its absence.
		tested.Add(hash)

		if err := p.SanityCheck(proj); err != nil {
			log.Warnf("Pledge %s failed sanity check: %v", hash,
				err)
			if structuralErr == nil {
				structuralErr = err
			}
			continue
		}

		// Cross-pledge duplicate outpoints invalidate the whole
		// batch: both pledges can't be claimed, and silently picking
		// one would hide a double-spend attempt.
		for _, op := range p.OutPoints() {
			if _, ok := seenOutpoints[op]; ok {
				b.failCheck(
					id, &project.DuplicatedOutPointError{
						OutPoint: op,
					}, req,
				)
				return
			}
			seenOutpoints[op] = hash
		}

		switch state {
		case chain.UTXOUnspent:
			// A submission candidate that is not already open is
			// held back from the merge: it only enters the open
			// set through admitExtra below, where the goal guard
			// runs again against the post-merge total.
			if req.extra != nil && hash == req.extra.Hash() {
				if open := b.open[id]; open == nil ||
					!open.ContainsKey(hash) {

					extraVerified = true
					continue
				}
			}
			verified = append(verified, p)

		case chain.UTXOSpent:
			// Spent outpoints mean revoked, unless the spender is
			// a known claim of this project, in which case the
			// pledge moves to the claimed set instead.
			if claim := b.claimConsuming(id, p); claim != nil {
				b.movePledgeToClaimed(id, p, claim)
				continue
			}
			log.Infof("Pledge %s of %q was revoked", hash,
				proj.Title())
		}
	}

	b.syncPledges(proj, tested, verified, false)

	// Tested pledges leave the pending stage whatever their verdict;
	// indeterminate ones stay for the next round.
	if pending, ok := b.pending[id]; ok {
		for hash := range pending {
			if tested.Contains(hash) {
				delete(pending, hash)
			}
		}
		if len(pending) == 0 {
			delete(b.pending, id)
		}
	}

	goalErr := b.admitExtra(proj, req, extraVerified)

	b.filterChanged()

	if structuralErr != nil {
		b.checks.Put(id, CheckStatus{Err: structuralErr})
	} else {
		// Absence means the last known-good state was accepted.
		b.checks.Delete(id)
	}

	if req.done != nil {
		if goalErr != nil {
			req.done <- goalErr
		} else {
			req.done <- b.submissionOutcome(
				id, req.extra, structuralErr,
			)
		}
	}
}

// admitExtra moves a verified submission candidate into the open set after
// the rest of the round has been merged. The goal guard already ran before
// the candidate was queued, but a concurrent submission may have grown the
// open set between then and now, so it runs again here against the
// post-merge total. This is the only path a submitted pledge takes into the
// open set.
func (b *Backend) admitExtra(proj *project.Project, req *checkRequest,
	verified bool) error {

	b.assertOnActor()

	if req.extra == nil || !verified {
		return nil
	}

	id := proj.ID()
	if b.cfg.Wallet != nil && b.cfg.Wallet.IsRevoked(req.extra) {
		return nil
	}
	if claimed := b.claimed[id]; claimed != nil &&
		claimed.ContainsKey(req.extra.Hash()) {

		return nil
	}

	if err := b.overcommitGuard(proj, req.extra); err != nil {
		return err
	}

	if b.addOpenPledge(id, req.extra) {
		log.Infof("Pledge %s added to project %q (%v)",
			req.extra.Hash(), proj.Title(), req.extra.TotalInput())
	}

	return nil
}

// failCheck aborts a verification run with a batch-fatal error.
func (b *Backend) failCheck(id chainhash.Hash, err error,
	req *checkRequest) {

	b.assertOnActor()

	log.Errorf("Verification of %s failed: %v", id, err)
	b.checks.Put(id, CheckStatus{Err: err})
	if req.done != nil {
		req.done <- err
	}
}

// submissionOutcome resolves the fate of a submitted pledge after its
// verification run completed.
func (b *Backend) submissionOutcome(id chainhash.Hash,
	extra *project.Pledge, structuralErr error) error {

	if extra == nil {
		return nil
	}

	open := b.open[id]
	if open != nil && open.ContainsKey(extra.Hash()) {
		return nil
	}

	if structuralErr != nil {
		return structuralErr
	}

	return fmt.Errorf("pledge %s was not accepted: inputs already "+
		"spent or unverifiable", extra.Hash())
}
