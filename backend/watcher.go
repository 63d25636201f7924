// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/pharosfund/pharos/chain"
	"github.com/pharosfund/pharos/project"
	"github.com/pharosfund/pharos/store"
)

// claimWatch follows one candidate claim transaction from first sighting to
// finality. The engine only acts on it once its confidence crosses the
// acceptance threshold, and stops following once the claim is buried deep
// enough to be final.
type claimWatch struct {
	projectID chainhash.Hash
	txHash    chainhash.Hash
	tx        *wire.MsgTx

	// spends indexes the outpoints consumed by the claim, so pledge
	// verification can tell a claim spend apart from a revocation.
	spends map[wire.OutPoint]struct{}

	// claimed is set once the project transitioned to claimed for this
	// watch, making the transition idempotent under repeated confidence
	// updates.
	claimed bool

	// detached is set once the claim reached final depth; later updates
	// for the same hash are ignored.
	detached bool
}

// OnTransactionObserved feeds a network-observed transaction into the engine.
// Two things can match: the transaction may be a claim of a watched project
// (it pays all the project's target outputs), or it may spend an outpoint
// backing an open pledge, which revokes that pledge.
func (b *Backend) OnTransactionObserved(tx *wire.MsgTx, mined bool) {
	b.post(func() {
		b.transactionObserved(tx, mined)
	})
}

func (b *Backend) transactionObserved(tx *wire.MsgTx, mined bool) {
	b.assertOnActor()

	txHash := tx.TxHash()

	if cw, ok := b.claims[txHash]; ok {
		// A mined sighting of a known claim counts as one
		// confirmation even without an explicit confidence update.
		if mined && !cw.detached {
			b.txConfidence(chain.TxConfidence{
				TxHash: txHash,
				Depth:  1,
			})
		}
		return
	}

	if cw := b.detectClaim(tx, txHash); cw != nil {
		b.claims[txHash] = cw

		proj := b.projects[cw.projectID]
		log.Infof("Observed claim %v of project %q", txHash,
			proj.Title())

		if mined {
			b.txConfidence(chain.TxConfidence{
				TxHash: txHash,
				Depth:  1,
			})
		}

		// The claim may also spend outpoints backing pledges of
		// other projects; those spends are revocations for them.
		b.detectRevocations(tx, txHash, &cw.projectID)
		return
	}

	b.detectRevocations(tx, txHash, nil)
}

// detectClaim checks whether tx claims any watched project: it must pay
// every target output of the project and consume at least one outpoint
// backing one of its open pledges.
func (b *Backend) detectClaim(tx *wire.MsgTx,
	txHash chainhash.Hash) *claimWatch {

	b.assertOnActor()

	for id, proj := range b.projects {
		if !proj.ClaimMatches(tx) {
			continue
		}

		consumesPledge := false
		for _, in := range tx.TxIn {
			ref, ok := b.openOutpoints[in.PreviousOutPoint]
			if ok && ref.projectID == id {
				consumesPledge = true
				break
			}
		}
		if !consumesPledge {
			continue
		}

		cw := &claimWatch{
			projectID: id,
			txHash:    txHash,
			tx:        tx,
			spends: make(map[wire.OutPoint]struct{},
				len(tx.TxIn)),
		}
		for _, in := range tx.TxIn {
			cw.spends[in.PreviousOutPoint] = struct{}{}
		}

		return cw
	}

	return nil
}

// detectRevocations removes every open pledge whose backing outpoint tx
// spends. For the project tx is a claim of, given as claimedID, the spends
// are the claim collecting its pledges and are handled by the claim state
// machine instead; for every other project a spend is the pledger taking
// their money back.
func (b *Backend) detectRevocations(tx *wire.MsgTx, txHash chainhash.Hash,
	claimedID *chainhash.Hash) {

	b.assertOnActor()

	for _, in := range tx.TxIn {
		ref, ok := b.openOutpoints[in.PreviousOutPoint]
		if !ok {
			continue
		}
		if claimedID != nil && ref.projectID == *claimedID {
			continue
		}

		open := b.open[ref.projectID]
		if open == nil {
			continue
		}
		p, ok := open.Get(ref.pledgeHash)
		if !ok {
			continue
		}

		proj := b.projects[ref.projectID]
		log.Infof("Pledge %s of %q revoked by %v", ref.pledgeHash,
			proj.Title(), txHash)

		b.removeOpenPledge(ref.projectID, p)
	}
}

// OnTxConfidence applies a confidence update for a watched claim
// transaction.
func (b *Backend) OnTxConfidence(tc chain.TxConfidence) {
	b.post(func() {
		b.txConfidence(tc)
	})
}

// txConfidence is the claim state machine. A pending claim with too few
// announcing peers is left alone; once it is mined or seen by enough peers
// the project transitions to claimed exactly once; three confirmations make
// it final and the watch detaches; a double-spent (dead) claim puts the
// project into the error state and releases its pledges back to open.
func (b *Backend) txConfidence(tc chain.TxConfidence) {
	b.assertOnActor()

	cw, ok := b.claims[tc.TxHash]
	if !ok || cw.detached {
		return
	}

	if tc.Dead {
		b.claimDied(cw)
		return
	}

	accepted := tc.Depth > 0 || tc.PeerCount >= b.cfg.MinPeers
	if !accepted {
		log.Debugf("Claim %v still pending (%d peer(s))", tc.TxHash,
			tc.PeerCount)
		return
	}

	if !cw.claimed {
		cw.claimed = true
		b.markProjectClaimed(cw)
	}

	if tc.Depth > claimFinalDepth {
		log.Debugf("Claim %v final at depth %d", tc.TxHash, tc.Depth)
		cw.detached = true
	}
}

// markProjectClaimed transitions the project to claimed: its state is
// persisted with the claiming hash and every open pledge consumed by the
// claim moves to the claimed set.
func (b *Backend) markProjectClaimed(cw *claimWatch) {
	b.assertOnActor()

	proj, ok := b.projects[cw.projectID]
	if !ok {
		return
	}

	log.Infof("Project %q claimed by %v", proj.Title(), cw.txHash)

	claimedBy := cw.txHash
	b.setProjectState(cw.projectID, store.ProjectState{
		State:     project.StateClaimed,
		ClaimedBy: &claimedBy,
	})

	open := b.open[cw.projectID]
	if open == nil {
		return
	}
	for _, p := range open.Items() {
		if !b.pledgeSpentBy(p, cw) {
			continue
		}
		b.movePledgeToClaimed(cw.projectID, p, cw)
	}

	b.filterChanged()
}

// claimDied reverts a claim that was double-spent out of the chain: the
// project enters the error state for operator attention and the claimed
// pledges return to the open set so their outpoints are watched again.
func (b *Backend) claimDied(cw *claimWatch) {
	b.assertOnActor()

	proj, ok := b.projects[cw.projectID]
	if !ok {
		delete(b.claims, cw.txHash)
		return
	}

	log.Warnf("Claim %v of project %q is dead", cw.txHash, proj.Title())

	b.setProjectState(cw.projectID, store.ProjectState{
		State: project.StateError,
	})

	claimed := b.claimed[cw.projectID]
	if claimed != nil {
		for _, p := range claimed.Items() {
			if !b.pledgeSpentBy(p, cw) {
				continue
			}
			claimed.RemoveKey(p.Hash())
			b.addOpenPledge(cw.projectID, p)
		}
	}

	delete(b.claims, cw.txHash)
	b.filterChanged()

	// The released pledges may have been revoked while the claim was
	// pending, so verify them again.
	b.scheduleJitteredCheck(cw.projectID)
}

// claimConsuming returns the claim watch whose transaction spends one of the
// pledge's outpoints, if any.
func (b *Backend) claimConsuming(projectID chainhash.Hash,
	p *project.Pledge) *claimWatch {

	b.assertOnActor()

	for _, cw := range b.claims {
		if cw.projectID != projectID {
			continue
		}
		if b.pledgeSpentBy(p, cw) {
			return cw
		}
	}

	return nil
}

func (b *Backend) pledgeSpentBy(p *project.Pledge, cw *claimWatch) bool {
	for _, op := range p.OutPoints() {
		if _, ok := cw.spends[op]; ok {
			return true
		}
	}

	return false
}
