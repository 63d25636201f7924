// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/pharosfund/pharos/project"
)

// SubmitPledge validates, verifies and accepts a pledge against a registered
// project. Cheap structural checks run on the calling goroutine before
// anything is scheduled; dependency transactions are then broadcast one at a
// time, and finally the pledge joins a full verification run of the
// project's pledge set. Only a pledge that survives all of that is persisted
// and enters the open set.
//
// The call blocks until the outcome is known, bounded by ctx.
func (b *Backend) SubmitPledge(ctx context.Context, projectID chainhash.Hash,
	p *project.Pledge) error {

	proj, err := b.Project(projectID)
	if err != nil {
		return err
	}

	// Fast path rejections before any network traffic.
	if p.IsScrubbed() {
		return project.ErrScrubbedPledge
	}
	if !b.cfg.ServerMode && len(p.Dependencies()) > 0 {
		return errors.New("pledges with dependency transactions " +
			"must be submitted to a status server")
	}
	if err := p.SanityCheck(proj); err != nil {
		return err
	}
	if proj.MinPledge() > 0 && p.TotalInput() < proj.MinPledge() {
		return fmt.Errorf("%w: %v below minimum %v",
			project.ErrPledgeTooSmall, p.TotalInput(),
			proj.MinPledge())
	}

	// The overcommit guard runs on the actor so the total it reads is
	// consistent with the open set at this instant. This early pass only
	// short-circuits hopeless submissions cheaply; the binding decision
	// is admitExtra's re-run against the post-merge total once the
	// verification round finishes, so two submissions racing past this
	// guard cannot both land in the open set.
	var guardErr error
	err = b.runOnActor(func() {
		guardErr = b.overcommitGuard(proj, p)
	})
	if err != nil {
		return err
	}
	if guardErr != nil {
		return guardErr
	}

	if err := b.broadcastDependencies(ctx, p); err != nil {
		return err
	}

	// Join a verification run carrying the pledge as the extra
	// candidate and wait for its outcome.
	req := &checkRequest{
		projectID: projectID,
		extra:     p,
		done:      make(chan error, 1),
	}
	if err := b.runOnActor(func() {
		b.queueCheck(req)
	}); err != nil {
		return err
	}

	select {
	case err := <-req.done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-b.quit:
		return ErrBackendStopped
	}

	if b.cfg.Store != nil {
		if err := b.cfg.Store.SavePledge(projectID, p); err != nil {
			log.Errorf("Unable to persist accepted pledge %s: %v",
				p.Hash(), err)
		}
	}

	log.Infof("Pledge %s accepted for project %q (%v)", p.Hash(),
		proj.Title(), p.TotalInput())

	return nil
}

// overcommitGuard rejects a pledge that would push the project past its
// goal. Exact-goal pledging is allowed; the claim transaction needs the full
// amount, never more.
func (b *Backend) overcommitGuard(proj *project.Project,
	p *project.Pledge) error {

	b.assertOnActor()

	id := proj.ID()
	pledged := b.pledgedTotal(id)

	// Resubmission of an already-open pledge is idempotent and never
	// counted twice.
	if open := b.open[id]; open != nil && open.ContainsKey(p.Hash()) {
		return nil
	}

	if pledged+int64(p.TotalInput()) > int64(proj.Goal()) {
		return &project.GoalExceededError{
			Goal:    proj.Goal(),
			Pledged: btcutil.Amount(pledged),
			Value:   p.TotalInput(),
		}
	}

	return nil
}

// broadcastDependencies publishes the pledge's dependency transactions in
// order. Each broadcast is individually bounded so one unresponsive node
// cannot eat the caller's whole deadline.
func (b *Backend) broadcastDependencies(ctx context.Context,
	p *project.Pledge) error {

	deps := p.Dependencies()
	if len(deps) == 0 {
		return nil
	}
	if b.cfg.Broadcaster == nil {
		return errors.New("pledge has dependencies but no " +
			"broadcaster is configured")
	}

	for i, dep := range deps {
		depCtx, cancel := context.WithTimeout(
			ctx, b.cfg.DependencyTimeout,
		)
		err := b.cfg.Broadcaster.Broadcast(depCtx, dep)
		cancel()
		if err != nil {
			return fmt.Errorf("unable to broadcast dependency "+
				"%d of %d: %w", i+1, len(deps), err)
		}

		log.Debugf("Broadcast pledge dependency %v", dep.TxHash())
	}

	return nil
}
