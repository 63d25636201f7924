// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package status

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/pharosfund/pharos/chain"
	"github.com/pharosfund/pharos/project"
)

const (
	// DefaultPollInterval is how often server-assisted projects are
	// refreshed from their status servers.
	DefaultPollInterval = time.Minute

	// defaultPollJitter staggers the refreshes within one polling round
	// so a node watching many projects on the same server doesn't hit it
	// with a burst.
	defaultPollJitter = 2 * time.Second
)

// PollerConfig wires a Poller to the engine.
type PollerConfig struct {
	// Ticker drives the polling cadence. Tests inject a forcing ticker;
	// production uses ticker.New(DefaultPollInterval).
	Ticker ticker.Ticker

	// Projects returns the currently registered projects. Serverless
	// ones are skipped.
	Projects func() []*project.Project

	// Refresh pulls one project's status from its server and merges it.
	Refresh func(ctx context.Context, id chainhash.Hash) error

	// RequestTimeout bounds one refresh. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Jitter bounds the stagger between refreshes of one round.
	// Defaults to defaultPollJitter.
	Jitter time.Duration
}

// Poller periodically refreshes every server-assisted project from its
// status server, so pledges accepted elsewhere show up without a manual
// refresh.
type Poller struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg PollerConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPoller returns a poller from the given config.
func NewPoller(cfg *PollerConfig) (*Poller, error) {
	if cfg.Ticker == nil {
		return nil, errors.New("missing ticker")
	}
	if cfg.Projects == nil || cfg.Refresh == nil {
		return nil, errors.New("missing engine hooks")
	}

	p := &Poller{
		cfg:  *cfg,
		quit: make(chan struct{}),
	}
	if p.cfg.RequestTimeout <= 0 {
		p.cfg.RequestTimeout = DefaultRequestTimeout
	}
	if p.cfg.Jitter <= 0 {
		p.cfg.Jitter = defaultPollJitter
	}

	return p, nil
}

// Start launches the polling loop.
func (p *Poller) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("poller already started")
	}

	p.cfg.Ticker.Resume()

	p.wg.Add(1)
	go p.pollLoop()

	return nil
}

// Stop terminates the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}

	p.cfg.Ticker.Stop()
	close(p.quit)
	p.wg.Wait()
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.cfg.Ticker.Ticks():
			p.pollOnce()

		case <-p.quit:
			return
		}
	}
}

// pollOnce refreshes every server-assisted project, staggered by jitter.
func (p *Poller) pollOnce() {
	for _, proj := range p.cfg.Projects() {
		if !proj.IsServerAssisted() {
			continue
		}

		select {
		case <-chain.AfterJitter(p.cfg.Jitter):
		case <-p.quit:
			return
		}

		id := proj.ID()
		ctx, cancel := context.WithTimeout(
			context.Background(), p.cfg.RequestTimeout,
		)
		err := p.cfg.Refresh(ctx, id)
		cancel()
		if err != nil {
			log.Warnf("Status refresh of %q failed: %v",
				proj.Title(), err)
		}
	}
}
