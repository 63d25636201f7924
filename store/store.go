// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store defines the contracts of the engine's storage-side
// collaborators, the wallet and the project store, together with concrete
// implementations for persisted project state and on-disk project files.
package store

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/pharosfund/pharos/project"
)

// Wallet is the engine's view of the local wallet. Key management and
// transaction signing live behind this boundary; the engine only needs to
// know which pledges are ours, which are revoked, and which scripts the
// wallet should consider relevant.
type Wallet interface {
	// Pledges returns the pledges the local user has made, keyed by the
	// project they pledge to.
	Pledges(projectID chainhash.Hash) []*project.Pledge

	// IsRevoked reports whether the wallet knows the pledge was revoked
	// by the user, meaning its inputs were deliberately re-spent.
	IsRevoked(p *project.Pledge) bool

	// WatchScripts adds output scripts to the wallet's relevance filter
	// so claim transactions paying a project's targets are noticed.
	WatchScripts(scripts [][]byte)
}

// ProjectStore supplies discovered projects and pledges and persists
// accepted ones. Directory watching and file naming conventions are the
// implementation's business.
type ProjectStore interface {
	// Projects returns the currently known projects.
	Projects() []*project.Project

	// PledgesFor returns the raw pledges discovered for a project.
	PledgesFor(projectID chainhash.Hash) []*project.Pledge

	// SavePledge persists an accepted pledge to its canonical location.
	SavePledge(projectID chainhash.Hash, p *project.Pledge) error
}
