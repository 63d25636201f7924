// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package status implements the HTTP side of server-assisted projects: the
// client that polls a project's status server and the server answering those
// polls and accepting pledge submissions.
package status

import "github.com/pharosfund/pharos/store"

// StatusDoc is the wire form of a project's consolidated status.
type StatusDoc struct {
	// ProjectID is the hex hash of the project the status refers to.
	ProjectID string `json:"project_id"`

	// Pledges are the currently open pledges. Scrubbed for requesters
	// that don't prove ownership.
	Pledges []*store.PledgeDoc `json:"pledges"`

	// ClaimedBy is the hex hash of the claim transaction, empty while
	// the project is open.
	ClaimedBy string `json:"claimed_by,omitempty"`
}

// SubmitDoc is the wire form of a pledge submission.
type SubmitDoc struct {
	// ProjectID is the hex hash of the project being pledged to.
	ProjectID string `json:"project_id"`

	// Pledge is the full pledge, transactions included.
	Pledge *store.PledgeDoc `json:"pledge"`
}

// errorDoc carries a machine-readable rejection.
type errorDoc struct {
	Error string `json:"error"`
}
