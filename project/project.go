// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package project defines the immutable value objects of a crowdfund: the
// project being funded and the pledges contributed to it, together with the
// structural checks a pledge must pass before it is worth asking the network
// about.
package project

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// State describes the lifecycle of a project as observed on the network.
type State uint8

const (
	// StateOpen means the project is still collecting pledges.
	StateOpen State = iota

	// StateClaimed means a claim transaction consuming the project's
	// pledges has been observed with sufficient confidence.
	StateClaimed

	// StateError means a previously observed claim became invalid, for
	// example because it was double spent or reorganized away.
	StateError

	// StateUnknown is an offline placeholder used before any
	// authoritative answer is available.
	StateUnknown
)

// String returns a human readable state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClaimed:
		return "claimed"
	case StateError:
		return "error"
	case StateUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Project is an immutable description of a crowdfund: the outputs the owner
// wants paid, the goal amount, and optional coordination metadata. Editing a
// project produces a new Project with a new identity; the engine replaces the
// old entry rather than mutating it.
type Project struct {
	title     string
	goal      btcutil.Amount
	minPledge btcutil.Amount
	outputs   []*wire.TxOut
	serverURL *url.URL
	createdAt time.Time

	// id is the project identity, derived once at construction from the
	// target outputs and creation metadata.
	id chainhash.Hash
}

// NewProject constructs a project and derives its identity hash. The goal
// must be positive and covered by at least one target output. serverURL may
// be nil, in which case the project runs serverless and pledges are
// reconciled from disk and the P2P network only.
func NewProject(title string, goal, minPledge btcutil.Amount,
	outputs []*wire.TxOut, serverURL *url.URL,
	createdAt time.Time) (*Project, error) {

	if goal <= 0 {
		return nil, errors.New("project goal must be positive")
	}
	if len(outputs) == 0 {
		return nil, errors.New("project has no target outputs")
	}
	if minPledge < 0 || minPledge > goal {
		return nil, errors.New("invalid minimum pledge amount")
	}

	p := &Project{
		title:     title,
		goal:      goal,
		minPledge: minPledge,
		outputs:   cloneOutputs(outputs),
		serverURL: serverURL,
		createdAt: createdAt,
	}
	p.id = p.deriveID()

	return p, nil
}

// deriveID hashes the target output scripts plus creation metadata. Two
// projects paying the same outputs but created at different times are
// distinct entities.
func (p *Project) deriveID() chainhash.Hash {
	var buf bytes.Buffer
	for _, out := range p.outputs {
		_ = binary.Write(&buf, binary.LittleEndian, out.Value)
		buf.Write(out.PkScript)
	}
	buf.WriteString(p.title)
	_ = binary.Write(&buf, binary.LittleEndian, p.createdAt.Unix())

	return chainhash.DoubleHashH(buf.Bytes())
}

// ID returns the project's identity hash.
func (p *Project) ID() chainhash.Hash {
	return p.id
}

// Title returns the human readable project title.
func (p *Project) Title() string {
	return p.title
}

// Goal returns the amount the owner is raising.
func (p *Project) Goal() btcutil.Amount {
	return p.goal
}

// MinPledge returns the smallest pledge value the owner accepts.
func (p *Project) MinPledge() btcutil.Amount {
	return p.minPledge
}

// Outputs returns a copy of the target outputs a claim must pay.
func (p *Project) Outputs() []*wire.TxOut {
	return cloneOutputs(p.outputs)
}

// OutputScripts returns the raw target output scripts, used to register
// wallet watch scripts for claim detection.
func (p *Project) OutputScripts() [][]byte {
	scripts := make([][]byte, 0, len(p.outputs))
	for _, out := range p.outputs {
		script := make([]byte, len(out.PkScript))
		copy(script, out.PkScript)
		scripts = append(scripts, script)
	}

	return scripts
}

// ServerURL returns the status server URL, or nil for serverless projects.
func (p *Project) ServerURL() *url.URL {
	if p.serverURL == nil {
		return nil
	}
	u := *p.serverURL

	return &u
}

// IsServerAssisted reports whether pledge status for this project is
// coordinated by a remote status server.
func (p *Project) IsServerAssisted() bool {
	return p.serverURL != nil
}

// CreatedAt returns the project creation timestamp.
func (p *Project) CreatedAt() time.Time {
	return p.createdAt
}

// ClaimMatches reports whether tx structurally looks like a claim of this
// project, meaning it pays every target output at least its target value.
// Callers still need to verify the claim's inputs against the open pledge
// set before trusting it.
func (p *Project) ClaimMatches(tx *wire.MsgTx) bool {
	for _, want := range p.outputs {
		found := false
		for _, got := range tx.TxOut {
			if got.Value >= want.Value &&
				bytes.Equal(got.PkScript, want.PkScript) {

				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

func cloneOutputs(outputs []*wire.TxOut) []*wire.TxOut {
	clone := make([]*wire.TxOut, 0, len(outputs))
	for _, out := range outputs {
		script := make([]byte, len(out.PkScript))
		copy(script, out.PkScript)
		clone = append(clone, wire.NewTxOut(out.Value, script))
	}

	return clone
}
