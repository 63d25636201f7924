// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package project

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MaxDependencies bounds the number of dependency transactions a pledge may
// attach ahead of the pledge transaction itself.
const MaxDependencies = 5

// Pledge is an immutable candidate contribution to a project. It carries one
// or more transactions; the last one pays into the project's target outputs
// and any earlier ones are dependencies that must confirm first. A pledge
// returned by a status server may be scrubbed, in which case the transaction
// data is replaced by an opaque reference to the hash of the original.
type Pledge struct {
	txs        []*wire.MsgTx
	totalInput btcutil.Amount
	timestamp  time.Time
	contact    string
	memo       string

	// origHash is the scrub marker: the hash of the full pledge this
	// scrubbed copy stands in for. Nil for pledges carrying their
	// transaction data.
	origHash *chainhash.Hash
}

// NewPledge constructs a pledge from its transactions and metadata. The last
// transaction is the pledge transaction; any preceding ones are dependencies.
func NewPledge(txs []*wire.MsgTx, totalInput btcutil.Amount,
	timestamp time.Time, contact, memo string) (*Pledge, error) {

	if len(txs) == 0 {
		return nil, errors.New("pledge carries no transactions")
	}
	if len(txs)-1 > MaxDependencies {
		return nil, ErrTooManyDependencies
	}
	if totalInput <= 0 {
		return nil, errors.New("pledge total input must be positive")
	}

	return &Pledge{
		txs:        txs,
		totalInput: totalInput,
		timestamp:  timestamp,
		contact:    contact,
		memo:       memo,
	}, nil
}

// NewScrubbedPledge constructs the de-identified form of a pledge, as
// returned by a status server that strips transaction data for privacy. The
// marker must equal the Hash of the full pledge so the engine can recognize
// a scrubbed copy of a pledge it already holds.
func NewScrubbedPledge(origHash chainhash.Hash, totalInput btcutil.Amount,
	timestamp time.Time, memo string) *Pledge {

	return &Pledge{
		totalInput: totalInput,
		timestamp:  timestamp,
		memo:       memo,
		origHash:   &origHash,
	}
}

// IsScrubbed reports whether the pledge's transaction data was stripped by a
// status server and only the scrub marker remains.
func (p *Pledge) IsScrubbed() bool {
	return p.origHash != nil
}

// OrigHash returns the scrub marker, or nil for a full pledge.
func (p *Pledge) OrigHash() *chainhash.Hash {
	if p.origHash == nil {
		return nil
	}
	h := *p.origHash

	return &h
}

// Hash returns the pledge's structural identity. For a scrubbed pledge this
// is the scrub marker itself, which by construction equals the hash of the
// full form, so a pledge and its scrubbed copy collapse to one identity.
func (p *Pledge) Hash() chainhash.Hash {
	if p.origHash != nil {
		return *p.origHash
	}

	var buf bytes.Buffer
	for _, tx := range p.txs {
		h := tx.TxHash()
		buf.Write(h[:])
	}
	_ = binary.Write(&buf, binary.LittleEndian, int64(p.totalInput))

	return chainhash.DoubleHashH(buf.Bytes())
}

// PledgeTx returns the transaction paying the project outputs, or nil if the
// pledge is scrubbed.
func (p *Pledge) PledgeTx() *wire.MsgTx {
	if len(p.txs) == 0 {
		return nil
	}

	return p.txs[len(p.txs)-1]
}

// Dependencies returns the transactions that must be broadcast and settled
// before the pledge transaction is meaningful.
func (p *Pledge) Dependencies() []*wire.MsgTx {
	if len(p.txs) <= 1 {
		return nil
	}

	return p.txs[:len(p.txs)-1]
}

// Transactions returns all transactions of the pledge, dependencies first.
func (p *Pledge) Transactions() []*wire.MsgTx {
	txs := make([]*wire.MsgTx, len(p.txs))
	copy(txs, p.txs)

	return txs
}

// TotalInput returns the claimed total value of the pledge's inputs.
func (p *Pledge) TotalInput() btcutil.Amount {
	return p.totalInput
}

// Timestamp returns the pledge creation time.
func (p *Pledge) Timestamp() time.Time {
	return p.timestamp
}

// Contact returns the contributor's contact details, if any.
func (p *Pledge) Contact() string {
	return p.contact
}

// Memo returns the contributor's message, if any.
func (p *Pledge) Memo() string {
	return p.memo
}

// PrimaryOutPoint returns the first outpoint spent by the pledge
// transaction, the one whose UTXO status decides whether the pledge is still
// live.
func (p *Pledge) PrimaryOutPoint() (wire.OutPoint, error) {
	if p.IsScrubbed() {
		return wire.OutPoint{}, ErrScrubbedPledge
	}
	tx := p.PledgeTx()
	if len(tx.TxIn) == 0 {
		return wire.OutPoint{}, ErrNoInputs
	}

	return tx.TxIn[0].PreviousOutPoint, nil
}

// OutPoints returns every outpoint spent by the pledge transaction. These
// are the outpoints the engine watches for revocation.
func (p *Pledge) OutPoints() []wire.OutPoint {
	if p.IsScrubbed() {
		return nil
	}
	tx := p.PledgeTx()
	ops := make([]wire.OutPoint, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		ops = append(ops, in.PreviousOutPoint)
	}

	return ops
}

// SanityCheck verifies the pledge's structure against its project without
// touching the network: the pledge transaction must spend something, every
// input must be signed, no two inputs may spend the same outpoint, and the
// transaction must pay every project target output.
func (p *Pledge) SanityCheck(proj *Project) error {
	if p.IsScrubbed() {
		return ErrScrubbedPledge
	}
	if len(p.txs)-1 > MaxDependencies {
		return ErrTooManyDependencies
	}

	tx := p.PledgeTx()
	if len(tx.TxIn) == 0 {
		return ErrNoInputs
	}

	seen := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for _, in := range tx.TxIn {
		if len(in.SignatureScript) == 0 && len(in.Witness) == 0 {
			return ErrUnsignedInput
		}
		if _, ok := seen[in.PreviousOutPoint]; ok {
			return &DuplicatedOutPointError{
				OutPoint: in.PreviousOutPoint,
			}
		}
		seen[in.PreviousOutPoint] = struct{}{}
	}

	if !proj.ClaimMatches(tx) {
		return ErrOutputMismatch
	}

	return nil
}
