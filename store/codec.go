// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"encoding/hex"
	"errors"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/pharosfund/pharos/project"
)

// ProjectDoc is the serialized form of a project, shared by the on-disk
// project files and the status server wire format.
type ProjectDoc struct {
	Title     string      `json:"title"`
	Goal      int64       `json:"goal"`
	MinPledge int64       `json:"min_pledge"`
	Outputs   []OutputDoc `json:"outputs"`
	ServerURL string      `json:"server_url,omitempty"`
	CreatedAt int64       `json:"created_at"`
}

// OutputDoc is one serialized target output.
type OutputDoc struct {
	Value  int64  `json:"value"`
	Script string `json:"script"`
}

// PledgeDoc is the serialized form of a pledge. Either Transactions is set
// (full form) or OrigHash is set (scrubbed form); never both.
type PledgeDoc struct {
	Transactions []string `json:"transactions,omitempty"`
	OrigHash     string   `json:"orig_hash,omitempty"`
	TotalInput   int64    `json:"total_input"`
	Timestamp    int64    `json:"timestamp"`
	Contact      string   `json:"contact,omitempty"`
	Memo         string   `json:"memo,omitempty"`
}

// EncodeProject converts a project into its document form.
func EncodeProject(p *project.Project) *ProjectDoc {
	doc := &ProjectDoc{
		Title:     p.Title(),
		Goal:      int64(p.Goal()),
		MinPledge: int64(p.MinPledge()),
		CreatedAt: p.CreatedAt().Unix(),
	}
	for _, out := range p.Outputs() {
		doc.Outputs = append(doc.Outputs, OutputDoc{
			Value:  out.Value,
			Script: hex.EncodeToString(out.PkScript),
		})
	}
	if u := p.ServerURL(); u != nil {
		doc.ServerURL = u.String()
	}

	return doc
}

// DecodeProject converts a document back into a project, re-deriving its
// identity.
func DecodeProject(doc *ProjectDoc) (*project.Project, error) {
	outputs := make([]*wire.TxOut, 0, len(doc.Outputs))
	for _, out := range doc.Outputs {
		script, err := hex.DecodeString(out.Script)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(out.Value, script))
	}

	var serverURL *url.URL
	if doc.ServerURL != "" {
		u, err := url.Parse(doc.ServerURL)
		if err != nil {
			return nil, err
		}
		serverURL = u
	}

	return project.NewProject(
		doc.Title, btcutil.Amount(doc.Goal),
		btcutil.Amount(doc.MinPledge), outputs, serverURL,
		time.Unix(doc.CreatedAt, 0),
	)
}

// EncodePledge converts a pledge into its document form.
func EncodePledge(p *project.Pledge) (*PledgeDoc, error) {
	doc := &PledgeDoc{
		TotalInput: int64(p.TotalInput()),
		Timestamp:  p.Timestamp().Unix(),
		Contact:    p.Contact(),
		Memo:       p.Memo(),
	}

	if p.IsScrubbed() {
		doc.OrigHash = p.OrigHash().String()
		return doc, nil
	}

	for _, tx := range p.Transactions() {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return nil, err
		}
		doc.Transactions = append(
			doc.Transactions, hex.EncodeToString(buf.Bytes()),
		)
	}

	return doc, nil
}

// DecodePledge converts a document back into a pledge.
func DecodePledge(doc *PledgeDoc) (*project.Pledge, error) {
	timestamp := time.Unix(doc.Timestamp, 0)
	total := btcutil.Amount(doc.TotalInput)

	if doc.OrigHash != "" {
		if len(doc.Transactions) != 0 {
			return nil, errors.New("pledge carries both " +
				"transactions and a scrub marker")
		}
		origHash, err := chainhash.NewHashFromStr(doc.OrigHash)
		if err != nil {
			return nil, err
		}

		return project.NewScrubbedPledge(
			*origHash, total, timestamp, doc.Memo,
		), nil
	}

	txs := make([]*wire.MsgTx, 0, len(doc.Transactions))
	for _, txHex := range doc.Transactions {
		raw, err := hex.DecodeString(txHex)
		if err != nil {
			return nil, err
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	return project.NewPledge(txs, total, timestamp, doc.Contact, doc.Memo)
}
