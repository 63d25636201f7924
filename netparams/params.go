// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netparams groups per-network defaults: the chain parameters, the
// btcd RPC port to dial, and how many qualifying peers a verification run
// needs before its answers count.
package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params bundles the chain parameters with the network-dependent defaults of
// the pledge engine.
type Params struct {
	*chaincfg.Params

	// RPCClientPort is the default port of a btcd node's RPC listener on
	// this network.
	RPCClientPort string

	// StatusServerPort is the default listen port of the pledge status
	// server on this network.
	StatusServerPort string

	// MinUTXOPeers is how many qualifying peers must agree before a UTXO
	// verdict is accepted. Test networks rarely have more than one
	// reachable node, so they drop the quorum to one.
	MinUTXOPeers int
}

// MainNetParams contains parameters for running on the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:           &chaincfg.MainNetParams,
	RPCClientPort:    "8334",
	StatusServerPort: "13765",
	MinUTXOPeers:     2,
}

// TestNet3Params contains parameters for the test network (version 3)
// (wire.TestNet3).
var TestNet3Params = Params{
	Params:           &chaincfg.TestNet3Params,
	RPCClientPort:    "18334",
	StatusServerPort: "13766",
	MinUTXOPeers:     1,
}

// SimNetParams contains parameters for the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:           &chaincfg.SimNetParams,
	RPCClientPort:    "18556",
	StatusServerPort: "13767",
	MinUTXOPeers:     1,
}

// RegressionNetParams contains parameters for the regression test network
// (wire.TestNet).
var RegressionNetParams = Params{
	Params:           &chaincfg.RegressionNetParams,
	RPCClientPort:    "18334",
	StatusServerPort: "13768",
	MinUTXOPeers:     1,
}
