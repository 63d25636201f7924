// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package project

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrTooManyDependencies is returned when a pledge carries more
	// dependency transactions than MaxDependencies.
	ErrTooManyDependencies = errors.New("too many dependency transactions")

	// ErrUnsignedInput is returned when an input of the pledge
	// transaction carries neither a signature script nor a witness.
	ErrUnsignedInput = errors.New("pledge input is not signed")

	// ErrNoInputs is returned when the pledge transaction spends nothing.
	ErrNoInputs = errors.New("pledge transaction has no inputs")

	// ErrOutputMismatch is returned when the pledge transaction does not
	// pay every target output of the project it pledges to.
	ErrOutputMismatch = errors.New("pledge does not pay project outputs")

	// ErrScrubbedPledge is returned when an operation needs transaction
	// data but the pledge only carries a scrub marker.
	ErrScrubbedPledge = errors.New("pledge transaction data was scrubbed")

	// ErrPledgeTooSmall is returned when a submitted pledge is below the
	// project's minimum pledge amount.
	ErrPledgeTooSmall = errors.New("pledge below project minimum")

	// ErrUnknownProject is returned when an operation references a
	// project hash the engine has never seen.
	ErrUnknownProject = errors.New("unknown project")
)

// DuplicatedOutPointError is returned when two pledges in the same
// verification batch, or two inputs of the same pledge, spend the same
// outpoint. A duplicate spend can never be claimed together with its twin, so
// the whole batch is rejected rather than silently picking a winner.
type DuplicatedOutPointError struct {
	OutPoint wire.OutPoint
}

// Error implements the error interface.
func (e *DuplicatedOutPointError) Error() string {
	return fmt.Sprintf("outpoint %v is spent by more than one pledge",
		e.OutPoint)
}

// GoalExceededError is returned when accepting a pledge would push the total
// pledged value of a project past its goal.
type GoalExceededError struct {
	Goal    btcutil.Amount
	Pledged btcutil.Amount
	Value   btcutil.Amount
}

// Error implements the error interface.
func (e *GoalExceededError) Error() string {
	return fmt.Sprintf("pledge of %v would exceed goal of %v (%v already "+
		"pledged)", e.Value, e.Goal, e.Pledged)
}
