// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

package ledger

import (
	"errors"
	"fmt"

	"github.com/hoyack/archon72-sub009/crypto"
)

// Append error taxonomy. Callers may retry ErrChainContinuity,
// ErrNoWitnessAvailable and ErrStaleLease after backing off;
// ErrSystemHalted persists until a recovery procedure completes.
var (
	// ErrChainContinuity means the candidate's prior hash went stale in a
	// race with another append. Retryable after re-reading the head. This
	// is not a fork: the rejected record never reached persistence.
	ErrChainContinuity = errors.New("chain continuity violation: prior hash does not match current head")

	// ErrSystemHalted rejects every write while the halt flag is raised,
	// including writes by the holder of an otherwise-valid lease.
	ErrSystemHalted = errors.New("system halted: writes rejected until recovery completes")

	// ErrNoWitnessAvailable means attestation could not complete. The write
	// is aborted with no partial state.
	ErrNoWitnessAvailable = errors.New("no witness available")

	// ErrStaleLease means the candidate's fencing lease is expired or
	// superseded. The writer must re-acquire before retrying.
	ErrStaleLease = errors.New("stale or superseded fencing lease")

	// ErrUnknownSchema rejects a candidate whose type or schema version is
	// not in the catalog.
	ErrUnknownSchema = errors.New("record type or schema version not in catalog")

	// ErrUnknownHashVersion rejects content that names a hash algorithm not
	// in the catalog. Nothing is ever hashed with substitute defaults.
	ErrUnknownHashVersion = errors.New("unknown hash version")

	// ErrBadAttestation means the witness returned a signature that does
	// not verify over the content hash. The write is aborted.
	ErrBadAttestation = errors.New("witness signature does not verify")

	// ErrNoRecord is returned by lookups for sequence numbers that have
	// never been written.
	ErrNoRecord = errors.New("no such record")
)

// A ForkError describes two persisted records that extend the same prior
// state with different content. Fatal: never retryable, always escalates
// to a system-wide halt.
type ForkError struct {
	PriorHash crypto.Digest
	Sequences []uint64
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("fork detected: %d records extend prior hash %s (sequences %v)",
		len(e.Sequences), e.PriorHash, e.Sequences)
}

// A GapError describes a missing sequence number. Treated identically to a
// fork: a gap means an unknown branch may exist.
type GapError struct {
	MissingSequence uint64
	LastSequence    uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("sequence gap detected: %d missing (last sequence %d)",
		e.MissingSequence, e.LastSequence)
}
