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
	"context"
	"database/sql"
	"time"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/serr"
)

// A HaltChecker reports whether the system is halted. Both channels are
// consulted; if either reports halted, the caller treats the system as
// halted.
type HaltChecker interface {
	// Halted consults the fast and durable channels outside a transaction.
	Halted(ctx context.Context) (bool, error)

	// HaltedTx consults the durable channel inside the append transaction,
	// immediately before the durable commit step.
	HaltedTx(tx *sql.Tx) (bool, error)
}

// A LeaseValidator checks that a candidate's fencing lease is the one
// valid lease right now.
type LeaseValidator interface {
	Validate(ctx context.Context, leaseID uint64, holderID string) error

	// ValidateTx re-checks the same lease inside the append transaction,
	// immediately before the durable commit step.
	ValidateTx(tx *sql.Tx, leaseID uint64, holderID string) error
}

// An AttestRequest asks a witness to co-sign a candidate's content hash.
type AttestRequest struct {
	ContentHash   crypto.Digest
	Type          protocol.RecordType
	SchemaVersion uint32
	Stakes        catalog.StakesClass
}

// An Attester collects a witness attestation for a candidate record.
type Attester interface {
	Attest(ctx context.Context, req AttestRequest) (Attestation, error)
}

// A TimeSource contributes an informational authority timestamp.
type TimeSource interface {
	Name() string
	Now() (time.Time, error)
}

// WriterParams collects the Writer's collaborators.
type WriterParams struct {
	Store         *Store
	Catalog       *catalog.Catalog
	Halt          HaltChecker
	Leases        LeaseValidator
	Attester      Attester
	Secrets       *crypto.SignatureSecrets
	WriterID      string
	TimeSources   []TimeSource
	AttestTimeout time.Duration
	Log           logging.Logger
}

// Writer is the single component that extends the chain. It enforces, in
// order: halt state, lease validity, schema membership, chain continuity,
// and atomic record-and-witness persistence. On any precondition failure
// no partial record exists.
type Writer struct {
	params WriterParams
}

// MakeWriter constructs a Writer.
func MakeWriter(params WriterParams) *Writer {
	if params.AttestTimeout <= 0 {
		params.AttestTimeout = 30 * time.Second
	}
	return &Writer{params: params}
}

// WriterID returns the identity this writer signs records with.
func (w *Writer) WriterID() string {
	return w.params.WriterID
}

// Append validates and commits a candidate record, returning the durable
// Record with its assigned sequence number.
//
// Exactly one of two concurrent calls referencing the same prior hash can
// succeed; the loser receives ErrChainContinuity and must re-read the head
// before retrying. A candidate that fails any precondition leaves zero
// trace in storage.
func (w *Writer) Append(ctx context.Context, cand Candidate) (Record, error) {
	// Fail fast on a raised halt before doing any work. The authoritative
	// halt check happens again inside the commit transaction.
	halted, err := w.params.Halt.Halted(ctx)
	if err != nil {
		return Record{}, err
	}
	if halted {
		return Record{}, ErrSystemHalted
	}
	return w.commit(ctx, cand, true)
}

// AppendSystem is Append for records the core itself produces (halt
// declarations, recovery decisions). allowHalted is set only by the
// recovery coordinator's single authorized transition; it skips the halt
// gate but nothing else.
func (w *Writer) AppendSystem(ctx context.Context, cand Candidate, allowHalted bool) (Record, error) {
	if !allowHalted {
		return w.Append(ctx, cand)
	}
	return w.commit(ctx, cand, false)
}

func (w *Writer) commit(ctx context.Context, cand Candidate, gateHalt bool) (Record, error) {
	def, err := w.params.Catalog.Lookup(cand.Type, cand.SchemaVersion)
	if err != nil {
		return Record{}, serr.Wrap(ErrUnknownSchema, ErrUnknownSchema.Error(),
			"type", string(cand.Type), "schemaVersion", cand.SchemaVersion)
	}

	if err := w.params.Leases.Validate(ctx, cand.LeaseID, w.params.WriterID); err != nil {
		return Record{}, serr.Wrap(ErrStaleLease, ErrStaleLease.Error(),
			"leaseID", cand.LeaseID, "cause", err.Error())
	}

	rec := Record{
		Type:          cand.Type,
		SchemaVersion: cand.SchemaVersion,
		Payload:       cand.Payload,
		PriorHash:     cand.PriorHash,
		HashVersion:   protocol.HashVersionSha512_256,
		WriterID:      w.params.WriterID,
		LocalTime:     time.Now().UTC(),
	}
	rec.ContentHash, err = rec.ComputeContentHash()
	if err != nil {
		return Record{}, err
	}
	rec.WriterSig = w.params.Secrets.SignBytes(rec.ContentHash[:])
	rec.AuthorityTimes = w.authorityTimes()

	// Witness attestation is the primary suspension point: it may wait on
	// a remote attester. Timeout is treated as no witness available, never
	// as success.
	attCtx, cancel := context.WithTimeout(ctx, w.params.AttestTimeout)
	defer cancel()
	att, err := w.params.Attester.Attest(attCtx, AttestRequest{
		ContentHash:   rec.ContentHash,
		Type:          rec.Type,
		SchemaVersion: rec.SchemaVersion,
		Stakes:        def.Stakes,
	})
	if err != nil {
		if attCtx.Err() != nil && ctx.Err() == nil {
			return Record{}, ErrNoWitnessAvailable
		}
		return Record{}, err
	}
	if !att.Verifier.VerifyBytes(rec.ContentHash[:], att.Sig) {
		return Record{}, ErrBadAttestation
	}
	rec.WitnessID = att.WitnessID
	rec.WitnessSig = att.Sig

	// Record and witness attestation become durable in one transaction.
	// The durable halt flag and the fencing lease are both re-checked
	// inside it, immediately before commit: attestation may have waited
	// long enough for a halt to be declared or the lease to lapse, and a
	// record must never land under a lease that was not valid at commit
	// time.
	preCommit := func(tx *sql.Tx) error {
		if gateHalt {
			halted, herr := w.params.Halt.HaltedTx(tx)
			if herr != nil {
				return herr
			}
			if halted {
				return ErrSystemHalted
			}
		}
		if lerr := w.params.Leases.ValidateTx(tx, cand.LeaseID, w.params.WriterID); lerr != nil {
			return serr.Wrap(ErrStaleLease, ErrStaleLease.Error(),
				"leaseID", cand.LeaseID, "cause", lerr.Error())
		}
		return nil
	}
	committed, err := w.params.Store.AtomicAppend(ctx, rec, preCommit)
	if err != nil {
		return Record{}, err
	}

	w.params.Log.WithFields(logging.Fields{
		"seq":     committed.Sequence,
		"type":    string(committed.Type),
		"witness": committed.WitnessID,
	}).Info("record committed")
	return committed, nil
}

func (w *Writer) authorityTimes() []TimeStamp {
	var out []TimeStamp
	for _, src := range w.params.TimeSources {
		t, err := src.Now()
		if err != nil {
			w.params.Log.With("source", src.Name()).Warnf("authority time source unavailable: %v", err)
			continue
		}
		out = append(out, TimeStamp{Source: src.Name(), Time: t.UTC()})
	}
	return out
}
