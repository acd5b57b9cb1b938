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

// Package recovery drives the one authorized way out of a halt.
//
// The procedure is deliberately slow and loud: an investigation is opened
// against a raised halt, a surviving branch is proposed, every registered
// authority signs the decision, and a mandatory waiting period passes
// before the halt clears. Unanimity has no override and the waiting period
// has no fast path.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/halt"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/lease"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/serr"
	"github.com/hoyack/archon72-sub009/util/db"
)

// State names one step of the recovery procedure.
type State string

const (
	// StateInvestigating means findings are being gathered; no branch has
	// been proposed yet.
	StateInvestigating State = "INVESTIGATING"

	// StateAwaitingApproval means a branch is proposed and authority
	// signatures are being collected.
	StateAwaitingApproval State = "AWAITING_UNANIMOUS_APPROVAL"

	// StateWaiting means every authority has signed and the mandatory
	// waiting period is running.
	StateWaiting State = "WAITING_PERIOD"

	// StateRecovered means the halt was cleared and the decision record is
	// on the chain.
	StateRecovered State = "RECOVERED"

	// StateAbandoned means the authorities unanimously walked away; the
	// halt stays raised.
	StateAbandoned State = "ABANDONED"
)

// Vote kinds collected from authorities.
const (
	// KindApprove votes to accept the proposed branch and recover.
	KindApprove = "approve"
	// KindAbandon votes to walk away and leave the halt raised.
	KindAbandon = "abandon"
)

var (
	// ErrNotHalted rejects opening an investigation when no halt is raised.
	ErrNotHalted = errors.New("recovery requires a raised halt")

	// ErrProcedureActive rejects a second concurrent procedure.
	ErrProcedureActive = errors.New("a recovery procedure is already active")

	// ErrNoProcedure means the named procedure does not exist.
	ErrNoProcedure = errors.New("no such recovery procedure")

	// ErrWrongState rejects an operation out of order.
	ErrWrongState = errors.New("operation not valid in current procedure state")

	// ErrUnknownAuthority rejects a vote from an unregistered identity.
	ErrUnknownAuthority = errors.New("unknown recovery authority")

	// ErrBadApproval means the authority's signature does not verify over
	// the decision digest.
	ErrBadApproval = errors.New("approval signature does not verify")

	// ErrWaitingPeriod rejects completion before the waiting period ends.
	ErrWaitingPeriod = errors.New("mandatory waiting period has not elapsed")

	// ErrNotUnanimous means at least one authority has not voted.
	ErrNotUnanimous = errors.New("decision requires every authority's signature")
)

// A Procedure is the persisted state of one recovery attempt.
type Procedure struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	Findings   string        `json:"findings"`
	BranchSeq  uint64        `json:"branchSeq,omitempty"`
	BranchHash crypto.Digest `json:"branchHash,omitempty"`
	OpenedAt   time.Time     `json:"openedAt"`
	ApprovedAt time.Time     `json:"approvedAt,omitempty"`
	ResolvedAt time.Time     `json:"resolvedAt,omitempty"`
	RecordSeq  uint64        `json:"recordSeq,omitempty"`
}

// An ApprovalRef is one authority's signature as embedded in the decision
// record payload.
type ApprovalRef struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	AuthorityID string           `codec:"aid"`
	Sig         crypto.Signature `codec:"sig"`
}

// DecisionPayload is the payload of a recovery/decision or
// recovery/abandon record.
type DecisionPayload struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	ProcedureID string        `codec:"pid"`
	Kind        string        `codec:"k"`
	Findings    string        `codec:"f"`
	BranchSeq   uint64        `codec:"bseq"`
	BranchHash  crypto.Digest `codec:"bh"`
	Approvals   []ApprovalRef `codec:"appr"`
	ApprovedAt  time.Time     `codec:"aat"`
}

// decisionContent is what every authority signs.
type decisionContent struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	ProcedureID string        `codec:"pid"`
	Kind        string        `codec:"k"`
	Findings    string        `codec:"f"`
	BranchSeq   uint64        `codec:"bseq"`
	BranchHash  crypto.Digest `codec:"bh"`
}

func (d decisionContent) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.RecoveryDecision, protocol.Encode(&d)
}

// A LeaseFunc supplies the lease the decision record is written under.
type LeaseFunc func(ctx context.Context) (uint64, error)

// Coordinator runs recovery procedures against storage.
type Coordinator struct {
	dbs         db.Accessor
	submitter   *ledger.Submitter
	transport   *halt.Transport
	leases      *lease.Manager
	leaseFn     LeaseFunc
	waiting     time.Duration
	authorities map[string]crypto.SignatureVerifier
	log         logging.Logger
}

var recoveryInit = []string{
	`CREATE TABLE IF NOT EXISTS recoveryprocs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		findings TEXT NOT NULL DEFAULT '',
		branchseq INTEGER NOT NULL DEFAULT 0,
		branchhash BLOB,
		opened INTEGER NOT NULL,
		approved INTEGER NOT NULL DEFAULT 0,
		resolved INTEGER NOT NULL DEFAULT 0,
		recordseq INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS recoveryvotes (
		procid TEXT NOT NULL,
		authority TEXT NOT NULL,
		kind TEXT NOT NULL,
		sig BLOB NOT NULL,
		voted INTEGER NOT NULL,
		PRIMARY KEY (procid, authority, kind)
	)`,
}

// MakeCoordinator opens the coordinator, creating its tables if absent.
// waiting must already satisfy the configured floor; the config layer
// enforces that.
func MakeCoordinator(dbs db.Accessor, submitter *ledger.Submitter, transport *halt.Transport, leases *lease.Manager, leaseFn LeaseFunc, waiting time.Duration, log logging.Logger) (*Coordinator, error) {
	c := &Coordinator{
		dbs:         dbs,
		submitter:   submitter,
		transport:   transport,
		leases:      leases,
		leaseFn:     leaseFn,
		waiting:     waiting,
		authorities: make(map[string]crypto.SignatureVerifier),
		log:         log,
	}
	err := dbs.Atomic("recoveryInit", func(tx *sql.Tx) error {
		for _, stmt := range recoveryInit {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RegisterAuthority adds an authority to the unanimity set. The set must
// be fixed before a procedure opens; votes are only accepted from it.
func (c *Coordinator) RegisterAuthority(id string, verifier crypto.SignatureVerifier) {
	c.authorities[id] = verifier
}

// Authorities returns the registered authority identifiers.
func (c *Coordinator) Authorities() []string {
	out := make([]string, 0, len(c.authorities))
	for id := range c.authorities {
		out = append(out, id)
	}
	return out
}

// DecisionDigest returns the digest an authority must sign to vote on the
// given procedure.
func (c *Coordinator) DecisionDigest(p Procedure, kind string) crypto.Digest {
	return crypto.HashObj(decisionContent{
		ProcedureID: p.ID,
		Kind:        kind,
		Findings:    p.Findings,
		BranchSeq:   p.BranchSeq,
		BranchHash:  p.BranchHash,
	})
}

// OpenInvestigation starts a procedure against the currently raised halt.
func (c *Coordinator) OpenInvestigation(ctx context.Context, findings string) (Procedure, error) {
	halted, err := c.transport.Halted(ctx)
	if err != nil {
		return Procedure{}, err
	}
	if !halted {
		return Procedure{}, ErrNotHalted
	}
	if len(c.authorities) == 0 {
		return Procedure{}, serr.New("no recovery authorities registered")
	}

	proc := Procedure{
		ID:       uuid.New().String(),
		State:    StateInvestigating,
		Findings: findings,
		OpenedAt: time.Now().UTC(),
	}
	err = c.dbs.AtomicContext(ctx, "recoveryOpen", func(tx *sql.Tx) error {
		var active int
		terr := tx.QueryRow(
			`SELECT COUNT(*) FROM recoveryprocs WHERE state NOT IN (?, ?)`,
			string(StateRecovered), string(StateAbandoned)).Scan(&active)
		if terr != nil {
			return terr
		}
		if active > 0 {
			return ErrProcedureActive
		}
		_, terr = tx.Exec(
			`INSERT INTO recoveryprocs (id, state, findings, opened) VALUES (?, ?, ?, ?)`,
			proc.ID, string(proc.State), proc.Findings, proc.OpenedAt.UnixNano())
		return terr
	})
	if err != nil {
		return Procedure{}, err
	}
	c.log.With("procedure", proc.ID).Info("recovery investigation opened")
	return proc, nil
}

// ProposeBranch fixes the surviving branch head and moves the procedure to
// signature collection. Earlier votes, if any, are discarded because the
// decision digest changes with the branch.
func (c *Coordinator) ProposeBranch(ctx context.Context, procID string, branchSeq uint64, branchHash crypto.Digest) error {
	return c.dbs.AtomicContext(ctx, "recoveryPropose", func(tx *sql.Tx) error {
		proc, err := getProcTx(tx, procID)
		if err != nil {
			return err
		}
		if proc.State != StateInvestigating && proc.State != StateAwaitingApproval {
			return ErrWrongState
		}
		if _, err := tx.Exec(`DELETE FROM recoveryvotes WHERE procid = ?`, procID); err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE recoveryprocs SET state = ?, branchseq = ?, branchhash = ? WHERE id = ?`,
			string(StateAwaitingApproval), branchSeq, branchHash[:], procID)
		return err
	})
}

// Vote records one authority's signature on the procedure's decision. For
// kind approve, unanimity moves the procedure into the waiting period. For
// kind abandon, unanimity abandons it immediately.
func (c *Coordinator) Vote(ctx context.Context, procID string, authorityID string, kind string, sig crypto.Signature) error {
	verifier, ok := c.authorities[authorityID]
	if !ok {
		return ErrUnknownAuthority
	}
	if kind != KindApprove && kind != KindAbandon {
		return serr.New("unknown vote kind", "kind", kind)
	}

	var unanimous bool
	var proc Procedure
	err := c.dbs.AtomicContext(ctx, "recoveryVote", func(tx *sql.Tx) error {
		var err error
		proc, err = getProcTx(tx, procID)
		if err != nil {
			return err
		}
		if proc.State != StateAwaitingApproval {
			return ErrWrongState
		}
		digest := c.DecisionDigest(proc, kind)
		if !verifier.VerifyBytes(digest[:], sig) {
			return ErrBadApproval
		}
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO recoveryvotes (procid, authority, kind, sig, voted) VALUES (?, ?, ?, ?, ?)`,
			procID, authorityID, kind, sig[:], time.Now().UTC().UnixNano())
		if err != nil {
			return err
		}
		var votes int
		err = tx.QueryRow(`SELECT COUNT(*) FROM recoveryvotes WHERE procid = ? AND kind = ?`,
			procID, kind).Scan(&votes)
		if err != nil {
			return err
		}
		unanimous = votes == len(c.authorities)
		if unanimous && kind == KindApprove {
			proc.ApprovedAt = time.Now().UTC()
			_, err = tx.Exec(`UPDATE recoveryprocs SET state = ?, approved = ? WHERE id = ?`,
				string(StateWaiting), proc.ApprovedAt.UnixNano(), procID)
		}
		return err
	})
	if err != nil {
		return err
	}

	if unanimous {
		switch kind {
		case KindApprove:
			c.log.WithFields(logging.Fields{
				"procedure": procID,
				"until":     proc.ApprovedAt.Add(c.waiting).String(),
			}).Info("recovery unanimously approved, waiting period started")
		case KindAbandon:
			return c.abandon(ctx, proc)
		}
	}
	return nil
}

// Complete clears the halt once the waiting period has elapsed. The
// decision record is appended first, while the system is still halted,
// under the authorized bypass; then the halt flag, the lease epoch and the
// procedure state change in one transaction.
func (c *Coordinator) Complete(ctx context.Context, procID string) (ledger.Record, error) {
	proc, err := c.Get(ctx, procID)
	if err != nil {
		return ledger.Record{}, err
	}
	if proc.State != StateWaiting {
		return ledger.Record{}, ErrWrongState
	}
	readyAt := proc.ApprovedAt.Add(c.waiting)
	if time.Now().UTC().Before(readyAt) {
		return ledger.Record{}, serr.Wrap(ErrWaitingPeriod, ErrWaitingPeriod.Error(),
			"readyAt", readyAt.String())
	}

	approvals, err := c.votes(ctx, procID, KindApprove)
	if err != nil {
		return ledger.Record{}, err
	}
	if len(approvals) != len(c.authorities) {
		return ledger.Record{}, ErrNotUnanimous
	}

	// A prior attempt may have appended the decision record and then
	// crashed before clearing the halt. The sequence persisted in the
	// procedure row lets the retry reuse that record instead of appending
	// a second decision.
	var rec ledger.Record
	if proc.RecordSeq != 0 {
		rec, err = c.submitter.Store().Get(ctx, proc.RecordSeq)
		if err != nil {
			return ledger.Record{}, err
		}
	} else {
		leaseID, lerr := c.leaseFn(ctx)
		if lerr != nil {
			return ledger.Record{}, lerr
		}
		payload := protocol.Encode(&DecisionPayload{
			ProcedureID: proc.ID,
			Kind:        KindApprove,
			Findings:    proc.Findings,
			BranchSeq:   proc.BranchSeq,
			BranchHash:  proc.BranchHash,
			Approvals:   approvals,
			ApprovedAt:  proc.ApprovedAt,
		})
		rec, err = c.submitter.SubmitSystem(ctx, protocol.RecoveryDecisionRecord, 1, payload, leaseID, true)
		if err != nil {
			return ledger.Record{}, err
		}
		err = c.dbs.AtomicContext(ctx, "recoveryRecord", func(tx *sql.Tx) error {
			_, terr := tx.Exec(`UPDATE recoveryprocs SET recordseq = ? WHERE id = ?`,
				rec.Sequence, procID)
			return terr
		})
		if err != nil {
			return ledger.Record{}, err
		}
	}

	err = c.dbs.AtomicContext(ctx, "recoveryComplete", func(tx *sql.Tx) error {
		if terr := c.transport.ClearForRecovery(tx); terr != nil {
			return terr
		}
		if _, terr := c.leases.NewEpochTx(tx); terr != nil {
			return terr
		}
		_, terr := tx.Exec(`UPDATE recoveryprocs SET state = ?, resolved = ? WHERE id = ?`,
			string(StateRecovered), time.Now().UTC().UnixNano(), procID)
		return terr
	})
	if err != nil {
		return ledger.Record{}, err
	}

	if err := c.transport.FollowDurable(ctx); err != nil {
		c.log.Warnf("fast halt channel lagging after recovery: %v", err)
	}
	c.log.WithFields(logging.Fields{
		"procedure": procID,
		"recordSeq": rec.Sequence,
	}).Info("recovery complete, halt cleared")
	return rec, nil
}

// abandon finalizes a unanimous abandon vote. The halt stays raised.
func (c *Coordinator) abandon(ctx context.Context, proc Procedure) error {
	approvals, err := c.votes(ctx, proc.ID, KindAbandon)
	if err != nil {
		return err
	}
	payload := protocol.Encode(&DecisionPayload{
		ProcedureID: proc.ID,
		Kind:        KindAbandon,
		Findings:    proc.Findings,
		BranchSeq:   proc.BranchSeq,
		BranchHash:  proc.BranchHash,
		Approvals:   approvals,
	})

	var recSeq uint64
	if leaseID, lerr := c.leaseFn(ctx); lerr == nil {
		rec, aerr := c.submitter.SubmitSystem(ctx, protocol.RecoveryAbandonRecord, 1, payload, leaseID, true)
		if aerr != nil {
			c.log.Warnf("abandon record not appended: %v", aerr)
		} else {
			recSeq = rec.Sequence
		}
	}

	err = c.dbs.AtomicContext(ctx, "recoveryAbandon", func(tx *sql.Tx) error {
		_, terr := tx.Exec(`UPDATE recoveryprocs SET state = ?, resolved = ?, recordseq = ? WHERE id = ?`,
			string(StateAbandoned), time.Now().UTC().UnixNano(), recSeq, proc.ID)
		return terr
	})
	if err != nil {
		return err
	}
	c.log.With("procedure", proc.ID).Warn("recovery abandoned, halt remains raised")
	return nil
}

// Get returns one procedure by identifier.
func (c *Coordinator) Get(ctx context.Context, procID string) (proc Procedure, err error) {
	err = c.dbs.AtomicContext(ctx, "recoveryGet", func(tx *sql.Tx) error {
		var terr error
		proc, terr = getProcTx(tx, procID)
		return terr
	})
	return
}

// Active returns the current non-terminal procedure, if one exists.
func (c *Coordinator) Active(ctx context.Context) (proc Procedure, ok bool, err error) {
	err = c.dbs.AtomicContext(ctx, "recoveryActive", func(tx *sql.Tx) error {
		row := tx.QueryRow(
			`SELECT id, state, findings, branchseq, branchhash, opened, approved, resolved, recordseq
			 FROM recoveryprocs WHERE state NOT IN (?, ?) ORDER BY opened DESC LIMIT 1`,
			string(StateRecovered), string(StateAbandoned))
		terr := scanProc(row, &proc)
		if terr == sql.ErrNoRows {
			return nil
		}
		ok = terr == nil
		return terr
	})
	return
}

func (c *Coordinator) votes(ctx context.Context, procID string, kind string) (out []ApprovalRef, err error) {
	err = c.dbs.AtomicContext(ctx, "recoveryVotes", func(tx *sql.Tx) error {
		rows, terr := tx.Query(
			`SELECT authority, sig FROM recoveryvotes WHERE procid = ? AND kind = ? ORDER BY authority ASC`,
			procID, kind)
		if terr != nil {
			return terr
		}
		defer rows.Close()
		for rows.Next() {
			var ref ApprovalRef
			var sig []byte
			if terr := rows.Scan(&ref.AuthorityID, &sig); terr != nil {
				return terr
			}
			copy(ref.Sig[:], sig)
			out = append(out, ref)
		}
		return rows.Err()
	})
	return
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func getProcTx(tx *sql.Tx, procID string) (Procedure, error) {
	row := tx.QueryRow(
		`SELECT id, state, findings, branchseq, branchhash, opened, approved, resolved, recordseq
		 FROM recoveryprocs WHERE id = ?`, procID)
	var proc Procedure
	err := scanProc(row, &proc)
	if err == sql.ErrNoRows {
		return Procedure{}, ErrNoProcedure
	}
	return proc, err
}

func scanProc(row rowScanner, proc *Procedure) error {
	var state string
	var branchHash []byte
	var opened, approved, resolved int64
	err := row.Scan(&proc.ID, &state, &proc.Findings, &proc.BranchSeq, &branchHash,
		&opened, &approved, &resolved, &proc.RecordSeq)
	if err != nil {
		return err
	}
	proc.State = State(state)
	copy(proc.BranchHash[:], branchHash)
	proc.OpenedAt = time.Unix(0, opened).UTC()
	if approved != 0 {
		proc.ApprovedAt = time.Unix(0, approved).UTC()
	}
	if resolved != 0 {
		proc.ResolvedAt = time.Unix(0, resolved).UTC()
	}
	return nil
}
