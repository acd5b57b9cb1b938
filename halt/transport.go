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

// Package halt implements the dual-channel halt transport.
//
// The durable channel is a row in the ledger database and is the source of
// truth. The fast channel is an in-process flag with subscriber fan-out
// (bridged to websockets by the daemon). Every halt check consults both;
// if either reports halted, the system is halted. The channels combine by
// logical OR, never by reconciling into one flag: a disagreement that
// outlives the reconciliation window is recorded as an anomaly while the
// halted interpretation stays in force.
//
// There is no clear operation on this transport. Only the recovery
// coordinator clears a halt, through ClearForRecovery, inside its single
// authorized transition.
package halt

import (
	"context"
	"database/sql"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/util/db"
)

// State is the process-wide halt flag with its provenance.
type State struct {
	Halted            bool      `json:"isHalted"`
	Reason            string    `json:"reason,omitempty"`
	TriggeringRecords []uint64  `json:"triggeringRecordRefs,omitempty"`
	DeclaredAt        time.Time `json:"declaredAt,omitempty"`

	// Stale reports that this view may lag the durable channel by up to
	// the staleness bound of the fast channel.
	Stale bool `json:"stale,omitempty"`
}

// Transport propagates halt state over both channels.
type Transport struct {
	dbs              db.Accessor
	log              logging.Logger
	reconcileWindow  time.Duration

	mu            deadlock.Mutex
	fast          State
	disagreeSince time.Time
	anomalyLogged bool
	subs          map[chan State]struct{}
}

var haltInit = []string{
	`CREATE TABLE IF NOT EXISTS haltstate (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		halted INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		refs BLOB,
		declared INTEGER NOT NULL DEFAULT 0
	)`,
	`INSERT OR IGNORE INTO haltstate (id, halted) VALUES (1, 0)`,
	`CREATE TABLE IF NOT EXISTS haltanomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fastview INTEGER NOT NULL,
		durableview INTEGER NOT NULL,
		observed INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	)`,
}

// MakeTransport opens the transport over the given accessor, creating its
// tables if absent. The fast channel starts mirroring the durable one.
func MakeTransport(dbs db.Accessor, reconcileWindow time.Duration, log logging.Logger) (*Transport, error) {
	t := &Transport{
		dbs:             dbs,
		log:             log,
		reconcileWindow: reconcileWindow,
		subs:            make(map[chan State]struct{}),
	}

	err := dbs.Atomic("haltInit", func(tx *sql.Tx) error {
		for _, stmt := range haltInit {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	durable, err := t.Durable(context.Background())
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.fast = durable
	t.mu.Unlock()
	return t, nil
}

// Durable reads the canonical halt state from storage.
func (t *Transport) Durable(ctx context.Context) (state State, err error) {
	err = t.dbs.AtomicContext(ctx, "haltDurable", func(tx *sql.Tx) error {
		return durableTx(tx, &state)
	})
	return
}

func durableTx(tx *sql.Tx, state *State) error {
	row := tx.QueryRow(`SELECT halted, reason, refs, declared FROM haltstate WHERE id = 1`)
	var halted int
	var refs []byte
	var declared int64
	if err := row.Scan(&halted, &state.Reason, &refs, &declared); err != nil {
		return err
	}
	state.Halted = halted != 0
	if len(refs) > 0 {
		if err := protocol.Decode(refs, &state.TriggeringRecords); err != nil {
			return err
		}
	}
	if declared != 0 {
		state.DeclaredAt = time.Unix(0, declared).UTC()
	}
	return nil
}

// Fast returns the fast channel's current view. It self-reports staleness:
// a fast read is always considered potentially behind the durable channel.
func (t *Transport) Fast() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.fast
	s.Stale = true
	return s
}

// Halted consults both channels and fails closed: if either channel
// reports halted, the answer is halted. A disagreement that persists
// beyond the reconciliation window is recorded as an anomaly.
func (t *Transport) Halted(ctx context.Context) (bool, error) {
	durable, err := t.Durable(ctx)
	if err != nil {
		// If the durable channel cannot be read, the conservative
		// interpretation wins.
		t.log.Warnf("halt: durable channel unreadable, treating as halted: %v", err)
		return true, nil
	}
	fast := t.Fast()

	if durable.Halted != fast.Halted {
		t.noteDisagreement(fast.Halted, durable.Halted)
	} else {
		t.clearDisagreement(durable)
	}

	return durable.Halted || fast.Halted, nil
}

// HaltedTx consults the durable channel inside a caller-owned transaction.
// This is the check the writer performs immediately before commit.
func (t *Transport) HaltedTx(tx *sql.Tx) (bool, error) {
	var state State
	if err := durableTx(tx, &state); err != nil {
		return true, err
	}
	return state.Halted, nil
}

// Get returns the conservative merged view of both channels, for the
// halt-state feed.
func (t *Transport) Get(ctx context.Context) (State, error) {
	durable, err := t.Durable(ctx)
	if err != nil {
		return State{Halted: true, Reason: "halt state unreadable"}, err
	}
	fast := t.Fast()
	if fast.Halted && !durable.Halted {
		// Fast says halted, durable does not: conservative wins until
		// reconciled.
		return fast, nil
	}
	return durable, nil
}

// Declare raises the halt on both channels. Idempotent: re-declaring an
// existing halt keeps the original declaration.
func (t *Transport) Declare(ctx context.Context, reason string, triggering []uint64) error {
	declared := time.Now().UTC()

	// Fast channel first: propagation latency matters more than ordering
	// here, and the durable write below is what makes it canonical.
	t.setFast(State{
		Halted:            true,
		Reason:            reason,
		TriggeringRecords: triggering,
		DeclaredAt:        declared,
	})

	err := t.dbs.AtomicContext(ctx, "haltDeclare", func(tx *sql.Tx) error {
		var cur State
		if err := durableTx(tx, &cur); err != nil {
			return err
		}
		if cur.Halted {
			return nil
		}
		var refs []byte
		if len(triggering) > 0 {
			refs = protocol.Encode(triggering)
		}
		_, err := tx.Exec(
			`UPDATE haltstate SET halted = 1, reason = ?, refs = ?, declared = ? WHERE id = 1`,
			reason, refs, declared.UnixNano())
		return err
	})
	if err != nil {
		// The fast channel is already raised; the durable write must be
		// retried by the caller. The system still reads as halted.
		t.log.Errorf("halt: durable declare failed (fast channel raised): %v", err)
		return err
	}

	t.log.With("reason", reason).Warn("halt declared on both channels")
	return nil
}

// ClearForRecovery lowers the durable flag inside the recovery
// coordinator's transaction. It is the only path that clears a halt; the
// fast channel follows once the transaction commits, via FollowDurable.
func (t *Transport) ClearForRecovery(tx *sql.Tx) error {
	_, err := tx.Exec(`UPDATE haltstate SET halted = 0, reason = '', refs = NULL, declared = 0 WHERE id = 1`)
	return err
}

// FollowDurable re-reads the durable channel and aligns the fast channel
// with it. Called by the recovery coordinator after its clearing
// transaction commits.
func (t *Transport) FollowDurable(ctx context.Context) error {
	durable, err := t.Durable(ctx)
	if err != nil {
		return err
	}
	t.setFast(durable)
	return nil
}

// Subscribe returns a channel receiving every fast-channel state change.
// The channel is buffered; a slow consumer misses intermediate states but
// always receives the latest.
func (t *Transport) Subscribe() chan State {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan State, 1)
	t.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription.
func (t *Transport) Unsubscribe(ch chan State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, ch)
}

func (t *Transport) setFast(s State) {
	t.mu.Lock()
	t.fast = s
	subs := make([]chan State, 0, len(t.subs))
	for ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			// Drain the stale state and replace it with the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (t *Transport) noteDisagreement(fastHalted bool, durableHalted bool) {
	t.mu.Lock()
	if t.disagreeSince.IsZero() {
		t.disagreeSince = time.Now()
		t.mu.Unlock()
		return
	}
	since := t.disagreeSince
	logged := t.anomalyLogged
	t.mu.Unlock()

	if logged || time.Since(since) < t.reconcileWindow {
		return
	}

	t.mu.Lock()
	t.anomalyLogged = true
	t.mu.Unlock()

	err := t.dbs.Atomic("haltAnomaly", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO haltanomalies (fastview, durableview, observed, note) VALUES (?, ?, ?, ?)`,
			boolToInt(fastHalted), boolToInt(durableHalted), time.Now().UnixNano(),
			"halt channel disagreement outlived reconciliation window")
		return err
	})
	if err != nil {
		t.log.Errorf("halt: failed to persist channel anomaly: %v", err)
	}
	t.log.WithFields(logging.Fields{
		"fastHalted":    fastHalted,
		"durableHalted": durableHalted,
	}).Error("halt channel conflict: conservative interpretation in force")
}

func (t *Transport) clearDisagreement(durable State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.disagreeSince.IsZero() {
		t.disagreeSince = time.Time{}
		t.anomalyLogged = false
		// Channels reconciled; fast follows durable.
		t.fast = durable
	}
}

// Anomalies returns the persisted halt-channel anomaly log, newest first.
func (t *Transport) Anomalies(ctx context.Context) (out []Anomaly, err error) {
	err = t.dbs.AtomicContext(ctx, "haltAnomalies", func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT fastview, durableview, observed, note FROM haltanomalies ORDER BY id DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a Anomaly
			var fast, durable int
			var observed int64
			if err := rows.Scan(&fast, &durable, &observed, &a.Note); err != nil {
				return err
			}
			a.FastHalted = fast != 0
			a.DurableHalted = durable != 0
			a.Observed = time.Unix(0, observed).UTC()
			out = append(out, a)
		}
		return rows.Err()
	})
	return
}

// Anomaly is one persisted halt-channel disagreement.
type Anomaly struct {
	FastHalted    bool      `json:"fastHalted"`
	DurableHalted bool      `json:"durableHalted"`
	Observed      time.Time `json:"observed"`
	Note          string    `json:"note"`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
