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

// Package lease implements fencing leases for write authority.
//
// Lease identifiers are strictly monotonic within an epoch, and the epoch
// counter only moves forward. Holding the lease with the highest identifier
// in the current epoch is what authorizes appending; an older identifier is
// fenced out even if its wall-clock expiry has not passed. Expiry alone
// never grants authority to anyone else, it only makes the slot acquirable.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/serr"
	"github.com/hoyack/archon72-sub009/util/db"
)

var (
	// ErrLeaseHeld means another unexpired lease currently fences the slot.
	ErrLeaseHeld = errors.New("lease held by another writer")

	// ErrLeaseExpired means the named lease's TTL has lapsed. The holder
	// must re-acquire; renewal is not possible past expiry.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrLeaseSuperseded means a newer lease identifier exists. The fencing
	// property: the superseded holder can never write again under this id.
	ErrLeaseSuperseded = errors.New("lease superseded by a newer grant")

	// ErrLeaseNotHeld means the named lease does not belong to the caller,
	// was released, or belongs to a previous epoch.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// A Lease is a time-bounded, fenced grant of write authority.
type Lease struct {
	ID        uint64
	Epoch     uint64
	HolderID  string
	GrantedAt time.Time
	ExpiresAt time.Time
}

// GrantPayload is the payload of the witnessed record a grant produces.
type GrantPayload struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	LeaseID   uint64    `codec:"id"`
	Epoch     uint64    `codec:"ep"`
	HolderID  string    `codec:"h"`
	ExpiresAt time.Time `codec:"exp"`
}

// A Recorder appends witnessed records on the manager's behalf. Wired in
// after construction; grants made before wiring are not recorded.
type Recorder interface {
	Submit(ctx context.Context, rtype protocol.RecordType, schemaVersion uint32, payload []byte, leaseID uint64) (ledger.Record, error)
}

// Manager grants, renews and validates fencing leases against storage.
type Manager struct {
	dbs      db.Accessor
	ttl      time.Duration
	log      logging.Logger
	recorder Recorder
}

var leaseInit = []string{
	`CREATE TABLE IF NOT EXISTS leases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		epoch INTEGER NOT NULL,
		holder TEXT NOT NULL,
		granted INTEGER NOT NULL,
		expires INTEGER NOT NULL,
		released INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS leasemeta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		epoch INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO leasemeta (id, epoch) VALUES (1, 1)`,
}

// MakeManager opens the lease manager over the given accessor.
func MakeManager(dbs db.Accessor, ttl time.Duration, log logging.Logger) (*Manager, error) {
	m := &Manager{dbs: dbs, ttl: ttl, log: log}
	err := dbs.Atomic("leaseInit", func(tx *sql.Tx) error {
		for _, stmt := range leaseInit {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetRecorder wires the record path in. Separate from construction because
// the writer that ultimately backs the recorder validates leases through
// this same manager.
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

// TTL returns the configured grant duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func epochTx(tx *sql.Tx) (uint64, error) {
	var epoch uint64
	err := tx.QueryRow(`SELECT epoch FROM leasemeta WHERE id = 1`).Scan(&epoch)
	return epoch, err
}

// currentTx returns the newest unreleased lease in the current epoch, or
// ok=false when the slot is open.
func currentTx(tx *sql.Tx, epoch uint64) (l Lease, ok bool, err error) {
	row := tx.QueryRow(
		`SELECT id, epoch, holder, granted, expires FROM leases
		 WHERE epoch = ? AND released = 0 ORDER BY id DESC LIMIT 1`, epoch)
	var granted, expires int64
	err = row.Scan(&l.ID, &l.Epoch, &l.HolderID, &granted, &expires)
	if err == sql.ErrNoRows {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	l.GrantedAt = time.Unix(0, granted).UTC()
	l.ExpiresAt = time.Unix(0, expires).UTC()
	return l, true, nil
}

// Acquire grants a fresh lease to holderID if the slot is open, that is if
// no unexpired, unreleased lease exists in the current epoch. The grant is
// then recorded on the ledger as a witnessed lease/grant record under the
// new lease itself.
func (m *Manager) Acquire(ctx context.Context, holderID string) (Lease, error) {
	var granted Lease
	err := m.dbs.AtomicContext(ctx, "leaseAcquire", func(tx *sql.Tx) error {
		epoch, err := epochTx(tx)
		if err != nil {
			return err
		}
		cur, held, err := currentTx(tx, epoch)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if held && now.Before(cur.ExpiresAt) && cur.HolderID != holderID {
			return serr.Wrap(ErrLeaseHeld, ErrLeaseHeld.Error(),
				"holder", cur.HolderID, "expires", cur.ExpiresAt.String())
		}
		granted = Lease{
			Epoch:     epoch,
			HolderID:  holderID,
			GrantedAt: now,
			ExpiresAt: now.Add(m.ttl),
		}
		res, err := tx.Exec(
			`INSERT INTO leases (epoch, holder, granted, expires) VALUES (?, ?, ?, ?)`,
			epoch, holderID, now.UnixNano(), granted.ExpiresAt.UnixNano())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		granted.ID = uint64(id)
		return nil
	})
	if err != nil {
		return Lease{}, err
	}

	m.log.WithFields(logging.Fields{
		"leaseID": granted.ID,
		"epoch":   granted.Epoch,
		"holder":  granted.HolderID,
	}).Info("lease granted")

	if m.recorder != nil {
		payload := protocol.Encode(&GrantPayload{
			LeaseID:   granted.ID,
			Epoch:     granted.Epoch,
			HolderID:  granted.HolderID,
			ExpiresAt: granted.ExpiresAt,
		})
		_, rerr := m.recorder.Submit(ctx, protocol.LeaseGrant, 1, payload, granted.ID)
		if rerr != nil {
			// The grant row stands; the ledger trail catches up on the next
			// grant. A halted system legitimately rejects this record.
			m.log.With("leaseID", granted.ID).Warnf("lease grant record not appended: %v", rerr)
		}
	}
	return granted, nil
}

// Renew extends the named lease's expiry by the configured TTL from now.
// Only the current, unexpired lease can be renewed.
func (m *Manager) Renew(ctx context.Context, leaseID uint64, holderID string) (Lease, error) {
	var renewed Lease
	err := m.dbs.AtomicContext(ctx, "leaseRenew", func(tx *sql.Tx) error {
		cur, err := validateTx(tx, leaseID, holderID)
		if err != nil {
			return err
		}
		cur.ExpiresAt = time.Now().UTC().Add(m.ttl)
		_, err = tx.Exec(`UPDATE leases SET expires = ? WHERE id = ?`,
			cur.ExpiresAt.UnixNano(), cur.ID)
		renewed = cur
		return err
	})
	if err != nil {
		return Lease{}, err
	}
	return renewed, nil
}

// Release voluntarily gives the lease up, opening the slot immediately.
func (m *Manager) Release(ctx context.Context, leaseID uint64, holderID string) error {
	return m.dbs.AtomicContext(ctx, "leaseRelease", func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE leases SET released = 1 WHERE id = ? AND holder = ? AND released = 0`,
			leaseID, holderID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLeaseNotHeld
		}
		return nil
	})
}

// Validate checks that leaseID is the one valid lease right now and that
// holderID holds it. This is the fencing check the writer performs on
// every append.
func (m *Manager) Validate(ctx context.Context, leaseID uint64, holderID string) error {
	return m.dbs.AtomicContext(ctx, "leaseValidate", func(tx *sql.Tx) error {
		_, err := validateTx(tx, leaseID, holderID)
		return err
	})
}

// ValidateTx is Validate inside the caller's transaction. The writer runs
// it immediately before the durable commit step, so a lease that lapsed or
// was superseded while the candidate waited on witness attestation aborts
// the append instead of committing under a dead lease.
func (m *Manager) ValidateTx(tx *sql.Tx, leaseID uint64, holderID string) error {
	_, err := validateTx(tx, leaseID, holderID)
	return err
}

func validateTx(tx *sql.Tx, leaseID uint64, holderID string) (Lease, error) {
	epoch, err := epochTx(tx)
	if err != nil {
		return Lease{}, err
	}
	cur, held, err := currentTx(tx, epoch)
	if err != nil {
		return Lease{}, err
	}
	if !held || cur.HolderID != holderID {
		return Lease{}, ErrLeaseNotHeld
	}
	if cur.ID != leaseID {
		if leaseID < cur.ID {
			return Lease{}, ErrLeaseSuperseded
		}
		return Lease{}, ErrLeaseNotHeld
	}
	if !time.Now().UTC().Before(cur.ExpiresAt) {
		return Lease{}, ErrLeaseExpired
	}
	return cur, nil
}

// Current returns the newest unreleased lease in the current epoch, if any.
func (m *Manager) Current(ctx context.Context) (l Lease, held bool, err error) {
	err = m.dbs.AtomicContext(ctx, "leaseCurrent", func(tx *sql.Tx) error {
		epoch, terr := epochTx(tx)
		if terr != nil {
			return terr
		}
		l, held, terr = currentTx(tx, epoch)
		return terr
	})
	return
}

// Epoch returns the current lease epoch.
func (m *Manager) Epoch(ctx context.Context) (epoch uint64, err error) {
	err = m.dbs.AtomicContext(ctx, "leaseEpoch", func(tx *sql.Tx) error {
		epoch, err = epochTx(tx)
		return err
	})
	return
}

// NewEpochTx advances the epoch and releases every outstanding lease, all
// inside the caller's transaction. The recovery coordinator calls this in
// the same transaction that clears the halt, so no pre-halt lease survives
// into the recovered system.
func (m *Manager) NewEpochTx(tx *sql.Tx) (uint64, error) {
	if _, err := tx.Exec(`UPDATE leases SET released = 1 WHERE released = 0`); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE leasemeta SET epoch = epoch + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	return epochTx(tx)
}
