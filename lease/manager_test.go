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

package lease

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/util/db"
)

func makeTestManager(t *testing.T, ttl time.Duration) (*Manager, db.Accessor) {
	dbs, err := db.MakeAccessor(filepath.Join(t.TempDir(), "lease_test.sqlite"), false, false)
	require.NoError(t, err)
	t.Cleanup(dbs.Close)

	m, err := MakeManager(dbs, ttl, logging.TestingLog(t))
	require.NoError(t, err)
	return m, dbs
}

type captureRecorder struct {
	types  []protocol.RecordType
	leases []uint64
}

func (r *captureRecorder) Submit(ctx context.Context, rtype protocol.RecordType, schemaVersion uint32, payload []byte, leaseID uint64) (ledger.Record, error) {
	r.types = append(r.types, rtype)
	r.leases = append(r.leases, leaseID)
	return ledger.Record{}, nil
}

func TestLeaseAcquireAndValidate(t *testing.T) {
	m, _ := makeTestManager(t, time.Hour)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)
	require.NotZero(t, l.ID)
	require.Equal(t, uint64(1), l.Epoch)

	require.NoError(t, m.Validate(ctx, l.ID, "writer-a"))
	require.ErrorIs(t, m.Validate(ctx, l.ID, "writer-b"), ErrLeaseNotHeld)
	require.ErrorIs(t, m.Validate(ctx, l.ID+5, "writer-a"), ErrLeaseNotHeld)
}

func TestLeaseMutualExclusion(t *testing.T) {
	m, _ := makeTestManager(t, time.Hour)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "writer-b")
	require.ErrorIs(t, err, ErrLeaseHeld)
}

func TestLeaseFencing(t *testing.T) {
	m, _ := makeTestManager(t, time.Hour)
	ctx := context.Background()

	old, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)

	// The same holder re-acquiring supersedes its own lease; the old
	// identifier is fenced out permanently.
	renewedID, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)
	require.Greater(t, renewedID.ID, old.ID)

	require.ErrorIs(t, m.Validate(ctx, old.ID, "writer-a"), ErrLeaseSuperseded)
	require.NoError(t, m.Validate(ctx, renewedID.ID, "writer-a"))
}

func TestLeaseExpiry(t *testing.T) {
	m, _ := makeTestManager(t, 30*time.Millisecond)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)
	require.NoError(t, m.Validate(ctx, l.ID, "writer-a"))

	time.Sleep(60 * time.Millisecond)
	require.ErrorIs(t, m.Validate(ctx, l.ID, "writer-a"), ErrLeaseExpired)

	// Renewal past expiry is not possible; the slot is open to anyone.
	_, err = m.Renew(ctx, l.ID, "writer-a")
	require.ErrorIs(t, err, ErrLeaseExpired)

	taken, err := m.Acquire(ctx, "writer-b")
	require.NoError(t, err)
	require.NoError(t, m.Validate(ctx, taken.ID, "writer-b"))
}

func TestLeaseRenew(t *testing.T) {
	m, _ := makeTestManager(t, time.Hour)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)

	renewed, err := m.Renew(ctx, l.ID, "writer-a")
	require.NoError(t, err)
	require.Equal(t, l.ID, renewed.ID)
	require.True(t, renewed.ExpiresAt.After(l.ExpiresAt) || renewed.ExpiresAt.Equal(l.ExpiresAt))

	_, err = m.Renew(ctx, l.ID, "writer-b")
	require.ErrorIs(t, err, ErrLeaseNotHeld)
}

func TestLeaseRelease(t *testing.T) {
	m, _ := makeTestManager(t, time.Hour)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l.ID, "writer-a"))
	require.ErrorIs(t, m.Release(ctx, l.ID, "writer-a"), ErrLeaseNotHeld)

	// Slot opens immediately.
	_, err = m.Acquire(ctx, "writer-b")
	require.NoError(t, err)
}

func TestLeaseGrantRecorded(t *testing.T) {
	m, _ := makeTestManager(t, time.Hour)
	rec := &captureRecorder{}
	m.SetRecorder(rec)

	l, err := m.Acquire(context.Background(), "writer-a")
	require.NoError(t, err)

	require.Equal(t, []protocol.RecordType{protocol.LeaseGrant}, rec.types)
	require.Equal(t, []uint64{l.ID}, rec.leases)
}

type openHalt struct{}

func (openHalt) Halted(ctx context.Context) (bool, error) { return false, nil }
func (openHalt) HaltedTx(tx *sql.Tx) (bool, error)        { return false, nil }

type slowAttester struct {
	secrets *crypto.SignatureSecrets
	delay   time.Duration
}

func (a *slowAttester) Attest(ctx context.Context, req ledger.AttestRequest) (ledger.Attestation, error) {
	select {
	case <-ctx.Done():
		return ledger.Attestation{}, ctx.Err()
	case <-time.After(a.delay):
	}
	return ledger.Attestation{
		WitnessID: "witness-slow",
		Verifier:  a.secrets.SignatureVerifier,
		Sig:       a.secrets.SignBytes(req.ContentHash[:]),
	}, nil
}

func TestLeaseLapseDuringAttestationAborts(t *testing.T) {
	dbs, err := db.MakeAccessor(filepath.Join(t.TempDir(), "lease_lapse_test.sqlite"), false, false)
	require.NoError(t, err)
	t.Cleanup(dbs.Close)

	log := logging.TestingLog(t)
	m, err := MakeManager(dbs, 60*time.Millisecond, log)
	require.NoError(t, err)
	cat, err := catalog.MakeCatalog(dbs, log)
	require.NoError(t, err)
	store, err := ledger.MakeStore(dbs, log)
	require.NoError(t, err)

	// Attestation outlasts the lease TTL. The up-front validity check
	// passes; only the commit-time re-check can reject the dead lease.
	writer := ledger.MakeWriter(ledger.WriterParams{
		Store:         store,
		Catalog:       cat,
		Halt:          openHalt{},
		Leases:        m,
		Attester:      &slowAttester{secrets: crypto.GenerateSignatureSecrets(crypto.RandomSeed()), delay: 150 * time.Millisecond},
		Secrets:       crypto.GenerateSignatureSecrets(crypto.RandomSeed()),
		WriterID:      "writer-a",
		AttestTimeout: time.Second,
		Log:           log,
	})

	ctx := context.Background()
	l, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)

	_, head, err := store.Head(ctx)
	require.NoError(t, err)
	_, err = writer.Append(ctx, ledger.Candidate{
		Type:          protocol.EventRecord,
		SchemaVersion: 1,
		Payload:       []byte("late"),
		PriorHash:     head,
		LeaseID:       l.ID,
	})
	require.ErrorIs(t, err, ledger.ErrStaleLease)

	// No partial write under the expired lease.
	seq, _, err := store.Head(ctx)
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestLeaseNewEpoch(t *testing.T) {
	m, dbs := makeTestManager(t, time.Hour)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)

	var epoch uint64
	err = dbs.Atomic("newEpoch", func(tx *sql.Tx) error {
		var terr error
		epoch, terr = m.NewEpochTx(tx)
		return terr
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), epoch)

	// Nothing from the old epoch survives.
	require.ErrorIs(t, m.Validate(ctx, l.ID, "writer-a"), ErrLeaseNotHeld)
	_, held, err := m.Current(ctx)
	require.NoError(t, err)
	require.False(t, held)

	fresh, err := m.Acquire(ctx, "writer-a")
	require.NoError(t, err)
	require.Equal(t, uint64(2), fresh.Epoch)
	require.Greater(t, fresh.ID, l.ID)
}
