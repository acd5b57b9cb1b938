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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/util/db"
)

type stubHalt struct {
	halted   bool
	haltedTx bool
}

func (h *stubHalt) Halted(ctx context.Context) (bool, error) { return h.halted, nil }
func (h *stubHalt) HaltedTx(tx *sql.Tx) (bool, error)        { return h.haltedTx, nil }

type stubLeases struct {
	err   error
	txErr error
}

func (l *stubLeases) Validate(ctx context.Context, leaseID uint64, holderID string) error {
	return l.err
}

func (l *stubLeases) ValidateTx(tx *sql.Tx, leaseID uint64, holderID string) error {
	if l.txErr != nil {
		return l.txErr
	}
	return l.err
}

type stubAttester struct {
	secrets *crypto.SignatureSecrets
	fail    error
	badSig  bool
	hang    bool
}

func (a *stubAttester) Attest(ctx context.Context, req AttestRequest) (Attestation, error) {
	if a.hang {
		<-ctx.Done()
		return Attestation{}, ctx.Err()
	}
	if a.fail != nil {
		return Attestation{}, a.fail
	}
	sig := a.secrets.SignBytes(req.ContentHash[:])
	if a.badSig {
		sig[0] ^= 0xff
	}
	return Attestation{
		WitnessID: "witness-stub",
		Verifier:  a.secrets.SignatureVerifier,
		Sig:       sig,
	}, nil
}

type writerEnv struct {
	store    *Store
	writer   *Writer
	halt     *stubHalt
	leases   *stubLeases
	attester *stubAttester
}

func makeWriterEnv(t *testing.T) *writerEnv {
	dbs, err := db.MakeAccessor(filepath.Join(t.TempDir(), "writer_test.sqlite"), false, false)
	require.NoError(t, err)
	t.Cleanup(dbs.Close)

	log := logging.TestingLog(t)
	cat, err := catalog.MakeCatalog(dbs, log)
	require.NoError(t, err)
	store, err := MakeStore(dbs, log)
	require.NoError(t, err)

	env := &writerEnv{
		store:    store,
		halt:     &stubHalt{},
		leases:   &stubLeases{},
		attester: &stubAttester{secrets: crypto.GenerateSignatureSecrets(crypto.RandomSeed())},
	}
	env.writer = MakeWriter(WriterParams{
		Store:         store,
		Catalog:       cat,
		Halt:          env.halt,
		Leases:        env.leases,
		Attester:      env.attester,
		Secrets:       crypto.GenerateSignatureSecrets(crypto.RandomSeed()),
		WriterID:      "writer-test",
		AttestTimeout: 200 * time.Millisecond,
		Log:           log,
	})
	return env
}

func (env *writerEnv) candidate(t *testing.T, payload []byte) Candidate {
	_, head, err := env.store.Head(context.Background())
	require.NoError(t, err)
	return Candidate{
		Type:          protocol.EventRecord,
		SchemaVersion: 1,
		Payload:       payload,
		PriorHash:     head,
		LeaseID:       1,
	}
}

func (env *writerEnv) requireEmpty(t *testing.T) {
	seq, _, err := env.store.Head(context.Background())
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestWriterAppend(t *testing.T) {
	env := makeWriterEnv(t)
	ctx := context.Background()

	rec, err := env.writer.Append(ctx, env.candidate(t, []byte("hello")))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Sequence)
	require.Equal(t, "witness-stub", rec.WitnessID)
	require.Equal(t, "writer-test", rec.WriterID)

	// Both signatures cover the content hash.
	require.True(t, env.writer.params.Secrets.SignatureVerifier.VerifyBytes(rec.ContentHash[:], rec.WriterSig))
	require.True(t, env.attester.secrets.SignatureVerifier.VerifyBytes(rec.ContentHash[:], rec.WitnessSig))

	got, err := env.store.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, rec.ContentHash, got.ContentHash)
}

func TestWriterHaltGate(t *testing.T) {
	env := makeWriterEnv(t)
	env.halt.halted = true

	_, err := env.writer.Append(context.Background(), env.candidate(t, []byte("x")))
	require.ErrorIs(t, err, ErrSystemHalted)
	env.requireEmpty(t)
}

func TestWriterHaltGateInsideCommit(t *testing.T) {
	env := makeWriterEnv(t)
	// The fail-fast check passes but the durable flag flips before commit.
	env.halt.haltedTx = true

	_, err := env.writer.Append(context.Background(), env.candidate(t, []byte("x")))
	require.ErrorIs(t, err, ErrSystemHalted)
	env.requireEmpty(t)
}

func TestWriterUnknownSchema(t *testing.T) {
	env := makeWriterEnv(t)

	cand := env.candidate(t, []byte("x"))
	cand.Type = "no/such-type"
	_, err := env.writer.Append(context.Background(), cand)
	require.ErrorIs(t, err, ErrUnknownSchema)
	env.requireEmpty(t)

	cand = env.candidate(t, []byte("x"))
	cand.SchemaVersion = 999
	_, err = env.writer.Append(context.Background(), cand)
	require.ErrorIs(t, err, ErrUnknownSchema)
	env.requireEmpty(t)
}

func TestWriterStaleLease(t *testing.T) {
	env := makeWriterEnv(t)
	env.leases.err = errors.New("superseded")

	_, err := env.writer.Append(context.Background(), env.candidate(t, []byte("x")))
	require.ErrorIs(t, err, ErrStaleLease)
	env.requireEmpty(t)
}

func TestWriterLeaseRecheckInsideCommit(t *testing.T) {
	env := makeWriterEnv(t)
	// The up-front check passes; the lease lapses while the candidate is
	// out for attestation. The in-transaction re-check must catch it.
	env.leases.txErr = errors.New("expired")

	_, err := env.writer.Append(context.Background(), env.candidate(t, []byte("x")))
	require.ErrorIs(t, err, ErrStaleLease)
	env.requireEmpty(t)
}

func TestWriterAttesterFailureLeavesNoTrace(t *testing.T) {
	env := makeWriterEnv(t)
	env.attester.fail = errors.New("witness down")

	_, err := env.writer.Append(context.Background(), env.candidate(t, []byte("x")))
	require.Error(t, err)
	env.requireEmpty(t)
}

func TestWriterAttestTimeout(t *testing.T) {
	env := makeWriterEnv(t)
	env.attester.hang = true

	_, err := env.writer.Append(context.Background(), env.candidate(t, []byte("x")))
	require.ErrorIs(t, err, ErrNoWitnessAvailable)
	env.requireEmpty(t)
}

func TestWriterBadAttestation(t *testing.T) {
	env := makeWriterEnv(t)
	env.attester.badSig = true

	_, err := env.writer.Append(context.Background(), env.candidate(t, []byte("x")))
	require.ErrorIs(t, err, ErrBadAttestation)
	env.requireEmpty(t)
}

func TestWriterContinuityLoss(t *testing.T) {
	env := makeWriterEnv(t)
	ctx := context.Background()

	stale := env.candidate(t, []byte("loser"))
	_, err := env.writer.Append(ctx, env.candidate(t, []byte("winner")))
	require.NoError(t, err)

	_, err = env.writer.Append(ctx, stale)
	require.ErrorIs(t, err, ErrChainContinuity)

	seq, _, err := env.store.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestWriterAppendSystemBypassesHaltOnly(t *testing.T) {
	env := makeWriterEnv(t)
	ctx := context.Background()
	env.halt.halted = true
	env.halt.haltedTx = true

	// Without the bypass the gate applies.
	_, err := env.writer.AppendSystem(ctx, env.candidate(t, []byte("x")), false)
	require.ErrorIs(t, err, ErrSystemHalted)

	// With it, every other precondition still holds.
	cand := env.candidate(t, []byte("decision"))
	cand.Type = protocol.RecoveryDecisionRecord
	rec, err := env.writer.AppendSystem(ctx, cand, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Sequence)

	env.leases.err = errors.New("fenced")
	cand = env.candidate(t, []byte("fenced"))
	cand.Type = protocol.RecoveryDecisionRecord
	_, err = env.writer.AppendSystem(ctx, cand, true)
	require.ErrorIs(t, err, ErrStaleLease)
}

func TestSubmitterRetriesContinuity(t *testing.T) {
	env := makeWriterEnv(t)
	ctx := context.Background()
	sub := MakeSubmitter(env.store, env.writer)

	// Seed a record so the head moves at least once.
	_, err := env.writer.Append(ctx, env.candidate(t, []byte("seed")))
	require.NoError(t, err)

	rec, err := sub.Submit(ctx, protocol.EventRecord, 1, []byte("submitted"), 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Sequence)
}
