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

package recovery

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/halt"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/lease"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/util/db"
)

type stubAttester struct {
	secrets *crypto.SignatureSecrets
}

func (a *stubAttester) Attest(ctx context.Context, req ledger.AttestRequest) (ledger.Attestation, error) {
	return ledger.Attestation{
		WitnessID: "witness-test",
		Verifier:  a.secrets.SignatureVerifier,
		Sig:       a.secrets.SignBytes(req.ContentHash[:]),
	}, nil
}

type recoveryEnv struct {
	dbs       db.Accessor
	store     *ledger.Store
	transport *halt.Transport
	leases    *lease.Manager
	submitter *ledger.Submitter
	coord     *Coordinator
	auths     map[string]*crypto.SignatureSecrets
	leaseID   uint64
}

func makeRecoveryEnv(t *testing.T, waiting time.Duration) *recoveryEnv {
	dbs, err := db.MakeAccessor(filepath.Join(t.TempDir(), "recovery_test.sqlite"), false, false)
	require.NoError(t, err)
	t.Cleanup(dbs.Close)

	log := logging.TestingLog(t)
	store, err := ledger.MakeStore(dbs, log)
	require.NoError(t, err)
	cat, err := catalog.MakeCatalog(dbs, log)
	require.NoError(t, err)
	transport, err := halt.MakeTransport(dbs, time.Second, log)
	require.NoError(t, err)
	leases, err := lease.MakeManager(dbs, time.Hour, log)
	require.NoError(t, err)

	env := &recoveryEnv{
		dbs:       dbs,
		store:     store,
		transport: transport,
		leases:    leases,
		auths:     make(map[string]*crypto.SignatureSecrets),
	}

	writer := ledger.MakeWriter(ledger.WriterParams{
		Store:    store,
		Catalog:  cat,
		Halt:     transport,
		Leases:   leases,
		Attester: &stubAttester{secrets: crypto.GenerateSignatureSecrets(crypto.RandomSeed())},
		Secrets:  crypto.GenerateSignatureSecrets(crypto.RandomSeed()),
		WriterID: "writer-test",
		Log:      log,
	})
	env.submitter = ledger.MakeSubmitter(store, writer)

	leaseFn := func(ctx context.Context) (uint64, error) { return env.leaseID, nil }
	env.coord, err = MakeCoordinator(dbs, env.submitter, transport, leases, leaseFn, waiting, log)
	require.NoError(t, err)

	for _, id := range []string{"auth-a", "auth-b"} {
		secrets := crypto.GenerateSignatureSecrets(crypto.RandomSeed())
		env.auths[id] = secrets
		env.coord.RegisterAuthority(id, secrets.SignatureVerifier)
	}
	return env
}

func (env *recoveryEnv) raiseHalt(t *testing.T) {
	require.NoError(t, env.transport.Declare(context.Background(), "fork detected", []uint64{2, 3}))
}

func (env *recoveryEnv) acquireLease(t *testing.T) {
	l, err := env.leases.Acquire(context.Background(), "writer-test")
	require.NoError(t, err)
	env.leaseID = l.ID
}

func (env *recoveryEnv) sign(t *testing.T, proc Procedure, authID string, kind string) crypto.Signature {
	secrets, ok := env.auths[authID]
	require.True(t, ok)
	digest := env.coord.DecisionDigest(proc, kind)
	return secrets.SignBytes(digest[:])
}

func TestRecoveryRequiresHalt(t *testing.T) {
	env := makeRecoveryEnv(t, 0)

	_, err := env.coord.OpenInvestigation(context.Background(), "nothing is wrong")
	require.ErrorIs(t, err, ErrNotHalted)
}

func TestRecoveryLifecycle(t *testing.T) {
	env := makeRecoveryEnv(t, 60*time.Millisecond)
	ctx := context.Background()
	env.raiseHalt(t)
	env.acquireLease(t)

	proc, err := env.coord.OpenInvestigation(ctx, "fork at sequence 2")
	require.NoError(t, err)
	require.Equal(t, StateInvestigating, proc.State)

	// One procedure at a time.
	_, err = env.coord.OpenInvestigation(ctx, "second opinion")
	require.ErrorIs(t, err, ErrProcedureActive)

	// Votes are meaningless before a branch is fixed.
	err = env.coord.Vote(ctx, proc.ID, "auth-a", KindApprove, crypto.Signature{})
	require.ErrorIs(t, err, ErrWrongState)

	branchHash := crypto.Hash([]byte("surviving head"))
	require.NoError(t, env.coord.ProposeBranch(ctx, proc.ID, 2, branchHash))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingApproval, proc.State)
	require.Equal(t, branchHash, proc.BranchHash)

	// Unknown identities and bad signatures never count.
	err = env.coord.Vote(ctx, proc.ID, "auth-z", KindApprove, crypto.Signature{})
	require.ErrorIs(t, err, ErrUnknownAuthority)
	err = env.coord.Vote(ctx, proc.ID, "auth-a", KindApprove, crypto.Signature{1})
	require.ErrorIs(t, err, ErrBadApproval)

	// First signature: still awaiting, completion refused.
	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-a", KindApprove, env.sign(t, proc, "auth-a", KindApprove)))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingApproval, proc.State)
	_, err = env.coord.Complete(ctx, proc.ID)
	require.ErrorIs(t, err, ErrWrongState)

	// Second signature makes it unanimous; the waiting period starts.
	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-b", KindApprove, env.sign(t, proc, "auth-b", KindApprove)))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, proc.State)
	require.False(t, proc.ApprovedAt.IsZero())

	_, err = env.coord.Complete(ctx, proc.ID)
	require.ErrorIs(t, err, ErrWaitingPeriod)

	time.Sleep(80 * time.Millisecond)
	rec, err := env.coord.Complete(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.RecoveryDecisionRecord, rec.Type)

	// The decision record carries every authority's signature.
	var decision DecisionPayload
	require.NoError(t, protocol.Decode(rec.Payload, &decision))
	require.Equal(t, proc.ID, decision.ProcedureID)
	require.Equal(t, KindApprove, decision.Kind)
	require.Len(t, decision.Approvals, 2)
	digest := env.coord.DecisionDigest(proc, KindApprove)
	for _, appr := range decision.Approvals {
		require.True(t, env.auths[appr.AuthorityID].SignatureVerifier.VerifyBytes(digest[:], appr.Sig))
	}

	// Halt cleared, old lease epoch fenced out, procedure terminal.
	halted, err := env.transport.Halted(ctx)
	require.NoError(t, err)
	require.False(t, halted)
	require.ErrorIs(t, env.leases.Validate(ctx, env.leaseID, "writer-test"), lease.ErrLeaseNotHeld)
	epoch, err := env.leases.Epoch(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), epoch)

	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, StateRecovered, proc.State)
	require.Equal(t, rec.Sequence, proc.RecordSeq)

	_, ok, err := env.coord.Active(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecoveryAbandon(t *testing.T) {
	env := makeRecoveryEnv(t, 0)
	ctx := context.Background()
	env.raiseHalt(t)
	env.acquireLease(t)

	proc, err := env.coord.OpenInvestigation(ctx, "cause unclear")
	require.NoError(t, err)
	require.NoError(t, env.coord.ProposeBranch(ctx, proc.ID, 1, crypto.Hash([]byte("head"))))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)

	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-a", KindAbandon, env.sign(t, proc, "auth-a", KindAbandon)))
	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-b", KindAbandon, env.sign(t, proc, "auth-b", KindAbandon)))

	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, StateAbandoned, proc.State)

	// Abandoning never clears the halt.
	halted, err := env.transport.Halted(ctx)
	require.NoError(t, err)
	require.True(t, halted)

	// The abandon record landed under the authorized bypass.
	require.NotZero(t, proc.RecordSeq)
	rec, err := env.store.Get(ctx, proc.RecordSeq)
	require.NoError(t, err)
	require.Equal(t, protocol.RecoveryAbandonRecord, rec.Type)

	// A fresh procedure can open against the same halt.
	_, err = env.coord.OpenInvestigation(ctx, "second attempt")
	require.NoError(t, err)
}

func TestRecoveryReproposalDiscardsVotes(t *testing.T) {
	env := makeRecoveryEnv(t, 0)
	ctx := context.Background()
	env.raiseHalt(t)
	env.acquireLease(t)

	proc, err := env.coord.OpenInvestigation(ctx, "fork at sequence 5")
	require.NoError(t, err)
	require.NoError(t, env.coord.ProposeBranch(ctx, proc.ID, 5, crypto.Hash([]byte("first"))))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-a", KindApprove, env.sign(t, proc, "auth-a", KindApprove)))

	// A new branch invalidates everything signed so far.
	require.NoError(t, env.coord.ProposeBranch(ctx, proc.ID, 4, crypto.Hash([]byte("second"))))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)

	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-b", KindApprove, env.sign(t, proc, "auth-b", KindApprove)))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingApproval, proc.State)

	// Stale signature over the first branch no longer verifies.
	stale := proc
	stale.BranchSeq = 5
	stale.BranchHash = crypto.Hash([]byte("first"))
	err = env.coord.Vote(ctx, proc.ID, "auth-a", KindApprove, env.sign(t, stale, "auth-a", KindApprove))
	require.ErrorIs(t, err, ErrBadApproval)

	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-a", KindApprove, env.sign(t, proc, "auth-a", KindApprove)))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, proc.State)
}

func TestRecoveryCompleteResumesAfterAppend(t *testing.T) {
	env := makeRecoveryEnv(t, 0)
	ctx := context.Background()
	env.raiseHalt(t)
	env.acquireLease(t)

	proc, err := env.coord.OpenInvestigation(ctx, "fork at sequence 3")
	require.NoError(t, err)
	require.NoError(t, env.coord.ProposeBranch(ctx, proc.ID, 3, crypto.Hash([]byte("survivor"))))
	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-a", KindApprove, env.sign(t, proc, "auth-a", KindApprove)))
	require.NoError(t, env.coord.Vote(ctx, proc.ID, "auth-b", KindApprove, env.sign(t, proc, "auth-b", KindApprove)))

	// Stage the state a crash leaves behind: the decision record is on the
	// chain and its sequence is persisted, but the halt was never cleared
	// and the procedure is still waiting.
	payload := protocol.Encode(&DecisionPayload{
		ProcedureID: proc.ID,
		Kind:        KindApprove,
		Findings:    proc.Findings,
		BranchSeq:   proc.BranchSeq,
		BranchHash:  proc.BranchHash,
	})
	rec, err := env.submitter.SubmitSystem(ctx, protocol.RecoveryDecisionRecord, 1, payload, env.leaseID, true)
	require.NoError(t, err)
	err = env.dbs.Atomic("stageRecordSeq", func(tx *sql.Tx) error {
		_, terr := tx.Exec(`UPDATE recoveryprocs SET recordseq = ? WHERE id = ?`, rec.Sequence, proc.ID)
		return terr
	})
	require.NoError(t, err)

	headBefore, _, err := env.store.Head(ctx)
	require.NoError(t, err)

	// The retried completion reuses the existing decision record.
	got, err := env.coord.Complete(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, rec.Sequence, got.Sequence)
	require.Equal(t, rec.ContentHash, got.ContentHash)

	headAfter, _, err := env.store.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, headBefore, headAfter)

	halted, err := env.transport.Halted(ctx)
	require.NoError(t, err)
	require.False(t, halted)

	proc, err = env.coord.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, StateRecovered, proc.State)
	require.Equal(t, rec.Sequence, proc.RecordSeq)
}

func TestRecoveryGetUnknown(t *testing.T) {
	env := makeRecoveryEnv(t, 0)

	_, err := env.coord.Get(context.Background(), "no-such-id")
	require.ErrorIs(t, err, ErrNoProcedure)
}
