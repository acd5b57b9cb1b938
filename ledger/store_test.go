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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/util/db"
)

func makeTestStore(t *testing.T) (*Store, db.Accessor) {
	dbs, err := db.MakeAccessor(filepath.Join(t.TempDir(), "store_test.sqlite"), false, false)
	require.NoError(t, err)
	t.Cleanup(dbs.Close)

	store, err := MakeStore(dbs, logging.TestingLog(t))
	require.NoError(t, err)
	return store, dbs
}

// makeChainRecord builds a record extending prior, with a valid content
// hash and placeholder signatures. The store does not verify signatures;
// the writer does.
func makeChainRecord(t *testing.T, prior crypto.Digest, payload []byte) Record {
	rec := Record{
		Type:          protocol.EventRecord,
		SchemaVersion: 1,
		Payload:       payload,
		PriorHash:     prior,
		HashVersion:   protocol.HashVersionSha512_256,
		WriterID:      "writer-test",
		WitnessID:     "witness-test",
		LocalTime:     time.Now().UTC(),
	}
	var err error
	rec.ContentHash, err = rec.ComputeContentHash()
	require.NoError(t, err)
	return rec
}

func appendN(t *testing.T, store *Store, n int) []Record {
	ctx := context.Background()
	var out []Record
	for i := 0; i < n; i++ {
		_, head, err := store.Head(ctx)
		require.NoError(t, err)
		rec := makeChainRecord(t, head, []byte{byte(i)})
		committed, err := store.AtomicAppend(ctx, rec, nil)
		require.NoError(t, err)
		out = append(out, committed)
	}
	return out
}

func TestStoreEmptyHead(t *testing.T) {
	store, _ := makeTestStore(t)

	seq, head, err := store.Head(context.Background())
	require.NoError(t, err)
	require.Zero(t, seq)
	require.Equal(t, GenesisPriorHash, head)
}

func TestStoreAppendAndGet(t *testing.T) {
	store, _ := makeTestStore(t)
	ctx := context.Background()

	recs := appendN(t, store, 3)
	require.Equal(t, uint64(1), recs[0].Sequence)
	require.Equal(t, GenesisPriorHash, recs[0].PriorHash)

	for i := 1; i < len(recs); i++ {
		require.True(t, VerifyLink(recs[i-1], recs[i]))
	}

	got, err := store.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, recs[1].ContentHash, got.ContentHash)
	require.Equal(t, recs[1].Payload, got.Payload)

	_, err = store.Get(ctx, 99)
	require.ErrorIs(t, err, ErrNoRecord)

	seq, head, err := store.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
	require.Equal(t, recs[2].ContentHash, head)
}

func TestStoreCompareAndAppend(t *testing.T) {
	store, _ := makeTestStore(t)
	ctx := context.Background()

	_, head, err := store.Head(ctx)
	require.NoError(t, err)

	first := makeChainRecord(t, head, []byte("first"))
	second := makeChainRecord(t, head, []byte("second"))

	_, err = store.AtomicAppend(ctx, first, nil)
	require.NoError(t, err)

	// Same prior hash: the head has moved, so the second append must lose
	// and leave no trace.
	_, err = store.AtomicAppend(ctx, second, nil)
	require.ErrorIs(t, err, ErrChainContinuity)

	seq, _, err := store.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestStorePreCommitAborts(t *testing.T) {
	store, _ := makeTestStore(t)
	ctx := context.Background()

	_, head, err := store.Head(ctx)
	require.NoError(t, err)
	rec := makeChainRecord(t, head, []byte("gated"))

	_, err = store.AtomicAppend(ctx, rec, func(tx *sql.Tx) error {
		return ErrSystemHalted
	})
	require.ErrorIs(t, err, ErrSystemHalted)

	seq, _, err := store.Head(ctx)
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestStorePhysicallyAppendOnly(t *testing.T) {
	store, dbs := makeTestStore(t)
	appendN(t, store, 1)

	err := dbs.Atomic("tamperUpdate", func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE records SET payload = ? WHERE seq = 1`, []byte("tampered"))
		return err
	})
	require.Error(t, err)

	err = dbs.Atomic("tamperDelete", func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM records WHERE seq = 1`)
		return err
	})
	require.Error(t, err)
}

func TestStoreRangeBySequence(t *testing.T) {
	store, _ := makeTestStore(t)
	ctx := context.Background()
	appendN(t, store, 10)

	page, err := store.RangeBySequence(ctx, 0, 0, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	require.Equal(t, uint64(1), page[0].Sequence)

	page, err = store.RangeBySequence(ctx, page[len(page)-1].Sequence, 0, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	require.Equal(t, uint64(5), page[0].Sequence)

	page, err = store.RangeBySequence(ctx, 0, 6, 100)
	require.NoError(t, err)
	require.Len(t, page, 6)
}

func TestStoreRangeByTime(t *testing.T) {
	store, _ := makeTestStore(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Minute)
	appendN(t, store, 3)
	after := time.Now().UTC().Add(time.Minute)

	recs, err := store.RangeByTime(ctx, before, after, 0, 100)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	recs, err = store.RangeByTime(ctx, after, after.Add(time.Hour), 0, 100)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestStoreByPriorHash(t *testing.T) {
	store, dbs := makeTestStore(t)
	ctx := context.Background()
	recs := appendN(t, store, 2)

	// A forked sibling of record 2, injected around the writer path the
	// way a buggy or malicious store client would.
	sibling := makeChainRecord(t, recs[0].ContentHash, []byte("sibling"))
	sibling.Sequence = 3
	err := dbs.Atomic("injectFork", func(tx *sql.Tx) error {
		return insertTx(tx, sibling)
	})
	require.NoError(t, err)

	got, err := store.ByPriorHash(ctx, recs[0].ContentHash)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestStoreScanIntegrityClean(t *testing.T) {
	store, _ := makeTestStore(t)
	appendN(t, store, 5)

	gap, fork, err := store.ScanIntegrity(context.Background())
	require.NoError(t, err)
	require.Nil(t, gap)
	require.Nil(t, fork)
}

func TestStoreScanIntegrityFork(t *testing.T) {
	store, dbs := makeTestStore(t)
	recs := appendN(t, store, 2)

	sibling := makeChainRecord(t, recs[0].ContentHash, []byte("divergent"))
	sibling.Sequence = 3
	err := dbs.Atomic("injectFork", func(tx *sql.Tx) error {
		return insertTx(tx, sibling)
	})
	require.NoError(t, err)

	gap, fork, err := store.ScanIntegrity(context.Background())
	require.NoError(t, err)
	require.Nil(t, gap)
	require.NotNil(t, fork)
	require.Equal(t, recs[0].ContentHash, fork.PriorHash)
	require.ElementsMatch(t, []uint64{2, 3}, fork.Sequences)
}

func TestStoreScanIntegrityGap(t *testing.T) {
	store, dbs := makeTestStore(t)
	appendN(t, store, 1)

	// Record 3 lands without record 2 ever existing.
	orphan := makeChainRecord(t, crypto.Hash([]byte("unknown branch")), []byte("orphan"))
	orphan.Sequence = 3
	err := dbs.Atomic("injectGap", func(tx *sql.Tx) error {
		return insertTx(tx, orphan)
	})
	require.NoError(t, err)

	gap, _, err := store.ScanIntegrity(context.Background())
	require.NoError(t, err)
	require.NotNil(t, gap)
	require.Equal(t, uint64(2), gap.MissingSequence)
	require.Equal(t, uint64(3), gap.LastSequence)
}

func TestStoreScanIntegrityBrokenLink(t *testing.T) {
	store, dbs := makeTestStore(t)
	appendN(t, store, 2)

	// Record 3 is contiguous by sequence but does not extend record 2.
	stranger := makeChainRecord(t, crypto.Hash([]byte("elsewhere")), []byte("stranger"))
	stranger.Sequence = 3
	err := dbs.Atomic("injectBrokenLink", func(tx *sql.Tx) error {
		return insertTx(tx, stranger)
	})
	require.NoError(t, err)

	gap, fork, err := store.ScanIntegrity(context.Background())
	require.NoError(t, err)
	require.Nil(t, gap)
	require.NotNil(t, fork)
	require.Equal(t, []uint64{3}, fork.Sequences)
}

func TestStoreWait(t *testing.T) {
	store, _ := makeTestStore(t)

	done := store.Wait(1)
	select {
	case <-done:
		t.Fatal("wait fired before commit")
	default:
	}

	appendN(t, store, 1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not fire after commit")
	}

	// Already-committed sequences complete immediately.
	select {
	case <-store.Wait(1):
	default:
		t.Fatal("wait on committed sequence should be closed")
	}
}
