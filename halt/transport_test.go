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

package halt

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/util/db"
)

func makeTestTransport(t *testing.T, window time.Duration) (*Transport, db.Accessor) {
	dbs, err := db.MakeAccessor(filepath.Join(t.TempDir(), "halt_test.sqlite"), false, false)
	require.NoError(t, err)
	t.Cleanup(dbs.Close)

	tr, err := MakeTransport(dbs, window, logging.TestingLog(t))
	require.NoError(t, err)
	return tr, dbs
}

func TestTransportInitialState(t *testing.T) {
	tr, _ := makeTestTransport(t, time.Second)
	ctx := context.Background()

	halted, err := tr.Halted(ctx)
	require.NoError(t, err)
	require.False(t, halted)

	state, err := tr.Get(ctx)
	require.NoError(t, err)
	require.False(t, state.Halted)
	require.False(t, tr.Fast().Halted)
	require.True(t, tr.Fast().Stale)
}

func TestTransportDeclare(t *testing.T) {
	tr, dbs := makeTestTransport(t, time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Declare(ctx, "fork detected", []uint64{4, 5}))

	halted, err := tr.Halted(ctx)
	require.NoError(t, err)
	require.True(t, halted)

	state, err := tr.Get(ctx)
	require.NoError(t, err)
	require.True(t, state.Halted)
	require.Equal(t, "fork detected", state.Reason)
	require.Equal(t, []uint64{4, 5}, state.TriggeringRecords)
	require.False(t, state.DeclaredAt.IsZero())

	// The durable gate the writer checks mid-transaction agrees.
	err = dbs.Atomic("checkTx", func(tx *sql.Tx) error {
		h, terr := tr.HaltedTx(tx)
		require.NoError(t, terr)
		require.True(t, h)
		return nil
	})
	require.NoError(t, err)
}

func TestTransportDeclareIdempotent(t *testing.T) {
	tr, _ := makeTestTransport(t, time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Declare(ctx, "first", []uint64{1}))
	require.NoError(t, tr.Declare(ctx, "second", []uint64{2}))

	state, err := tr.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", state.Reason)
	require.Equal(t, []uint64{1}, state.TriggeringRecords)
}

func TestTransportSubscribe(t *testing.T) {
	tr, _ := makeTestTransport(t, time.Second)
	sub := tr.Subscribe()
	defer tr.Unsubscribe(sub)

	require.NoError(t, tr.Declare(context.Background(), "gap detected", nil))

	select {
	case state := <-sub:
		require.True(t, state.Halted)
		require.Equal(t, "gap detected", state.Reason)
	case <-time.After(time.Second):
		t.Fatal("no push on halt declaration")
	}
}

func TestTransportOrSemantics(t *testing.T) {
	tr, dbs := makeTestTransport(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tr.Declare(ctx, "transient", nil))

	// Lower the durable flag behind the transport's back. The fast channel
	// still says halted, so the combined answer must stay halted.
	err := dbs.Atomic("lowerDurable", func(tx *sql.Tx) error {
		_, terr := tx.Exec(`UPDATE haltstate SET halted = 0 WHERE id = 1`)
		return terr
	})
	require.NoError(t, err)

	halted, err := tr.Halted(ctx)
	require.NoError(t, err)
	require.True(t, halted)

	// The disagreement outlives the reconciliation window and lands in the
	// anomaly log on a later check.
	time.Sleep(80 * time.Millisecond)
	halted, err = tr.Halted(ctx)
	require.NoError(t, err)
	require.True(t, halted)

	anomalies, err := tr.Anomalies(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)
	require.True(t, anomalies[0].FastHalted)
	require.False(t, anomalies[0].DurableHalted)
}

func TestTransportClearForRecovery(t *testing.T) {
	tr, dbs := makeTestTransport(t, time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Declare(ctx, "fork detected", nil))

	err := dbs.Atomic("recoveryClear", func(tx *sql.Tx) error {
		return tr.ClearForRecovery(tx)
	})
	require.NoError(t, err)
	require.NoError(t, tr.FollowDurable(ctx))

	halted, err := tr.Halted(ctx)
	require.NoError(t, err)
	require.False(t, halted)
	require.False(t, tr.Fast().Halted)
}

func TestTransportSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "halt_reopen.sqlite")
	log := logging.TestingLog(t)
	ctx := context.Background()

	dbs, err := db.MakeAccessor(path, false, false)
	require.NoError(t, err)
	tr, err := MakeTransport(dbs, time.Second, log)
	require.NoError(t, err)
	require.NoError(t, tr.Declare(ctx, "fork detected", nil))
	dbs.Close()

	// A process restart must come back halted from the durable channel.
	dbs2, err := db.MakeAccessor(path, false, false)
	require.NoError(t, err)
	t.Cleanup(dbs2.Close)
	tr2, err := MakeTransport(dbs2, time.Second, log)
	require.NoError(t, err)

	halted, err := tr2.Halted(ctx)
	require.NoError(t, err)
	require.True(t, halted)
	require.True(t, tr2.Fast().Halted)
}
