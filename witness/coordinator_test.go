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

package witness

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/logging"
)

func makePool(t *testing.T, highFloor int, lowFloor int, n int) *Coordinator {
	c := MakeCoordinator(highFloor, lowFloor, logging.TestingLog(t))
	for i := 0; i < n; i++ {
		w := MakeLocalWitness(fmt.Sprintf("w%d", i), crypto.GenerateSignatureSecrets(crypto.RandomSeed()))
		require.NoError(t, c.Register(w))
	}
	return c
}

func attestReq(stakes catalog.StakesClass, n byte) ledger.AttestRequest {
	return ledger.AttestRequest{
		ContentHash:   crypto.Hash([]byte{n}),
		Type:          "ledger/event",
		SchemaVersion: 1,
		Stakes:        stakes,
	}
}

func TestAttestationVerifies(t *testing.T) {
	c := makePool(t, 3, 1, 4)

	att, err := c.Attest(context.Background(), attestReq(catalog.HighStakes, 1))
	require.NoError(t, err)
	require.NotEmpty(t, att.WitnessID)

	hash := crypto.Hash([]byte{1})
	require.True(t, att.Verifier.VerifyBytes(hash[:], att.Sig))
}

func TestPoolFloorGatesHighStakes(t *testing.T) {
	c := makePool(t, 3, 1, 2)
	ctx := context.Background()

	_, err := c.Attest(ctx, attestReq(catalog.HighStakes, 1))
	require.ErrorIs(t, err, ErrPoolBelowFloor)

	// Low-stakes writes continue in degraded mode.
	_, err = c.Attest(ctx, attestReq(catalog.LowStakes, 2))
	require.NoError(t, err)

	status := c.Status()
	require.False(t, status.HighStakesOK)
	require.True(t, status.LowStakesOK)
	require.Equal(t, 2, status.Live)
}

func TestDeadWitnessesDoNotCount(t *testing.T) {
	c := makePool(t, 3, 1, 3)
	ctx := context.Background()

	_, err := c.Attest(ctx, attestReq(catalog.HighStakes, 1))
	require.NoError(t, err)

	c.SetLive("w0", false)
	_, err = c.Attest(ctx, attestReq(catalog.HighStakes, 2))
	require.ErrorIs(t, err, ErrPoolBelowFloor)

	// A dead witness is never selected even when floors pass.
	for i := 0; i < 10; i++ {
		att, aerr := c.Attest(ctx, attestReq(catalog.LowStakes, byte(10+i)))
		if aerr != nil {
			break
		}
		require.NotEqual(t, "w0", att.WitnessID)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	c := makePool(t, 3, 1, 1)
	w := MakeLocalWitness("w0", crypto.GenerateSignatureSecrets(crypto.RandomSeed()))
	require.ErrorIs(t, c.Register(w), ErrDuplicateWitness)
}

func TestPairRotation(t *testing.T) {
	// Two witnesses admit four ordered consecutive pairs. Selection must
	// never reuse one within the window, so the sequence of successful
	// attestations is bounded and pair-unique.
	c := makePool(t, 1, 1, 2)
	ctx := context.Background()

	var selected []string
	var rotationErr error
	for i := 0; i < 10; i++ {
		att, err := c.Attest(ctx, attestReq(catalog.LowStakes, byte(i)))
		if err != nil {
			rotationErr = err
			break
		}
		selected = append(selected, att.WitnessID)
	}

	require.ErrorIs(t, rotationErr, ErrNoEligibleWitness)
	require.GreaterOrEqual(t, len(selected), 4)
	require.LessOrEqual(t, len(selected), 5)

	seen := make(map[[2]string]bool)
	for i := 1; i < len(selected); i++ {
		pair := [2]string{selected[i-1], selected[i]}
		require.False(t, seen[pair], "pair %v repeated", pair)
		seen[pair] = true
	}
}
