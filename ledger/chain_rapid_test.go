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
	"testing"

	"pgregory.net/rapid"

	"github.com/hoyack/archon72-sub009/protocol"
)

// Chain construction over arbitrary payloads preserves the hash-chain
// invariants: deterministic content hashes, correct adjacent links, and
// sensitivity of the hash to every covered field.
func TestChainInvariantsRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOfN(rapid.SliceOf(rapid.Byte()), 1, 20).Draw(t, "payloads")

		prior := GenesisPriorHash
		var prev Record
		for i, payload := range payloads {
			rec := Record{
				Type:          protocol.EventRecord,
				SchemaVersion: 1,
				Payload:       payload,
				PriorHash:     prior,
				HashVersion:   protocol.HashVersionSha512_256,
				Sequence:      uint64(i + 1),
			}
			var err error
			rec.ContentHash, err = rec.ComputeContentHash()
			if err != nil {
				t.Fatalf("content hash: %v", err)
			}

			// Hashing is deterministic.
			again, err := rec.ComputeContentHash()
			if err != nil || again != rec.ContentHash {
				t.Fatalf("content hash not deterministic")
			}

			// The hash covers the prior hash: changing it changes the digest.
			mutated := rec
			mutated.PriorHash[0] ^= 0xff
			mutatedHash, err := mutated.ComputeContentHash()
			if err != nil {
				t.Fatalf("content hash: %v", err)
			}
			if mutatedHash == rec.ContentHash {
				t.Fatalf("content hash ignores prior hash")
			}

			if i > 0 && !VerifyLink(prev, rec) {
				t.Fatalf("adjacent link broken at %d", i)
			}

			prior = rec.ContentHash
			prev = rec
		}
	})
}

func TestUnknownHashVersionFailsClosed(t *testing.T) {
	rec := Record{
		Type:          protocol.EventRecord,
		SchemaVersion: 1,
		Payload:       []byte("x"),
		PriorHash:     GenesisPriorHash,
		HashVersion:   99,
	}
	_, err := rec.ComputeContentHash()
	if err != ErrUnknownHashVersion {
		t.Fatalf("expected ErrUnknownHashVersion, got %v", err)
	}
}
