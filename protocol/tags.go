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

package protocol

// RecordType names a variant in the versioned, append-only record type
// catalog. Payload interpretation is owned by the decoder registered for
// the type; the ledger itself treats payloads as opaque bytes.
type RecordType string

// Built-in record types. These are registered in the catalog at store
// initialization and may never be removed.
const (
	// EventRecord is the general-purpose collaborator event.
	EventRecord RecordType = "ledger/event"

	// LeaseGrant records the issuance or handoff of a fencing lease,
	// making a lease coup externally visible.
	LeaseGrant RecordType = "lease/grant"

	// HaltDeclarationRecord describes a detected fork or sequence gap.
	// Written on a best-effort basis before the halt takes effect.
	HaltDeclarationRecord RecordType = "halt/declaration"

	// RecoveryDecisionRecord is the witnessed record that completes a
	// recovery procedure and is the only way a halt is ever cleared.
	RecoveryDecisionRecord RecordType = "recovery/decision"

	// RecoveryAbandonRecord logs the unanimous abandonment of a pending
	// recovery proposal.
	RecoveryAbandonRecord RecordType = "recovery/abandon"

	// SchemaRegistration records an addition to the type catalog.
	SchemaRegistration RecordType = "schema/registration"
)

// HashVersion identifies the hash algorithm a record's hashes were
// computed with. It is embedded in every record so the chain survives
// a future algorithm migration.
type HashVersion uint16

// HashVersionSha512_256 is the only hash version currently in the
// catalog: SHA-512/256, 32-byte digest.
const HashVersionSha512_256 HashVersion = 1
