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

// HashID is a domain separation prefix for an object type that might be hashed.
// This ensures, for example, the hash of a ledger record will never collide
// with the hash of a checkpoint anchor.
type HashID string

// Hash IDs for specific object types, in lexicographic order to avoid dups.
const (
	CheckpointAnchor HashID = "CA"
	Genesis          HashID = "GE"
	HaltDeclaration  HashID = "HD"
	LedgerRecord     HashID = "LR"
	MerkleArrayNode  HashID = "MA"
	RecoveryDecision HashID = "RD"
	TestHashable     HashID = "TE"
	WitnessSelector  HashID = "WS"
)
