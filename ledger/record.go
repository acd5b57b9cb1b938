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
	"time"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/protocol"
)

// A TimeStamp is an informational ordering aid from one time source.
// Sequence numbers are authoritative; timestamps never are.
type TimeStamp struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Source string    `codec:"src"`
	Time   time.Time `codec:"t"`
}

// A Record is the atomic ledger entry. Created once, by the Writer, under
// an active fencing lease; never updated or deleted; read forever.
type Record struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Sequence      uint64               `codec:"seq"`
	Type          protocol.RecordType  `codec:"type"`
	SchemaVersion uint32               `codec:"sv"`
	Payload       []byte               `codec:"pl"`
	PriorHash     crypto.Digest        `codec:"ph"`
	HashVersion   protocol.HashVersion `codec:"hv"`
	ContentHash   crypto.Digest        `codec:"ch"`

	WriterID  string           `codec:"wid"`
	WriterSig crypto.Signature `codec:"wsig"`

	WitnessID  string           `codec:"xid"`
	WitnessSig crypto.Signature `codec:"xsig"`

	LocalTime      time.Time   `codec:"lt"`
	AuthorityTimes []TimeStamp `codec:"at"`
}

// recordContent is exactly the set of fields the content hash covers.
// Field order and types are fixed; changing them is a hash version bump.
type recordContent struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Type          protocol.RecordType  `codec:"type"`
	Payload       []byte               `codec:"pl"`
	PriorHash     crypto.Digest        `codec:"ph"`
	SchemaVersion uint32               `codec:"sv"`
	HashVersion   protocol.HashVersion `codec:"hv"`
}

func (rc recordContent) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.LedgerRecord, protocol.Encode(&rc)
}

// ComputeContentHash returns the digest the record's hashes and signatures
// commit to. Malformed content (an unknown hash version) fails closed.
func (r Record) ComputeContentHash() (crypto.Digest, error) {
	if r.HashVersion != protocol.HashVersionSha512_256 {
		return crypto.Digest{}, ErrUnknownHashVersion
	}
	rc := recordContent{
		Type:          r.Type,
		Payload:       r.Payload,
		PriorHash:     r.PriorHash,
		SchemaVersion: r.SchemaVersion,
		HashVersion:   r.HashVersion,
	}
	return crypto.HashObj(rc), nil
}

// VerifyLink reports whether curr correctly extends prev.
func VerifyLink(prev Record, curr Record) bool {
	if curr.Sequence != prev.Sequence+1 {
		return false
	}
	return curr.PriorHash == prev.ContentHash
}

// VerifySignatures checks the writer and witness signatures over the
// record's content hash against the given verifiers.
func (r Record) VerifySignatures(writer crypto.SignatureVerifier, witness crypto.SignatureVerifier) bool {
	want, err := r.ComputeContentHash()
	if err != nil || want != r.ContentHash {
		return false
	}
	if !writer.VerifyBytes(r.ContentHash[:], r.WriterSig) {
		return false
	}
	return witness.VerifyBytes(r.ContentHash[:], r.WitnessSig)
}

type genesis struct{}

func (genesis) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.Genesis, []byte("welcore/genesis/v1")
}

// GenesisPriorHash is the published constant every chain starts from:
// record 1 must carry it as its prior hash.
var GenesisPriorHash = crypto.HashObj(genesis{})

// A Candidate is what collaborators submit for appending. Everything else
// on a Record is assigned by the Writer at commit time.
type Candidate struct {
	Type          protocol.RecordType
	SchemaVersion uint32
	Payload       []byte
	PriorHash     crypto.Digest
	LeaseID       uint64
}

// An Attestation is a witness's signature over a candidate's content hash.
type Attestation struct {
	WitnessID string
	Verifier  crypto.SignatureVerifier
	Sig       crypto.Signature
}
