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

package api

import (
	"time"

	"github.com/hoyack/archon72-sub009/checkpoint"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/ledger"
)

// RecordModel is the JSON shape of one ledger record.
type RecordModel struct {
	Sequence       uint64           `json:"sequence"`
	Type           string           `json:"type"`
	SchemaVersion  uint32           `json:"schemaVersion"`
	Payload        []byte           `json:"payload"`
	PriorHash      string           `json:"priorHash"`
	HashVersion    uint16           `json:"hashVersion"`
	ContentHash    string           `json:"contentHash"`
	WriterID       string           `json:"writerId"`
	WriterSig      []byte           `json:"writerSig"`
	WitnessID      string           `json:"witnessId"`
	WitnessSig     []byte           `json:"witnessSig"`
	LocalTime      time.Time        `json:"localTime"`
	AuthorityTimes []TimeStampModel `json:"authorityTimes,omitempty"`
}

// TimeStampModel is one informational authority timestamp.
type TimeStampModel struct {
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
}

func toRecordModel(r ledger.Record) RecordModel {
	m := RecordModel{
		Sequence:      r.Sequence,
		Type:          string(r.Type),
		SchemaVersion: r.SchemaVersion,
		Payload:       r.Payload,
		PriorHash:     r.PriorHash.String(),
		HashVersion:   uint16(r.HashVersion),
		ContentHash:   r.ContentHash.String(),
		WriterID:      r.WriterID,
		WriterSig:     r.WriterSig[:],
		WitnessID:     r.WitnessID,
		WitnessSig:    r.WitnessSig[:],
		LocalTime:     r.LocalTime,
	}
	for _, ts := range r.AuthorityTimes {
		m.AuthorityTimes = append(m.AuthorityTimes, TimeStampModel{Source: ts.Source, Time: ts.Time})
	}
	return m
}

func toRecordModels(recs []ledger.Record) []RecordModel {
	out := make([]RecordModel, 0, len(recs))
	for _, r := range recs {
		out = append(out, toRecordModel(r))
	}
	return out
}

// RecordsResponse wraps a record list read. IsHalted marks a read taken
// under a raised halt, so a reader does not need a second request to
// /v1/halt to know what it is looking at. Next is the keyset continuation
// token: the last sequence in this page.
type RecordsResponse struct {
	Records  []RecordModel `json:"records"`
	Next     uint64        `json:"next,omitempty"`
	IsHalted bool          `json:"isHalted"`
}

// RecordResponse wraps a single record read.
type RecordResponse struct {
	Record   RecordModel `json:"record"`
	IsHalted bool        `json:"isHalted"`
}

// ProofResponse wraps an inclusion proof read.
type ProofResponse struct {
	Proof    checkpoint.InclusionProof `json:"proof"`
	IsHalted bool                      `json:"isHalted"`
}

// CheckpointsResponse wraps an anchor list read.
type CheckpointsResponse struct {
	Anchors  []checkpoint.Anchor `json:"anchors"`
	IsHalted bool                `json:"isHalted"`
}

// CheckpointResponse wraps a single anchor read.
type CheckpointResponse struct {
	Anchor   checkpoint.Anchor `json:"anchor"`
	IsHalted bool              `json:"isHalted"`
}

// AppendRequest is the POST /v1/records body.
type AppendRequest struct {
	Type          string `json:"type"`
	SchemaVersion uint32 `json:"schemaVersion"`
	Payload       []byte `json:"payload"`
}

// SchemaModel is the JSON shape of one catalog entry.
type SchemaModel struct {
	Type          string    `json:"type"`
	SchemaVersion uint32    `json:"schemaVersion"`
	Definition    string    `json:"definition,omitempty"`
	Stakes        string    `json:"stakes"`
	Terminal      bool      `json:"terminal"`
	Reverses      string    `json:"reverses,omitempty"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

func toSchemaModel(def catalog.SchemaDef) SchemaModel {
	stakes := "low"
	if def.Stakes == catalog.HighStakes {
		stakes = "high"
	}
	return SchemaModel{
		Type:          string(def.Type),
		SchemaVersion: def.SchemaVersion,
		Definition:    string(def.Definition),
		Stakes:        stakes,
		Terminal:      def.Terminal,
		Reverses:      string(def.Reverses),
		RegisteredAt:  def.RegisteredAt,
	}
}

// RegisterSchemaRequest is the POST /v1/schemas body.
type RegisterSchemaRequest struct {
	Type          string `json:"type"`
	SchemaVersion uint32 `json:"schemaVersion"`
	Definition    string `json:"definition,omitempty"`
	Stakes        string `json:"stakes"`
	Terminal      bool   `json:"terminal"`
	Reverses      string `json:"reverses,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Message string `json:"message"`
}
