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

// Package checkpoint produces signed anchors over chain prefixes.
//
// An anchor commits to records 1..N through a Merkle root over their
// content hashes, so any single record can later be proven included with a
// logarithmic path instead of replaying the whole prefix. Anchors are
// derived metadata: losing them loses nothing the chain cannot rebuild.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/crypto/merklearray"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/metrics"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/util/db"
)

// ErrNoAnchor is returned when no anchor covers the requested sequence.
var ErrNoAnchor = errors.New("no checkpoint anchor covers this sequence")

// rangePageSize bounds how many records one prefix page reads.
const rangePageSize = 512

// An Anchor is a signed commitment to the chain prefix ending at Sequence.
type Anchor struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Sequence       uint64        `codec:"seq"`
	HeadHash       crypto.Digest `codec:"hh"`
	CumulativeHash crypto.Digest `codec:"cum"`
	CreatedAt      time.Time     `codec:"at"`

	Sig crypto.Signature `codec:"sig"`
}

// anchorContent is the signed portion of an Anchor.
type anchorContent struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Sequence       uint64        `codec:"seq"`
	HeadHash       crypto.Digest `codec:"hh"`
	CumulativeHash crypto.Digest `codec:"cum"`
	CreatedAt      time.Time     `codec:"at"`
}

func (a anchorContent) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.CheckpointAnchor, protocol.Encode(&a)
}

func (a Anchor) content() anchorContent {
	return anchorContent{
		Sequence:       a.Sequence,
		HeadHash:       a.HeadHash,
		CumulativeHash: a.CumulativeHash,
		CreatedAt:      a.CreatedAt,
	}
}

// Verify checks the anchor signature against the anchor key's verifier.
func (a Anchor) Verify(verifier crypto.SignatureVerifier) bool {
	return verifier.Verify(a.content(), a.Sig)
}

// An InclusionProof carries everything needed to check that a record is
// part of an anchored prefix.
type InclusionProof struct {
	Anchor Anchor             `json:"anchor"`
	Record ledger.Record      `json:"record"`
	Proof  *merklearray.Proof `json:"proof"`
}

// VerifyInclusion checks an inclusion proof against the anchor key.
func VerifyInclusion(p InclusionProof, verifier crypto.SignatureVerifier) bool {
	if !p.Anchor.Verify(verifier) {
		return false
	}
	if p.Record.Sequence == 0 || p.Record.Sequence > p.Anchor.Sequence {
		return false
	}
	want, err := p.Record.ComputeContentHash()
	if err != nil || want != p.Record.ContentHash {
		return false
	}
	return merklearray.Verify(p.Anchor.CumulativeHash, p.Record.ContentHash[:],
		p.Record.Sequence-1, p.Anchor.Sequence, p.Proof)
}

// Service builds anchors on a fixed record cadence.
type Service struct {
	dbs      db.Accessor
	store    *ledger.Store
	halt     ledger.HaltChecker
	secrets  *crypto.SignatureSecrets
	interval uint64
	log      logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

var anchorInit = []string{
	`CREATE TABLE IF NOT EXISTS anchors (
		seq INTEGER PRIMARY KEY,
		headhash BLOB NOT NULL,
		cumhash BLOB NOT NULL,
		created INTEGER NOT NULL,
		sig BLOB NOT NULL
	)`,
	`CREATE TRIGGER IF NOT EXISTS anchors_no_update BEFORE UPDATE ON anchors
	 BEGIN SELECT RAISE(ABORT, 'anchors are append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS anchors_no_delete BEFORE DELETE ON anchors
	 BEGIN SELECT RAISE(ABORT, 'anchors are append-only'); END`,
}

// MakeService opens the anchor service, creating its tables if absent.
func MakeService(dbs db.Accessor, store *ledger.Store, halt ledger.HaltChecker, secrets *crypto.SignatureSecrets, interval uint64, log logging.Logger) (*Service, error) {
	s := &Service{
		dbs:      dbs,
		store:    store,
		halt:     halt,
		secrets:  secrets,
		interval: interval,
		log:      log,
	}
	err := dbs.Atomic("anchorInit", func(tx *sql.Tx) error {
		for _, stmt := range anchorInit {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Verifier returns the anchor key's public half.
func (s *Service) Verifier() crypto.SignatureVerifier {
	return s.secrets.SignatureVerifier
}

// Start begins the anchoring loop.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop terminates the anchoring loop.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	for {
		latest, _, err := s.Latest(ctx)
		if err != nil {
			s.log.Warnf("checkpoint: latest anchor unreadable: %v", err)
		}
		target := latest.Sequence + s.interval

		select {
		case <-ctx.Done():
			return
		case <-s.store.Wait(target):
		}

		// Anchoring a chain under a raised halt would sign a prefix whose
		// integrity is in question. Sit out until recovery.
		halted, err := s.halt.Halted(ctx)
		if err != nil || halted {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if _, err := s.AnchorAt(ctx, target); err != nil {
			s.log.Warnf("checkpoint: anchor at %d failed: %v", target, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// AnchorAt builds, signs and persists the anchor for the prefix 1..seq.
func (s *Service) AnchorAt(ctx context.Context, seq uint64) (Anchor, error) {
	digests, err := s.prefixDigests(ctx, seq)
	if err != nil {
		return Anchor{}, err
	}
	tree, err := merklearray.Build(digestArray(digests))
	if err != nil {
		return Anchor{}, err
	}

	anchor := Anchor{
		Sequence:       seq,
		HeadHash:       digests[seq-1],
		CumulativeHash: tree.Root(),
		CreatedAt:      time.Now().UTC(),
	}
	anchor.Sig = s.secrets.Sign(anchor.content())

	err = s.dbs.AtomicContext(ctx, "anchorInsert", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO anchors (seq, headhash, cumhash, created, sig) VALUES (?, ?, ?, ?, ?)`,
			anchor.Sequence, anchor.HeadHash[:], anchor.CumulativeHash[:],
			anchor.CreatedAt.UnixNano(), anchor.Sig[:])
		return err
	})
	if err != nil {
		return Anchor{}, err
	}

	metrics.LastAnchorSequence.Set(float64(anchor.Sequence))
	s.log.WithFields(logging.Fields{
		"seq":  anchor.Sequence,
		"root": anchor.CumulativeHash.String(),
	}).Info("checkpoint anchored")
	return anchor, nil
}

// rowScanner is the subset of *sql.Row and *sql.Rows needed to decode an
// anchor row.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAnchor decodes one `seq, headhash, cumhash, created, sig` row into an
// Anchor.
func scanAnchor(row rowScanner, a *Anchor) error {
	var headhash, cumhash, sig []byte
	var created int64
	if err := row.Scan(&a.Sequence, &headhash, &cumhash, &created, &sig); err != nil {
		return err
	}
	copy(a.HeadHash[:], headhash)
	copy(a.CumulativeHash[:], cumhash)
	copy(a.Sig[:], sig)
	a.CreatedAt = time.Unix(0, created).UTC()
	return nil
}

// Latest returns the newest anchor, if any exists.
func (s *Service) Latest(ctx context.Context) (anchor Anchor, ok bool, err error) {
	err = s.dbs.AtomicContext(ctx, "anchorLatest", func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT seq, headhash, cumhash, created, sig FROM anchors ORDER BY seq DESC LIMIT 1`)
		terr := scanAnchor(row, &anchor)
		if terr == sql.ErrNoRows {
			return nil
		}
		ok = terr == nil
		return terr
	})
	return
}

// List returns anchors with sequence above afterSeq, oldest first.
func (s *Service) List(ctx context.Context, afterSeq uint64, limit uint64) (out []Anchor, err error) {
	err = s.dbs.AtomicContext(ctx, "anchorList", func(tx *sql.Tx) error {
		rows, terr := tx.Query(
			`SELECT seq, headhash, cumhash, created, sig FROM anchors WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
			afterSeq, limit)
		if terr != nil {
			return terr
		}
		defer rows.Close()
		for rows.Next() {
			var a Anchor
			if terr := scanAnchor(rows, &a); terr != nil {
				return terr
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return
}

// covering returns the oldest anchor whose prefix includes seq.
func (s *Service) covering(ctx context.Context, seq uint64) (anchor Anchor, err error) {
	err = s.dbs.AtomicContext(ctx, "anchorCovering", func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT seq, headhash, cumhash, created, sig FROM anchors WHERE seq >= ? ORDER BY seq ASC LIMIT 1`, seq)
		terr := scanAnchor(row, &anchor)
		if terr == sql.ErrNoRows {
			return ErrNoAnchor
		}
		return terr
	})
	return
}

// Prove produces an inclusion proof for the record at seq against the
// oldest anchor covering it.
func (s *Service) Prove(ctx context.Context, seq uint64) (InclusionProof, error) {
	if seq == 0 {
		return InclusionProof{}, ledger.ErrNoRecord
	}
	anchor, err := s.covering(ctx, seq)
	if err != nil {
		return InclusionProof{}, err
	}
	rec, err := s.store.Get(ctx, seq)
	if err != nil {
		return InclusionProof{}, err
	}

	digests, err := s.prefixDigests(ctx, anchor.Sequence)
	if err != nil {
		return InclusionProof{}, err
	}
	tree, err := merklearray.Build(digestArray(digests))
	if err != nil {
		return InclusionProof{}, err
	}
	proof, err := tree.Prove(seq - 1)
	if err != nil {
		return InclusionProof{}, err
	}
	return InclusionProof{Anchor: anchor, Record: rec, Proof: proof}, nil
}

// prefixDigests reads the content hashes of records 1..seq, in order.
func (s *Service) prefixDigests(ctx context.Context, seq uint64) ([]crypto.Digest, error) {
	digests := make([]crypto.Digest, 0, seq)
	var after uint64
	for uint64(len(digests)) < seq {
		recs, err := s.store.RangeBySequence(ctx, after, seq, rangePageSize)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, &ledger.GapError{MissingSequence: after + 1, LastSequence: seq}
		}
		for _, r := range recs {
			digests = append(digests, r.ContentHash)
		}
		after = recs[len(recs)-1].Sequence
	}
	return digests, nil
}

// digestArray adapts a digest slice to the merkle array interface.
type digestArray []crypto.Digest

func (d digestArray) Length() uint64 {
	return uint64(len(d))
}

func (d digestArray) Marshal(pos uint64) ([]byte, error) {
	if pos >= uint64(len(d)) {
		return nil, ledger.ErrNoRecord
	}
	out := make([]byte, crypto.DigestSize)
	copy(out, d[pos][:])
	return out, nil
}
