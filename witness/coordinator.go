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

// Package witness selects and drives attestors for candidate records.
//
// Selection is by hashing: each live member's identifier is hashed together
// with a per-request seed, and the lowest digest wins. The seed mixes the
// candidate's content hash with fresh entropy, so no witness can predict or
// force its own selection across requests.
package witness

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
)

// pairNoRepeatWindow is the rolling window within which the same ordered
// pair of consecutive witnesses may not attest twice.
const pairNoRepeatWindow = 24 * time.Hour

var (
	// ErrPoolBelowFloor means the live pool is too small for the candidate's
	// stakes class. Writes of that class stop until the pool recovers.
	ErrPoolBelowFloor = errors.New("live witness pool below floor for stakes class")

	// ErrNoEligibleWitness means every live member is blocked by the
	// consecutive-pair rule for this request.
	ErrNoEligibleWitness = errors.New("no eligible witness: pair rotation exhausted")

	// ErrDuplicateWitness rejects registering an identifier twice.
	ErrDuplicateWitness = errors.New("witness already registered")
)

// A Witness co-signs content hashes on request.
type Witness interface {
	ID() string
	Verifier() crypto.SignatureVerifier
	Attest(ctx context.Context, contentHash crypto.Digest) (crypto.Signature, error)
}

// LocalWitness is an in-process Witness backed by an ed25519 secret.
type LocalWitness struct {
	id      string
	secrets *crypto.SignatureSecrets
}

// MakeLocalWitness constructs a LocalWitness.
func MakeLocalWitness(id string, secrets *crypto.SignatureSecrets) *LocalWitness {
	return &LocalWitness{id: id, secrets: secrets}
}

func (w *LocalWitness) ID() string { return w.id }

func (w *LocalWitness) Verifier() crypto.SignatureVerifier {
	return w.secrets.SignatureVerifier
}

func (w *LocalWitness) Attest(ctx context.Context, contentHash crypto.Digest) (crypto.Signature, error) {
	if err := ctx.Err(); err != nil {
		return crypto.Signature{}, err
	}
	return w.secrets.SignBytes(contentHash[:]), nil
}

// PoolStatus is the coordinator's health view, surfaced on the status
// endpoint so operators see degraded mode before writes start failing.
type PoolStatus struct {
	Live          int  `json:"live"`
	Total         int  `json:"total"`
	HighStakesOK  bool `json:"highStakesOk"`
	LowStakesOK   bool `json:"lowStakesOk"`
	HighFloor     int  `json:"highFloor"`
	LowFloor      int  `json:"lowFloor"`
	PairsInWindow int  `json:"pairsInWindow"`
}

type member struct {
	w    Witness
	live bool
}

type pairUse struct {
	prev string
	next string
	at   time.Time
}

// Coordinator selects a witness per candidate and collects its
// attestation. It implements the writer's Attester.
type Coordinator struct {
	highFloor int
	lowFloor  int
	log       logging.Logger

	mu          deadlock.Mutex
	members     map[string]*member
	lastWitness string
	pairs       []pairUse
}

// MakeCoordinator constructs a Coordinator with the given pool floors.
func MakeCoordinator(highFloor int, lowFloor int, log logging.Logger) *Coordinator {
	return &Coordinator{
		highFloor: highFloor,
		lowFloor:  lowFloor,
		log:       log,
		members:   make(map[string]*member),
	}
}

// Register adds a witness to the pool, initially live.
func (c *Coordinator) Register(w Witness) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[w.ID()]; ok {
		return ErrDuplicateWitness
	}
	c.members[w.ID()] = &member{w: w, live: true}
	return nil
}

// SetLive marks a witness live or dead. Dead witnesses stay registered but
// never get selected and do not count toward floors.
func (c *Coordinator) SetLive(id string, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.members[id]; ok {
		m.live = live
	}
}

// Status reports pool health.
func (c *Coordinator) Status() PoolStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := 0
	for _, m := range c.members {
		if m.live {
			live++
		}
	}
	c.prunePairs(time.Now())
	return PoolStatus{
		Live:          live,
		Total:         len(c.members),
		HighStakesOK:  live >= c.highFloor,
		LowStakesOK:   live >= c.lowFloor,
		HighFloor:     c.highFloor,
		LowFloor:      c.lowFloor,
		PairsInWindow: len(c.pairs),
	}
}

// selectorInput seeds per-member scoring. The entropy component keeps
// selection unpredictable even for an adversary who knows the content hash.
type selectorInput struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Seed      crypto.Digest `codec:"seed"`
	WitnessID string        `codec:"wid"`
}

func (s selectorInput) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.WitnessSelector, protocol.Encode(&s)
}

// Attest selects one live witness, subject to the pool floor for the
// request's stakes class and the consecutive-pair rotation rule, and
// returns its signature over the content hash.
func (c *Coordinator) Attest(ctx context.Context, req ledger.AttestRequest) (ledger.Attestation, error) {
	selected, err := c.selectWitness(req)
	if err != nil {
		return ledger.Attestation{}, err
	}

	sig, err := selected.Attest(ctx, req.ContentHash)
	if err != nil {
		return ledger.Attestation{}, err
	}

	c.mu.Lock()
	if c.lastWitness != "" {
		c.pairs = append(c.pairs, pairUse{prev: c.lastWitness, next: selected.ID(), at: time.Now()})
	}
	c.lastWitness = selected.ID()
	c.mu.Unlock()

	return ledger.Attestation{
		WitnessID: selected.ID(),
		Verifier:  selected.Verifier(),
		Sig:       sig,
	}, nil
}

func (c *Coordinator) selectWitness(req ledger.AttestRequest) (Witness, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var live []Witness
	for _, m := range c.members {
		if m.live {
			live = append(live, m.w)
		}
	}

	floor := c.lowFloor
	if req.Stakes == catalog.HighStakes {
		floor = c.highFloor
	}
	if len(live) < floor {
		c.log.WithFields(logging.Fields{
			"live":   len(live),
			"floor":  floor,
			"stakes": string(req.Stakes),
		}).Warn("witness pool below floor")
		return nil, ErrPoolBelowFloor
	}

	entropy := crypto.RandomSeed()
	seed := crypto.Hash(append(req.ContentHash[:], entropy[:]...))

	type scored struct {
		w     Witness
		score crypto.Digest
	}
	ranked := make([]scored, 0, len(live))
	for _, w := range live {
		ranked = append(ranked, scored{
			w:     w,
			score: crypto.HashObj(selectorInput{Seed: seed, WitnessID: w.ID()}),
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return bytes.Compare(ranked[i].score[:], ranked[j].score[:]) < 0
	})

	now := time.Now()
	c.prunePairs(now)
	for _, cand := range ranked {
		if c.pairBlocked(c.lastWitness, cand.w.ID()) {
			continue
		}
		return cand.w, nil
	}
	return nil, ErrNoEligibleWitness
}

// pairBlocked reports whether the ordered pair (prev, next) already
// attested consecutive records within the rolling window. Called with the
// lock held, after pruning.
func (c *Coordinator) pairBlocked(prev string, next string) bool {
	if prev == "" {
		return false
	}
	for _, p := range c.pairs {
		if p.prev == prev && p.next == next {
			return true
		}
	}
	return false
}

func (c *Coordinator) prunePairs(now time.Time) {
	cutoff := now.Add(-pairNoRepeatWindow)
	kept := c.pairs[:0]
	for _, p := range c.pairs {
		if p.at.After(cutoff) {
			kept = append(kept, p)
		}
	}
	c.pairs = kept
}
