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
	"errors"

	"github.com/hoyack/archon72-sub009/protocol"
)

// submitRetries bounds how many head re-reads a Submit call performs when
// racing other appenders before giving up with ErrChainContinuity.
const submitRetries = 8

// A Submitter resolves the current head for callers that do not track it
// themselves, and absorbs continuity races by re-reading and retrying.
//
// The compare-and-append discipline still holds underneath: each attempt
// names the exact prior hash it extends, and loses cleanly if the head
// moved. Submit just turns that loss into another attempt.
type Submitter struct {
	store  *Store
	writer *Writer
}

// MakeSubmitter constructs a Submitter over a store and its writer.
func MakeSubmitter(store *Store, writer *Writer) *Submitter {
	return &Submitter{store: store, writer: writer}
}

// Store returns the record store this submitter appends to.
func (s *Submitter) Store() *Store {
	return s.store
}

// Submit appends a record of the given type at the current head, retrying
// continuity losses. Preconditions other than continuity (halt, lease,
// schema, witness) surface unchanged from the first attempt that hits them.
func (s *Submitter) Submit(ctx context.Context, rtype protocol.RecordType, schemaVersion uint32, payload []byte, leaseID uint64) (Record, error) {
	return s.submit(ctx, rtype, schemaVersion, payload, leaseID, false)
}

// SubmitSystem is Submit for core-produced records. allowHalted carries
// through to the writer's halt gate and is set only during the recovery
// transition.
func (s *Submitter) SubmitSystem(ctx context.Context, rtype protocol.RecordType, schemaVersion uint32, payload []byte, leaseID uint64, allowHalted bool) (Record, error) {
	return s.submit(ctx, rtype, schemaVersion, payload, leaseID, allowHalted)
}

func (s *Submitter) submit(ctx context.Context, rtype protocol.RecordType, schemaVersion uint32, payload []byte, leaseID uint64, allowHalted bool) (rec Record, err error) {
	for i := 0; i < submitRetries; i++ {
		if err = ctx.Err(); err != nil {
			return Record{}, err
		}
		_, head, herr := s.store.Head(ctx)
		if herr != nil {
			return Record{}, herr
		}
		cand := Candidate{
			Type:          rtype,
			SchemaVersion: schemaVersion,
			Payload:       payload,
			PriorHash:     head,
			LeaseID:       leaseID,
		}
		rec, err = s.writer.AppendSystem(ctx, cand, allowHalted)
		if err == nil || !errors.Is(err, ErrChainContinuity) {
			return rec, err
		}
	}
	return Record{}, err
}
