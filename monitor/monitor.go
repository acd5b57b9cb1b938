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

// Package monitor watches the chain for forks and sequence gaps.
//
// Either finding is fatal and system-wide: the monitor never repairs,
// never picks a branch, and never suppresses a duplicate alarm in favor of
// availability. It records what it found, then raises the halt.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/hoyack/archon72-sub009/halt"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/metrics"
	"github.com/hoyack/archon72-sub009/protocol"
)

// DeclarationPayload is the payload of a halt/declaration record.
type DeclarationPayload struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Reason            string    `codec:"r"`
	TriggeringRecords []uint64  `codec:"trig"`
	DetectedAt        time.Time `codec:"at"`
}

// A RecordFunc appends a halt/declaration record under the writer's
// current lease. Best effort: the halt proceeds whether or not the record
// lands.
type RecordFunc func(ctx context.Context, payload []byte) (ledger.Record, error)

// Monitor polls the store for integrity violations and escalates them to
// the halt transport.
type Monitor struct {
	store     *ledger.Store
	transport *halt.Transport
	recordFn  RecordFunc
	interval  time.Duration
	log       logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// MakeMonitor constructs a Monitor. recordFn may be nil.
func MakeMonitor(store *ledger.Store, transport *halt.Transport, recordFn RecordFunc, interval time.Duration, log logging.Logger) *Monitor {
	return &Monitor{
		store:     store,
		transport: transport,
		recordFn:  recordFn,
		interval:  interval,
		log:       log,
	}
}

// Start begins polling. The first scan runs immediately, so a violation
// present at startup halts the system before any write is admitted.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop terminates the polling loop.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// PollOnce runs a single integrity scan, escalating any finding.
func (m *Monitor) PollOnce(ctx context.Context) {
	m.pollOnce(ctx)
}

func (m *Monitor) pollOnce(ctx context.Context) {
	gap, fork, err := m.store.ScanIntegrity(ctx)
	if err != nil {
		// An unreadable store cannot prove integrity. Conservative path.
		metrics.IntegrityScans.WithLabelValues("error").Inc()
		m.escalate(ctx, fmt.Sprintf("integrity scan failed: %v", err), nil)
		return
	}
	switch {
	case fork != nil:
		metrics.IntegrityScans.WithLabelValues("fork").Inc()
		m.escalate(ctx, fork.Error(), fork.Sequences)
	case gap != nil:
		metrics.IntegrityScans.WithLabelValues("gap").Inc()
		m.escalate(ctx, gap.Error(), []uint64{gap.MissingSequence})
	default:
		metrics.IntegrityScans.WithLabelValues("clean").Inc()
	}
}

// escalate records the finding, then raises the halt. Ordering is
// deliberate: the declaration record can only be appended while the system
// still accepts writes.
func (m *Monitor) escalate(ctx context.Context, reason string, triggering []uint64) {
	if m.transport.Fast().Halted {
		return
	}

	m.log.With("reason", reason).Error("integrity violation detected")

	if m.recordFn != nil {
		payload := protocol.Encode(&DeclarationPayload{
			Reason:            reason,
			TriggeringRecords: triggering,
			DetectedAt:        time.Now().UTC(),
		})
		if rec, err := m.recordFn(ctx, payload); err != nil {
			m.log.Warnf("halt declaration record not appended: %v", err)
		} else {
			m.log.With("seq", rec.Sequence).Info("halt declaration recorded")
		}
	}

	if err := m.transport.Declare(ctx, reason, triggering); err != nil {
		m.log.Errorf("durable halt declaration failed, fast channel raised: %v", err)
	}
}
