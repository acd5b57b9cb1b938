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

// Package metrics registers the node's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsAppended counts committed records by type.
	RecordsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "welcore",
		Name:      "records_appended_total",
		Help:      "Committed ledger records by record type.",
	}, []string{"type"})

	// AppendRejected counts rejected appends by reason.
	AppendRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "welcore",
		Name:      "append_rejected_total",
		Help:      "Rejected append attempts by reason.",
	}, []string{"reason"})

	// AppendSeconds observes end-to-end append latency.
	AppendSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "welcore",
		Name:      "append_seconds",
		Help:      "End-to-end append latency including witnessing.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// Halted is 1 while either halt channel reports halted.
	Halted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "welcore",
		Name:      "halted",
		Help:      "Whether the system is halted (either channel).",
	})

	// HeadSequence tracks the last committed sequence number.
	HeadSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "welcore",
		Name:      "head_sequence",
		Help:      "Sequence number of the chain head.",
	})

	// WitnessPoolLive tracks the live witness count.
	WitnessPoolLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "welcore",
		Name:      "witness_pool_live",
		Help:      "Number of live witnesses in the pool.",
	})

	// LastAnchorSequence tracks the newest checkpoint anchor.
	LastAnchorSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "welcore",
		Name:      "last_anchor_sequence",
		Help:      "Sequence covered by the newest checkpoint anchor.",
	})

	// IntegrityScans counts monitor passes by outcome.
	IntegrityScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "welcore",
		Name:      "integrity_scans_total",
		Help:      "Integrity monitor passes by outcome.",
	}, []string{"outcome"})
)
