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

// Package node assembles the ledger core into a runnable unit.
package node

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/hoyack/archon72-sub009/checkpoint"
	"github.com/hoyack/archon72-sub009/config"
	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/halt"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/lease"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/metrics"
	"github.com/hoyack/archon72-sub009/monitor"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/recovery"
	"github.com/hoyack/archon72-sub009/serr"
	"github.com/hoyack/archon72-sub009/util/db"
	"github.com/hoyack/archon72-sub009/witness"
)

// WelcoreNode owns every component of one ledger core instance and the
// goroutines that keep them running.
type WelcoreNode struct {
	cfg     config.Local
	log     logging.Logger
	rootDir string

	dbs       db.Accessor
	catalog   *catalog.Catalog
	store     *ledger.Store
	transport *halt.Transport
	leases    *lease.Manager
	keeper    *lease.Keeper
	witnesses *witness.Coordinator
	writer    *ledger.Writer
	submitter *ledger.Submitter
	monitor   *monitor.Monitor
	anchors   *checkpoint.Service
	recovery  *recovery.Coordinator

	writerID    string
	authorities map[string]*crypto.SignatureSecrets

	haltWatch context.CancelFunc
	haltDone  chan struct{}
}

// localClock is the node's informational authority time source.
type localClock struct{}

func (localClock) Name() string            { return "system" }
func (localClock) Now() (time.Time, error) { return time.Now().UTC(), nil }

// MakeNode opens storage under rootDir and wires every component. Nothing
// runs until Start.
func MakeNode(log logging.Logger, rootDir string, cfg config.Local) (*WelcoreNode, error) {
	n := &WelcoreNode{
		cfg:         cfg,
		log:         log,
		rootDir:     rootDir,
		authorities: make(map[string]*crypto.SignatureSecrets),
	}

	keys, err := loadOrGenerateKeys(rootDir, cfg.NumLocalWitnesses, cfg.NumRecoveryAuthorities)
	if err != nil {
		return nil, serr.Wrap(err, "key registry unavailable")
	}
	anchorSeed, err := loadOrGenerateAnchorKey(rootDir)
	if err != nil {
		return nil, serr.Wrap(err, "anchor key unavailable")
	}
	n.writerID = keys.Writer.ID

	n.dbs, err = db.MakeAccessor(filepath.Join(rootDir, config.LedgerFilename), false, false)
	if err != nil {
		return nil, serr.Wrap(err, "cannot open ledger database")
	}
	n.dbs.SetLogger(log)

	n.catalog, err = catalog.MakeCatalog(n.dbs, log)
	if err != nil {
		return nil, err
	}
	n.store, err = ledger.MakeStore(n.dbs, log)
	if err != nil {
		return nil, err
	}
	n.transport, err = halt.MakeTransport(n.dbs, cfg.HaltReconcileWindow(), log)
	if err != nil {
		return nil, err
	}
	n.leases, err = lease.MakeManager(n.dbs, cfg.LeaseTTL(), log)
	if err != nil {
		return nil, err
	}

	n.witnesses = witness.MakeCoordinator(cfg.HighStakesWitnessFloor, cfg.LowStakesWitnessFloor, log)
	for _, w := range keys.Witnesses {
		if err := n.witnesses.Register(witness.MakeLocalWitness(w.ID, crypto.GenerateSignatureSecrets(w.Seed))); err != nil {
			return nil, err
		}
	}

	n.writer = ledger.MakeWriter(ledger.WriterParams{
		Store:         n.store,
		Catalog:       n.catalog,
		Halt:          n.transport,
		Leases:        n.leases,
		Attester:      n.witnesses,
		Secrets:       crypto.GenerateSignatureSecrets(keys.Writer.Seed),
		WriterID:      keys.Writer.ID,
		TimeSources:   []ledger.TimeSource{localClock{}},
		AttestTimeout: cfg.AttestationTimeout(),
		Log:           log,
	})
	n.submitter = ledger.MakeSubmitter(n.store, n.writer)

	n.keeper = lease.MakeKeeper(n.leases, keys.Writer.ID, log)
	n.leases.SetRecorder(n.submitter)

	n.monitor = monitor.MakeMonitor(n.store, n.transport, n.declarationRecorder, cfg.MonitorPollInterval(), log)

	n.anchors, err = checkpoint.MakeService(n.dbs, n.store, n.transport,
		crypto.GenerateSignatureSecrets(anchorSeed), cfg.CheckpointIntervalRecords, log)
	if err != nil {
		return nil, err
	}

	n.recovery, err = recovery.MakeCoordinator(n.dbs, n.submitter, n.transport, n.leases,
		n.currentLease, cfg.RecoveryWaitingPeriod(), log)
	if err != nil {
		return nil, err
	}
	for _, a := range keys.Authorities {
		secrets := crypto.GenerateSignatureSecrets(a.Seed)
		n.authorities[a.ID] = secrets
		n.recovery.RegisterAuthority(a.ID, secrets.SignatureVerifier)
	}

	return n, nil
}

// Start acquires the write lease and launches the background services.
func (n *WelcoreNode) Start(ctx context.Context) error {
	if err := n.keeper.Start(ctx); err != nil {
		return serr.Wrap(err, "initial lease acquisition failed")
	}
	n.monitor.Start()
	n.anchors.Start()

	watchCtx, cancel := context.WithCancel(context.Background())
	n.haltWatch = cancel
	n.haltDone = make(chan struct{})
	go n.watchHalt(watchCtx)

	n.log.WithFields(logging.Fields{
		"writer":  n.writerID,
		"rootDir": n.rootDir,
	}).Info("node started")
	return nil
}

// Stop shuts the background services down and closes storage.
func (n *WelcoreNode) Stop() {
	if n.haltWatch != nil {
		n.haltWatch()
		<-n.haltDone
	}
	n.anchors.Stop()
	n.monitor.Stop()
	n.keeper.Stop()
	n.dbs.Close()
	n.log.Info("node stopped")
}

// watchHalt mirrors halt transitions into the halted gauge.
func (n *WelcoreNode) watchHalt(ctx context.Context) {
	defer close(n.haltDone)
	sub := n.transport.Subscribe()
	defer n.transport.Unsubscribe(sub)

	if s := n.transport.Fast(); s.Halted {
		metrics.Halted.Set(1)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sub:
			if s.Halted {
				metrics.Halted.Set(1)
			} else {
				metrics.Halted.Set(0)
			}
		}
	}
}

// currentLease reports the keeper's live lease for system records.
func (n *WelcoreNode) currentLease(ctx context.Context) (uint64, error) {
	l, held := n.keeper.Lease()
	if !held {
		return 0, lease.ErrLeaseNotHeld
	}
	return l.ID, nil
}

// declarationRecorder writes the monitor's halt declaration under the
// node's own lease.
func (n *WelcoreNode) declarationRecorder(ctx context.Context, payload []byte) (ledger.Record, error) {
	l, held := n.keeper.Lease()
	if !held {
		return ledger.Record{}, lease.ErrLeaseNotHeld
	}
	return n.submitter.Submit(ctx, protocol.HaltDeclarationRecord, 1, payload, l.ID)
}

// Append commits an event record under the node's lease, resolving the
// head internally. This is the write path the REST surface exposes.
func (n *WelcoreNode) Append(ctx context.Context, rtype protocol.RecordType, schemaVersion uint32, payload []byte) (ledger.Record, error) {
	start := time.Now()

	l, held := n.keeper.Lease()
	if !held {
		metrics.AppendRejected.WithLabelValues("lease").Inc()
		return ledger.Record{}, ledger.ErrStaleLease
	}
	rec, err := n.submitter.Submit(ctx, rtype, schemaVersion, payload, l.ID)
	if err != nil {
		metrics.AppendRejected.WithLabelValues(rejectReason(err)).Inc()
		return ledger.Record{}, err
	}

	metrics.RecordsAppended.WithLabelValues(string(rec.Type)).Inc()
	metrics.HeadSequence.Set(float64(rec.Sequence))
	metrics.AppendSeconds.Observe(time.Since(start).Seconds())
	return rec, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrSystemHalted):
		return "halted"
	case errors.Is(err, ledger.ErrChainContinuity):
		return "continuity"
	case errors.Is(err, ledger.ErrStaleLease):
		return "lease"
	case errors.Is(err, ledger.ErrUnknownSchema):
		return "schema"
	case errors.Is(err, ledger.ErrNoWitnessAvailable), errors.Is(err, witness.ErrPoolBelowFloor),
		errors.Is(err, witness.ErrNoEligibleWitness):
		return "witness"
	case errors.Is(err, ledger.ErrBadAttestation):
		return "attestation"
	default:
		return "other"
	}
}

// StatusReport is the operator-facing view of one node.
type StatusReport struct {
	WriterID       string             `json:"writerId"`
	HeadSequence   uint64             `json:"headSequence"`
	HeadHash       crypto.Digest      `json:"headHash"`
	Halt           halt.State         `json:"halt"`
	WitnessPool    witness.PoolStatus `json:"witnessPool"`
	Degraded       bool               `json:"degraded"`
	LeaseID        uint64             `json:"leaseId,omitempty"`
	LeaseEpoch     uint64             `json:"leaseEpoch"`
	LastAnchorSeq  uint64             `json:"lastAnchorSeq"`
	ActiveRecovery *recovery.Procedure `json:"activeRecovery,omitempty"`
}

// Status assembles the status report.
func (n *WelcoreNode) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	report.WriterID = n.writerID

	seq, head, err := n.store.Head(ctx)
	if err != nil {
		return report, err
	}
	report.HeadSequence = seq
	report.HeadHash = head

	report.Halt, err = n.transport.Get(ctx)
	if err != nil {
		return report, err
	}

	report.WitnessPool = n.witnesses.Status()
	report.Degraded = !report.WitnessPool.HighStakesOK
	metrics.WitnessPoolLive.Set(float64(report.WitnessPool.Live))

	if l, held := n.keeper.Lease(); held {
		report.LeaseID = l.ID
	}
	report.LeaseEpoch, err = n.leases.Epoch(ctx)
	if err != nil {
		return report, err
	}

	if anchor, ok, aerr := n.anchors.Latest(ctx); aerr == nil && ok {
		report.LastAnchorSeq = anchor.Sequence
	}

	if proc, ok, rerr := n.recovery.Active(ctx); rerr == nil && ok {
		report.ActiveRecovery = &proc
	}
	return report, nil
}

// SignDecision signs the decision digest of a procedure with a locally
// held authority key and casts the vote.
func (n *WelcoreNode) SignDecision(ctx context.Context, procID string, authorityID string, kind string) error {
	secrets, ok := n.authorities[authorityID]
	if !ok {
		return recovery.ErrUnknownAuthority
	}
	proc, err := n.recovery.Get(ctx, procID)
	if err != nil {
		return err
	}
	digest := n.recovery.DecisionDigest(proc, kind)
	return n.recovery.Vote(ctx, procID, authorityID, kind, secrets.SignBytes(digest[:]))
}

// Config returns the node's configuration.
func (n *WelcoreNode) Config() config.Local { return n.cfg }

// Store returns the record store for the read surface.
func (n *WelcoreNode) Store() *ledger.Store { return n.store }

// Catalog returns the schema catalog.
func (n *WelcoreNode) Catalog() *catalog.Catalog { return n.catalog }

// Halt returns the halt transport.
func (n *WelcoreNode) Halt() *halt.Transport { return n.transport }

// Checkpoints returns the anchor service.
func (n *WelcoreNode) Checkpoints() *checkpoint.Service { return n.anchors }

// Recovery returns the recovery coordinator.
func (n *WelcoreNode) Recovery() *recovery.Coordinator { return n.recovery }

// Witnesses returns the witness coordinator.
func (n *WelcoreNode) Witnesses() *witness.Coordinator { return n.witnesses }

// Monitor returns the integrity monitor.
func (n *WelcoreNode) Monitor() *monitor.Monitor { return n.monitor }
