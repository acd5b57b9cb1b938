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

// Package config holds the per-node-instance configuration settings.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ConfigFilename is the name of the config.json file
const ConfigFilename = "config.json"

// LedgerFilename is the name of the sqlite ledger file inside the data directory
const LedgerFilename = "ledger.sqlite"

// AnchorKeyFilename is the name of the checkpoint anchor signing key file
const AnchorKeyFilename = "anchor.key"

// LockFilename is the name of the daemon's data directory lock file
const LockFilename = "welnode.lock"

// KeyRegistryFilename is the name of the node's key registry file, holding
// the writer, witness and recovery authority keys
const KeyRegistryFilename = "welnode.keys"

// Floor values. Operational parameters may be tuned upward freely, but
// never below these.
const (
	// MinRecoveryWaitingPeriod is the shortest waiting period a recovery
	// proposal may configure. The waiting period is a constitutional
	// safeguard, not an incident-response knob.
	MinRecoveryWaitingPeriod = 72 * time.Hour

	// MinHighStakesWitnessPool is the smallest live witness pool that may
	// attest high-stakes record types.
	MinHighStakesWitnessPool = 3

	// MinLowStakesWitnessPool is the smallest live witness pool that may
	// attest any record type at all.
	MinLowStakesWitnessPool = 1

	// MaxMonitorPollInterval bounds how stale the fork monitor's view of
	// storage may get.
	MaxMonitorPollInterval = 5 * time.Second
)

// Local holds the per-node-instance configuration settings.
//
// New fields may be added to the Local struct. Defaults for absent fields
// are filled in from defaultLocal when loading, so an old config.json keeps
// working across upgrades.
type Local struct {
	// Version tracks the current version of the defaults so we can migrate old -> new
	Version uint32

	// EndpointAddress is the REST listening address, ip:port.
	EndpointAddress string

	// BaseLoggerDebugLevel specifies the logging level for welnode. The
	// levels range from 0 (critical error / silent) to 5 (debug / verbose).
	BaseLoggerDebugLevel uint32

	// LogJSON switches the log output to JSON format.
	LogJSON bool

	// MonitorPollIntervalSeconds is how often the sequence & fork monitor
	// rescans storage. Clamped to (0, MaxMonitorPollInterval].
	MonitorPollIntervalSeconds float64

	// AttestationTimeoutSeconds bounds how long an append waits for a
	// witness attestation before failing with no witness available.
	AttestationTimeoutSeconds uint32

	// LeaseTTLSeconds is the fencing lease time-to-live. The writer
	// heartbeat renews at a third of this.
	LeaseTTLSeconds uint32

	// HighStakesWitnessFloor is the minimum live witness pool size that
	// gates high-stakes record types. Clamped up to MinHighStakesWitnessPool.
	HighStakesWitnessFloor int

	// LowStakesWitnessFloor is the minimum live witness pool size that
	// gates all record types. Clamped up to MinLowStakesWitnessPool.
	LowStakesWitnessFloor int

	// RecoveryWaitingPeriodHours is the delay between unanimous recovery
	// approval and the recovery record being writable. Clamped up to
	// MinRecoveryWaitingPeriod.
	RecoveryWaitingPeriodHours uint32

	// HaltReconcileWindowMillis is how long the fast and durable halt
	// channels may disagree before the discrepancy is recorded as an anomaly.
	HaltReconcileWindowMillis uint32

	// CheckpointIntervalRecords is the anchor cadence, in records.
	CheckpointIntervalRecords uint64

	// MaxQueryResults caps a single range query response.
	MaxQueryResults uint64

	// RestConnectionsHardLimit caps concurrent REST connections. The limit
	// applies identically to anonymous and registered callers.
	RestConnectionsHardLimit uint64

	// NumLocalWitnesses is how many in-process witnesses the node generates
	// on first boot. Clamped up to HighStakesWitnessFloor.
	NumLocalWitnesses int

	// NumRecoveryAuthorities is how many recovery authority keys the node
	// generates on first boot. At least one.
	NumRecoveryAuthorities int
}

var defaultLocal = Local{
	Version:                    1,
	EndpointAddress:            "127.0.0.1:8642",
	BaseLoggerDebugLevel:       4,
	LogJSON:                    false,
	MonitorPollIntervalSeconds: 2,
	AttestationTimeoutSeconds:  30,
	LeaseTTLSeconds:            30,
	HighStakesWitnessFloor:     3,
	LowStakesWitnessFloor:      1,
	RecoveryWaitingPeriodHours: 168,
	HaltReconcileWindowMillis:  2000,
	CheckpointIntervalRecords:  128,
	MaxQueryResults:            1000,
	RestConnectionsHardLimit:   64,
	NumLocalWitnesses:          4,
	NumRecoveryAuthorities:     2,
}

// GetDefaultLocal returns a copy of the default local configuration.
func GetDefaultLocal() Local {
	return defaultLocal
}

// LoadConfigFromDisk loads config.json from the given directory, filling in
// defaults for absent fields. A missing file yields the defaults.
func LoadConfigFromDisk(dir string) (Local, error) {
	cfg := defaultLocal
	f, err := os.Open(filepath.Join(dir, ConfigFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.enforceFloors(), nil
		}
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return defaultLocal, err
	}
	return cfg.enforceFloors(), nil
}

// SaveConfigToDisk writes the configuration to config.json in dir.
func (cfg Local) SaveConfigToDisk(dir string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ConfigFilename), data, 0o600)
}

// enforceFloors clamps floor-enforced parameters. Misconfiguration can
// loosen nothing; it can only tighten.
func (cfg Local) enforceFloors() Local {
	if cfg.MonitorPollIntervalSeconds <= 0 ||
		time.Duration(cfg.MonitorPollIntervalSeconds*float64(time.Second)) > MaxMonitorPollInterval {
		cfg.MonitorPollIntervalSeconds = defaultLocal.MonitorPollIntervalSeconds
	}
	if cfg.HighStakesWitnessFloor < MinHighStakesWitnessPool {
		cfg.HighStakesWitnessFloor = MinHighStakesWitnessPool
	}
	if cfg.LowStakesWitnessFloor < MinLowStakesWitnessPool {
		cfg.LowStakesWitnessFloor = MinLowStakesWitnessPool
	}
	if cfg.RecoveryWaitingPeriod() < MinRecoveryWaitingPeriod {
		cfg.RecoveryWaitingPeriodHours = uint32(MinRecoveryWaitingPeriod / time.Hour)
	}
	if cfg.AttestationTimeoutSeconds == 0 {
		cfg.AttestationTimeoutSeconds = defaultLocal.AttestationTimeoutSeconds
	}
	if cfg.LeaseTTLSeconds == 0 {
		cfg.LeaseTTLSeconds = defaultLocal.LeaseTTLSeconds
	}
	if cfg.CheckpointIntervalRecords == 0 {
		cfg.CheckpointIntervalRecords = defaultLocal.CheckpointIntervalRecords
	}
	if cfg.MaxQueryResults == 0 {
		cfg.MaxQueryResults = defaultLocal.MaxQueryResults
	}
	if cfg.NumLocalWitnesses < cfg.HighStakesWitnessFloor {
		cfg.NumLocalWitnesses = cfg.HighStakesWitnessFloor
	}
	if cfg.NumRecoveryAuthorities < 1 {
		cfg.NumRecoveryAuthorities = defaultLocal.NumRecoveryAuthorities
	}
	return cfg
}

// MonitorPollInterval returns the fork monitor poll interval as a Duration.
func (cfg Local) MonitorPollInterval() time.Duration {
	return time.Duration(cfg.MonitorPollIntervalSeconds * float64(time.Second))
}

// AttestationTimeout returns the witness attestation timeout as a Duration.
func (cfg Local) AttestationTimeout() time.Duration {
	return time.Duration(cfg.AttestationTimeoutSeconds) * time.Second
}

// LeaseTTL returns the fencing lease time-to-live as a Duration.
func (cfg Local) LeaseTTL() time.Duration {
	return time.Duration(cfg.LeaseTTLSeconds) * time.Second
}

// RecoveryWaitingPeriod returns the recovery waiting period as a Duration.
func (cfg Local) RecoveryWaitingPeriod() time.Duration {
	return time.Duration(cfg.RecoveryWaitingPeriodHours) * time.Hour
}

// HaltReconcileWindow returns the halt channel reconciliation window as a
// Duration.
func (cfg Local) HaltReconcileWindow() time.Duration {
	return time.Duration(cfg.HaltReconcileWindowMillis) * time.Millisecond
}
