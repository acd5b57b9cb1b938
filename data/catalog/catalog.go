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

// Package catalog implements the append-only record type catalog.
//
// A record referencing a type or schema version not present in the catalog
// is rejected at write time. The catalog is a closed tagged union: unknown
// types are rejected, never best-effort parsed. Terminal types form a
// closed set with no reversal variants, enforced here at the registration
// boundary rather than by runtime convention.
package catalog

import (
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/util/db"
)

// StakesClass partitions record types by the witness pool floor that gates
// them.
type StakesClass string

// Stakes classes.
const (
	HighStakes StakesClass = "high"
	LowStakes  StakesClass = "low"
)

// Registration errors.
var (
	ErrUnknownType        = errors.New("catalog: unknown record type or schema version")
	ErrDuplicateSchema    = errors.New("catalog: type and version already registered")
	ErrReversalOfTerminal = errors.New("catalog: reversal variants of terminal types are not registrable")
	ErrTerminalDowngrade  = errors.New("catalog: terminal types may not be re-registered as non-terminal")
	ErrBadDefinition      = errors.New("catalog: malformed schema definition")
)

// A SchemaDef describes one version of a record type.
type SchemaDef struct {
	Type          protocol.RecordType `json:"type"`
	SchemaVersion uint32              `json:"schemaVersion"`
	Definition    []byte              `json:"definition"`
	Stakes        StakesClass         `json:"stakes"`

	// Terminal marks a type that represents an end state. Once any version
	// of a type is terminal, every later version must stay terminal.
	Terminal bool `json:"terminal"`

	// Reverses, if set, declares that this type undoes the effect of
	// another type. Declaring a reversal of a terminal type is rejected.
	Reverses protocol.RecordType `json:"reverses,omitempty"`

	RegisteredAt time.Time `json:"registeredAt"`
}

// Catalog is the versioned, append-only registry of record types.
type Catalog struct {
	mu   deadlock.RWMutex
	dbs  db.Accessor
	log  logging.Logger
	defs map[protocol.RecordType]map[uint32]SchemaDef
}

var schemaInit = []string{
	`CREATE TABLE IF NOT EXISTS schemas (
		rectype TEXT NOT NULL,
		schemaver INTEGER NOT NULL,
		definition BLOB,
		stakes TEXT NOT NULL,
		terminal INTEGER NOT NULL,
		reverses TEXT NOT NULL DEFAULT '',
		registered INTEGER NOT NULL,
		PRIMARY KEY (rectype, schemaver)
	)`,
	`CREATE TRIGGER IF NOT EXISTS schemas_no_update BEFORE UPDATE ON schemas
		BEGIN SELECT RAISE(ABORT, 'schema catalog is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS schemas_no_delete BEFORE DELETE ON schemas
		BEGIN SELECT RAISE(ABORT, 'schema catalog is append-only'); END`,
}

// builtins are registered at initialization and may never be removed.
var builtins = []SchemaDef{
	{Type: protocol.EventRecord, SchemaVersion: 1, Stakes: LowStakes},
	{Type: protocol.LeaseGrant, SchemaVersion: 1, Stakes: LowStakes},
	{Type: protocol.HaltDeclarationRecord, SchemaVersion: 1, Stakes: LowStakes},
	{Type: protocol.RecoveryDecisionRecord, SchemaVersion: 1, Stakes: HighStakes},
	{Type: protocol.RecoveryAbandonRecord, SchemaVersion: 1, Stakes: LowStakes},
	{Type: protocol.SchemaRegistration, SchemaVersion: 1, Stakes: LowStakes},
}

// MakeCatalog opens the catalog over the given accessor, creating its
// table and registering built-in types if absent.
func MakeCatalog(dbs db.Accessor, log logging.Logger) (*Catalog, error) {
	c := &Catalog{
		dbs:  dbs,
		log:  log,
		defs: make(map[protocol.RecordType]map[uint32]SchemaDef),
	}

	err := dbs.Atomic("catalogInit", func(tx *sql.Tx) error {
		for _, stmt := range schemaInit {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.load(); err != nil {
		return nil, err
	}

	for _, def := range builtins {
		if _, ok := c.lookup(def.Type, def.SchemaVersion); ok {
			continue
		}
		def.RegisteredAt = time.Now().UTC()
		if err := c.Register(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dbs.Atomic("catalogLoad", func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT rectype, schemaver, definition, stakes, terminal, reverses, registered FROM schemas`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var def SchemaDef
			var rectype, stakes, reverses string
			var terminal int
			var registered int64
			if err := rows.Scan(&rectype, &def.SchemaVersion, &def.Definition, &stakes, &terminal, &reverses, &registered); err != nil {
				return err
			}
			def.Type = protocol.RecordType(rectype)
			def.Stakes = StakesClass(stakes)
			def.Terminal = terminal != 0
			def.Reverses = protocol.RecordType(reverses)
			def.RegisteredAt = time.Unix(registered, 0).UTC()
			c.putLocked(def)
		}
		return rows.Err()
	})
}

func (c *Catalog) putLocked(def SchemaDef) {
	versions, ok := c.defs[def.Type]
	if !ok {
		versions = make(map[uint32]SchemaDef)
		c.defs[def.Type] = versions
	}
	versions[def.SchemaVersion] = def
}

func (c *Catalog) lookup(rt protocol.RecordType, ver uint32) (SchemaDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[rt][ver]
	return def, ok
}

// Register appends a new schema definition to the catalog. Registration is
// the only mutation the catalog supports, and every constraint on the type
// system is checked here, before anything touches storage.
func (c *Catalog) Register(def SchemaDef) error {
	if def.Type == "" || def.SchemaVersion == 0 {
		return ErrBadDefinition
	}
	if def.Stakes != HighStakes && def.Stakes != LowStakes {
		return ErrBadDefinition
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.defs[def.Type][def.SchemaVersion]; ok {
		return ErrDuplicateSchema
	}
	if def.Reverses != "" {
		for _, prior := range c.defs[def.Reverses] {
			if prior.Terminal {
				return ErrReversalOfTerminal
			}
		}
	}
	for _, prior := range c.defs[def.Type] {
		if prior.Terminal && !def.Terminal {
			return ErrTerminalDowngrade
		}
	}

	if def.RegisteredAt.IsZero() {
		def.RegisteredAt = time.Now().UTC()
	}

	err := c.dbs.Atomic("catalogRegister", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO schemas (rectype, schemaver, definition, stakes, terminal, reverses, registered) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(def.Type), def.SchemaVersion, def.Definition, string(def.Stakes),
			boolToInt(def.Terminal), string(def.Reverses), def.RegisteredAt.Unix())
		return err
	})
	if err != nil {
		return err
	}

	c.putLocked(def)
	c.log.With("type", string(def.Type)).With("version", def.SchemaVersion).Info("schema registered")
	return nil
}

// Lookup returns the definition for a type at a specific schema version.
func (c *Catalog) Lookup(rt protocol.RecordType, ver uint32) (SchemaDef, error) {
	def, ok := c.lookup(rt, ver)
	if !ok {
		return SchemaDef{}, ErrUnknownType
	}
	return def, nil
}

// Stakes returns the stakes class of a record type at a given version.
func (c *Catalog) Stakes(rt protocol.RecordType, ver uint32) (StakesClass, error) {
	def, err := c.Lookup(rt, ver)
	if err != nil {
		return "", err
	}
	return def.Stakes, nil
}

// List returns every registered definition, ordered by type then version.
func (c *Catalog) List() []SchemaDef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []SchemaDef
	for _, versions := range c.defs {
		for _, def := range versions {
			out = append(out, def)
		}
	}
	sortDefs(out)
	return out
}

func sortDefs(defs []SchemaDef) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Type != defs[j].Type {
			return defs[i].Type < defs[j].Type
		}
		return defs[i].SchemaVersion < defs[j].SchemaVersion
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
