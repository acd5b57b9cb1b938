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

package node

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hoyack/archon72-sub009/config"
	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/protocol"
)

// namedSeed is one keyed identity in the registry.
type namedSeed struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	ID   string      `codec:"id"`
	Seed crypto.Seed `codec:"seed"`
}

// keyRegistry is the on-disk key material for one node: the writer
// identity, the local witness pool and the recovery authorities. The
// checkpoint anchor key lives in its own file so it can be rotated or
// escrowed independently.
type keyRegistry struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Writer      namedSeed   `codec:"w"`
	Witnesses   []namedSeed `codec:"x"`
	Authorities []namedSeed `codec:"a"`
}

// loadOrGenerateKeys reads the key registry from the data directory,
// generating and persisting a fresh one on first boot. Counts only grow:
// an existing registry gains witnesses or authorities if the configuration
// asks for more, but never loses any.
func loadOrGenerateKeys(dataDir string, numWitnesses int, numAuthorities int) (keyRegistry, error) {
	path := filepath.Join(dataDir, config.KeyRegistryFilename)

	var reg keyRegistry
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := protocol.Decode(raw, &reg); err != nil {
			return keyRegistry{}, err
		}
	case os.IsNotExist(err):
		seed := crypto.RandomSeed()
		d := crypto.Hash(seed[:])
		reg.Writer = namedSeed{ID: fmt.Sprintf("writer-%x", d[:4]), Seed: seed}
	default:
		return keyRegistry{}, err
	}

	changed := err != nil
	for i := len(reg.Witnesses); i < numWitnesses; i++ {
		reg.Witnesses = append(reg.Witnesses, namedSeed{
			ID:   fmt.Sprintf("witness-%02d", i+1),
			Seed: crypto.RandomSeed(),
		})
		changed = true
	}
	for i := len(reg.Authorities); i < numAuthorities; i++ {
		reg.Authorities = append(reg.Authorities, namedSeed{
			ID:   fmt.Sprintf("authority-%02d", i+1),
			Seed: crypto.RandomSeed(),
		})
		changed = true
	}

	if changed {
		if err := os.WriteFile(path, protocol.Encode(&reg), 0o600); err != nil {
			return keyRegistry{}, err
		}
	}
	return reg, nil
}

// loadOrGenerateAnchorKey reads the checkpoint anchor seed, generating it
// on first boot.
func loadOrGenerateAnchorKey(dataDir string) (crypto.Seed, error) {
	path := filepath.Join(dataDir, config.AnchorKeyFilename)

	var seed crypto.Seed
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != len(seed) {
			return crypto.Seed{}, fmt.Errorf("anchor key file %s is corrupt", path)
		}
		copy(seed[:], raw)
		return seed, nil
	case os.IsNotExist(err):
		seed = crypto.RandomSeed()
		if err := os.WriteFile(path, seed[:], 0o600); err != nil {
			return crypto.Seed{}, err
		}
		return seed, nil
	default:
		return crypto.Seed{}, err
	}
}
