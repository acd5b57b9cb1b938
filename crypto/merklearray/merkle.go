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

// Package merklearray implements a Merkle commitment over an append-only
// array of hashable elements, with single-position inclusion proofs that
// verify offline against the root.
package merklearray

import (
	"fmt"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/protocol"
)

// An Array is the interface for objects a merkle tree can be built over.
type Array interface {
	// Length returns the number of elements in the array.
	Length() uint64

	// Marshal returns the hash representation of the element at position pos.
	Marshal(pos uint64) ([]byte, error)
}

// A Layer is one level of hashes in the tree. Level 0 is the leaves.
type Layer []crypto.Digest

// Tree is a Merkle tree, represented by layers of nodes (hashes) in the
// tree at each height.
type Tree struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	// Level 0 is the leaves.
	Levels []Layer `codec:"lvls"`
}

// Proof is the sibling path for a single leaf position.
type Proof struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Path []crypto.Digest `codec:"pth"`
}

type pair struct {
	l crypto.Digest
	r crypto.Digest
}

func (p pair) ToBeHashed() (protocol.HashID, []byte) {
	buf := make([]byte, 2*crypto.DigestSize)
	copy(buf[:crypto.DigestSize], p.l[:])
	copy(buf[crypto.DigestSize:], p.r[:])
	return protocol.MerkleArrayNode, buf
}

// Build constructs a Merkle tree given an array.
func Build(array Array) (*Tree, error) {
	arraylen := array.Length()
	leaves := make(Layer, arraylen)
	for i := uint64(0); i < arraylen; i++ {
		m, err := array.Marshal(i)
		if err != nil {
			return nil, err
		}
		leaves[i] = crypto.Hash(m)
	}

	tree := &Tree{}
	if arraylen == 0 {
		return tree, nil
	}

	tree.Levels = []Layer{leaves}
	for len(tree.topLayer()) > 1 {
		tree.Levels = append(tree.Levels, up(tree.topLayer()))
	}
	return tree, nil
}

func (tree *Tree) topLayer() Layer {
	return tree.Levels[len(tree.Levels)-1]
}

// up computes the next layer of the tree. An unpaired node at the end of
// a layer is promoted unchanged.
func up(below Layer) Layer {
	above := make(Layer, 0, (len(below)+1)/2)
	for i := 0; i < len(below); i += 2 {
		if i+1 == len(below) {
			above = append(above, below[i])
			break
		}
		above = append(above, crypto.HashObj(pair{l: below[i], r: below[i+1]}))
	}
	return above
}

// Root returns the root hash of the tree.
func (tree *Tree) Root() crypto.Digest {
	// Special case: commitment to zero-length array
	if len(tree.Levels) == 0 {
		return crypto.Digest{}
	}
	return tree.topLayer()[0]
}

// Prove constructs an inclusion proof for the leaf at position idx.
func (tree *Tree) Prove(idx uint64) (*Proof, error) {
	if len(tree.Levels) == 0 {
		return nil, fmt.Errorf("merklearray: proving in zero-length commitment")
	}
	if idx >= uint64(len(tree.Levels[0])) {
		return nil, fmt.Errorf("merklearray: pos %d larger than leaf count %d", idx, len(tree.Levels[0]))
	}

	proof := &Proof{}
	pos := idx
	for _, layer := range tree.Levels[:len(tree.Levels)-1] {
		sibling := pos ^ 1
		if sibling < uint64(len(layer)) {
			proof.Path = append(proof.Path, layer[sibling])
		} else {
			// Unpaired node was promoted; no sibling at this level.
			proof.Path = append(proof.Path, crypto.Digest{})
		}
		pos >>= 1
	}
	return proof, nil
}

// Verify checks an inclusion proof for element data at position idx in an
// array of total elements committed to by root. It uses only locally-held
// data; no trust in the prover is required.
func Verify(root crypto.Digest, data []byte, idx uint64, total uint64, proof *Proof) bool {
	if total == 0 || idx >= total {
		return false
	}

	h := crypto.Hash(data)
	pos := idx
	width := total
	for _, sibling := range proof.Path {
		if sibling.IsZero() {
			// Promoted node: hash carries up unchanged.
			pos >>= 1
			width = (width + 1) / 2
			continue
		}
		if pos&1 == 0 {
			h = crypto.HashObj(pair{l: h, r: sibling})
		} else {
			h = crypto.HashObj(pair{l: sibling, r: h})
		}
		pos >>= 1
		width = (width + 1) / 2
	}
	if width > 1 && len(proof.Path) == 0 {
		return false
	}
	return h == root
}
