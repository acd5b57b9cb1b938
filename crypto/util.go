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

package crypto

import (
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"github.com/hoyack/archon72-sub009/protocol"
)

// DigestSize is the number of bytes in the preferred hash digest.
const DigestSize = sha512.Size256

// Digest represents a SHA-512/256 hash.
type Digest [DigestSize]byte

// String returns a URL-safe base64 representation of the digest.
func (d Digest) String() string {
	return base64.URLEncoding.EncodeToString(d[:])
}

// IsZero returns true if the digest contains only zero bytes.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// DigestFromString converts a string to a Digest.
func DigestFromString(str string) (d Digest, err error) {
	decoded, err := base64.URLEncoding.DecodeString(str)
	if err != nil {
		return d, err
	}
	if len(decoded) != len(d) {
		return d, fmt.Errorf("decoded digest is the wrong length: %d != %d", len(decoded), len(d))
	}
	copy(d[:], decoded)
	return d, nil
}

// Hash computes the SHA-512/256 digest of data.
func Hash(data []byte) Digest {
	return sha512.Sum512_256(data)
}

// Hashable is an interface implemented by an object that can be represented
// with a sequence of bytes to be hashed or signed, together with a type ID
// to distinguish different types of objects.
type Hashable interface {
	ToBeHashed() (protocol.HashID, []byte)
}

// HashRep appends the correct hashid before the message to be hashed.
func HashRep(h Hashable) []byte {
	hashid, data := h.ToBeHashed()
	return append([]byte(hashid), data...)
}

// HashObj computes a hash of a Hashable object and its type.
func HashObj(h Hashable) Digest {
	return Hash(HashRep(h))
}
