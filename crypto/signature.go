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
	"crypto/ed25519"
	"crypto/rand"

	"github.com/hdevalence/ed25519consensus"
)

// A Signature is a cryptographic signature. It proves that a message was
// produced by a holder of a cryptographic secret.
type Signature [ed25519.SignatureSize]byte

// BlankSignature is an empty signature structure, containing nothing but zeroes.
var BlankSignature = Signature{}

// Blank tests to see if the given signature contains only zeroes.
func (s *Signature) Blank() bool {
	return *s == BlankSignature
}

// A SignatureVerifier is used to identify the holder of SignatureSecrets
// and verify the authenticity of Signatures.
type SignatureVerifier [ed25519.PublicKeySize]byte

// PublicKey is an exported SignatureVerifier.
type PublicKey = SignatureVerifier

// SignatureSecrets are used by an entity to produce unforgeable signatures over
// a message.
type SignatureSecrets struct {
	_struct struct{} `codec:""`

	SignatureVerifier
	SK [ed25519.PrivateKeySize]byte
}

// SecretKeySeedSize is the size of the seed SignatureSecrets are derived from.
const SecretKeySeedSize = ed25519.SeedSize

// Seed is cryptographic entropy used to derive SignatureSecrets.
type Seed [SecretKeySeedSize]byte

// RandomSeed fills s with cryptographically random data.
func RandomSeed() (s Seed) {
	if _, err := rand.Read(s[:]); err != nil {
		panic(err)
	}
	return
}

// RandomBytes fills the provided structure with a set of random bytes.
func RandomBytes(out []byte) {
	if _, err := rand.Read(out); err != nil {
		panic(err)
	}
}

// GenerateSignatureSecrets creates SignatureSecrets from a given seed.
func GenerateSignatureSecrets(seed Seed) *SignatureSecrets {
	sk := ed25519.NewKeyFromSeed(seed[:])
	pk := sk.Public().(ed25519.PublicKey)

	s := new(SignatureSecrets)
	copy(s.SignatureVerifier[:], pk)
	copy(s.SK[:], sk)
	return s
}

// Sign produces a cryptographic Signature of a Hashable message, under the
// signer's secret key.
func (s *SignatureSecrets) Sign(message Hashable) Signature {
	return s.SignBytes(HashRep(message))
}

// SignBytes signs a message directly, without first hashing.
// Caller is responsible for domain separation.
func (s *SignatureSecrets) SignBytes(message []byte) (sig Signature) {
	copy(sig[:], ed25519.Sign(s.SK[:], message))
	return
}

// Verify verifies that some holder of a cryptographic secret authentically
// signed a Hashable message.
//
// Verification uses the ZIP-215 consensus rules so that every process in
// the system agrees on exactly which signatures are valid.
func (v SignatureVerifier) Verify(message Hashable, sig Signature) bool {
	return v.VerifyBytes(HashRep(message), sig)
}

// VerifyBytes verifies a signature, where the message is not hashed first.
// Caller is responsible for domain separation.
// If the message is a Hashable, Verify() can be used instead.
func (v SignatureVerifier) VerifyBytes(message []byte, sig Signature) bool {
	return ed25519consensus.Verify(v[:], message, sig[:])
}
