// Copyright 2026 Weft Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package identity provides agent key material, DID derivation, and the
// sign/verify primitives every message in the fabric is authenticated with.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoSigningCapability is returned when a signing operation is attempted
// on an identity that carries no private key (e.g. a peer's public identity).
var ErrNoSigningCapability = errors.New("identity: no private key available for signing")

// DIDPrefix is the scheme prefix for key-derived identifiers.
const DIDPrefix = "did:key:"

// fingerprintLen is the number of fingerprint characters kept in the DID.
const fingerprintLen = 16

// AgentIdentity holds an agent's decentralized identifier and key material.
// The private key is present only on the owning side and is never part of
// the JSON representation.
type AgentIdentity struct {
	DID        string             `json:"did"`
	PublicKey  ed25519.PublicKey  `json:"publicKey"`
	PrivateKey ed25519.PrivateKey `json:"-"`
	Verified   bool               `json:"verified"`
	CreatedAt  time.Time          `json:"createdAt"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
}

// CreateKeyBased generates a fresh Ed25519 keypair and derives a DID from
// the public key fingerprint. The returned identity is verified.
func CreateKeyBased() (*AgentIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: keypair generation failed: %w", err)
	}
	return &AgentIdentity{
		DID:        DIDFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		Verified:   true,
		CreatedAt:  time.Now().UTC(),
		Metadata: map[string]string{
			"key_type":        "Ed25519",
			"creation_method": "key_based",
		},
	}, nil
}

// DIDFromPublicKey derives a stable identifier from a public key. The
// identifier is the truncated base64url SHA-256 fingerprint of the key.
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	fp := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(fp) > fingerprintLen {
		fp = fp[:fingerprintLen]
	}
	return DIDPrefix + fp
}

// Sign signs the payload with the identity's private key.
func (id *AgentIdentity) Sign(payload []byte) ([]byte, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrNoSigningCapability
	}
	return ed25519.Sign(id.PrivateKey, payload), nil
}

// Verify reports whether sig is a valid signature over payload by this
// identity's public key. Malformed input yields false, never a panic.
func (id *AgentIdentity) Verify(payload, sig []byte) bool {
	if len(id.PublicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.PublicKey, payload, sig)
}

// CanSign reports whether the identity carries a usable private key.
func (id *AgentIdentity) CanSign() bool {
	return len(id.PrivateKey) == ed25519.PrivateKeySize
}

// Public returns a copy of the identity with the private key stripped.
// This is the form that crosses the hub boundary.
func (id *AgentIdentity) Public() *AgentIdentity {
	pub := *id
	pub.PrivateKey = nil
	if id.Metadata != nil {
		pub.Metadata = make(map[string]string, len(id.Metadata))
		for k, v := range id.Metadata {
			pub.Metadata[k] = v
		}
	}
	return &pub
}

// material is the owner-side persistence shape handed to a KeyStore.
// The seed is enough to reconstruct the full keypair.
type material struct {
	DID       string            `json:"did"`
	PublicKey []byte            `json:"publicKey"`
	Seed      []byte            `json:"seed"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ExportMaterial serializes the identity including its private seed for
// storage through a KeyStore. Callers own the secrecy of the result.
func ExportMaterial(id *AgentIdentity) ([]byte, error) {
	if !id.CanSign() {
		return nil, ErrNoSigningCapability
	}
	return json.Marshal(material{
		DID:       id.DID,
		PublicKey: id.PublicKey,
		Seed:      id.PrivateKey.Seed(),
		CreatedAt: id.CreatedAt,
		Metadata:  id.Metadata,
	})
}

// ImportMaterial reconstructs a signing identity from KeyStore material.
func ImportMaterial(data []byte) (*AgentIdentity, error) {
	var m material
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("identity: malformed key material: %w", err)
	}
	if len(m.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: malformed key material: bad seed length %d", len(m.Seed))
	}
	priv := ed25519.NewKeyFromSeed(m.Seed)
	pub := priv.Public().(ed25519.PublicKey)
	id := &AgentIdentity{
		DID:        m.DID,
		PublicKey:  pub,
		PrivateKey: priv,
		Verified:   true,
		CreatedAt:  m.CreatedAt,
		Metadata:   m.Metadata,
	}
	if id.DID == "" {
		id.DID = DIDFromPublicKey(pub)
	}
	return id, nil
}
