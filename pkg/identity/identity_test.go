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
package identity

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateKeyBased(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	assert.True(t, id.Verified)
	assert.True(t, id.CanSign())
	assert.True(t, strings.HasPrefix(id.DID, DIDPrefix))
	assert.Equal(t, id.DID, DIDFromPublicKey(id.PublicKey))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	payload := []byte("the quick brown fox")
	sig, err := id.Sign(payload)
	require.NoError(t, err)
	assert.True(t, id.Verify(payload, sig))

	// Flipping one byte of the payload must fail verification.
	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0x01
	assert.False(t, id.Verify(tampered, sig))
}

func TestSignDeterministic(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	payload := []byte("stable payload")
	sig1, err := id.Sign(payload)
	require.NoError(t, err)
	sig2, err := id.Sign(payload)
	require.NoError(t, err)

	// Ed25519 signatures are deterministic for a given key and payload.
	assert.Equal(t, sig1, sig2)
}

func TestSignWithoutPrivateKey(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	pub := id.Public()
	assert.False(t, pub.CanSign())

	_, err = pub.Sign([]byte("payload"))
	assert.ErrorIs(t, err, ErrNoSigningCapability)
}

func TestVerifyMalformedSignature(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	assert.False(t, id.Verify([]byte("payload"), nil))
	assert.False(t, id.Verify([]byte("payload"), []byte("short")))
}

func TestPrivateKeyNeverSerialized(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "privateKey")
	assert.NotContains(t, decoded, "PrivateKey")
}

func TestMaterialRoundTrip(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	data, err := ExportMaterial(id)
	require.NoError(t, err)

	restored, err := ImportMaterial(data)
	require.NoError(t, err)
	assert.Equal(t, id.DID, restored.DID)
	assert.Equal(t, id.PublicKey, restored.PublicKey)

	// Restored identity signs interchangeably with the original.
	payload := []byte("payload")
	sig, err := restored.Sign(payload)
	require.NoError(t, err)
	assert.True(t, id.Verify(payload, sig))
}

func TestExportMaterialRequiresPrivateKey(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	_, err = ExportMaterial(id.Public())
	assert.ErrorIs(t, err, ErrNoSigningCapability)
}

func TestImportMaterialMalformed(t *testing.T) {
	_, err := ImportMaterial([]byte("not json"))
	assert.Error(t, err)

	_, err = ImportMaterial([]byte(`{"seed":"AAAA"}`))
	assert.Error(t, err)
}
