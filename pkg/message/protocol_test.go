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
package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedMessage(t *testing.T, kind Kind, meta Metadata) *Message {
	t.Helper()
	sender := testIdentity(t)
	msg, err := New("alice", "bob", "content", kind, meta, sender)
	require.NoError(t, err)
	return msg
}

func TestSimplePeerProtocolAccepts(t *testing.T) {
	p := NewSimplePeerProtocol()
	assert.NoError(t, p.Validate(signedMessage(t, KindText, Metadata{})))
}

func TestSimplePeerProtocolRejects(t *testing.T) {
	p := NewSimplePeerProtocol()

	tests := []struct {
		name   string
		mutate func(*Message)
		want   error
	}{
		{"missing id", func(m *Message) { m.ID = "" }, ErrMissingEnvelopeField},
		{"missing sender", func(m *Message) { m.SenderID = "" }, ErrMissingEnvelopeField},
		{"missing receiver", func(m *Message) { m.ReceiverID = "" }, ErrMissingEnvelopeField},
		{"self addressed", func(m *Message) { m.ReceiverID = m.SenderID }, ErrSelfAddressed},
		{"unknown kind", func(m *Message) { m.Kind = "BOGUS" }, ErrUnknownKind},
		{"bad version", func(m *Message) { m.ProtocolVersion = "9.9" }, ErrUnsupportedVersion},
		{"unsigned", func(m *Message) { m.Signature = nil }, ErrUnsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := signedMessage(t, KindText, Metadata{})
			tt.mutate(msg)
			assert.ErrorIs(t, p.Validate(msg), tt.want)
		})
	}
}

func TestCollaborationProtocol(t *testing.T) {
	p := NewCollaborationProtocol()

	// A request needs both a request id and a capability name.
	msg := signedMessage(t, KindRequestCollaboration, Metadata{})
	assert.ErrorIs(t, p.Validate(msg), ErrMissingRequestID)

	msg = signedMessage(t, KindRequestCollaboration, Metadata{RequestID: "r-1"})
	assert.ErrorIs(t, p.Validate(msg), ErrMissingCapability)

	msg = signedMessage(t, KindRequestCollaboration, Metadata{
		RequestID: "r-1",
		Custom:    map[string]string{CapabilityKey: "summarize"},
	})
	assert.NoError(t, p.Validate(msg))

	// A response must echo the request id.
	msg = signedMessage(t, KindResponseCollaboration, Metadata{})
	assert.ErrorIs(t, p.Validate(msg), ErrMissingRequestID)

	msg = signedMessage(t, KindResponseCollaboration, Metadata{RequestID: "r-1"})
	assert.NoError(t, p.Validate(msg))

	// Other kinds only get the peer checks.
	assert.NoError(t, p.Validate(signedMessage(t, KindText, Metadata{})))
}
