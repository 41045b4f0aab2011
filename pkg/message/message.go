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

// Package message defines the signed envelope exchanged between agents and
// the protocol validators applied by the hub before routing.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weft-labs/weft/pkg/identity"
)

// Kind tags the semantic type of a message.
type Kind string

// Message kinds understood by the fabric.
const (
	KindText                  Kind = "TEXT"
	KindCommand               Kind = "COMMAND"
	KindResponse              Kind = "RESPONSE"
	KindError                 Kind = "ERROR"
	KindStop                  Kind = "STOP"
	KindSystem                Kind = "SYSTEM"
	KindPing                  Kind = "PING"
	KindCooldown              Kind = "COOLDOWN"
	KindRequestCollaboration  Kind = "REQUEST_COLLABORATION"
	KindResponseCollaboration Kind = "RESPONSE_COLLABORATION"
	KindCapabilityRequest     Kind = "CAPABILITY_REQUEST"
	KindCapabilityResponse    Kind = "CAPABILITY_RESPONSE"
)

// ProtocolV1 is the only protocol version currently spoken.
const ProtocolV1 = "1.0"

var kinds = map[Kind]struct{}{
	KindText: {}, KindCommand: {}, KindResponse: {}, KindError: {},
	KindStop: {}, KindSystem: {}, KindPing: {}, KindCooldown: {},
	KindRequestCollaboration: {}, KindResponseCollaboration: {},
	KindCapabilityRequest: {}, KindCapabilityResponse: {},
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Metadata carries the typed optional fields of a message plus a free-form
// map for extensions. RequestID correlates directed request/response pairs;
// CollaborationChain is the ordered list of agents already on the call
// stack of a collaboration request and is maintained by the hub alone.
type Metadata struct {
	RequestID          string            `json:"requestId,omitempty"`
	CollaborationChain []string          `json:"collaborationChain,omitempty"`
	Custom             map[string]string `json:"custom,omitempty"`
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := Metadata{RequestID: m.RequestID}
	if len(m.CollaborationChain) > 0 {
		out.CollaborationChain = append([]string(nil), m.CollaborationChain...)
	}
	if len(m.Custom) > 0 {
		out.Custom = make(map[string]string, len(m.Custom))
		for k, v := range m.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// ErrUnsigned is returned when a signature-dependent operation runs on an
// unsigned message.
var ErrUnsigned = errors.New("message: not signed")

// Message is the envelope routed through the hub. It is created by the
// sender, signed once, and never mutated afterwards; the hub delivers
// annotated copies when it needs to amend metadata.
type Message struct {
	ID              string    `json:"id"`
	SenderID        string    `json:"senderId"`
	ReceiverID      string    `json:"receiverId"`
	Content         string    `json:"content"`
	Kind            Kind      `json:"messageType"`
	ProtocolVersion string    `json:"protocolVersion"`
	Timestamp       time.Time `json:"timestamp"`
	Metadata        Metadata  `json:"metadata"`
	Signature       []byte    `json:"signature,omitempty"`
}

// New builds a signed message from sender to receiver.
func New(senderID, receiverID, content string, kind Kind, meta Metadata, signer *identity.AgentIdentity) (*Message, error) {
	msg := &Message{
		ID:              uuid.NewString(),
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Content:         content,
		Kind:            kind,
		ProtocolVersion: ProtocolV1,
		Timestamp:       time.Now().UTC(),
		Metadata:        meta,
	}
	if err := msg.Sign(signer); err != nil {
		return nil, err
	}
	return msg, nil
}

// Canonical returns the deterministic signing input: the envelope with the
// signature removed, keys sorted lexicographically, UTF-8 encoded. Go's
// encoding/json sorts map keys, which gives the sorted-key property.
func (m *Message) Canonical() ([]byte, error) {
	meta := map[string]any{}
	if m.Metadata.RequestID != "" {
		meta["requestId"] = m.Metadata.RequestID
	}
	if len(m.Metadata.CollaborationChain) > 0 {
		meta["collaborationChain"] = m.Metadata.CollaborationChain
	}
	if len(m.Metadata.Custom) > 0 {
		meta["custom"] = m.Metadata.Custom
	}
	body := map[string]any{
		"id":              m.ID,
		"senderId":        m.SenderID,
		"receiverId":      m.ReceiverID,
		"content":         m.Content,
		"messageType":     string(m.Kind),
		"protocolVersion": m.ProtocolVersion,
		"timestamp":       m.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":        meta,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("message: canonicalize: %w", err)
	}
	return data, nil
}

// Sign computes and stores the signature over the canonical form.
func (m *Message) Sign(signer *identity.AgentIdentity) error {
	payload, err := m.Canonical()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify reports whether the stored signature matches the canonical form
// under the sender's public key.
func (m *Message) Verify(sender *identity.AgentIdentity) bool {
	if len(m.Signature) == 0 {
		return false
	}
	payload, err := m.Canonical()
	if err != nil {
		return false
	}
	return sender.Verify(payload, m.Signature)
}

// ConversationID derives the conversation key a receiver should account
// this message under: an explicit custom id when present, the sender
// otherwise.
func (m *Message) ConversationID() string {
	if id := m.Metadata.Custom["conversationId"]; id != "" {
		return id
	}
	return m.SenderID
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	out.Metadata = m.Metadata.Clone()
	if len(m.Signature) > 0 {
		out.Signature = append([]byte(nil), m.Signature...)
	}
	return &out
}
