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
	"errors"
	"fmt"
)

// CapabilityKey is the Metadata.Custom key naming the capability a
// collaboration request is addressed to.
const CapabilityKey = "capability"

// Validation errors shared by the protocol validators.
var (
	ErrMissingEnvelopeField = errors.New("message: missing envelope field")
	ErrUnknownKind          = errors.New("message: unknown message type")
	ErrUnsupportedVersion   = errors.New("message: unsupported protocol version")
	ErrSelfAddressed        = errors.New("message: sender and receiver are the same agent")
	ErrMissingRequestID     = errors.New("message: collaboration message requires a request id")
	ErrMissingCapability    = errors.New("message: collaboration request requires a capability name")
)

// Protocol validates a message envelope before the hub routes it.
type Protocol interface {
	Validate(msg *Message) error
}

// SimplePeerProtocol validates arbitrary peer messages: envelope fields,
// kind, version, and signature presence. Signature correctness is checked
// by the hub against the sender's registered key.
type SimplePeerProtocol struct{}

// NewSimplePeerProtocol returns the stateless peer validator.
func NewSimplePeerProtocol() *SimplePeerProtocol {
	return &SimplePeerProtocol{}
}

// Validate implements Protocol.
func (p *SimplePeerProtocol) Validate(msg *Message) error {
	switch {
	case msg == nil:
		return fmt.Errorf("%w: nil message", ErrMissingEnvelopeField)
	case msg.ID == "":
		return fmt.Errorf("%w: id", ErrMissingEnvelopeField)
	case msg.SenderID == "":
		return fmt.Errorf("%w: senderId", ErrMissingEnvelopeField)
	case msg.ReceiverID == "":
		return fmt.Errorf("%w: receiverId", ErrMissingEnvelopeField)
	case msg.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp", ErrMissingEnvelopeField)
	}
	if msg.SenderID == msg.ReceiverID {
		return ErrSelfAddressed
	}
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	if msg.ProtocolVersion != ProtocolV1 {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, msg.ProtocolVersion)
	}
	if len(msg.Signature) == 0 {
		return ErrUnsigned
	}
	return nil
}

// CollaborationProtocol extends the peer protocol with the correlation
// rules of the collaboration state machine: requests carry a request id and
// a target capability, responses echo the request id.
type CollaborationProtocol struct {
	peer SimplePeerProtocol
}

// NewCollaborationProtocol returns the stateless collaboration validator.
func NewCollaborationProtocol() *CollaborationProtocol {
	return &CollaborationProtocol{}
}

// Validate implements Protocol.
func (p *CollaborationProtocol) Validate(msg *Message) error {
	if err := p.peer.Validate(msg); err != nil {
		return err
	}
	switch msg.Kind {
	case KindRequestCollaboration:
		if msg.Metadata.RequestID == "" {
			return ErrMissingRequestID
		}
		if msg.Metadata.Custom[CapabilityKey] == "" {
			return ErrMissingCapability
		}
	case KindResponseCollaboration:
		if msg.Metadata.RequestID == "" {
			return ErrMissingRequestID
		}
	}
	return nil
}
