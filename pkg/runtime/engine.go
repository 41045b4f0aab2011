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
package runtime

import (
	"context"
	"sync"

	"github.com/weft-labs/weft/pkg/identity"
	"github.com/weft-labs/weft/pkg/message"
)

// ReasoningEngine produces replies to inbound messages. Implementations
// own their internal state; the fabric only calls the three methods
// below. Handle must honor ctx cancellation, it is interrupted when the
// agent stops.
type ReasoningEngine interface {
	// Handle processes one message and optionally returns a reply. A nil
	// reply with a nil error means the message needs no answer.
	Handle(ctx context.Context, msg *message.Message) (*message.Message, error)

	// LastTokenUsage reports the token cost of the most recent Handle
	// call, zero when unknown.
	LastTokenUsage() int

	// Shutdown releases engine resources.
	Shutdown(ctx context.Context) error
}

// EchoEngine replies to every message with its own content. Used in the
// demo and in tests.
type EchoEngine struct {
	agentID string
	ident   *identity.AgentIdentity

	mu         sync.Mutex
	lastTokens int
}

// NewEchoEngine creates an engine replying as agentID, signing with ident.
func NewEchoEngine(agentID string, ident *identity.AgentIdentity) *EchoEngine {
	return &EchoEngine{agentID: agentID, ident: ident}
}

func (e *EchoEngine) Handle(_ context.Context, msg *message.Message) (*message.Message, error) {
	reply, err := message.New(e.agentID, msg.SenderID, msg.Content, message.KindResponse,
		message.Metadata{RequestID: msg.Metadata.RequestID}, e.ident)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lastTokens = (len(msg.Content) + len(reply.Content)) / 4
	e.mu.Unlock()
	return reply, nil
}

func (e *EchoEngine) LastTokenUsage() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTokens
}

func (e *EchoEngine) Shutdown(context.Context) error { return nil }
