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

// Package runtime is the per-agent processing loop: it pulls from the
// inbox, applies rate control, hands turns to the reasoning engine, and
// emits replies back through the hub.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/weft-labs/weft/pkg/capability"
	"github.com/weft-labs/weft/pkg/hub"
	"github.com/weft-labs/weft/pkg/identity"
	"github.com/weft-labs/weft/pkg/interaction"
	"github.com/weft-labs/weft/pkg/message"
)

// HubClient is the outbound surface an agent holds. Agents never hold
// the hub itself; the hub owns the agent handles.
type HubClient interface {
	Route(msg *message.Message) error
}

// routeRetries bounds backpressure retries before a send is abandoned.
const routeRetries = 5

// Options configures a Runtime.
type Options struct {
	AgentID      string
	Identity     *identity.AgentIdentity
	Capabilities []capability.Capability

	Mailbox *hub.Mailbox
	Hub     HubClient
	Engine  ReasoningEngine
	Control *interaction.Control

	// Estimator prices turns whose engine reports no token usage. Nil
	// disables the fallback.
	Estimator *interaction.Estimator

	Logger *zap.Logger
}

// Runtime drives one agent. Run owns the loop; all other state is
// internal.
type Runtime struct {
	agentID string
	ident   *identity.AgentIdentity
	caps    []capability.Capability

	mailbox   *hub.Mailbox
	hub       HubClient
	engine    ReasoningEngine
	control   *interaction.Control
	estimator *interaction.Estimator

	// conversations closed by STOP or turn exhaustion; later inbound
	// messages for them are dropped
	closed map[string]struct{}

	logger *zap.Logger
}

// New creates a Runtime. It does not start the loop; call Run.
func New(opts Options) (*Runtime, error) {
	if opts.AgentID == "" || opts.Identity == nil {
		return nil, errors.New("runtime: agent id and identity are required")
	}
	if opts.Mailbox == nil || opts.Hub == nil || opts.Engine == nil || opts.Control == nil {
		return nil, errors.New("runtime: mailbox, hub, engine and control are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		agentID:   opts.AgentID,
		ident:     opts.Identity,
		caps:      opts.Capabilities,
		mailbox:   opts.Mailbox,
		hub:       opts.Hub,
		engine:    opts.Engine,
		control:   opts.Control,
		estimator: opts.Estimator,
		closed:    make(map[string]struct{}),
		logger:    logger.With(zap.String("agent_id", opts.AgentID)),
	}, nil
}

// Run processes the inbox until ctx is canceled or the hub releases the
// mailbox. It always shuts the engine down before returning.
func (r *Runtime) Run(ctx context.Context) error {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.engine.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("engine shutdown failed", zap.Error(err))
		}
	}()

	r.logger.Info("runtime started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runtime stopped", zap.String("reason", "context canceled"))
			return ctx.Err()
		case <-r.mailbox.Done:
			r.logger.Info("runtime stopped", zap.String("reason", "mailbox released"))
			return nil
		case msg := <-r.mailbox.C:
			r.handle(ctx, msg)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, msg *message.Message) {
	if msg == nil {
		return
	}
	if msg.SenderID == hub.HubID {
		r.logger.Warn("hub notification",
			zap.String("kind", string(msg.Kind)),
			zap.String("content", msg.Content))
		return
	}

	conv := msg.ConversationID()
	switch msg.Kind {
	case message.KindStop:
		r.closeConversation(conv)
		return
	case message.KindPing:
		r.reply(msg, "pong", message.KindPing)
		return
	case message.KindCapabilityRequest:
		r.sendCapabilities(msg)
		return
	}

	if _, gone := r.closed[conv]; gone {
		r.logger.Debug("dropping message for closed conversation",
			zap.String("conversation", conv))
		return
	}

	switch r.control.PreCheck(conv) {
	case interaction.Wait:
		r.notifyCooldown(msg)
		r.sleepUntil(ctx, r.control.CooldownUntil())
		return
	case interaction.Stop:
		r.reply(msg, "conversation turn limit reached", message.KindStop)
		r.closeConversation(conv)
		return
	}

	reply, err := r.runEngine(ctx, msg)
	if err != nil {
		r.logger.Error("reasoning engine failed", zap.Error(err))
		r.reply(msg, err.Error(), message.KindError)
		return
	}

	tokens := r.engine.LastTokenUsage()
	if tokens <= 0 && r.estimator != nil {
		tokens = r.estimator.Estimate(msg.Content)
		if reply != nil {
			tokens += r.estimator.Estimate(reply.Content)
		}
	}
	verdict := r.control.Account(tokens, conv)

	if reply != nil {
		if err := r.RouteWithRetry(ctx, reply); err != nil {
			r.logger.Warn("reply delivery failed", zap.Error(err))
		}
	}

	switch verdict {
	case interaction.Stop:
		r.reply(msg, "conversation turn limit reached", message.KindStop)
		r.closeConversation(conv)
	case interaction.Wait:
		r.notifyCooldown(msg)
	}
}

// runEngine isolates engine panics so a misbehaving engine cannot kill
// the loop.
func (r *Runtime) runEngine(ctx context.Context, msg *message.Message) (reply *message.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reply = nil
			err = fmt.Errorf("runtime: engine panic: %v", rec)
		}
	}()
	return r.engine.Handle(ctx, msg)
}

// RouteWithRetry routes, retrying with exponential backoff while the
// receiver's inbox is full. Other routing errors abort immediately.
func (r *Runtime) RouteWithRetry(ctx context.Context, msg *message.Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(func() error {
		err := r.hub.Route(msg)
		if err != nil && !errors.Is(err, hub.ErrBackpressure) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, routeRetries), ctx))
}

func (r *Runtime) closeConversation(conv string) {
	r.closed[conv] = struct{}{}
	r.control.ResetTurns(conv)
	r.logger.Info("conversation closed", zap.String("conversation", conv))
}

func (r *Runtime) reply(inbound *message.Message, content string, kind message.Kind) {
	out, err := message.New(r.agentID, inbound.SenderID, content, kind,
		message.Metadata{RequestID: inbound.Metadata.RequestID}, r.ident)
	if err != nil {
		r.logger.Error("building reply failed", zap.Error(err))
		return
	}
	if err := r.hub.Route(out); err != nil {
		r.logger.Warn("reply delivery failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (r *Runtime) sendCapabilities(inbound *message.Message) {
	payload, err := json.Marshal(r.caps)
	if err != nil {
		r.logger.Error("encoding capabilities failed", zap.Error(err))
		return
	}
	out, err := message.New(r.agentID, inbound.SenderID, string(payload),
		message.KindCapabilityResponse,
		message.Metadata{RequestID: inbound.Metadata.RequestID}, r.ident)
	if err != nil {
		r.logger.Error("building capability response failed", zap.Error(err))
		return
	}
	if err := r.hub.Route(out); err != nil {
		r.logger.Warn("capability response delivery failed", zap.Error(err))
	}
}

// notifyCooldown tells the sender the agent is resting. The hub forwards
// these to human peers only.
func (r *Runtime) notifyCooldown(inbound *message.Message) {
	until := r.control.CooldownUntil()
	out, err := message.New(r.agentID, inbound.SenderID,
		fmt.Sprintf("rate limited until %s", until.UTC().Format(time.RFC3339)),
		message.KindCooldown,
		message.Metadata{RequestID: inbound.Metadata.RequestID}, r.ident)
	if err != nil {
		r.logger.Error("building cooldown notice failed", zap.Error(err))
		return
	}
	if err := r.hub.Route(out); err != nil && !errors.Is(err, hub.ErrUnknownReceiver) {
		r.logger.Debug("cooldown notice not delivered", zap.Error(err))
	}
}

// sleepUntil blocks until the deadline, ctx cancellation, or mailbox
// release. Reports whether the full wait completed.
func (r *Runtime) sleepUntil(ctx context.Context, deadline time.Time) bool {
	if deadline.IsZero() {
		return true
	}
	d := time.Until(deadline)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-r.mailbox.Done:
		return false
	}
}
