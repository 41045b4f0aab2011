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

// Package hub is the single point all inter-agent messages flow through.
// It authenticates, routes, correlates request/response pairs, and
// notifies observers; it never synthesizes conversational content.
package hub

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weft-labs/weft/pkg/message"
	"github.com/weft-labs/weft/pkg/observability"
	"github.com/weft-labs/weft/pkg/registry"
)

// HubID is the sender id on hub-synthesized ERROR notifications. It is
// reserved; agents cannot register under it.
const HubID = "weft.hub"

// Defaults applied where Options leaves a field zero.
const (
	DefaultInboxCapacity     = 128
	DefaultRetention         = 15 * time.Minute
	DefaultTimeoutPartnerTTL = 10 * time.Minute
	DefaultHistoryLimit      = 1000

	janitorInterval = time.Minute
	interceptQueue  = 256
)

// Interceptor observes routed messages. Interceptors must not mutate the
// message; errors are reported to the sink and logged, never propagated.
type Interceptor func(msg *message.Message) error

type namedInterceptor struct {
	name string
	fn   Interceptor
}

type interceptJob struct {
	msg          *message.Message
	interceptors []namedInterceptor
}

var (
	peerProtocol   = message.NewSimplePeerProtocol()
	collabProtocol = message.NewCollaborationProtocol()
)

// protocolFor selects the envelope validator applied before routing.
func protocolFor(kind message.Kind) message.Protocol {
	switch kind {
	case message.KindRequestCollaboration, message.KindResponseCollaboration:
		return collabProtocol
	default:
		return peerProtocol
	}
}

// Mailbox is an agent's receive side of the fabric. C delivers inbound
// messages in per-sender FIFO order; Done is closed when the agent is
// deregistered or the hub stops.
type Mailbox struct {
	C    <-chan *message.Message
	Done <-chan struct{}
}

type agentHandle struct {
	id    string
	inbox chan *message.Message
	done  chan struct{}
}

// Options configures a Hub.
type Options struct {
	Registry *registry.Registry

	// InboxCapacity bounds each agent inbox (default 128).
	InboxCapacity int

	// Retention keeps closed pending requests polled via CheckLateResult
	// (default 15 minutes).
	Retention time.Duration

	// TimeoutPartnerTTL is how long a timed-out partner stays excluded
	// from a requester's discovery results (default 10 minutes).
	TimeoutPartnerTTL time.Duration

	// HistoryLimit bounds the in-memory routed-message buffer
	// (default 1000). There is no persisted message log.
	HistoryLimit int

	Sink   observability.Sink
	Logger *zap.Logger
}

// Hub routes messages between registered agents.
type Hub struct {
	mu     sync.RWMutex
	agents map[string]*agentHandle
	closed bool

	registry *registry.Registry
	pendings *pendingTable

	imu         sync.RWMutex
	nextHandle  int
	global      map[int]namedInterceptor
	perAgent    map[string]map[int]namedInterceptor
	interceptCh chan interceptJob

	tmu             sync.Mutex
	timeoutPartners map[string]map[string]time.Time

	cmu    sync.Mutex
	chains map[string]*chainRecord

	hmu          sync.Mutex
	history      []*message.Message
	historyNext  int
	historyLimit int

	inboxCap   int
	retention  time.Duration
	partnerTTL time.Duration

	sink   observability.Sink
	logger *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Hub and starts its background workers (interceptor
// dispatcher and pending-request janitor).
func New(opts Options) *Hub {
	if opts.Registry == nil {
		opts.Registry = registry.New(registry.Options{Logger: opts.Logger})
	}
	if opts.InboxCapacity <= 0 {
		opts.InboxCapacity = DefaultInboxCapacity
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.TimeoutPartnerTTL <= 0 {
		opts.TimeoutPartnerTTL = DefaultTimeoutPartnerTTL
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Sink == nil {
		opts.Sink = observability.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	h := &Hub{
		agents:          make(map[string]*agentHandle),
		registry:        opts.Registry,
		pendings:        newPendingTable(),
		global:          make(map[int]namedInterceptor),
		perAgent:        make(map[string]map[int]namedInterceptor),
		interceptCh:     make(chan interceptJob, interceptQueue),
		timeoutPartners: make(map[string]map[string]time.Time),
		chains:          make(map[string]*chainRecord),
		historyLimit:    opts.HistoryLimit,
		inboxCap:        opts.InboxCapacity,
		retention:       opts.Retention,
		partnerTTL:      opts.TimeoutPartnerTTL,
		sink:            opts.Sink,
		logger:          opts.Logger,
		stopCh:          make(chan struct{}),
	}

	h.wg.Add(2)
	go h.interceptWorker()
	go h.janitor()
	return h
}

// Registry exposes the directory backing this hub.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Register records the agent in the registry and wires its inbox.
// inboxCapacity of zero selects the hub default.
func (h *Hub) Register(reg *registry.Registration, inboxCapacity int) (*Mailbox, error) {
	if reg != nil && reg.AgentID == HubID {
		return nil, fmt.Errorf("hub: agent id %q is reserved", HubID)
	}
	if inboxCapacity <= 0 {
		inboxCapacity = h.inboxCap
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubShutdown
	}
	if err := h.registry.Register(reg); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	handle := &agentHandle{
		id:    reg.AgentID,
		inbox: make(chan *message.Message, inboxCapacity),
		done:  make(chan struct{}),
	}
	h.agents[reg.AgentID] = handle
	h.mu.Unlock()

	return &Mailbox{C: handle.inbox, Done: handle.done}, nil
}

// Deregister removes the agent. Its queued messages are bounced back to
// their senders as ERROR notifications, and its open requests are
// canceled. Idempotent.
func (h *Hub) Deregister(agentID string) error {
	h.mu.Lock()
	handle, ok := h.agents[agentID]
	if ok {
		delete(h.agents, agentID)
	}
	h.mu.Unlock()

	if ok {
		close(handle.done)
		now := time.Now()
		h.pendings.cancelAll(agentID, now)
		// Waiters still blocked on this agent give up immediately instead
		// of running out their timeouts.
		h.pendings.failAll(agentID, now)
		for {
			select {
			case queued := <-handle.inbox:
				h.notifyError(queued.SenderID, queued.Metadata.RequestID, ErrAgentShuttingDown)
			default:
				return h.registry.Unregister(agentID)
			}
		}
	}
	return h.registry.Unregister(agentID)
}

// Route authenticates and delivers a message. It is synchronous up to
// the inbox enqueue; delivery to the receiving runtime is asynchronous.
func (h *Hub) Route(msg *message.Message) error {
	if msg == nil {
		return fmt.Errorf("hub: nil message")
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubShutdown
	}
	receiver, ok := h.agents[msg.ReceiverID]
	h.mu.RUnlock()
	if !ok {
		h.notifyError(msg.SenderID, msg.Metadata.RequestID, ErrUnknownReceiver)
		return fmt.Errorf("%w: %s", ErrUnknownReceiver, msg.ReceiverID)
	}

	if err := protocolFor(msg.Kind).Validate(msg); err != nil {
		h.notifyError(msg.SenderID, msg.Metadata.RequestID, err)
		return err
	}

	senderReg, ok := h.registry.Get(msg.SenderID)
	if !ok || !msg.Verify(senderReg.Identity) {
		h.logger.Warn("dropping message that failed authentication",
			zap.String("message_id", msg.ID),
			zap.String("sender", msg.SenderID))
		h.notifyError(msg.SenderID, msg.Metadata.RequestID, ErrAuthenticationFailure)
		return ErrAuthenticationFailure
	}

	delivered := msg
	if msg.Kind == message.KindRequestCollaboration {
		if !h.chainMatchesInherited(msg) {
			h.notifyError(msg.SenderID, msg.Metadata.RequestID, ErrChainTampered)
			return fmt.Errorf("%w: request %s from %s", ErrChainTampered, msg.Metadata.RequestID, msg.SenderID)
		}
		for _, id := range msg.Metadata.CollaborationChain {
			if id == msg.ReceiverID {
				h.notifyError(msg.SenderID, msg.Metadata.RequestID, ErrCollaborationLoop)
				return fmt.Errorf("%w: %s already in chain", ErrCollaborationLoop, msg.ReceiverID)
			}
		}
		// The hub is the sole authority appending to the chain; the
		// signature covers the pre-annotation metadata.
		delivered = msg.Clone()
		if !slices.Contains(delivered.Metadata.CollaborationChain, msg.SenderID) {
			delivered.Metadata.CollaborationChain = append(delivered.Metadata.CollaborationChain, msg.SenderID)
		}
	}

	// Cooldown notices are informational and only meaningful to humans.
	if msg.Kind == message.KindCooldown {
		if recvReg, ok := h.registry.Get(msg.ReceiverID); ok && recvReg.AgentType != registry.AgentTypeHuman {
			// Dropped by policy, but the sender still showed activity.
			h.registry.Touch(msg.SenderID)
			h.logger.Debug("dropping cooldown notice to non-human agent",
				zap.String("receiver", msg.ReceiverID))
			return nil
		}
	}

	if err := h.enqueue(receiver, delivered); err != nil {
		h.logger.Warn("inbox full, applying backpressure",
			zap.String("receiver", msg.ReceiverID),
			zap.String("message_id", msg.ID))
		return err
	}

	if delivered.Kind == message.KindRequestCollaboration {
		h.recordInheritedChain(delivered.Metadata.RequestID, delivered.ReceiverID, delivered.Metadata.CollaborationChain)
	}
	h.registry.Touch(msg.SenderID)
	h.sink.OnRouted(msg.SenderID, msg.ReceiverID, string(msg.Kind))
	h.record(delivered)
	h.dispatchInterceptors(delivered)
	h.completePending(msg)
	return nil
}

// enqueue delivers under the read lock so Stop can guarantee no inbox
// writes happen after it returns. The send never blocks.
func (h *Hub) enqueue(receiver *agentHandle, msg *message.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubShutdown
	}
	if _, still := h.agents[receiver.id]; !still {
		return fmt.Errorf("%w: %s", ErrUnknownReceiver, receiver.id)
	}
	select {
	case receiver.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBackpressure, receiver.id)
	}
}

// completePending closes or parks the waiter for a correlated response.
func (h *Hub) completePending(msg *message.Message) {
	requestID := msg.Metadata.RequestID
	if requestID == "" {
		return
	}
	switch msg.Kind {
	case message.KindResponse, message.KindResponseCollaboration, message.KindError:
	default:
		return
	}
	p, ok := h.pendings.get(requestID)
	if !ok || p.requesterID != msg.ReceiverID {
		return
	}
	now := time.Now()
	if p.complete(msg, now) {
		return
	}
	if p.late(msg, now) {
		h.sink.OnLateResponse(requestID)
		h.logger.Info("late response parked",
			zap.String("request_id", requestID),
			zap.String("responder", msg.SenderID))
	}
}

// SendAndWait routes a directed request and blocks until a correlated
// response arrives, the timeout elapses, or ctx is canceled. The request
// id is returned in all cases so a timed-out caller can poll
// CheckLateResult later.
func (h *Hub) SendAndWait(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, string, error) {
	if msg == nil || msg.Metadata.RequestID == "" {
		return nil, "", ErrMissingRequestID
	}
	requestID := msg.Metadata.RequestID
	now := time.Now()

	p, err := h.pendings.create(requestID, msg.SenderID, msg.ReceiverID, now.Add(timeout))
	if err != nil {
		return nil, requestID, err
	}

	if err := h.Route(msg); err != nil {
		p.fail(time.Now())
		return nil, requestID, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return h.settle(p, requestID)
	case <-timer.C:
		if p.timeout(time.Now()) {
			h.recordTimeoutPartner(msg.SenderID, msg.ReceiverID)
			return nil, requestID, fmt.Errorf("%w: request %s after %s", ErrTimeout, requestID, timeout)
		}
		return h.settle(p, requestID)
	case <-ctx.Done():
		if p.cancel(time.Now()) {
			return nil, requestID, ctx.Err()
		}
		return h.settle(p, requestID)
	case <-h.stopCh:
		p.cancel(time.Now())
		return nil, requestID, ErrHubShutdown
	}
}

func (h *Hub) settle(p *pendingRequest, requestID string) (*message.Message, string, error) {
	snap := p.snapshot()
	switch snap.Status {
	case StatusCompleted:
		return snap.Response, requestID, nil
	case StatusCanceled:
		return nil, requestID, ErrRequestCanceled
	case StatusFailed:
		return nil, requestID, fmt.Errorf("%w: %s", ErrAgentShuttingDown, p.targetID)
	case StatusTimedOut, StatusLateReceived:
		return nil, requestID, ErrTimeout
	default:
		return nil, requestID, fmt.Errorf("hub: request %s closed as %s", requestID, snap.Status)
	}
}

// CheckLateResult polls a tracked request within the retention window.
func (h *Hub) CheckLateResult(requestID string) (Result, error) {
	p, ok := h.pendings.get(requestID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return p.snapshot(), nil
}

// AddGlobalInterceptor observes every routed message. The returned handle
// removes it.
func (h *Hub) AddGlobalInterceptor(name string, fn Interceptor) int {
	h.imu.Lock()
	defer h.imu.Unlock()
	h.nextHandle++
	h.global[h.nextHandle] = namedInterceptor{name: name, fn: fn}
	return h.nextHandle
}

// RemoveGlobalInterceptor removes a handle returned by
// AddGlobalInterceptor. Unknown handles are a no-op.
func (h *Hub) RemoveGlobalInterceptor(handle int) {
	h.imu.Lock()
	delete(h.global, handle)
	h.imu.Unlock()
}

// AddAgentInterceptor observes messages delivered to one agent.
func (h *Hub) AddAgentInterceptor(agentID, name string, fn Interceptor) int {
	h.imu.Lock()
	defer h.imu.Unlock()
	h.nextHandle++
	m, ok := h.perAgent[agentID]
	if !ok {
		m = make(map[int]namedInterceptor)
		h.perAgent[agentID] = m
	}
	m[h.nextHandle] = namedInterceptor{name: name, fn: fn}
	return h.nextHandle
}

// RemoveAgentInterceptor removes a handle returned by AddAgentInterceptor.
func (h *Hub) RemoveAgentInterceptor(agentID string, handle int) {
	h.imu.Lock()
	defer h.imu.Unlock()
	if m, ok := h.perAgent[agentID]; ok {
		delete(m, handle)
		if len(m) == 0 {
			delete(h.perAgent, agentID)
		}
	}
}

// dispatchInterceptors hands the message to the interceptor worker. The
// routing path never blocks on observers; if the queue is full the
// observation is dropped with a log line.
func (h *Hub) dispatchInterceptors(msg *message.Message) {
	h.imu.RLock()
	interceptors := make([]namedInterceptor, 0, len(h.global)+len(h.perAgent[msg.ReceiverID]))
	for _, ni := range h.global {
		interceptors = append(interceptors, ni)
	}
	for _, ni := range h.perAgent[msg.ReceiverID] {
		interceptors = append(interceptors, ni)
	}
	h.imu.RUnlock()
	if len(interceptors) == 0 {
		return
	}

	select {
	case h.interceptCh <- interceptJob{msg: msg, interceptors: interceptors}:
	default:
		h.logger.Warn("interceptor queue full, dropping observation",
			zap.String("message_id", msg.ID))
	}
}

func (h *Hub) interceptWorker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.interceptCh:
			for _, ni := range job.interceptors {
				if err := ni.fn(job.msg); err != nil {
					h.sink.OnInterceptorError(ni.name, err)
					h.logger.Warn("interceptor error",
						zap.String("interceptor", ni.name),
						zap.Error(err))
				}
			}
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) janitor() {
	defer h.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := h.pendings.sweep(now, h.retention); n > 0 {
				h.logger.Debug("evicted expired pending requests", zap.Int("count", n))
			}
			h.sweepTimeoutPartners(now)
			h.sweepChains(now)
		case <-h.stopCh:
			return
		}
	}
}

// chainRecord remembers, per collaboration request id, the chain each
// receiver inherited on delivery. A forwarder must resend exactly the
// chain it was handed.
type chainRecord struct {
	inherited map[string][]string
	expires   time.Time
}

// chainMatchesInherited verifies the sender did not rewrite its inherited
// chain prefix. Senders the hub has not delivered this request to are
// trusted; they originate their own chain.
func (h *Hub) chainMatchesInherited(msg *message.Message) bool {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	rec, ok := h.chains[msg.Metadata.RequestID]
	if !ok {
		return true
	}
	expected, seen := rec.inherited[msg.SenderID]
	if !seen {
		return true
	}
	return slices.Equal(msg.Metadata.CollaborationChain, expected)
}

func (h *Hub) recordInheritedChain(requestID, receiverID string, chain []string) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	rec, ok := h.chains[requestID]
	if !ok {
		rec = &chainRecord{inherited: make(map[string][]string)}
		h.chains[requestID] = rec
	}
	rec.inherited[receiverID] = slices.Clone(chain)
	rec.expires = time.Now().Add(h.retention)
}

func (h *Hub) sweepChains(now time.Time) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	for requestID, rec := range h.chains {
		if !now.Before(rec.expires) {
			delete(h.chains, requestID)
		}
	}
}

func (h *Hub) recordTimeoutPartner(requesterID, partnerID string) {
	h.tmu.Lock()
	defer h.tmu.Unlock()
	m, ok := h.timeoutPartners[requesterID]
	if !ok {
		m = make(map[string]time.Time)
		h.timeoutPartners[requesterID] = m
	}
	m[partnerID] = time.Now().Add(h.partnerTTL)
}

// TimeoutPartners returns the agents the requester recently timed out
// against. Discovery uses this to steer the requester elsewhere.
func (h *Hub) TimeoutPartners(requesterID string) []string {
	now := time.Now()
	h.tmu.Lock()
	defer h.tmu.Unlock()
	var out []string
	for partner, expiry := range h.timeoutPartners[requesterID] {
		if now.Before(expiry) {
			out = append(out, partner)
		} else {
			delete(h.timeoutPartners[requesterID], partner)
		}
	}
	return out
}

func (h *Hub) sweepTimeoutPartners(now time.Time) {
	h.tmu.Lock()
	defer h.tmu.Unlock()
	for requester, partners := range h.timeoutPartners {
		for partner, expiry := range partners {
			if !now.Before(expiry) {
				delete(partners, partner)
			}
		}
		if len(partners) == 0 {
			delete(h.timeoutPartners, requester)
		}
	}
}

// ListAgents forwards to the registry.
func (h *Hub) ListAgents() []*registry.Registration {
	return h.registry.List()
}

// FindByCapability forwards an exact-name lookup to the registry.
func (h *Hub) FindByCapability(name string) []*registry.Registration {
	return h.registry.ByCapability(name)
}

// FindByDescription runs a semantic capability search on behalf of
// requesterID, excluding agents the requester recently timed out against.
func (h *Hub) FindByDescription(requesterID, query string, opts registry.DiscoveryOptions) ([]registry.ScoredRegistration, error) {
	opts.RequesterID = requesterID
	opts.Exclude = append(opts.Exclude, h.TimeoutPartners(requesterID)...)
	return h.registry.ByCapabilityDescription(query, opts)
}

// record appends to the bounded in-memory history ring.
func (h *Hub) record(msg *message.Message) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	if len(h.history) < h.historyLimit {
		h.history = append(h.history, msg)
		return
	}
	h.history[h.historyNext] = msg
	h.historyNext = (h.historyNext + 1) % h.historyLimit
}

// History returns the retained routed messages, oldest first.
func (h *Hub) History() []*message.Message {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	out := make([]*message.Message, 0, len(h.history))
	out = append(out, h.history[h.historyNext:]...)
	out = append(out, h.history[:h.historyNext]...)
	return out
}

// notifyError delivers an unsigned hub-synthesized ERROR notification to
// the agent, best effort.
func (h *Hub) notifyError(agentID, requestID string, cause error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.agents[agentID]
	if !ok || h.closed {
		return
	}
	notice := &message.Message{
		ID:              uuid.NewString(),
		SenderID:        HubID,
		ReceiverID:      agentID,
		Content:         cause.Error(),
		Kind:            message.KindError,
		ProtocolVersion: message.ProtocolV1,
		Timestamp:       time.Now().UTC(),
		Metadata:        message.Metadata{RequestID: requestID},
	}
	select {
	case handle.inbox <- notice:
	default:
		h.logger.Warn("dropping error notification, inbox full",
			zap.String("receiver", agentID))
	}
}

// Stop shuts the hub down: no new registrations or routes are accepted,
// every outstanding SendAndWait returns, agent mailboxes are closed via
// their Done channels, and the background workers are joined within the
// ctx grace period.
func (h *Hub) Stop(ctx context.Context) error {
	var handles []*agentHandle
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		for _, handle := range h.agents {
			handles = append(handles, handle)
		}
		h.agents = make(map[string]*agentHandle)
		h.mu.Unlock()

		close(h.stopCh)
		h.pendings.cancelAll("", time.Now())
		for _, handle := range handles {
			close(handle.done)
		}
	})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
