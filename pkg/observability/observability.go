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

// Package observability defines the event sink the hub and rate
// controller report into, with zap and Prometheus implementations.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Sink receives fabric-level events. Implementations must be safe for
// concurrent use and must not block; sinks are called on hot paths.
type Sink interface {
	// OnRouted fires after a message is placed in a receiver's inbox.
	OnRouted(senderID, receiverID, kind string)

	// OnInterceptorError fires when a message interceptor returns an error.
	// Interceptor errors are observational only and never block delivery.
	OnInterceptorError(name string, err error)

	// OnCooldown fires when an agent is placed in a rate-limit cooldown.
	OnCooldown(agentID string, window string)

	// OnLateResponse fires when a response arrives for an already
	// timed-out request and is parked for later retrieval.
	OnLateResponse(requestID string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnRouted(string, string, string)  {}
func (NopSink) OnInterceptorError(string, error) {}
func (NopSink) OnCooldown(string, string)        {}
func (NopSink) OnLateResponse(string)            {}

// ZapSink logs events at debug/warn level.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps a logger as a Sink. A nil logger discards events.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

func (z *ZapSink) OnRouted(senderID, receiverID, kind string) {
	z.logger.Debug("message routed",
		zap.String("sender", senderID),
		zap.String("receiver", receiverID),
		zap.String("kind", kind))
}

func (z *ZapSink) OnInterceptorError(name string, err error) {
	z.logger.Warn("interceptor error", zap.String("interceptor", name), zap.Error(err))
}

func (z *ZapSink) OnCooldown(agentID, window string) {
	z.logger.Info("agent cooldown", zap.String("agent_id", agentID), zap.String("window", window))
}

func (z *ZapSink) OnLateResponse(requestID string) {
	z.logger.Info("late response parked", zap.String("request_id", requestID))
}

// PrometheusSink exports events as Prometheus counters.
type PrometheusSink struct {
	routed            *prometheus.CounterVec
	interceptorErrors *prometheus.CounterVec
	cooldowns         *prometheus.CounterVec
	lateResponses     prometheus.Counter
}

// NewPrometheusSink creates a sink registered on reg. A nil registerer
// uses the default one.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_hub_routed_total",
			Help: "Messages routed by the hub, by message kind.",
		}, []string{"kind"}),
		interceptorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_hub_interceptor_errors_total",
			Help: "Errors returned by message interceptors.",
		}, []string{"interceptor"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_agent_cooldowns_total",
			Help: "Rate-limit cooldowns entered by agents, by window.",
		}, []string{"window"}),
		lateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_hub_late_responses_total",
			Help: "Responses that arrived after their request timed out.",
		}),
	}
	reg.MustRegister(s.routed, s.interceptorErrors, s.cooldowns, s.lateResponses)
	return s
}

func (p *PrometheusSink) OnRouted(_, _, kind string) {
	p.routed.WithLabelValues(kind).Inc()
}

func (p *PrometheusSink) OnInterceptorError(name string, _ error) {
	p.interceptorErrors.WithLabelValues(name).Inc()
}

func (p *PrometheusSink) OnCooldown(_, window string) {
	p.cooldowns.WithLabelValues(window).Inc()
}

func (p *PrometheusSink) OnLateResponse(string) {
	p.lateResponses.Inc()
}

// Fanout dispatches every event to each member sink.
type Fanout []Sink

func (f Fanout) OnRouted(senderID, receiverID, kind string) {
	for _, s := range f {
		s.OnRouted(senderID, receiverID, kind)
	}
}

func (f Fanout) OnInterceptorError(name string, err error) {
	for _, s := range f {
		s.OnInterceptorError(name, err)
	}
}

func (f Fanout) OnCooldown(agentID, window string) {
	for _, s := range f {
		s.OnCooldown(agentID, window)
	}
}

func (f Fanout) OnLateResponse(requestID string) {
	for _, s := range f {
		s.OnLateResponse(requestID)
	}
}
