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

// Package interaction throttles an agent's processing: token-bucket rate
// limits per minute and hour, cooldown windows, and per-conversation turn
// caps.
package interaction

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weft-labs/weft/pkg/observability"
)

// Verdict tells the runtime what to do with the next turn.
type Verdict int

// Verdicts.
const (
	// Continue processes the turn normally.
	Continue Verdict = iota

	// Wait means a rate limit tripped; sleep until the cooldown ends.
	Wait

	// Stop means the conversation exhausted its turn budget and must be
	// closed with a STOP message.
	Stop
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "CONTINUE"
	case Wait:
		return "WAIT"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Window names reported to cooldown listeners and the sink.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
)

// Limits configures a Control. Zero values select the defaults.
type Limits struct {
	TokensPerMinute int
	TokensPerHour   int
	MaxTurns        int
}

// Default limits, applied where Limits leaves a field zero.
const (
	DefaultTokensPerMinute = 5500
	DefaultTokensPerHour   = 100000
	DefaultMaxTurns        = 20
)

func (l Limits) withDefaults() Limits {
	if l.TokensPerMinute <= 0 {
		l.TokensPerMinute = DefaultTokensPerMinute
	}
	if l.TokensPerHour <= 0 {
		l.TokensPerHour = DefaultTokensPerHour
	}
	if l.MaxTurns <= 0 {
		l.MaxTurns = DefaultMaxTurns
	}
	return l
}

// tokenWindow is a fixed window that resets once its duration elapses.
// Counters are monotonic within the window.
type tokenWindow struct {
	name   string
	limit  int
	period time.Duration
	used   int
	start  time.Time
}

// account adds n tokens at time now and reports whether the window
// overflowed, along with the time left until it resets.
func (w *tokenWindow) account(n int, now time.Time) (overflow bool, remaining time.Duration) {
	if now.Sub(w.start) >= w.period {
		w.used = 0
		w.start = now
	}
	w.used += n
	if w.used > w.limit {
		return true, w.start.Add(w.period).Sub(now)
	}
	return false, 0
}

// ConversationStats is the per-conversation accounting snapshot.
type ConversationStats struct {
	Turns        int
	Tokens       int
	LastActivity time.Time
}

// CooldownListener is invoked when a cooldown starts. Listeners run on
// the accounting path and must return quickly.
type CooldownListener func(agentID, window string, until time.Time)

// Control is the per-agent rate controller. Safe for concurrent use.
type Control struct {
	mu sync.Mutex

	agentID string
	limits  Limits

	minute tokenWindow
	hour   tokenWindow

	cooldownUntil time.Time
	conversations map[string]*ConversationStats

	listeners []CooldownListener
	sink      observability.Sink
	logger    *zap.Logger

	now func() time.Time
}

// NewControl creates a rate controller for one agent.
func NewControl(agentID string, limits Limits, sink observability.Sink, logger *zap.Logger) *Control {
	if sink == nil {
		sink = observability.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limits = limits.withDefaults()
	now := time.Now()
	return &Control{
		agentID:       agentID,
		limits:        limits,
		minute:        tokenWindow{name: WindowMinute, limit: limits.TokensPerMinute, period: time.Minute, start: now},
		hour:          tokenWindow{name: WindowHour, limit: limits.TokensPerHour, period: time.Hour, start: now},
		conversations: make(map[string]*ConversationStats),
		sink:          sink,
		logger:        logger,
		now:           time.Now,
	}
}

// PreCheck is called before a turn is processed. It does not consume any
// budget; it only reports the current state.
func (c *Control) PreCheck(conversationID string) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Before(c.cooldownUntil) {
		return Wait
	}
	if stats, ok := c.conversations[conversationID]; ok && stats.Turns >= c.limits.MaxTurns {
		return Stop
	}
	return Continue
}

// Account records one completed turn: tokens land in both windows and the
// conversation's turn counter advances. Overflowing either window starts
// a cooldown for the remainder of that window and returns Wait; an
// exhausted turn budget returns Stop.
func (c *Control) Account(tokens int, conversationID string) Verdict {
	c.mu.Lock()

	now := c.now()
	stats, ok := c.conversations[conversationID]
	if !ok {
		stats = &ConversationStats{}
		c.conversations[conversationID] = stats
	}
	stats.Turns++
	stats.Tokens += tokens
	stats.LastActivity = now

	window := ""
	var remaining time.Duration
	if over, left := c.minute.account(tokens, now); over {
		window, remaining = WindowMinute, left
	}
	if over, left := c.hour.account(tokens, now); over && left > remaining {
		window, remaining = WindowHour, left
	}

	if window != "" {
		c.cooldownUntil = now.Add(remaining)
		until := c.cooldownUntil
		listeners := append([]CooldownListener(nil), c.listeners...)
		c.mu.Unlock()

		c.logger.Info("rate limit tripped",
			zap.String("agent_id", c.agentID),
			zap.String("window", window),
			zap.Time("until", until))
		c.sink.OnCooldown(c.agentID, window)
		for _, fn := range listeners {
			fn(c.agentID, window, until)
		}
		return Wait
	}

	stop := stats.Turns >= c.limits.MaxTurns
	c.mu.Unlock()
	if stop {
		return Stop
	}
	return Continue
}

// CooldownUntil returns the end of the active cooldown, or the zero time.
func (c *Control) CooldownUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Before(c.cooldownUntil) {
		return c.cooldownUntil
	}
	return time.Time{}
}

// Stats returns a copy of the conversation's accounting, if any.
func (c *Control) Stats(conversationID string) (ConversationStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats, ok := c.conversations[conversationID]
	if !ok {
		return ConversationStats{}, false
	}
	return *stats, true
}

// ResetTurns clears a conversation's counters, e.g. after a STOP closes
// it. Unknown conversations are a no-op.
func (c *Control) ResetTurns(conversationID string) {
	c.mu.Lock()
	delete(c.conversations, conversationID)
	c.mu.Unlock()
}

// OnCooldown registers a listener for cooldown starts.
func (c *Control) OnCooldown(fn CooldownListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}
