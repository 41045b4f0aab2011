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
package interaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClock drives a Control's notion of time in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testControl(t *testing.T, limits Limits) (*Control, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := NewControl("a", limits, nil, zaptest.NewLogger(t))
	c.now = clock.Now
	c.minute.start = clock.Now()
	c.hour.start = clock.Now()
	return c, clock
}

func TestAccountWithinLimits(t *testing.T) {
	c, _ := testControl(t, Limits{TokensPerMinute: 100, TokensPerHour: 1000, MaxTurns: 10})

	assert.Equal(t, Continue, c.Account(30, "conv"))
	assert.Equal(t, Continue, c.Account(30, "conv"))
	assert.Equal(t, Continue, c.PreCheck("conv"))

	stats, ok := c.Stats("conv")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Turns)
	assert.Equal(t, 60, stats.Tokens)
}

func TestMinuteLimitReplenishes(t *testing.T) {
	c, clock := testControl(t, Limits{TokensPerMinute: 100, TokensPerHour: 100000, MaxTurns: 100})

	// Limit L reached at tick T: the next Account within the minute waits.
	assert.Equal(t, Continue, c.Account(100, "conv"))
	assert.Equal(t, Wait, c.Account(1, "conv"))
	assert.Equal(t, Wait, c.PreCheck("conv"))
	assert.False(t, c.CooldownUntil().IsZero())

	// At T+60s the bucket is replenished.
	clock.Advance(61 * time.Second)
	assert.Equal(t, Continue, c.PreCheck("conv"))
	assert.Equal(t, Continue, c.Account(50, "conv"))
	assert.True(t, c.CooldownUntil().IsZero())
}

func TestHourLimitOutlastsMinute(t *testing.T) {
	c, clock := testControl(t, Limits{TokensPerMinute: 1000, TokensPerHour: 1500, MaxTurns: 100})

	assert.Equal(t, Continue, c.Account(900, "conv"))
	clock.Advance(2 * time.Minute)
	// Second burst trips the hour window; cooldown runs to the hour reset.
	assert.Equal(t, Wait, c.Account(900, "conv"))
	until := c.CooldownUntil()
	require.False(t, until.IsZero())
	assert.Greater(t, until.Sub(clock.Now()), time.Minute)
}

func TestMaxTurnsStops(t *testing.T) {
	const maxTurns = 3
	c, _ := testControl(t, Limits{TokensPerMinute: 100000, TokensPerHour: 100000, MaxTurns: maxTurns})

	assert.Equal(t, Continue, c.Account(1, "conv"))
	assert.Equal(t, Continue, c.Account(1, "conv"))
	// The K'th turn exhausts the budget.
	assert.Equal(t, Stop, c.Account(1, "conv"))
	// The K+1'th turn is refused up front.
	assert.Equal(t, Stop, c.PreCheck("conv"))

	// Other conversations are unaffected.
	assert.Equal(t, Continue, c.PreCheck("other"))

	c.ResetTurns("conv")
	assert.Equal(t, Continue, c.PreCheck("conv"))
	_, ok := c.Stats("conv")
	assert.False(t, ok)
}

func TestCooldownListener(t *testing.T) {
	c, _ := testControl(t, Limits{TokensPerMinute: 10, TokensPerHour: 100000, MaxTurns: 100})

	var mu sync.Mutex
	var gotAgent, gotWindow string
	var gotUntil time.Time
	c.OnCooldown(func(agentID, window string, until time.Time) {
		mu.Lock()
		gotAgent, gotWindow, gotUntil = agentID, window, until
		mu.Unlock()
	})

	assert.Equal(t, Wait, c.Account(11, "conv"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a", gotAgent)
	assert.Equal(t, WindowMinute, gotWindow)
	assert.False(t, gotUntil.IsZero())
}

func TestDefaultLimits(t *testing.T) {
	l := Limits{}.withDefaults()
	assert.Equal(t, DefaultTokensPerMinute, l.TokensPerMinute)
	assert.Equal(t, DefaultTokensPerHour, l.TokensPerHour)
	assert.Equal(t, DefaultMaxTurns, l.MaxTurns)
}

func TestEstimatorFallback(t *testing.T) {
	e := NewEstimator(zaptest.NewLogger(t))

	assert.Equal(t, 0, e.Estimate(""))

	n := e.Estimate("hello world, this is a short sentence")
	assert.Greater(t, n, 0)

	// Longer text never estimates below shorter text.
	longer := e.Estimate("hello world, this is a short sentence repeated. hello world, this is a short sentence repeated.")
	assert.GreaterOrEqual(t, longer, n)
}
