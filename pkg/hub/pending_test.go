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
package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-labs/weft/pkg/message"
)

func TestPendingExactlyOneTerminalTransition(t *testing.T) {
	table := newPendingTable()
	p, err := table.create("req-1", "alice", "bob", time.Now().Add(time.Second))
	require.NoError(t, err)

	resp := &message.Message{ID: "m1", Content: "answer"}
	now := time.Now()

	// Racing closers: exactly one wins.
	var wg sync.WaitGroup
	wins := make(chan string, 3)
	for _, attempt := range []struct {
		name string
		fn   func() bool
	}{
		{"complete", func() bool { return p.complete(resp, now) }},
		{"timeout", func() bool { return p.timeout(now) }},
		{"cancel", func() bool { return p.cancel(now) }},
	} {
		wg.Add(1)
		go func(name string, fn func() bool) {
			defer wg.Done()
			if fn() {
				wins <- name
			}
		}(attempt.name, attempt.fn)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	assert.Len(t, winners, 1)

	select {
	case <-p.done:
	default:
		t.Fatal("done not closed after terminal transition")
	}
}

func TestPendingLateOnlyAfterTimeout(t *testing.T) {
	table := newPendingTable()
	p, err := table.create("req-1", "alice", "bob", time.Now().Add(time.Millisecond))
	require.NoError(t, err)

	resp := &message.Message{ID: "m1", Content: "late answer"}
	now := time.Now()

	// A late park on a still-pending request is refused.
	assert.False(t, p.late(resp, now))

	require.True(t, p.timeout(now))
	require.True(t, p.late(resp, now))
	assert.False(t, p.late(resp, now)) // only once

	snap := p.snapshot()
	assert.Equal(t, StatusLateReceived, snap.Status)
	assert.Equal(t, "late answer", snap.Response.Content)
}

func TestPendingDuplicateCreate(t *testing.T) {
	table := newPendingTable()
	_, err := table.create("req-1", "alice", "bob", time.Now())
	require.NoError(t, err)
	_, err = table.create("req-1", "alice", "carol", time.Now())
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestPendingSweep(t *testing.T) {
	table := newPendingTable()
	now := time.Now()

	for i := 0; i < 40; i++ {
		p, err := table.create(fmt.Sprintf("req-%d", i), "alice", "bob", now)
		require.NoError(t, err)
		if i%2 == 0 {
			p.cancel(now.Add(-time.Hour))
		}
	}

	// Old terminal records go; pending ones stay.
	evicted := table.sweep(now, 15*time.Minute)
	assert.Equal(t, 20, evicted)

	for i := 0; i < 40; i++ {
		_, ok := table.get(fmt.Sprintf("req-%d", i))
		assert.Equal(t, i%2 != 0, ok, "req-%d", i)
	}
}

func TestPendingCancelForRequester(t *testing.T) {
	table := newPendingTable()
	now := time.Now()
	pa, err := table.create("req-a", "alice", "bob", now)
	require.NoError(t, err)
	pb, err := table.create("req-b", "carol", "bob", now)
	require.NoError(t, err)

	table.cancelAll("alice", now)
	assert.Equal(t, StatusCanceled, pa.snapshot().Status)
	assert.Equal(t, StatusPending, pb.snapshot().Status)

	table.cancelAll("", now)
	assert.Equal(t, StatusCanceled, pb.snapshot().Status)
}
