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
	"hash/fnv"
	"sync"
	"time"

	"github.com/weft-labs/weft/pkg/message"
)

// Status is the lifecycle state of a pending request. Exactly one
// terminal transition happens per request; a late response after a
// timeout moves TimedOut to LateReceived.
type Status int

// Pending request statuses.
const (
	StatusPending Status = iota
	StatusCompleted
	StatusTimedOut
	StatusLateReceived
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusLateReceived:
		return "LATE_RECEIVED"
	case StatusFailed:
		return "FAILED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether no further transition except late delivery can
// happen.
func (s Status) terminal() bool {
	return s != StatusPending
}

// Result is what CheckLateResult reports for a tracked request.
type Result struct {
	Status   Status
	Response *message.Message
}

// pendingRequest tracks one directed request until a matching response,
// a timeout, or a cancel closes it. done is closed on the first terminal
// transition; late delivery after a timeout does not re-close it.
type pendingRequest struct {
	requestID   string
	requesterID string
	targetID    string
	deadline    time.Time

	mu       sync.Mutex
	status   Status
	response *message.Message
	closedAt time.Time

	done chan struct{}
}

func (p *pendingRequest) transition(to Status, resp *message.Message, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusPending {
		return false
	}
	p.status = to
	p.response = resp
	p.closedAt = now
	close(p.done)
	return true
}

// complete closes the request with a response.
func (p *pendingRequest) complete(resp *message.Message, now time.Time) bool {
	return p.transition(StatusCompleted, resp, now)
}

// timeout closes the request with no response, keeping the slot open for
// late delivery.
func (p *pendingRequest) timeout(now time.Time) bool {
	return p.transition(StatusTimedOut, nil, now)
}

// fail closes the request because routing it failed.
func (p *pendingRequest) fail(now time.Time) bool {
	return p.transition(StatusFailed, nil, now)
}

// cancel closes the request without a response.
func (p *pendingRequest) cancel(now time.Time) bool {
	return p.transition(StatusCanceled, nil, now)
}

// late parks a response that arrived after the timeout.
func (p *pendingRequest) late(resp *message.Message, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusTimedOut {
		return false
	}
	p.status = StatusLateReceived
	p.response = resp
	p.closedAt = now
	return true
}

func (p *pendingRequest) snapshot() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Result{Status: p.status, Response: p.response}
}

const pendingShards = 16

// pendingTable is a striped map of pending requests, sharded by request
// id so waiter completion does not contend hub-wide.
type pendingTable struct {
	shards [pendingShards]struct {
		mu   sync.Mutex
		reqs map[string]*pendingRequest
	}
}

func newPendingTable() *pendingTable {
	t := &pendingTable{}
	for i := range t.shards {
		t.shards[i].reqs = make(map[string]*pendingRequest)
	}
	return t
}

func (t *pendingTable) shard(requestID string) *struct {
	mu   sync.Mutex
	reqs map[string]*pendingRequest
} {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return &t.shards[h.Sum32()%pendingShards]
}

func (t *pendingTable) create(requestID, requesterID, targetID string, deadline time.Time) (*pendingRequest, error) {
	s := t.shard(requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reqs[requestID]; exists {
		return nil, ErrDuplicateRequest
	}
	p := &pendingRequest{
		requestID:   requestID,
		requesterID: requesterID,
		targetID:    targetID,
		deadline:    deadline,
		done:        make(chan struct{}),
	}
	s.reqs[requestID] = p
	return p, nil
}

func (t *pendingTable) get(requestID string) (*pendingRequest, bool) {
	s := t.shard(requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.reqs[requestID]
	return p, ok
}

// cancelAll cancels every open request, optionally restricted to one
// requester. Used on agent deregistration and hub shutdown.
func (t *pendingTable) cancelAll(requesterID string, now time.Time) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, p := range s.reqs {
			if requesterID == "" || p.requesterID == requesterID {
				p.cancel(now)
			}
		}
		s.mu.Unlock()
	}
}

// failAll fails every open request directed at the target, so waiters
// return promptly when the target deregisters.
func (t *pendingTable) failAll(targetID string, now time.Time) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, p := range s.reqs {
			if p.targetID == targetID {
				p.fail(now)
			}
		}
		s.mu.Unlock()
	}
}

// sweep evicts terminal records whose close time is older than retention.
func (t *pendingTable) sweep(now time.Time, retention time.Duration) int {
	evicted := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, p := range s.reqs {
			p.mu.Lock()
			gone := p.status.terminal() && now.Sub(p.closedAt) > retention
			p.mu.Unlock()
			if gone {
				delete(s.reqs, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}
