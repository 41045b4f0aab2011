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

import "errors"

// Routing and correlation errors. Recoverable ones also surface to the
// originating agent as ERROR messages.
var (
	// ErrUnknownReceiver means the target agent is not registered.
	ErrUnknownReceiver = errors.New("hub: unknown receiver")

	// ErrAuthenticationFailure means the message signature did not verify
	// against the sender's registered public key.
	ErrAuthenticationFailure = errors.New("hub: authentication failure")

	// ErrBackpressure means the receiver's inbox is full. The sender
	// decides whether to retry or abandon.
	ErrBackpressure = errors.New("hub: receiver inbox full")

	// ErrTimeout means a pending request's deadline elapsed. The record is
	// retained so a late response can still be retrieved.
	ErrTimeout = errors.New("hub: request timed out")

	// ErrCollaborationLoop means the target already appears in the
	// request's collaboration chain.
	ErrCollaborationLoop = errors.New("hub: collaboration loop")

	// ErrChainTampered means a forwarded collaboration request does not
	// carry the chain its sender inherited. The hub is the sole chain
	// authority.
	ErrChainTampered = errors.New("hub: collaboration chain tampered")

	// ErrHubShutdown means the operation raced with Stop.
	ErrHubShutdown = errors.New("hub: shut down")

	// ErrMissingRequestID means SendAndWait was called with a message that
	// carries no request id to correlate on.
	ErrMissingRequestID = errors.New("hub: message has no request id")

	// ErrDuplicateRequest means a pending request already exists for the
	// request id.
	ErrDuplicateRequest = errors.New("hub: duplicate request id")

	// ErrUnknownRequest means no pending request is (or is still) tracked
	// under the request id.
	ErrUnknownRequest = errors.New("hub: unknown request id")

	// ErrAgentShuttingDown means the target agent is deregistering and its
	// queued messages were bounced.
	ErrAgentShuttingDown = errors.New("hub: agent shutting down")

	// ErrRequestCanceled means the pending request was canceled before a
	// response arrived.
	ErrRequestCanceled = errors.New("hub: request canceled")
)
