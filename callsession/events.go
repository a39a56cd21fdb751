/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"sync"

	"github.com/tejzpr/consult-go-sdk/identity"
)

// ---- Event Keys ----

// EventKey identifies the type of controller event
type EventKey string

const (
	// EventState carries a StateChange.
	EventState EventKey = "state"
	// EventMediaState carries the new LocalMediaState.
	EventMediaState EventKey = "media_state"
	// EventRemoteTrack carries a *webrtc.TrackRemote.
	EventRemoteTrack EventKey = "remote_track"
	// EventNotification carries a Notification.
	EventNotification EventKey = "notification"
	// EventIncomingCall carries an IncomingCall.
	EventIncomingCall EventKey = "incoming_call"
	// EventICECandidate carries a locally gathered webrtc.ICECandidateInit.
	EventICECandidate EventKey = "ice_candidate"
)

// StateChange describes a session state transition.
type StateChange struct {
	SessionID string
	From      State
	To        State
	Reason    EndReason
}

// NotificationKind classifies a Notification.
type NotificationKind string

const (
	// NotifyConnectivityLost is emitted when the peer connection fails
	// during an active call. The call has already ended.
	NotifyConnectivityLost NotificationKind = "connectivity_lost"
	// NotifyReconnecting is emitted when the connection is interrupted but
	// may recover.
	NotifyReconnecting NotificationKind = "reconnecting"
	// NotifyConnected is emitted when media connectivity is established.
	NotifyConnected NotificationKind = "connected"
	// NotifyScreenShareEnded is emitted when the platform stopped the
	// screen share by itself.
	NotifyScreenShareEnded NotificationKind = "screen_share_ended"
	// NotifyRemoteEnded is emitted when the other party hung up.
	NotifyRemoteEnded NotificationKind = "remote_ended"
)

// Notification is an informational event. It never reflects a failed
// command: those are returned to the caller.
type Notification struct {
	Kind      NotificationKind
	SessionID string
	Err       error
}

// IncomingCall describes an offer waiting to be accepted or declined.
type IncomingCall struct {
	SessionID   string
	From        string
	Participant *identity.Participant
}

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[EventKey][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[EventKey][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event EventKey, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event EventKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event EventKey, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
