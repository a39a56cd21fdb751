/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/consult-go-sdk/identity"
	"github.com/tejzpr/consult-go-sdk/media"
	"github.com/tejzpr/consult-go-sdk/peer"
)

// State represents the state of a call session
type State string

const (
	StateIdle    State = "idle"
	StateDialing State = "dialing"
	StateRinging State = "ringing"
	StateActive  State = "active"
	StateEnded   State = "ended"
	StateFailed  State = "failed"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Direction tells who placed the call.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// EndReason records why a session reached a terminal state.
type EndReason string

const (
	ReasonLocalHangup        EndReason = "local_hangup"
	ReasonRemoteHangup       EndReason = "remote_hangup"
	ReasonDeclined           EndReason = "declined"
	ReasonBusy               EndReason = "busy"
	ReasonUnreachable        EndReason = "unreachable"
	ReasonCancelled          EndReason = "cancelled"
	ReasonConnectivityLost   EndReason = "connectivity_lost"
	ReasonNegotiationTimeout EndReason = "negotiation_timeout"
	ReasonNegotiationError   EndReason = "negotiation_error"
	ReasonMediaError         EndReason = "media_error"
	ReasonSignalingError     EndReason = "signaling_error"
)

// Remote reports whether the other party, or the relay on its behalf, ended
// the call.
func (r EndReason) Remote() bool {
	switch r {
	case ReasonRemoteHangup, ReasonDeclined, ReasonBusy, ReasonUnreachable:
		return true
	default:
		return false
	}
}

var (
	// ErrDeclined is returned by StartCall when the other party declined.
	ErrDeclined = errors.New("call declined")
	// ErrBusy is returned by StartCall when the other party is in another call.
	ErrBusy = errors.New("callee busy")
	// ErrUnreachable is returned by StartCall when nobody is reachable at the address.
	ErrUnreachable = errors.New("callee unreachable")
	// ErrEnded is returned to a pending command when the call ended first.
	ErrEnded = errors.New("call ended before it connected")
	// ErrClosed is returned once the controller is closed.
	ErrClosed = errors.New("call controller closed")
)

// LocalMediaState holds the user-facing media toggles.
type LocalMediaState struct {
	AudioMuted    bool
	VideoEnabled  bool
	ScreenSharing bool
}

// CallSession is the controller's record of one call. It is only touched
// from the dispatch loop.
type CallSession struct {
	ID                string
	State             State
	Direction         Direction
	LocalParticipant  *identity.Participant
	RemoteParticipant *identity.Participant
	RemoteAddress     string
	Media             LocalMediaState
	Connectivity      peer.Connectivity
	StartedAt         time.Time
	ActiveAt          time.Time
	EndedAt           time.Time
	EndReason         EndReason
	Err               error

	gen             uint64
	handle          *media.Handle
	screen          *media.Handle
	peer            Peer
	remoteTracks    []*webrtc.TrackRemote
	cancelAcquire   context.CancelFunc
	cancelScreen    context.CancelFunc
	timer           *time.Timer
	waiter          chan error
	screenWaiter    chan error
	offerSDP        string
	offerer         *identity.Participant
	pendingRemote   []webrtc.ICECandidateInit
	remoteContacted bool
	accepted        bool
}

// tracks returns every local track the session owns, keyed by role.
func (s *CallSession) tracks() map[media.TrackRole]media.Track {
	out := make(map[media.TrackRole]media.Track)
	if s.handle != nil && !s.handle.Released() {
		for _, t := range s.handle.Tracks() {
			out[t.Role()] = t
		}
	}
	if s.screen != nil && !s.screen.Released() {
		for _, t := range s.screen.Tracks() {
			out[t.Role()] = t
		}
	}
	return out
}

func (s *CallSession) track(role media.TrackRole) media.Track {
	if role == media.RoleScreenVideo {
		if s.screen == nil || s.screen.Released() {
			return nil
		}
		return s.screen.Track(role)
	}
	if s.handle == nil || s.handle.Released() {
		return nil
	}
	return s.handle.Track(role)
}

// desiredVideo is the track the single outbound video sender should carry.
func (s *CallSession) desiredVideo() media.Track {
	if s.Media.ScreenSharing {
		if t := s.track(media.RoleScreenVideo); t != nil {
			return t
		}
	}
	if s.Media.VideoEnabled {
		return s.track(media.RoleCameraVideo)
	}
	return nil
}

// Snapshot is a read-only view of the controller's current session.
type Snapshot struct {
	SessionID     string
	State         State
	Direction     Direction
	Local         *identity.Participant
	Remote        *identity.Participant
	RemoteAddress string
	Media         LocalMediaState
	Connectivity  peer.Connectivity

	// Tracks holds the local tracks owned by the session. It is empty once
	// the session is terminal.
	Tracks map[media.TrackRole]media.Track
	// LocalVideo is the local preview: the screen track while sharing,
	// otherwise the camera track.
	LocalVideo   media.Track
	RemoteTracks []*webrtc.TrackRemote

	StartedAt time.Time
	ActiveAt  time.Time
	EndedAt   time.Time
	EndReason EndReason
	Err       error
}

// Duration returns how long the consultation has been, or was, active.
func (s Snapshot) Duration() time.Duration {
	if s.ActiveAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.ActiveAt)
}

func copyParticipant(p *identity.Participant) *identity.Participant {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (s *CallSession) snapshot() *Snapshot {
	snap := &Snapshot{
		SessionID:     s.ID,
		State:         s.State,
		Direction:     s.Direction,
		Local:         copyParticipant(s.LocalParticipant),
		Remote:        copyParticipant(s.RemoteParticipant),
		RemoteAddress: s.RemoteAddress,
		Media:         s.Media,
		Connectivity:  s.Connectivity,
		Tracks:        s.tracks(),
		RemoteTracks:  append([]*webrtc.TrackRemote(nil), s.remoteTracks...),
		StartedAt:     s.StartedAt,
		ActiveAt:      s.ActiveAt,
		EndedAt:       s.EndedAt,
		EndReason:     s.EndReason,
		Err:           s.Err,
	}
	if s.Media.ScreenSharing {
		snap.LocalVideo = s.track(media.RoleScreenVideo)
	}
	if snap.LocalVideo == nil {
		snap.LocalVideo = s.track(media.RoleCameraVideo)
	}
	return snap
}
