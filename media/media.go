/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package media acquires local capture tracks (camera, microphone and
// display) and hands them out as a Handle the caller must release exactly
// once.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Kind is the capability set requested from the platform.
type Kind string

const (
	KindCamera     Kind = "camera"
	KindMicrophone Kind = "microphone"
	KindBoth       Kind = "both"
	KindDisplay    Kind = "display"
)

// TrackRole names what a local track is used for within a call.
type TrackRole string

const (
	RoleCameraVideo     TrackRole = "camera-video"
	RoleMicrophoneAudio TrackRole = "microphone-audio"
	RoleScreenVideo     TrackRole = "screen-video"
)

// Roles returns the track roles a request of kind k opens, in the order
// they are acquired. Nothing outside this list is ever requested.
func (k Kind) Roles() []TrackRole {
	switch k {
	case KindCamera:
		return []TrackRole{RoleCameraVideo}
	case KindMicrophone:
		return []TrackRole{RoleMicrophoneAudio}
	case KindBoth:
		return []TrackRole{RoleMicrophoneAudio, RoleCameraVideo}
	case KindDisplay:
		return []TrackRole{RoleScreenVideo}
	default:
		return nil
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return len(k.Roles()) > 0
}

// IsVideo reports whether tracks with this role carry video.
func (r TrackRole) IsVideo() bool {
	return r == RoleCameraVideo || r == RoleScreenVideo
}

// CodecType returns the RTP codec type carried by the role.
func (r TrackRole) CodecType() webrtc.RTPCodecType {
	if r.IsVideo() {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// Request describes one acquisition.
type Request struct {
	Kind Kind

	// PreferFrontCamera selects the user-facing camera when several exist.
	// Set on mobile platforms.
	PreferFrontCamera bool
}

// Track is a local capture track.
type Track interface {
	ID() string
	Role() TrackRole
	Kind() webrtc.RTPCodecType

	// Local is the sendable form of the track.
	Local() webrtc.TrackLocal

	// Enabled reports whether the track produces real media. A disabled
	// track keeps running and emits silence or black frames.
	Enabled() bool
	SetEnabled(enabled bool)

	// Stop releases the capture device. It is idempotent and does not fire
	// OnEnded callbacks.
	Stop()
	Stopped() bool

	// OnEnded registers a callback for the platform ending the track by
	// itself, e.g. the user pressing a native "stop sharing" control.
	OnEnded(func())
}

// Acquirer opens capture tracks.
type Acquirer interface {
	// Acquire opens the tracks for req.Kind. On failure nothing stays open
	// and the error is a MediaAccessDenied, DeviceUnavailable or
	// UnsupportedPlatform error from consultsdk.
	Acquire(ctx context.Context, req Request) (*Handle, error)
}

// Handle owns the tracks returned by one acquisition.
type Handle struct {
	mu       sync.Mutex
	tracks   map[TrackRole]Track
	order    []TrackRole
	released bool
}

// NewHandle wraps tracks in a Handle. Tracks must have distinct roles.
func NewHandle(tracks ...Track) (*Handle, error) {
	h := &Handle{tracks: make(map[TrackRole]Track, len(tracks))}
	for _, t := range tracks {
		if _, dup := h.tracks[t.Role()]; dup {
			return nil, fmt.Errorf("duplicate track role %s", t.Role())
		}
		h.tracks[t.Role()] = t
		h.order = append(h.order, t.Role())
	}
	return h, nil
}

// Track returns the track for role, or nil.
func (h *Handle) Track(role TrackRole) Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracks[role]
}

// Tracks returns the tracks in acquisition order.
func (h *Handle) Tracks() []Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Track, 0, len(h.order))
	for _, role := range h.order {
		out = append(out, h.tracks[role])
	}
	return out
}

// Release stops every track. Only the first call does anything; it reports
// whether this call performed the release.
func (h *Handle) Release() bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.released = true
	tracks := make([]Track, 0, len(h.order))
	for _, role := range h.order {
		tracks = append(tracks, h.tracks[role])
	}
	h.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	return true
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
