/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
)

// StaticTrack is a synthetic track fed by WriteSample. It is used where no
// capture hardware exists: headless clients, demos and tests.
type StaticTrack struct {
	*webrtc.TrackLocalStaticSample
	role TrackRole

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
}

// NewStaticTrack creates an enabled synthetic track for role. Video tracks
// carry VP8 and audio tracks Opus.
func NewStaticTrack(role TrackRole) (*StaticTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if role.IsVideo() {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	sample, err := webrtc.NewTrackLocalStaticSample(capability, string(role)+"-"+uuid.NewString(), "consult")
	if err != nil {
		return nil, err
	}
	return &StaticTrack{TrackLocalStaticSample: sample, role: role, enabled: true}, nil
}

// Role implements Track.
func (t *StaticTrack) Role() TrackRole { return t.role }

// Local implements Track.
func (t *StaticTrack) Local() webrtc.TrackLocal { return t.TrackLocalStaticSample }

// Enabled implements Track.
func (t *StaticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled implements Track.
func (t *StaticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Stop implements Track.
func (t *StaticTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped implements Track.
func (t *StaticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded implements Track.
func (t *StaticTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// EndNatively stops the track the way the platform does when the user ends
// capture outside the application, and fires the OnEnded callbacks.
func (t *StaticTrack) EndNatively() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	callbacks := make([]func(), len(t.onEnded))
	copy(callbacks, t.onEnded)
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// WriteSample forwards s while the track is enabled and running. Samples
// written to a disabled track are dropped.
func (t *StaticTrack) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	live := t.enabled && !t.stopped
	t.mu.Unlock()
	if !live {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

// StaticAcquirer issues StaticTracks. Failures can be injected per kind, and
// a kind can be held until the request context ends to model an unanswered
// permission prompt.
type StaticAcquirer struct {
	mu       sync.Mutex
	failures map[Kind]error
	hold     map[Kind]bool
	handles  []*Handle
	tracks   []*StaticTrack
	requests []Request
}

// NewStaticAcquirer returns an acquirer that always succeeds.
func NewStaticAcquirer() *StaticAcquirer {
	return &StaticAcquirer{
		failures: make(map[Kind]error),
		hold:     make(map[Kind]bool),
	}
}

// FailWith makes requests of kind fail with err after any earlier roles of
// the request were opened, exercising rollback.
func (a *StaticAcquirer) FailWith(kind Kind, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, kind)
		return
	}
	a.failures[kind] = err
}

// HoldUntilCancelled makes requests of kind block until their context ends.
func (a *StaticAcquirer) HoldUntilCancelled(kind Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hold[kind] = true
}

// Acquire implements Acquirer.
func (a *StaticAcquirer) Acquire(ctx context.Context, req Request) (*Handle, error) {
	if !req.Kind.Valid() {
		return nil, consultsdk.NewUnsupportedPlatform("acquire", nil)
	}

	a.mu.Lock()
	a.requests = append(a.requests, req)
	failure := a.failures[req.Kind]
	hold := a.hold[req.Kind]
	a.mu.Unlock()

	roles := req.Kind.Roles()
	opened := make([]Track, 0, len(roles))
	for i, role := range roles {
		if i == len(roles)-1 {
			if hold {
				<-ctx.Done()
				stopAll(opened)
				return nil, translateError("acquire", ctx.Err())
			}
			if failure != nil {
				stopAll(opened)
				return nil, failure
			}
		}

		track, err := NewStaticTrack(role)
		if err != nil {
			stopAll(opened)
			return nil, consultsdk.NewDeviceUnavailable("acquire", err)
		}
		a.mu.Lock()
		a.tracks = append(a.tracks, track)
		a.mu.Unlock()
		opened = append(opened, track)
	}

	handle, err := NewHandle(opened...)
	if err != nil {
		stopAll(opened)
		return nil, err
	}
	a.mu.Lock()
	a.handles = append(a.handles, handle)
	a.mu.Unlock()
	return handle, nil
}

// Handles returns every handle issued so far.
func (a *StaticAcquirer) Handles() []*Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Handle(nil), a.handles...)
}

// Tracks returns every track opened so far, including rolled back ones.
func (a *StaticAcquirer) Tracks() []*StaticTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*StaticTrack(nil), a.tracks...)
}

// Requests returns every request received so far.
func (a *StaticAcquirer) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.requests...)
}
