/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
	"github.com/tejzpr/consult-go-sdk/device"
	"github.com/tejzpr/consult-go-sdk/identity"
	"github.com/tejzpr/consult-go-sdk/media"
	"github.com/tejzpr/consult-go-sdk/metrics"
	"github.com/tejzpr/consult-go-sdk/peer"
	"github.com/tejzpr/consult-go-sdk/signaling"
)

const waitFor = 5 * time.Second

// testPeer is a real peer connection whose connectivity is driven by the
// test instead of ICE.
type testPeer struct {
	*peer.Manager

	mu      sync.Mutex
	handler func(peer.Connectivity)
}

func (p *testPeer) OnConnectivityChange(handler func(peer.Connectivity)) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *testPeer) fire(c peer.Connectivity) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		handler(c)
	}
}

type recorder struct {
	mu            sync.Mutex
	states        []StateChange
	notifications []Notification
	media         []LocalMediaState
	incoming      chan IncomingCall
}

func record(c *Controller) *recorder {
	r := &recorder{incoming: make(chan IncomingCall, 4)}
	c.On(EventState, func(data interface{}) {
		r.mu.Lock()
		r.states = append(r.states, data.(StateChange))
		r.mu.Unlock()
	})
	c.On(EventNotification, func(data interface{}) {
		r.mu.Lock()
		r.notifications = append(r.notifications, data.(Notification))
		r.mu.Unlock()
	})
	c.On(EventMediaState, func(data interface{}) {
		r.mu.Lock()
		r.media = append(r.media, data.(LocalMediaState))
		r.mu.Unlock()
	})
	c.On(EventIncomingCall, func(data interface{}) {
		r.incoming <- data.(IncomingCall)
	})
	return r
}

func (r *recorder) notified(kind NotificationKind) *Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.notifications {
		if r.notifications[i].Kind == kind {
			n := r.notifications[i]
			return &n
		}
	}
	return nil
}

func (r *recorder) stateChanges() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.states...)
}

type party struct {
	address  string
	ctrl     *Controller
	acquirer *media.StaticAcquirer
	events   *recorder

	mu    sync.Mutex
	peers []*testPeer
}

func newParty(t *testing.T, hub *signaling.Hub, address string, role identity.Role, opts ...func(*Config)) *party {
	t.Helper()
	p := &party{address: address, acquirer: media.NewStaticAcquirer()}
	port := hub.Port(address)

	cfg := Config{
		Local: &identity.Participant{
			ID:          "id-" + address,
			DisplayName: string(role) + " " + address,
			Email:       address,
			Role:        role,
		},
		Signaling: port,
		Acquirer:  p.acquirer,
		NewPeer: func() (Peer, error) {
			m, err := peer.New(&peer.Config{})
			if err != nil {
				return nil, err
			}
			tp := &testPeer{Manager: m}
			p.mu.Lock()
			p.peers = append(p.peers, tp)
			p.mu.Unlock()
			return tp, nil
		},
		NegotiationTimeout: waitFor,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctrl, err := New(cfg)
	require.NoError(t, err)
	p.ctrl = ctrl
	p.events = record(ctrl)
	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = port.Close()
	})
	return p
}

func (p *party) peer(t *testing.T) *testPeer {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.peers)
	return p.peers[len(p.peers)-1]
}

func (p *party) state() State {
	return p.ctrl.Snapshot().State
}

func (p *party) screenTrack(t *testing.T) *media.StaticTrack {
	t.Helper()
	tracks := p.acquirer.Tracks()
	for i := len(tracks) - 1; i >= 0; i-- {
		if tracks[i].Role() == media.RoleScreenVideo {
			return tracks[i]
		}
	}
	t.Fatal("no screen track acquired")
	return nil
}

func (p *party) waitIncoming(t *testing.T) IncomingCall {
	t.Helper()
	select {
	case call := <-p.events.incoming:
		return call
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for incoming call")
		return IncomingCall{}
	}
}

// dial starts a call from caller to callee in the background.
func dial(ctx context.Context, caller, callee *party) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- caller.ctrl.StartCall(ctx, callee.address) }()
	return errc
}

func result(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for StartCall")
		return nil
	}
}

func connect(t *testing.T, caller, callee *party) {
	t.Helper()
	errc := dial(context.Background(), caller, callee)
	callee.waitIncoming(t)
	require.NoError(t, callee.ctrl.Accept(context.Background()))
	require.NoError(t, result(t, errc))
	require.Eventually(t, func() bool { return callee.state() == StateActive }, waitFor, 10*time.Millisecond)
}

func allStopped(tracks []*media.StaticTrack) bool {
	for _, track := range tracks {
		if !track.Stopped() {
			return false
		}
	}
	return true
}

func TestNew(t *testing.T) {
	hub := signaling.NewHub()
	port := hub.Port("doc@example.com")
	defer port.Close()
	local := &identity.Participant{Email: "doc@example.com", Role: identity.RoleDoctor}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no participant", Config{Signaling: port, Acquirer: media.NewStaticAcquirer()}},
		{"no role", Config{Local: &identity.Participant{Email: "x"}, Signaling: port, Acquirer: media.NewStaticAcquirer()}},
		{"no port", Config{Local: local, Acquirer: media.NewStaticAcquirer()}},
		{"no acquirer", Config{Local: local, Signaling: port}},
		{"display kind", Config{Local: local, Signaling: port, Acquirer: media.NewStaticAcquirer(), Kind: media.KindDisplay}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			assert.Error(t, err)
		})
	}

	c, err := New(Config{Local: local, Signaling: port, Acquirer: media.NewStaticAcquirer()})
	require.NoError(t, err)
	defer c.Close()

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Tracks)
	assert.Equal(t, "doc@example.com", c.Local().Address())
}

func TestControllerAwait(t *testing.T) {
	hub := signaling.NewHub()
	port := hub.Port("doc@example.com")
	defer port.Close()
	c, err := New(Config{
		Local:     &identity.Participant{Email: "doc@example.com", Role: identity.RoleDoctor},
		Signaling: port,
		Acquirer:  media.NewStaticAcquirer(),
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 100; i++ {
		reply := make(chan error, 1)
		reply <- nil
		require.NoError(t, c.await(ctx, reply), "a written reply wins over a cancelled context")
	}

	failed := make(chan error, 1)
	failed <- ErrBusy
	assert.ErrorIs(t, c.await(ctx, failed), ErrBusy)

	assert.ErrorIs(t, c.await(ctx, make(chan error, 1)), context.Canceled)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestControllerCallLifecycle(t *testing.T) {
	hub := signaling.NewHub()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient, func(c *Config) { c.Metrics = m })
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)

	errc := dial(context.Background(), patient, doctor)
	incoming := doctor.waitIncoming(t)
	assert.Equal(t, "pat@example.com", incoming.From)
	require.NotNil(t, incoming.Participant)
	assert.Equal(t, identity.RolePatient, incoming.Participant.Role)
	assert.Equal(t, StateRinging, doctor.state())
	assert.Empty(t, doctor.acquirer.Requests(), "nothing is acquired before accepting")

	require.NoError(t, doctor.ctrl.Accept(context.Background()))
	require.NoError(t, result(t, errc))
	require.Eventually(t, func() bool { return doctor.state() == StateActive }, waitFor, 10*time.Millisecond)

	snap := patient.ctrl.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, DirectionOutbound, snap.Direction)
	assert.Equal(t, incoming.SessionID, snap.SessionID)
	require.NotNil(t, snap.Remote)
	assert.Equal(t, "doc@example.com", snap.Remote.Email)
	assert.Equal(t, identity.RoleDoctor, snap.Remote.Role)
	assert.Len(t, snap.Tracks, 2)
	assert.True(t, snap.Media.VideoEnabled)
	assert.False(t, snap.Media.AudioMuted)
	assert.Equal(t, media.RoleCameraVideo, snap.LocalVideo.Role())
	assert.False(t, snap.ActiveAt.IsZero())

	doctorSnap := doctor.ctrl.Snapshot()
	assert.Equal(t, DirectionInbound, doctorSnap.Direction)
	require.NotNil(t, doctorSnap.Remote)
	assert.Equal(t, "pat@example.com", doctorSnap.Remote.Email)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallsStartedTotal.WithLabelValues("outbound")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallsActive))

	require.NoError(t, patient.ctrl.EndCall())
	snap = patient.ctrl.Snapshot()
	assert.Equal(t, StateEnded, snap.State)
	assert.Equal(t, ReasonLocalHangup, snap.EndReason)
	assert.NoError(t, snap.Err)
	assert.Empty(t, snap.Tracks)
	assert.Nil(t, snap.LocalVideo)
	assert.True(t, allStopped(patient.acquirer.Tracks()))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CallsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallsEndedTotal.WithLabelValues("ended", "local_hangup")))

	require.Eventually(t, func() bool { return doctor.state() == StateEnded }, waitFor, 10*time.Millisecond)
	assert.Equal(t, ReasonRemoteHangup, doctor.ctrl.Snapshot().EndReason)
	assert.True(t, allStopped(doctor.acquirer.Tracks()))
	require.Eventually(t, func() bool { return doctor.events.notified(NotifyRemoteEnded) != nil }, waitFor, 10*time.Millisecond)

	handles := patient.acquirer.Handles()
	require.Len(t, handles, 1)
	assert.True(t, handles[0].Released())

	assert.NoError(t, patient.ctrl.EndCall(), "ending an ended call is a no-op")
	assert.Equal(t, StateEnded, patient.state())
	assert.False(t, handles[0].Release(), "the handle was released exactly once by the first EndCall")
	assert.Len(t, patient.acquirer.Handles(), 1, "nothing is acquired again")

	t.Run("a new call can follow", func(t *testing.T) {
		connect(t, doctor, patient)
		assert.Equal(t, DirectionOutbound, doctor.ctrl.Snapshot().Direction)
		require.NoError(t, doctor.ctrl.EndCall())
	})
}

func TestControllerStateEvents(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)

	connect(t, patient, doctor)
	require.NoError(t, patient.ctrl.EndCall())

	want := []StateChange{
		{From: StateIdle, To: StateDialing},
		{From: StateDialing, To: StateActive},
		{From: StateActive, To: StateEnded, Reason: ReasonLocalHangup},
	}
	require.Eventually(t, func() bool { return len(patient.events.stateChanges()) == len(want) }, waitFor, 10*time.Millisecond)
	got := patient.events.stateChanges()
	for i := range want {
		assert.Equal(t, want[i].From, got[i].From)
		assert.Equal(t, want[i].To, got[i].To)
		assert.Equal(t, want[i].Reason, got[i].Reason)
		assert.Equal(t, got[0].SessionID, got[i].SessionID)
	}
}

func TestControllerMediaToggles(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)
	connect(t, patient, doctor)

	snap := patient.ctrl.Snapshot()
	mic := snap.Tracks[media.RoleMicrophoneAudio]
	camera := snap.Tracks[media.RoleCameraVideo]
	require.NotNil(t, mic)
	require.NotNil(t, camera)

	t.Run("mute", func(t *testing.T) {
		require.NoError(t, patient.ctrl.ToggleMute())
		assert.True(t, patient.ctrl.Snapshot().Media.AudioMuted)
		assert.False(t, mic.Enabled())
		assert.False(t, mic.Stopped(), "muting keeps the microphone open")

		require.NoError(t, patient.ctrl.ToggleMute())
		assert.False(t, patient.ctrl.Snapshot().Media.AudioMuted)
		assert.True(t, mic.Enabled())
	})

	t.Run("video", func(t *testing.T) {
		p := patient.peer(t)

		require.NoError(t, patient.ctrl.ToggleVideo())
		assert.False(t, patient.ctrl.Snapshot().Media.VideoEnabled)
		assert.False(t, camera.Enabled())
		assert.False(t, camera.Stopped())
		_, outbound := p.OutboundVideo()
		assert.Nil(t, outbound, "the camera is detached while video is off")

		require.NoError(t, patient.ctrl.ToggleVideo())
		assert.True(t, patient.ctrl.Snapshot().Media.VideoEnabled)
		assert.True(t, camera.Enabled())
		role, outbound := p.OutboundVideo()
		assert.Equal(t, media.RoleCameraVideo, role)
		assert.Equal(t, camera.Local(), outbound)
	})

	t.Run("toggles fold by parity", func(t *testing.T) {
		sequence := []string{"mute", "video", "mute", "mute", "video", "video", "mute", "video", "mute"}
		muted, videoOn := false, true
		for _, op := range sequence {
			if op == "mute" {
				require.NoError(t, patient.ctrl.ToggleMute())
				muted = !muted
			} else {
				require.NoError(t, patient.ctrl.ToggleVideo())
				videoOn = !videoOn
			}
		}
		state := patient.ctrl.Snapshot().Media
		assert.Equal(t, muted, state.AudioMuted)
		assert.Equal(t, videoOn, state.VideoEnabled)
		assert.Equal(t, !muted, mic.Enabled())
		assert.Equal(t, videoOn, camera.Enabled())
		assert.False(t, mic.Stopped())
		assert.False(t, camera.Stopped())
	})

	t.Run("audio only call has no video toggle", func(t *testing.T) {
		require.NoError(t, patient.ctrl.EndCall())
		require.Eventually(t, func() bool { return doctor.state() == StateEnded }, waitFor, 10*time.Millisecond)
		nurse := newParty(t, hub, "nurse@example.com", identity.RoleDoctor, func(c *Config) { c.Kind = media.KindMicrophone })
		connect(t, nurse, doctor)
		err := nurse.ctrl.ToggleVideo()
		assert.True(t, consultsdk.IsPrecondition(err))
		assert.False(t, nurse.ctrl.Snapshot().Media.VideoEnabled)
	})
}

func TestControllerScreenShare(t *testing.T) {
	hub := signaling.NewHub()
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	connect(t, doctor, patient)

	p := doctor.peer(t)
	camera := doctor.ctrl.Snapshot().Tracks[media.RoleCameraVideo]
	require.NotNil(t, camera)

	require.NoError(t, doctor.ctrl.ToggleScreenShare(context.Background()))
	snap := doctor.ctrl.Snapshot()
	assert.True(t, snap.Media.ScreenSharing)
	assert.Equal(t, media.RoleScreenVideo, snap.LocalVideo.Role())
	role, outbound := p.OutboundVideo()
	assert.Equal(t, media.RoleScreenVideo, role)
	assert.Equal(t, snap.Tracks[media.RoleScreenVideo].Local(), outbound)
	assert.False(t, camera.Stopped(), "the camera stays open while sharing")

	screen := doctor.screenTrack(t)
	require.NoError(t, doctor.ctrl.ToggleScreenShare(context.Background()))
	assert.False(t, doctor.ctrl.Snapshot().Media.ScreenSharing)
	assert.True(t, screen.Stopped())
	role, outbound = p.OutboundVideo()
	assert.Equal(t, media.RoleCameraVideo, role)
	assert.Equal(t, camera.Local(), outbound)

	t.Run("ended by the platform", func(t *testing.T) {
		require.NoError(t, doctor.ctrl.ToggleScreenShare(context.Background()))
		doctor.screenTrack(t).EndNatively()

		require.Eventually(t, func() bool { return !doctor.ctrl.Snapshot().Media.ScreenSharing }, waitFor, 10*time.Millisecond)
		require.Eventually(t, func() bool { return doctor.events.notified(NotifyScreenShareEnded) != nil }, waitFor, 10*time.Millisecond)
		role, outbound := p.OutboundVideo()
		assert.Equal(t, media.RoleCameraVideo, role)
		assert.Equal(t, camera.Local(), outbound)
		assert.Equal(t, StateActive, doctor.state())
	})

	t.Run("denied", func(t *testing.T) {
		doctor.acquirer.FailWith(media.KindDisplay, consultsdk.NewMediaAccessDenied("acquire", errors.New("cancelled picker")))
		err := doctor.ctrl.ToggleScreenShare(context.Background())
		assert.True(t, consultsdk.IsMediaAccessDenied(err))
		assert.False(t, doctor.ctrl.Snapshot().Media.ScreenSharing)
		assert.Equal(t, StateActive, doctor.state(), "a failed share does not end the call")
	})

	t.Run("camera stays off after sharing", func(t *testing.T) {
		doctor.acquirer.FailWith(media.KindDisplay, nil)
		require.NoError(t, doctor.ctrl.ToggleVideo())
		require.False(t, doctor.ctrl.Snapshot().Media.VideoEnabled)

		require.NoError(t, doctor.ctrl.ToggleScreenShare(context.Background()))
		role, outbound := p.OutboundVideo()
		assert.Equal(t, media.RoleScreenVideo, role)
		assert.NotNil(t, outbound)

		require.NoError(t, doctor.ctrl.ToggleScreenShare(context.Background()))
		role, outbound = p.OutboundVideo()
		assert.Empty(t, role, "no camera is restored when video was off")
		assert.Nil(t, outbound)
		assert.False(t, doctor.ctrl.Snapshot().Media.VideoEnabled)
		assert.False(t, camera.Stopped())

		require.NoError(t, doctor.ctrl.ToggleVideo())
		role, outbound = p.OutboundVideo()
		assert.Equal(t, media.RoleCameraVideo, role)
		assert.Equal(t, camera.Local(), outbound)
	})

	t.Run("ending the call releases the screen", func(t *testing.T) {
		doctor.acquirer.FailWith(media.KindDisplay, nil)
		require.NoError(t, doctor.ctrl.ToggleScreenShare(context.Background()))
		screen := doctor.screenTrack(t)
		require.NoError(t, doctor.ctrl.EndCall())
		assert.True(t, screen.Stopped())
		assert.True(t, allStopped(doctor.acquirer.Tracks()))
		assert.False(t, doctor.ctrl.Snapshot().Media.ScreenSharing)
	})
}

func TestControllerScreenShareGate(t *testing.T) {
	hub := signaling.NewHub()
	caps := device.CapabilitiesFor(device.ClassMobileIOS)
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient, func(c *Config) { c.Capabilities = &caps })
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)
	connect(t, patient, doctor)

	err := patient.ctrl.ToggleScreenShare(context.Background())
	assert.True(t, consultsdk.IsUnsupportedPlatform(err))
	assert.False(t, patient.ctrl.Snapshot().Media.ScreenSharing)

	requests := patient.acquirer.Requests()
	require.Len(t, requests, 1, "no display capture was requested")
	assert.True(t, requests[0].PreferFrontCamera)
}

func TestControllerMediaDenied(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)

	var mu sync.Mutex
	var routed []signaling.Message
	unsubscribe := hub.Observe(func(m signaling.Message) {
		mu.Lock()
		routed = append(routed, m)
		mu.Unlock()
	})
	defer unsubscribe()

	patient.acquirer.FailWith(media.KindBoth, consultsdk.NewMediaAccessDenied("acquire", errors.New("permission denied")))
	err := patient.ctrl.StartCall(context.Background(), doctor.address)
	assert.True(t, consultsdk.IsMediaAccessDenied(err))

	snap := patient.ctrl.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, ReasonMediaError, snap.EndReason)
	assert.True(t, consultsdk.IsMediaAccessDenied(snap.Err))
	assert.Empty(t, snap.Tracks)
	assert.True(t, allStopped(patient.acquirer.Tracks()), "partially opened tracks are rolled back")

	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(routed) > 0
	}, 200*time.Millisecond, 20*time.Millisecond, "the callee is never contacted")
	assert.Equal(t, StateIdle, doctor.state())
}

func TestControllerDecline(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)

	errc := dial(context.Background(), patient, doctor)
	doctor.waitIncoming(t)
	require.NoError(t, doctor.ctrl.Decline())
	assert.Equal(t, StateIdle, doctor.state())
	assert.Empty(t, doctor.acquirer.Requests())

	assert.ErrorIs(t, result(t, errc), ErrDeclined)
	snap := patient.ctrl.Snapshot()
	assert.Equal(t, StateEnded, snap.State)
	assert.Equal(t, ReasonDeclined, snap.EndReason)
	assert.True(t, allStopped(patient.acquirer.Tracks()))

	assert.True(t, consultsdk.IsPrecondition(doctor.ctrl.Decline()), "nothing left to decline")
}

func TestControllerEndWhileRinging(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)

	errc := dial(context.Background(), patient, doctor)
	doctor.waitIncoming(t)
	require.NoError(t, doctor.ctrl.EndCall())
	assert.Equal(t, StateIdle, doctor.state())
	assert.ErrorIs(t, result(t, errc), ErrDeclined)
}

func TestControllerBusy(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)
	other := newParty(t, hub, "other@example.com", identity.RolePatient)
	connect(t, patient, doctor)

	err := other.ctrl.StartCall(context.Background(), doctor.address)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, ReasonBusy, other.ctrl.Snapshot().EndReason)
	assert.True(t, allStopped(other.acquirer.Tracks()))

	assert.Equal(t, StateActive, doctor.state())
	assert.Equal(t, "pat@example.com", doctor.ctrl.Snapshot().RemoteAddress)
}

func TestControllerUnreachable(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)

	err := patient.ctrl.StartCall(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrUnreachable)
	snap := patient.ctrl.Snapshot()
	assert.Equal(t, StateEnded, snap.State)
	assert.Equal(t, ReasonUnreachable, snap.EndReason)
	assert.True(t, allStopped(patient.acquirer.Tracks()))
}

func TestControllerNegotiationTimeout(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient, func(c *Config) {
		c.NegotiationTimeout = 200 * time.Millisecond
	})
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)

	err := patient.ctrl.StartCall(context.Background(), doctor.address)
	assert.True(t, consultsdk.IsNegotiationTimeout(err))
	snap := patient.ctrl.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, ReasonNegotiationTimeout, snap.EndReason)
	assert.True(t, allStopped(patient.acquirer.Tracks()))

	require.Eventually(t, func() bool { return doctor.state() == StateEnded }, waitFor, 10*time.Millisecond)
	assert.Equal(t, ReasonRemoteHangup, doctor.ctrl.Snapshot().EndReason)
}

func TestControllerCancelDuringAcquire(t *testing.T) {
	hub := signaling.NewHub()
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)

	t.Run("end call", func(t *testing.T) {
		patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
		patient.acquirer.HoldUntilCancelled(media.KindBoth)

		errc := dial(context.Background(), patient, doctor)
		require.Eventually(t, func() bool { return len(patient.acquirer.Requests()) == 1 }, waitFor, 10*time.Millisecond)
		assert.Equal(t, StateDialing, patient.state())

		require.NoError(t, patient.ctrl.EndCall())
		assert.ErrorIs(t, result(t, errc), ErrEnded)
		assert.Equal(t, ReasonLocalHangup, patient.ctrl.Snapshot().EndReason)
		require.Eventually(t, func() bool { return allStopped(patient.acquirer.Tracks()) }, waitFor, 10*time.Millisecond)
		assert.Equal(t, StateIdle, doctor.state())
	})

	t.Run("context cancelled", func(t *testing.T) {
		patient := newParty(t, hub, "pat2@example.com", identity.RolePatient)
		patient.acquirer.HoldUntilCancelled(media.KindBoth)

		ctx, cancel := context.WithCancel(context.Background())
		errc := dial(ctx, patient, doctor)
		require.Eventually(t, func() bool { return len(patient.acquirer.Requests()) == 1 }, waitFor, 10*time.Millisecond)
		cancel()

		assert.ErrorIs(t, result(t, errc), context.Canceled)
		require.Eventually(t, func() bool { return patient.state() == StateEnded }, waitFor, 10*time.Millisecond)
		assert.Equal(t, ReasonCancelled, patient.ctrl.Snapshot().EndReason)
		require.Eventually(t, func() bool { return allStopped(patient.acquirer.Tracks()) }, waitFor, 10*time.Millisecond)
	})
}

func TestControllerConnectivity(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)
	connect(t, patient, doctor)
	p := patient.peer(t)

	p.fire(peer.Disconnected)
	require.Eventually(t, func() bool { return patient.events.notified(NotifyReconnecting) != nil }, waitFor, 10*time.Millisecond)
	assert.Equal(t, StateActive, patient.state())
	assert.Equal(t, peer.Disconnected, patient.ctrl.Snapshot().Connectivity)

	p.fire(peer.Failed)
	require.Eventually(t, func() bool { return patient.state() == StateEnded }, waitFor, 10*time.Millisecond)
	snap := patient.ctrl.Snapshot()
	assert.Equal(t, ReasonConnectivityLost, snap.EndReason)
	assert.NoError(t, snap.Err, "losing connectivity is not a failure")
	assert.True(t, allStopped(patient.acquirer.Tracks()))

	require.Eventually(t, func() bool { return patient.events.notified(NotifyConnectivityLost) != nil }, waitFor, 10*time.Millisecond)
	assert.True(t, consultsdk.IsConnectivityLost(patient.events.notified(NotifyConnectivityLost).Err))

	require.Eventually(t, func() bool { return doctor.state() == StateEnded }, waitFor, 10*time.Millisecond)
	assert.Equal(t, ReasonRemoteHangup, doctor.ctrl.Snapshot().EndReason)
}

func TestControllerPreconditions(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)

	assert.True(t, consultsdk.IsPrecondition(patient.ctrl.ToggleMute()))
	assert.True(t, consultsdk.IsPrecondition(patient.ctrl.ToggleVideo()))
	assert.True(t, consultsdk.IsPrecondition(patient.ctrl.ToggleScreenShare(context.Background())))
	assert.True(t, consultsdk.IsPrecondition(patient.ctrl.Accept(context.Background())))
	assert.True(t, consultsdk.IsPrecondition(patient.ctrl.Decline()))
	assert.True(t, consultsdk.IsPrecondition(patient.ctrl.StartCall(context.Background(), "  ")))
	assert.True(t, consultsdk.IsPrecondition(patient.ctrl.StartCall(context.Background(), patient.address)))
	assert.NoError(t, patient.ctrl.EndCall())
	assert.Equal(t, StateIdle, patient.state())
	assert.Empty(t, patient.acquirer.Requests())

	connect(t, patient, doctor)
	err := patient.ctrl.StartCall(context.Background(), "other@example.com")
	assert.True(t, consultsdk.IsPrecondition(err))
	assert.Equal(t, StateActive, patient.state())
	assert.True(t, consultsdk.IsPrecondition(doctor.ctrl.Accept(context.Background())), "already accepted")
}

func TestControllerClose(t *testing.T) {
	hub := signaling.NewHub()
	patient := newParty(t, hub, "pat@example.com", identity.RolePatient)
	doctor := newParty(t, hub, "doc@example.com", identity.RoleDoctor)
	connect(t, patient, doctor)

	require.NoError(t, patient.ctrl.Close())
	assert.Equal(t, StateEnded, patient.state())
	assert.True(t, allStopped(patient.acquirer.Tracks()))
	require.Eventually(t, func() bool { return doctor.state() == StateEnded }, waitFor, 10*time.Millisecond)

	assert.ErrorIs(t, patient.ctrl.ToggleMute(), ErrClosed)
	assert.ErrorIs(t, patient.ctrl.StartCall(context.Background(), doctor.address), ErrClosed)
	assert.NoError(t, patient.ctrl.Close())
}
