/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
)

var frontCameraLabels = []string{"front", "user", "facetime", "selfie"}

// DeviceAcquirer opens real capture devices through pion/mediadevices.
// Drivers and encoders are linked in with the mediadrivers build tag;
// without it every request reports DeviceUnavailable.
type DeviceAcquirer struct {
	codecs    *mediadevices.CodecSelector
	logger    *zap.Logger
	maxWidth  int
	maxHeight int

	devices func() []mediadevices.MediaDeviceInfo
	open    func(ctx context.Context, role TrackRole, preferFront bool) (Track, error)
}

// NewDeviceAcquirer creates an acquirer using the codecs linked into the
// binary.
func NewDeviceAcquirer(logger *zap.Logger) (*DeviceAcquirer, error) {
	codecs, err := newCodecSelector()
	if err != nil {
		return nil, err
	}
	a := &DeviceAcquirer{
		codecs:    codecs,
		logger:    consultsdk.LoggerOrNop(logger),
		maxWidth:  1280,
		maxHeight: 720,
		devices:   mediadevices.EnumerateDevices,
	}
	a.open = a.capture
	return a, nil
}

// Acquire implements Acquirer. Roles are opened one at a time so a failure
// on a later role can roll back the earlier ones.
func (a *DeviceAcquirer) Acquire(ctx context.Context, req Request) (*Handle, error) {
	if !req.Kind.Valid() {
		return nil, consultsdk.NewUnsupportedPlatform("acquire", errors.New("unknown media kind "+string(req.Kind)))
	}

	opened := make([]Track, 0, 2)
	for _, role := range req.Kind.Roles() {
		track, err := a.open(ctx, role, req.PreferFrontCamera)
		if err != nil {
			stopAll(opened)
			a.logger.Warn("media acquisition failed",
				zap.String("kind", string(req.Kind)),
				zap.String("role", string(role)),
				zap.Error(err))
			return nil, err
		}
		opened = append(opened, track)
	}

	handle, err := NewHandle(opened...)
	if err != nil {
		stopAll(opened)
		return nil, err
	}
	a.logger.Debug("media acquired", zap.String("kind", string(req.Kind)), zap.Int("tracks", len(opened)))
	return handle, nil
}

// capture opens a single role. The platform call has no context, so when
// ctx ends first the track that eventually arrives is closed in the
// background.
func (a *DeviceAcquirer) capture(ctx context.Context, role TrackRole, preferFront bool) (Track, error) {
	if role == RoleScreenVideo && len(driver.GetManager().Query(driver.FilterDeviceType(driver.Screen))) == 0 {
		return nil, consultsdk.NewUnsupportedPlatform("acquire", errors.New("no display capture driver"))
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: a.codecs}
	switch role {
	case RoleMicrophoneAudio:
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
	case RoleCameraVideo:
		deviceID := ""
		if preferFront {
			deviceID = frontCameraID(a.devices())
		}
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
			c.Width = prop.IntRanged{Max: a.maxWidth}
			c.Height = prop.IntRanged{Max: a.maxHeight}
		}
	case RoleScreenVideo:
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if role == RoleScreenVideo {
			r.stream, r.err = mediadevices.GetDisplayMedia(constraints)
		} else {
			r.stream, r.err = mediadevices.GetUserMedia(constraints)
		}
		done <- r
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, translateError("acquire", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, translateError("acquire", r.err)
		}
		tracks := r.stream.GetTracks()
		if len(tracks) == 0 {
			return nil, consultsdk.NewDeviceUnavailable("acquire", errors.New("no track returned for "+string(role)))
		}
		for _, extra := range tracks[1:] {
			extra.Close()
		}
		return newDeviceTrack(tracks[0], role), nil
	}
}

// frontCameraID picks the user-facing camera by label, falling back to the
// first video input.
func frontCameraID(devices []mediadevices.MediaDeviceInfo) string {
	var fallback string
	for _, d := range devices {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		label := strings.ToLower(d.Label)
		for _, marker := range frontCameraLabels {
			if strings.Contains(label, marker) {
				return d.DeviceID
			}
		}
		if fallback == "" {
			fallback = d.DeviceID
		}
	}
	return fallback
}

// translateError maps platform failures onto the call error taxonomy.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *consultsdk.CallError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrPermission) {
		return consultsdk.NewMediaAccessDenied(op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not allowed"):
		return consultsdk.NewMediaAccessDenied(op, err)
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "unsupported"), strings.Contains(msg, "not implemented"):
		return consultsdk.NewUnsupportedPlatform(op, err)
	default:
		return consultsdk.NewDeviceUnavailable(op, err)
	}
}

// deviceTrack adapts a mediadevices track to Track.
type deviceTrack struct {
	mediadevices.Track
	role TrackRole
	gate *gate

	mu      sync.Mutex
	stopped bool
	onEnded []func()
}

func newDeviceTrack(t mediadevices.Track, role TrackRole) *deviceTrack {
	dt := &deviceTrack{Track: t, role: role, gate: newGate()}
	dt.gate.install(t)
	t.OnEnded(func(err error) {
		dt.mu.Lock()
		if dt.stopped {
			dt.mu.Unlock()
			return
		}
		dt.stopped = true
		callbacks := make([]func(), len(dt.onEnded))
		copy(callbacks, dt.onEnded)
		dt.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}
	})
	return dt
}

func (t *deviceTrack) Role() TrackRole { return t.role }

func (t *deviceTrack) Local() webrtc.TrackLocal { return t.Track }

func (t *deviceTrack) Enabled() bool { return t.gate.enabled() }

func (t *deviceTrack) SetEnabled(enabled bool) { t.gate.set(enabled) }

func (t *deviceTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.Track.Close()
}

func (t *deviceTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *deviceTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}
