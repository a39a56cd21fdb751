/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package peer owns the single WebRTC peer connection of a call. It keeps
// one audio and one video sender slot; camera and screen tracks share the
// video slot so only one outbound video track ever exists.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
	"github.com/tejzpr/consult-go-sdk/media"
)

// Connectivity is the peer connection state surfaced to the controller.
type Connectivity string

const (
	Connecting   Connectivity = "connecting"
	Connected    Connectivity = "connected"
	Disconnected Connectivity = "disconnected"
	Failed       Connectivity = "failed"
	Closed       Connectivity = "closed"
)

// Terminal reports whether the call cannot recover from c.
// Disconnected is transient: ICE may still restore the path.
func (c Connectivity) Terminal() bool {
	return c == Failed || c == Closed
}

func connectivityFrom(s webrtc.PeerConnectionState) (Connectivity, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return Connecting, true
	case webrtc.PeerConnectionStateConnected:
		return Connected, true
	case webrtc.PeerConnectionStateDisconnected:
		return Disconnected, true
	case webrtc.PeerConnectionStateFailed:
		return Failed, true
	case webrtc.PeerConnectionStateClosed:
		return Closed, true
	default:
		return "", false
	}
}

// Config holds configuration for the peer connection
type Config struct {
	// ICEServers is the list of ICE servers (STUN/TURN) to use
	ICEServers []webrtc.ICEServer

	// ICE agent timeouts. Zero values keep pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration

	// RegisterCodecs fills the media engine. Defaults to pion's default codecs.
	RegisterCodecs func(*webrtc.MediaEngine) error

	// WaitForGathering embeds all candidates in the SDP instead of trickling
	// them through OnICECandidate.
	WaitForGathering bool

	Logger *zap.Logger
}

// DefaultConfig returns a Config using Google's public STUN server.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

type slot struct {
	kind        webrtc.RTPCodecType
	transceiver *webrtc.RTPTransceiver
	placeholder webrtc.TrackLocal
	role        media.TrackRole
	track       webrtc.TrackLocal
}

// Manager wraps one pion PeerConnection.
type Manager struct {
	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	cfg    Config
	logger *zap.Logger

	audio *slot
	video *slot

	pendingCandidates []webrtc.ICECandidateInit
	remoteTracks      []*webrtc.TrackRemote

	onRemoteTrack  func(*webrtc.TrackRemote)
	onConnectivity func(Connectivity)
	onICECandidate func(webrtc.ICECandidateInit)

	closed bool
}

// New creates the peer connection with a sendrecv audio and video
// transceiver, so tracks can later be substituted without renegotiation.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &webrtc.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(m); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepaliveInterval > 0 {
		settings.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepaliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settings),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	mgr := &Manager{
		pc:     pc,
		cfg:    *cfg,
		logger: consultsdk.LoggerOrNop(cfg.Logger),
	}

	if mgr.audio, err = mgr.addSlot(webrtc.RTPCodecTypeAudio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if mgr.video, err = mgr.addSlot(webrtc.RTPCodecTypeVideo); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		mgr.mu.Lock()
		handler := mgr.onICECandidate
		mgr.mu.Unlock()
		if handler != nil {
			handler(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		mgr.logger.Debug("peer connection state", zap.String("state", s.String()))
		c, ok := connectivityFrom(s)
		if !ok {
			return
		}
		mgr.mu.Lock()
		handler := mgr.onConnectivity
		mgr.mu.Unlock()
		if handler != nil {
			handler(c)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		mgr.logger.Debug("remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		mgr.mu.Lock()
		mgr.remoteTracks = append(mgr.remoteTracks, track)
		handler := mgr.onRemoteTrack
		mgr.mu.Unlock()
		if handler != nil {
			handler(track)
		}
	})

	return mgr, nil
}

func (mgr *Manager) addSlot(kind webrtc.RTPCodecType) (*slot, error) {
	transceiver, err := mgr.pc.AddTransceiverFromKind(kind,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
	}

	sender := transceiver.Sender()
	// Read RTCP from the sender so interceptors keep running.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	return &slot{
		kind:        kind,
		transceiver: transceiver,
		placeholder: sender.Track(),
	}, nil
}

func (mgr *Manager) slotFor(role media.TrackRole) (*slot, error) {
	switch role {
	case media.RoleMicrophoneAudio:
		return mgr.audio, nil
	case media.RoleCameraVideo, media.RoleScreenVideo:
		return mgr.video, nil
	default:
		return nil, fmt.Errorf("unknown track role %q", role)
	}
}

// AttachLocalTrack binds track to its role's empty sender slot. Use
// ReplaceTrack to substitute a track that is already attached.
func (mgr *Manager) AttachLocalTrack(track webrtc.TrackLocal, role media.TrackRole) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.closed {
		return fmt.Errorf("peer connection closed")
	}
	s, err := mgr.slotFor(role)
	if err != nil {
		return err
	}
	if s.track != nil {
		return fmt.Errorf("%s slot already carries %s", s.kind, s.role)
	}
	return mgr.setSlot(s, role, track)
}

// ReplaceTrack substitutes the track sent in role's slot without a new
// offer/answer exchange. A nil track leaves the slot sending nothing.
func (mgr *Manager) ReplaceTrack(role media.TrackRole, track webrtc.TrackLocal) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.closed {
		return fmt.Errorf("peer connection closed")
	}
	s, err := mgr.slotFor(role)
	if err != nil {
		return err
	}
	return mgr.setSlot(s, role, track)
}

func (mgr *Manager) setSlot(s *slot, role media.TrackRole, track webrtc.TrackLocal) error {
	next := track
	if next == nil {
		next = s.placeholder
	}
	if err := s.transceiver.Sender().ReplaceTrack(next); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", s.kind, err)
	}
	if track == nil {
		s.role, s.track = "", nil
	} else {
		s.role, s.track = role, track
	}
	mgr.logger.Debug("outbound track set", zap.String("slot", s.kind.String()), zap.String("role", string(s.role)))
	return nil
}

// OutboundVideo returns the role and track currently sent in the video slot.
// Both are empty when no video is sent.
func (mgr *Manager) OutboundVideo() (media.TrackRole, webrtc.TrackLocal) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.video.role, mgr.video.track
}

// OutboundAudio returns the track currently sent in the audio slot.
func (mgr *Manager) OutboundAudio() webrtc.TrackLocal {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.audio.track
}

// OnRemoteTrack sets the callback for when a remote track is received
func (mgr *Manager) OnRemoteTrack(handler func(*webrtc.TrackRemote)) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.onRemoteTrack = handler
}

// OnConnectivityChange sets the callback for connection state transitions
func (mgr *Manager) OnConnectivityChange(handler func(Connectivity)) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.onConnectivity = handler
}

// OnICECandidate sets the callback for locally gathered candidates
func (mgr *Manager) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.onICECandidate = handler
}

// RemoteTracks returns the remote tracks received so far.
func (mgr *Manager) RemoteTracks() []*webrtc.TrackRemote {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), mgr.remoteTracks...)
}

// CreateOffer creates and applies a local SDP offer.
func (mgr *Manager) CreateOffer(ctx context.Context) (string, error) {
	mgr.mu.Lock()
	offer, err := mgr.pc.CreateOffer(nil)
	if err != nil {
		mgr.mu.Unlock()
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	gathered, err := mgr.applyLocal(offer)
	mgr.mu.Unlock()
	if err != nil {
		return "", err
	}
	return mgr.localSDP(ctx, gathered)
}

// CreateAnswer creates and applies a local SDP answer to the remote offer.
func (mgr *Manager) CreateAnswer(ctx context.Context) (string, error) {
	mgr.mu.Lock()
	answer, err := mgr.pc.CreateAnswer(nil)
	if err != nil {
		mgr.mu.Unlock()
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gathered, err := mgr.applyLocal(answer)
	mgr.mu.Unlock()
	if err != nil {
		return "", err
	}
	return mgr.localSDP(ctx, gathered)
}

// applyLocal sets desc as the local description. The returned channel is
// nil unless the config waits for gathering. Caller holds mgr.mu.
func (mgr *Manager) applyLocal(desc webrtc.SessionDescription) (<-chan struct{}, error) {
	var gathered <-chan struct{}
	if mgr.cfg.WaitForGathering {
		gathered = webrtc.GatheringCompletePromise(mgr.pc)
	}
	if err := mgr.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return gathered, nil
}

// localSDP waits for gathered, when set, without holding mgr.mu: candidate
// callbacks take the lock and gathering only completes once they return.
func (mgr *Manager) localSDP(ctx context.Context, gathered <-chan struct{}) (string, error) {
	if gathered != nil {
		select {
		case <-gathered:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	localDesc := mgr.pc.LocalDescription()
	if localDesc == nil {
		return "", fmt.Errorf("local description is nil")
	}
	return localDesc.SDP, nil
}

// SetRemoteOffer applies the remote SDP offer and any queued candidates.
func (mgr *Manager) SetRemoteOffer(sdp string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if err := mgr.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	mgr.flushCandidates()
	return nil
}

// SetRemoteAnswer applies the remote SDP answer. A duplicate answer,
// arriving when the connection is already stable, is ignored.
func (mgr *Manager) SetRemoteAnswer(sdp string) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.pc.SignalingState() == webrtc.SignalingStateStable {
		mgr.logger.Debug("ignoring duplicate SDP answer")
		return nil
	}

	if err := mgr.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	mgr.flushCandidates()
	return nil
}

// AddICECandidate applies a remote candidate, queueing it until the remote
// description is known.
func (mgr *Manager) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.closed {
		return nil
	}
	if mgr.pc.RemoteDescription() == nil {
		mgr.pendingCandidates = append(mgr.pendingCandidates, candidate)
		return nil
	}
	return mgr.pc.AddICECandidate(candidate)
}

// PendingCandidates returns the number of queued remote candidates.
func (mgr *Manager) PendingCandidates() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.pendingCandidates)
}

func (mgr *Manager) flushCandidates() {
	for _, c := range mgr.pendingCandidates {
		if err := mgr.pc.AddICECandidate(c); err != nil {
			mgr.logger.Warn("failed to add queued ICE candidate", zap.Error(err))
		}
	}
	mgr.pendingCandidates = nil
}

// SignalingState returns the current signaling state.
func (mgr *Manager) SignalingState() webrtc.SignalingState {
	return mgr.pc.SignalingState()
}

// ConnectionState returns the current peer connection state
func (mgr *Manager) ConnectionState() webrtc.PeerConnectionState {
	return mgr.pc.ConnectionState()
}

// Close closes the peer connection. Closing twice is a no-op.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil
	}
	mgr.closed = true
	mgr.pendingCandidates = nil
	mgr.mu.Unlock()

	if err := mgr.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (mgr *Manager) IsClosed() bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.closed
}
