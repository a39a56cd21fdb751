/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callsession drives one participant's calls: media acquisition,
// offer/answer negotiation over a signaling port, mid-call media toggles and
// teardown.
//
// Every command and every external callback is serialized onto a single
// dispatch goroutine, which is the only code that reads or writes session
// state. Commands that must wait for the platform (StartCall, Accept,
// ToggleScreenShare) hand the slow part to a helper goroutine whose result
// is posted back to the dispatch goroutine.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
	"github.com/tejzpr/consult-go-sdk/device"
	"github.com/tejzpr/consult-go-sdk/identity"
	"github.com/tejzpr/consult-go-sdk/media"
	"github.com/tejzpr/consult-go-sdk/metrics"
	"github.com/tejzpr/consult-go-sdk/peer"
	"github.com/tejzpr/consult-go-sdk/signaling"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultAcquireTimeout     = 20 * time.Second
	DefaultSendTimeout        = 10 * time.Second
)

// Peer is the peer connection of one session. *peer.Manager implements it.
type Peer interface {
	AttachLocalTrack(track webrtc.TrackLocal, role media.TrackRole) error
	ReplaceTrack(role media.TrackRole, track webrtc.TrackLocal) error
	OutboundVideo() (media.TrackRole, webrtc.TrackLocal)
	OnRemoteTrack(handler func(*webrtc.TrackRemote))
	OnConnectivityChange(handler func(peer.Connectivity))
	OnICECandidate(handler func(webrtc.ICECandidateInit))
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// PeerFactory creates the peer connection for a new session.
type PeerFactory func() (Peer, error)

// Config holds the controller configuration
type Config struct {
	// Local is the signed-in participant. Required.
	Local *identity.Participant
	// Signaling carries offers, answers and candidates. Required.
	Signaling signaling.Port
	// Acquirer opens local capture tracks. Required.
	Acquirer media.Acquirer
	// NewPeer defaults to a peer.Manager with peer.DefaultConfig.
	NewPeer PeerFactory

	// Kind is acquired for outgoing and accepted calls. Defaults to
	// media.KindBoth.
	Kind media.Kind
	// Capabilities gates screen sharing and selects the front camera.
	// Nil leaves every control enabled.
	Capabilities *device.Capabilities

	NegotiationTimeout time.Duration
	AcquireTimeout     time.Duration
	SendTimeout        time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Controller is the call session state machine for one local participant.
// It holds at most one non-terminal session at a time.
type Controller struct {
	cfg      Config
	local    *identity.Participant
	port     signaling.Port
	acquirer media.Acquirer
	newPeer  PeerFactory
	logger   *zap.Logger
	metrics  *metrics.Metrics
	emitter  *EventEmitter

	loop   *queue
	outbox *queue
	events *queue

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once

	snap atomic.Pointer[Snapshot]

	// Owned by the dispatch goroutine.
	session *CallSession
	gen     uint64
}

// New creates a controller and subscribes it to cfg.Signaling.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Local.Validate(); err != nil {
		return nil, err
	}
	if cfg.Signaling == nil {
		return nil, fmt.Errorf("signaling port is required")
	}
	if cfg.Acquirer == nil {
		return nil, fmt.Errorf("media acquirer is required")
	}
	if cfg.Kind == "" {
		cfg.Kind = media.KindBoth
	}
	if !cfg.Kind.Valid() || cfg.Kind == media.KindDisplay {
		return nil, fmt.Errorf("invalid call media kind %q", cfg.Kind)
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	logger := consultsdk.LoggerOrNop(cfg.Logger).With(
		zap.String("participant", cfg.Local.Address()),
		zap.String("role", string(cfg.Local.Role)),
	)

	newPeer := cfg.NewPeer
	if newPeer == nil {
		newPeer = func() (Peer, error) {
			pcfg := peer.DefaultConfig()
			pcfg.Logger = logger
			return peer.New(pcfg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		local:    copyParticipant(cfg.Local),
		port:     cfg.Signaling,
		acquirer: cfg.Acquirer,
		newPeer:  newPeer,
		logger:   logger,
		metrics:  cfg.Metrics,
		emitter:  NewEventEmitter(),
		loop:     newQueue(),
		outbox:   newQueue(),
		events:   newQueue(),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.snap.Store(c.idleSnapshot())
	c.unsubscribe = c.port.OnMessage(func(msg signaling.Message) {
		c.loop.push(func() { c.handleMessage(msg) })
	})
	return c, nil
}

// On registers an event handler. Handlers run on a dedicated goroutine, in
// event order, and may call back into the controller. They must not call
// Close.
func (c *Controller) On(event EventKey, handler EventHandler) {
	c.emitter.On(event, handler)
}

// Off removes all handlers for event.
func (c *Controller) Off(event EventKey) {
	c.emitter.Off(event)
}

// Local returns the local participant.
func (c *Controller) Local() *identity.Participant {
	return copyParticipant(c.local)
}

// Snapshot returns the current session state. It never blocks on the
// dispatch goroutine.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// StartCall dials remoteAddress and returns once the call is active or has
// failed. A remote decline, busy signal or unknown address is reported as
// ErrDeclined, ErrBusy or ErrUnreachable with the session Ended.
func (c *Controller) StartCall(ctx context.Context, remoteAddress string) error {
	address := strings.TrimSpace(remoteAddress)
	return c.do(ctx, func(reply chan error) { c.startCall(address, reply) })
}

// Accept answers the ringing call and returns once it is active.
func (c *Controller) Accept(ctx context.Context) error {
	return c.do(ctx, c.accept)
}

// Decline rejects the ringing call without acquiring any media.
func (c *Controller) Decline() error {
	return c.do(context.Background(), c.decline)
}

// EndCall hangs up. It is a no-op when no call is in progress.
func (c *Controller) EndCall() error {
	return c.do(context.Background(), c.endCall)
}

// ToggleMute flips the microphone's enabled flag.
func (c *Controller) ToggleMute() error {
	return c.do(context.Background(), c.toggleMute)
}

// ToggleVideo flips the camera's enabled flag.
func (c *Controller) ToggleVideo() error {
	return c.do(context.Background(), c.toggleVideo)
}

// ToggleScreenShare starts or stops sending the screen instead of the
// camera. Starting waits for the display capture to be granted.
func (c *Controller) ToggleScreenShare(ctx context.Context) error {
	return c.do(ctx, c.toggleScreenShare)
}

// Close ends any call in progress and stops the controller.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		_ = c.do(context.Background(), c.endCall)
		c.unsubscribe()
		c.loop.close()
		c.loop.wait()
		c.cancel()
		c.outbox.close()
		c.outbox.wait()
		c.events.close()
		c.events.wait()
	})
	return nil
}

// do runs fn on the dispatch goroutine and waits for it, or for an async
// completion it registered, to write reply.
func (c *Controller) do(ctx context.Context, fn func(reply chan error)) error {
	reply := make(chan error, 1)
	if !c.loop.push(func() { fn(reply) }) {
		return ErrClosed
	}
	return c.await(ctx, reply)
}

// await returns the reply, or ctx's error once ctx ends first. A reply that
// is already written wins over a cancelled ctx.
func (c *Controller) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		select {
		case err := <-reply:
			return err
		default:
		}
		c.loop.push(func() { c.abandon(reply) })
		return ctx.Err()
	}
}

// ---- Dispatch goroutine ----

func (c *Controller) current(gen uint64) *CallSession {
	if c.session != nil && c.session.gen == gen {
		return c.session
	}
	return nil
}

func (c *Controller) activeSession(op string) (*CallSession, error) {
	s := c.session
	if s == nil || s.State != StateActive {
		state := StateIdle
		if s != nil {
			state = s.State
		}
		return nil, consultsdk.NewPreconditionError(op, "no active call (state %s)", state)
	}
	return s, nil
}

func (c *Controller) newSession(id string, dir Direction, remote string) *CallSession {
	c.gen++
	s := &CallSession{
		ID:               id,
		State:            StateIdle,
		Direction:        dir,
		LocalParticipant: c.local,
		RemoteAddress:    remote,
		StartedAt:        time.Now(),
		gen:              c.gen,
	}
	c.session = s
	return s
}

func (c *Controller) startCall(address string, reply chan error) {
	if address == "" {
		reply <- consultsdk.NewPreconditionError("start_call", "remote address is empty")
		return
	}
	if address == c.local.Address() || address == c.port.Address() {
		reply <- consultsdk.NewPreconditionError("start_call", "cannot call yourself")
		return
	}
	if s := c.session; s != nil && !s.State.Terminal() {
		reply <- consultsdk.NewPreconditionError("start_call", "a call is already in progress (state %s)", s.State)
		return
	}

	s := c.newSession(uuid.NewString(), DirectionOutbound, address)
	s.waiter = reply
	c.metrics.CallStarted(string(DirectionOutbound))
	c.setState(s, StateDialing, "")
	c.acquire(s)
}

func (c *Controller) accept(reply chan error) {
	s := c.session
	if s == nil || s.State != StateRinging || s.accepted {
		reply <- consultsdk.NewPreconditionError("accept", "no incoming call to accept")
		return
	}
	s.accepted = true
	s.waiter = reply
	c.acquire(s)
}

func (c *Controller) decline(reply chan error) {
	s := c.session
	if s == nil || s.State != StateRinging || s.accepted {
		reply <- consultsdk.NewPreconditionError("decline", "no incoming call to decline")
		return
	}
	c.sendControl(signaling.TypeDecline, s.ID, s.RemoteAddress)
	c.release(s)
	c.session = nil
	c.metrics.CallEnded(string(StateIdle), string(ReasonDeclined), false, 0)
	c.logger.Info("declined incoming call", zap.String("session_id", s.ID), zap.String("from", s.RemoteAddress))
	c.snap.Store(c.idleSnapshot())
	c.emit(EventState, StateChange{SessionID: s.ID, From: StateRinging, To: StateIdle, Reason: ReasonDeclined})
	reply <- nil
}

func (c *Controller) endCall(reply chan error) {
	s := c.session
	if s == nil || s.State.Terminal() {
		reply <- nil
		return
	}
	if s.State == StateRinging && !s.accepted {
		c.decline(reply)
		return
	}
	c.finish(s, StateEnded, ReasonLocalHangup, nil)
	reply <- nil
}

// abandon handles a caller whose context ended while waiting on reply.
func (c *Controller) abandon(reply chan error) {
	s := c.session
	if s == nil || s.State.Terminal() {
		return
	}
	switch reply {
	case s.waiter:
		c.finish(s, StateEnded, ReasonCancelled, nil)
	case s.screenWaiter:
		s.screenWaiter = nil
		if s.cancelScreen != nil {
			s.cancelScreen()
			s.cancelScreen = nil
		}
	}
}

func (c *Controller) acquire(s *CallSession) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AcquireTimeout)
	s.cancelAcquire = cancel
	req := media.Request{
		Kind:              c.cfg.Kind,
		PreferFrontCamera: c.cfg.Capabilities != nil && c.cfg.Capabilities.FrontCamera,
	}
	gen := s.gen

	go func() {
		handle, err := c.acquirer.Acquire(ctx, req)
		cancel()
		if !c.loop.push(func() { c.acquired(gen, handle, err) }) && handle != nil {
			handle.Release()
		}
	}()
}

func (c *Controller) acquired(gen uint64, handle *media.Handle, err error) {
	s := c.current(gen)
	if s == nil || (s.State != StateDialing && s.State != StateRinging) {
		if handle != nil {
			handle.Release()
		}
		return
	}
	s.cancelAcquire = nil

	if err != nil {
		c.metrics.AcquireFailed(string(consultsdk.KindOf(err)))
		c.finish(s, StateFailed, ReasonMediaError, err)
		return
	}

	s.handle = handle
	s.Media = LocalMediaState{VideoEnabled: handle.Track(media.RoleCameraVideo) != nil}
	if err := c.setupPeer(s); err != nil {
		c.finish(s, StateFailed, ReasonNegotiationError, err)
		return
	}

	c.publish(s)
	c.emit(EventMediaState, s.Media)

	if s.Direction == DirectionOutbound {
		c.sendOffer(s)
	} else {
		c.sendAnswer(s)
	}
}

func (c *Controller) setupPeer(s *CallSession) error {
	p, err := c.newPeer()
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	s.peer = p

	gen := s.gen
	p.OnConnectivityChange(func(state peer.Connectivity) {
		c.loop.push(func() { c.connectivityChanged(gen, state) })
	})
	p.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		c.loop.push(func() { c.remoteTrack(gen, track) })
	})
	p.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		c.loop.push(func() { c.localCandidate(gen, candidate) })
	})

	for _, t := range s.handle.Tracks() {
		if err := p.AttachLocalTrack(t.Local(), t.Role()); err != nil {
			return fmt.Errorf("failed to attach %s track: %w", t.Role(), err)
		}
	}
	return nil
}

func (c *Controller) sendOffer(s *CallSession) {
	sdp, err := s.peer.CreateOffer(c.ctx)
	if err != nil {
		c.finish(s, StateFailed, ReasonNegotiationError, err)
		return
	}
	msg, err := signaling.NewMessage(signaling.TypeOffer, s.ID, "", s.RemoteAddress, signaling.SDPPayload{SDP: sdp})
	if err != nil {
		c.finish(s, StateFailed, ReasonNegotiationError, err)
		return
	}
	msg.Participant = copyParticipant(c.local)

	gen := s.gen
	s.remoteContacted = true
	c.send(msg, func(err error) {
		if err != nil {
			c.offerFailed(gen, err)
		}
	})
	s.timer = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.loop.push(func() { c.negotiationTimedOut(gen) })
	})
	c.logger.Info("offer sent", zap.String("session_id", s.ID), zap.String("to", s.RemoteAddress))
}

func (c *Controller) offerFailed(gen uint64, err error) {
	s := c.current(gen)
	if s == nil || s.State != StateDialing {
		return
	}
	s.remoteContacted = false
	if errors.Is(err, signaling.ErrUnknownRecipient) {
		c.finish(s, StateEnded, ReasonUnreachable, nil)
		return
	}
	c.finish(s, StateFailed, ReasonSignalingError, err)
}

func (c *Controller) negotiationTimedOut(gen uint64) {
	s := c.current(gen)
	if s == nil || s.State != StateDialing {
		return
	}
	c.finish(s, StateFailed, ReasonNegotiationTimeout,
		consultsdk.NewNegotiationTimeout("start_call", c.cfg.NegotiationTimeout))
}

func (c *Controller) sendAnswer(s *CallSession) {
	if err := s.peer.SetRemoteOffer(s.offerSDP); err != nil {
		c.finish(s, StateFailed, ReasonNegotiationError, err)
		return
	}
	for _, candidate := range s.pendingRemote {
		if err := s.peer.AddICECandidate(candidate); err != nil {
			c.logger.Warn("failed to add buffered ICE candidate", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	s.pendingRemote = nil

	sdp, err := s.peer.CreateAnswer(c.ctx)
	if err != nil {
		c.finish(s, StateFailed, ReasonNegotiationError, err)
		return
	}
	msg, err := signaling.NewMessage(signaling.TypeAnswer, s.ID, "", s.RemoteAddress, signaling.SDPPayload{SDP: sdp})
	if err != nil {
		c.finish(s, StateFailed, ReasonNegotiationError, err)
		return
	}
	msg.Participant = copyParticipant(c.local)

	gen := s.gen
	c.send(msg, func(err error) { c.answerSent(gen, err) })
}

func (c *Controller) answerSent(gen uint64, err error) {
	s := c.current(gen)
	if s == nil || s.State != StateRinging {
		return
	}
	if err != nil {
		c.finish(s, StateFailed, ReasonSignalingError, err)
		return
	}
	c.setRemote(s, s.offerer)
	c.activate(s)
}

func (c *Controller) setRemote(s *CallSession, p *identity.Participant) {
	if s.RemoteParticipant != nil {
		return
	}
	if p == nil {
		p = identity.Counterpart(c.local.Role, s.RemoteAddress)
	}
	s.RemoteParticipant = copyParticipant(p)
}

func (c *Controller) activate(s *CallSession) {
	s.ActiveAt = time.Now()
	c.metrics.CallActive(s.ActiveAt.Sub(s.StartedAt))
	c.setState(s, StateActive, "")
	if s.waiter != nil {
		s.waiter <- nil
		s.waiter = nil
	}
}

// ---- Signaling ----

func (c *Controller) handleMessage(msg signaling.Message) {
	if msg.Type == signaling.TypeOffer {
		c.incomingOffer(msg)
		return
	}

	s := c.session
	if s == nil || s.State.Terminal() || msg.SessionID != s.ID {
		c.logger.Debug("ignoring message for another session",
			zap.String("type", string(msg.Type)),
			zap.String("session_id", msg.SessionID))
		return
	}
	if msg.Type != signaling.TypeError && msg.From != "" && msg.From != s.RemoteAddress {
		c.logger.Warn("ignoring message from unexpected sender",
			zap.String("type", string(msg.Type)),
			zap.String("from", msg.From))
		return
	}

	switch msg.Type {
	case signaling.TypeAnswer:
		c.remoteAnswer(s, msg)
	case signaling.TypeICECandidate:
		c.remoteCandidate(s, msg)
	case signaling.TypeHangup:
		wasActive := s.State == StateActive
		c.finish(s, StateEnded, ReasonRemoteHangup, nil)
		if wasActive {
			c.emit(EventNotification, Notification{Kind: NotifyRemoteEnded, SessionID: s.ID})
		}
	case signaling.TypeDecline:
		if s.State == StateDialing {
			c.finish(s, StateEnded, ReasonDeclined, nil)
		}
	case signaling.TypeBusy:
		if s.State == StateDialing {
			c.finish(s, StateEnded, ReasonBusy, nil)
		}
	case signaling.TypeError:
		c.relayError(s, msg)
	}
}

func (c *Controller) incomingOffer(msg signaling.Message) {
	if s := c.session; s != nil && !s.State.Terminal() {
		if s.ID == msg.SessionID {
			return
		}
		c.logger.Info("rejecting call while busy", zap.String("from", msg.From))
		c.sendControl(signaling.TypeBusy, msg.SessionID, msg.From)
		return
	}

	var payload signaling.SDPPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.SDP == "" || msg.SessionID == "" || msg.From == "" {
		c.logger.Warn("ignoring malformed offer", zap.String("from", msg.From), zap.Error(err))
		return
	}

	s := c.newSession(msg.SessionID, DirectionInbound, msg.From)
	s.offerSDP = payload.SDP
	s.offerer = copyParticipant(msg.Participant)
	s.remoteContacted = true
	c.metrics.CallStarted(string(DirectionInbound))
	c.setState(s, StateRinging, "")
	c.emit(EventIncomingCall, IncomingCall{
		SessionID:   s.ID,
		From:        s.RemoteAddress,
		Participant: copyParticipant(s.offerer),
	})
}

func (c *Controller) remoteAnswer(s *CallSession, msg signaling.Message) {
	if s.State != StateDialing || s.peer == nil {
		return
	}
	var payload signaling.SDPPayload
	if err := msg.DecodePayload(&payload); err != nil {
		c.finish(s, StateFailed, ReasonNegotiationError, err)
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := s.peer.SetRemoteAnswer(payload.SDP); err != nil {
		c.finish(s, StateFailed, ReasonNegotiationError, err)
		return
	}
	c.setRemote(s, msg.Participant)
	c.activate(s)
}

func (c *Controller) remoteCandidate(s *CallSession, msg signaling.Message) {
	var candidate webrtc.ICECandidateInit
	if err := msg.DecodePayload(&candidate); err != nil {
		c.logger.Warn("dropping malformed ICE candidate", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	if s.peer == nil {
		s.pendingRemote = append(s.pendingRemote, candidate)
		return
	}
	if err := s.peer.AddICECandidate(candidate); err != nil {
		c.logger.Warn("failed to add ICE candidate", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (c *Controller) relayError(s *CallSession, msg signaling.Message) {
	var payload signaling.ErrorPayload
	_ = msg.DecodePayload(&payload)
	c.logger.Warn("signaling relay error",
		zap.String("session_id", s.ID),
		zap.String("code", payload.Code),
		zap.String("message", payload.Message))
	if payload.Code == signaling.CodeUnknownRecipient && s.State == StateDialing {
		s.remoteContacted = false
		c.finish(s, StateEnded, ReasonUnreachable, nil)
	}
}

func (c *Controller) localCandidate(gen uint64, candidate webrtc.ICECandidateInit) {
	s := c.current(gen)
	if s == nil || s.State.Terminal() {
		return
	}
	msg, err := signaling.NewMessage(signaling.TypeICECandidate, s.ID, "", s.RemoteAddress, candidate)
	if err != nil {
		return
	}
	c.send(msg, nil)
	c.emit(EventICECandidate, candidate)
}

// send queues msg on the ordered outbox. done, if set, runs on the dispatch
// goroutine with the send result.
func (c *Controller) send(msg signaling.Message, done func(error)) {
	ok := c.outbox.push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
		err := c.port.Send(ctx, msg)
		cancel()
		if err != nil {
			c.logger.Warn("failed to send signaling message",
				zap.String("type", string(msg.Type)),
				zap.String("session_id", msg.SessionID),
				zap.Error(err))
		}
		if done != nil {
			c.loop.push(func() { done(err) })
		}
	})
	if !ok && done != nil {
		done(ErrClosed)
	}
}

func (c *Controller) sendControl(typ signaling.MessageType, sessionID, to string) {
	msg, err := signaling.NewMessage(typ, sessionID, "", to, nil)
	if err != nil {
		return
	}
	c.send(msg, nil)
}

// ---- Peer callbacks ----

func (c *Controller) connectivityChanged(gen uint64, state peer.Connectivity) {
	s := c.current(gen)
	if s == nil || s.State.Terminal() {
		return
	}
	s.Connectivity = state
	c.logger.Debug("connectivity changed", zap.String("session_id", s.ID), zap.String("connectivity", string(state)))

	switch state {
	case peer.Failed, peer.Closed:
		wasActive := s.State == StateActive
		c.finish(s, StateEnded, ReasonConnectivityLost, nil)
		if wasActive {
			c.emit(EventNotification, Notification{
				Kind:      NotifyConnectivityLost,
				SessionID: s.ID,
				Err:       consultsdk.NewConnectivityLost(string(state)),
			})
		}
		return
	case peer.Connected:
		c.emit(EventNotification, Notification{Kind: NotifyConnected, SessionID: s.ID})
	case peer.Disconnected:
		c.emit(EventNotification, Notification{Kind: NotifyReconnecting, SessionID: s.ID})
	}
	c.publish(s)
}

func (c *Controller) remoteTrack(gen uint64, track *webrtc.TrackRemote) {
	s := c.current(gen)
	if s == nil || s.State.Terminal() {
		return
	}
	s.remoteTracks = append(s.remoteTracks, track)
	c.publish(s)
	c.emit(EventRemoteTrack, track)
}

// ---- Media toggles ----

func (c *Controller) toggleMute(reply chan error) {
	s, err := c.activeSession("toggle_mute")
	if err != nil {
		reply <- err
		return
	}
	s.Media.AudioMuted = !s.Media.AudioMuted
	if mic := s.track(media.RoleMicrophoneAudio); mic != nil {
		mic.SetEnabled(!s.Media.AudioMuted)
	}
	c.mediaChanged(s)
	reply <- nil
}

func (c *Controller) toggleVideo(reply chan error) {
	s, err := c.activeSession("toggle_video")
	if err != nil {
		reply <- err
		return
	}
	camera := s.track(media.RoleCameraVideo)
	if camera == nil {
		reply <- consultsdk.NewPreconditionError("toggle_video", "the call has no camera track")
		return
	}

	s.Media.VideoEnabled = !s.Media.VideoEnabled
	camera.SetEnabled(s.Media.VideoEnabled)
	if err := c.syncVideo(s); err != nil {
		s.Media.VideoEnabled = !s.Media.VideoEnabled
		camera.SetEnabled(s.Media.VideoEnabled)
		reply <- err
		return
	}
	c.mediaChanged(s)
	reply <- nil
}

func (c *Controller) toggleScreenShare(reply chan error) {
	const op = "toggle_screen_share"
	s, err := c.activeSession(op)
	if err != nil {
		reply <- err
		return
	}
	if s.screenWaiter != nil {
		reply <- consultsdk.NewPreconditionError(op, "a screen share request is already pending")
		return
	}
	if s.Media.ScreenSharing {
		c.stopScreen(s)
		c.mediaChanged(s)
		reply <- nil
		return
	}
	if caps := c.cfg.Capabilities; caps != nil && !caps.ScreenShare {
		reply <- consultsdk.NewUnsupportedPlatform(op, fmt.Errorf("screen sharing is not available on %s devices", caps.Class))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AcquireTimeout)
	s.cancelScreen = cancel
	s.screenWaiter = reply
	gen := s.gen

	go func() {
		handle, err := c.acquirer.Acquire(ctx, media.Request{Kind: media.KindDisplay})
		cancel()
		if !c.loop.push(func() { c.screenAcquired(gen, handle, err) }) && handle != nil {
			handle.Release()
		}
	}()
}

func (c *Controller) screenAcquired(gen uint64, handle *media.Handle, err error) {
	s := c.current(gen)
	if s == nil || s.State != StateActive || s.screenWaiter == nil {
		if handle != nil {
			handle.Release()
		}
		return
	}
	reply := s.screenWaiter
	s.screenWaiter = nil
	s.cancelScreen = nil

	if err != nil {
		c.metrics.AcquireFailed(string(consultsdk.KindOf(err)))
		reply <- err
		return
	}
	track := handle.Track(media.RoleScreenVideo)
	if track == nil {
		handle.Release()
		reply <- consultsdk.NewDeviceUnavailable("toggle_screen_share", errors.New("no display track"))
		return
	}

	s.screen = handle
	s.Media.ScreenSharing = true
	if err := c.syncVideo(s); err != nil {
		s.Media.ScreenSharing = false
		s.screen = nil
		handle.Release()
		reply <- err
		return
	}
	track.OnEnded(func() {
		c.loop.push(func() { c.screenEnded(gen, handle) })
	})

	c.metrics.ScreenShareStarted()
	c.logger.Info("screen share started", zap.String("session_id", s.ID))
	c.mediaChanged(s)
	reply <- nil
}

// screenEnded handles the platform stopping the display capture by itself.
func (c *Controller) screenEnded(gen uint64, handle *media.Handle) {
	s := c.current(gen)
	if s == nil || s.State != StateActive || s.screen != handle {
		return
	}
	c.stopScreen(s)
	c.mediaChanged(s)
	c.emit(EventNotification, Notification{Kind: NotifyScreenShareEnded, SessionID: s.ID})
}

func (c *Controller) stopScreen(s *CallSession) {
	s.Media.ScreenSharing = false
	if err := c.syncVideo(s); err != nil {
		c.logger.Warn("failed to restore outbound video", zap.String("session_id", s.ID), zap.Error(err))
	}
	if s.screen != nil {
		s.screen.Release()
		s.screen = nil
	}
	c.logger.Info("screen share stopped", zap.String("session_id", s.ID))
}

// syncVideo points the single outbound video sender at desiredVideo.
func (c *Controller) syncVideo(s *CallSession) error {
	if s.peer == nil {
		return nil
	}
	_, current := s.peer.OutboundVideo()
	want := s.desiredVideo()
	if want == nil {
		if current == nil {
			return nil
		}
		return s.peer.ReplaceTrack(media.RoleCameraVideo, nil)
	}
	if current == want.Local() {
		return nil
	}
	return s.peer.ReplaceTrack(want.Role(), want.Local())
}

// ---- Transitions ----

// outcome is what a command still waiting on the session returns.
func outcome(reason EndReason, err error) error {
	if err != nil {
		return err
	}
	switch reason {
	case ReasonDeclined:
		return ErrDeclined
	case ReasonBusy:
		return ErrBusy
	case ReasonUnreachable:
		return ErrUnreachable
	default:
		return ErrEnded
	}
}

// finish moves s into a terminal state and releases everything it owns.
func (c *Controller) finish(s *CallSession, state State, reason EndReason, err error) {
	if s.State.Terminal() {
		return
	}
	from := s.State
	wasActive := from == StateActive
	notifyRemote := s.remoteContacted && !reason.Remote()

	c.release(s)
	s.State = state
	s.EndReason = reason
	s.Err = err
	s.EndedAt = time.Now()

	if notifyRemote {
		typ := signaling.TypeHangup
		if s.Direction == DirectionInbound && !wasActive {
			typ = signaling.TypeDecline
		}
		c.sendControl(typ, s.ID, s.RemoteAddress)
	}
	if s.waiter != nil {
		s.waiter <- outcome(reason, err)
		s.waiter = nil
	}
	if s.screenWaiter != nil {
		s.screenWaiter <- ErrEnded
		s.screenWaiter = nil
	}

	var active time.Duration
	if wasActive {
		active = s.EndedAt.Sub(s.ActiveAt)
	}
	c.metrics.CallEnded(string(state), string(reason), wasActive, active)

	fields := []zap.Field{
		zap.String("session_id", s.ID),
		zap.String("state", string(state)),
		zap.String("reason", string(reason)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Info("call ended", fields...)

	c.publish(s)
	c.emit(EventState, StateChange{SessionID: s.ID, From: from, To: state, Reason: reason})
}

// release stops every local track, closes the peer connection and cancels
// pending work. Each handle is released exactly once.
func (c *Controller) release(s *CallSession) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelAcquire != nil {
		s.cancelAcquire()
		s.cancelAcquire = nil
	}
	if s.cancelScreen != nil {
		s.cancelScreen()
		s.cancelScreen = nil
	}
	if s.screen != nil {
		s.screen.Release()
		s.screen = nil
	}
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}
	s.Media.ScreenSharing = false
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			c.logger.Warn("failed to close peer connection", zap.String("session_id", s.ID), zap.Error(err))
		}
		s.peer = nil
	}
	s.pendingRemote = nil
}

func (c *Controller) setState(s *CallSession, to State, reason EndReason) {
	from := s.State
	s.State = to
	c.logger.Info("call state changed",
		zap.String("session_id", s.ID),
		zap.String("from", string(from)),
		zap.String("state", string(to)))
	c.publish(s)
	c.emit(EventState, StateChange{SessionID: s.ID, From: from, To: to, Reason: reason})
}

func (c *Controller) mediaChanged(s *CallSession) {
	c.publish(s)
	c.emit(EventMediaState, s.Media)
}

func (c *Controller) publish(s *CallSession) {
	c.snap.Store(s.snapshot())
}

func (c *Controller) idleSnapshot() *Snapshot {
	return &Snapshot{
		State:  StateIdle,
		Local:  copyParticipant(c.local),
		Tracks: map[media.TrackRole]media.Track{},
	}
}

func (c *Controller) emit(event EventKey, data interface{}) {
	c.events.push(func() { c.emitter.Emit(event, data) })
}
