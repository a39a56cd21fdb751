/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
	"github.com/tejzpr/consult-go-sdk/metrics"
)

// Config holds the configuration for the websocket port
type Config struct {
	URL     string // Relay websocket URL
	Token   string // Identity token presented as a bearer credential
	Address string // Requested address; the relay prefers the token's identity

	HandshakeTimeout            time.Duration // Timeout for the websocket handshake
	RegistrationTimeout         time.Duration // Timeout for the relay's registered frame
	WriteTimeout                time.Duration // Deadline for a single write without a context deadline
	PingInterval                time.Duration // Interval between ping messages
	PongTimeout                 time.Duration // Timeout for receiving a pong response
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Number of times to retry before giving up
	InitialConnectionMaxRetries int           // Number of times to retry before giving up on the initial connection
}

// DefaultConfig returns the default configuration for the websocket port
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:            10 * time.Second,
		RegistrationTimeout:         10 * time.Second,
		WriteTimeout:                10 * time.Second,
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
	}
}

// WSPort is a Port backed by a websocket connection to the signaling relay.
// It reconnects with exponential backoff when the connection drops.
type WSPort struct {
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	dialer  websocket.Dialer

	mu             sync.Mutex
	writeMu        sync.Mutex
	conn           *websocket.Conn
	address        string
	connected      bool
	connecting     bool
	hasConnected   bool
	closed         bool
	closeCh        chan struct{}
	retryCount     int
	currentBackoff time.Duration

	handlers handlerSet
}

// NewWSPort creates a websocket port. Connect must be called before Send.
func NewWSPort(config *Config, logger *zap.Logger, m *metrics.Metrics) *WSPort {
	if config == nil {
		config = DefaultConfig()
	}
	return &WSPort{
		config:  config,
		logger:  consultsdk.LoggerOrNop(logger),
		metrics: m,
		dialer: websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		address:        config.Address,
		closeCh:        make(chan struct{}),
		currentBackoff: config.BackoffTimeReset,
	}
}

// Address returns the address assigned by the relay, or the requested one
// before registration.
func (p *WSPort) Address() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// IsConnected returns whether the port currently has a live connection
func (p *WSPort) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Connect establishes the relay connection
func (p *WSPort) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	if p.connecting {
		p.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	p.connecting = true
	p.mu.Unlock()

	return p.connectWithBackoff(ctx)
}

// connectWithBackoff attempts to connect with exponential backoff
func (p *WSPort) connectWithBackoff(ctx context.Context) error {
	p.mu.Lock()
	p.retryCount = 0
	p.currentBackoff = p.config.BackoffTimeReset
	maxRetries := p.config.MaxRetries
	if !p.hasConnected {
		maxRetries = p.config.InitialConnectionMaxRetries
	}
	closeCh := p.closeCh
	p.mu.Unlock()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = p.attemptConnection(ctx)
		if err == nil {
			return nil
		}
		p.logger.Warn("signaling connection attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt == maxRetries {
			break
		}

		p.mu.Lock()
		p.retryCount = attempt + 1
		backoff := p.currentBackoff
		p.currentBackoff *= 2
		if p.currentBackoff > p.config.BackoffTimeMax {
			p.currentBackoff = p.config.BackoffTimeMax
		}
		p.mu.Unlock()

		select {
		case <-time.After(backoff):
		case <-closeCh:
			p.setConnecting(false)
			return ErrClosed
		case <-ctx.Done():
			p.setConnecting(false)
			return ctx.Err()
		}
	}

	p.setConnecting(false)
	return fmt.Errorf("failed to connect after %d attempts: %w", maxRetries+1, err)
}

func (p *WSPort) setConnecting(v bool) {
	p.mu.Lock()
	p.connecting = v
	p.mu.Unlock()
}

// attemptConnection makes a single connection attempt to the relay
func (p *WSPort) attemptConnection(ctx context.Context) error {
	wsURL, err := p.prepareWebSocketURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	if p.config.Token != "" {
		headers.Set("Authorization", "Bearer "+p.config.Token)
	}

	conn, _, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	address, err := p.awaitRegistration(conn)
	if err != nil {
		conn.Close()
		return err
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	reconnected := p.hasConnected
	p.conn = conn
	p.address = address
	p.connected = true
	p.connecting = false
	p.hasConnected = true
	p.mu.Unlock()

	if reconnected {
		p.metrics.SignalingReconnected()
	}
	p.logger.Info("signaling connected", zap.String("address", address))

	done := make(chan struct{})
	go p.listen(conn, done)
	go p.startPingPong(conn, done)
	return nil
}

// prepareWebSocketURL adds the requested address to the relay URL
func (p *WSPort) prepareWebSocketURL() (string, error) {
	parsedURL, err := url.Parse(p.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	if p.config.Address != "" {
		query := parsedURL.Query()
		query.Set("address", p.config.Address)
		parsedURL.RawQuery = query.Encode()
	}
	return parsedURL.String(), nil
}

// awaitRegistration waits for the relay to confirm the connection's address
func (p *WSPort) awaitRegistration(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(p.config.RegistrationTimeout)); err != nil {
		return "", err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("error reading registration: %w", err)
		}
		switch msg.Type {
		case TypeRegistered:
			if msg.To == "" {
				return "", fmt.Errorf("relay registered an empty address")
			}
			return msg.To, nil
		case TypeError:
			var e ErrorPayload
			_ = msg.DecodePayload(&e)
			return "", fmt.Errorf("registration rejected: %s", e.Message)
		}
	}
}

// listen reads messages until the connection fails
func (p *WSPort) listen(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.handleConnectionError(conn, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Debug("dropping malformed signaling frame", zap.Error(err))
			continue
		}
		if msg.Type == TypeRegistered {
			continue
		}
		p.handlers.dispatch(msg)
	}
}

// handleConnectionError triggers reconnection unless the port was closed
func (p *WSPort) handleConnectionError(conn *websocket.Conn, err error) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.connected = false
	closed := p.closed
	if !closed {
		p.connecting = true
	}
	p.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	p.logger.Warn("signaling connection lost, reconnecting", zap.Error(err))
	go func() {
		_ = p.connectWithBackoff(context.Background())
	}()
}

// startPingPong begins the ping/pong cycle to keep the connection alive
func (p *WSPort) startPingPong(conn *websocket.Conn, done chan struct{}) {
	if p.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.ping(conn); err != nil {
				// The read loop notices the broken connection and reconnects.
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (p *WSPort) ping(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(p.config.PingInterval + p.config.PongTimeout)); err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	data := []byte(fmt.Sprintf("%d", time.Now().UnixMilli()))
	return conn.WriteControl(websocket.PingMessage, data, time.Now().Add(p.config.PongTimeout))
}

// Send writes msg to the relay.
func (p *WSPort) Send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	if msg.From == "" {
		msg.From = p.address
	}
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.config.WriteTimeout)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

// OnMessage registers a handler for inbound messages.
func (p *WSPort) OnMessage(handler Handler) func() {
	return p.handlers.add(handler)
}

// Close closes the connection and stops reconnecting.
func (p *WSPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	conn := p.conn
	p.conn = nil
	p.connected = false
	p.connecting = false
	p.mu.Unlock()

	if conn != nil {
		p.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = conn.Close()
	}
	return nil
}
