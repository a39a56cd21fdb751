/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package relay implements the websocket server that forwards signaling
// messages between connected participants by address.
package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
	"github.com/tejzpr/consult-go-sdk/identity"
	"github.com/tejzpr/consult-go-sdk/metrics"
	"github.com/tejzpr/consult-go-sdk/signaling"
)

const sendBufferSize = 64

// Config holds the relay configuration
type Config struct {
	Path           string
	AllowedOrigins []string
	MaxMessageSize int64
	PongWait       time.Duration
	WriteWait      time.Duration
	MessagesPerSec float64
	Burst          int

	// IdentityKey, when set, requires every client to present an identity
	// token verified with it. The token's email or subject becomes the
	// client's address, and a new connection for an address replaces the
	// old one. Without it clients name their own address with ?address=
	// and an address stays with its first connection until it drops.
	IdentityKey interface{}
}

// DefaultConfig returns the default relay configuration
func DefaultConfig() *Config {
	return &Config{
		Path:           "/ws",
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 64 * 1024,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MessagesPerSec: 50,
		Burst:          100,
	}
}

// Server forwards signaling messages between websocket clients.
type Server struct {
	config   *Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	router   *mux.Router

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	address string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// offer queues data without blocking. It fails once the client is closed
// or its buffer is full.
func (c *client) offer(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// New creates a relay server. gatherer backs the /metrics route and may be nil.
func New(config *Config, logger *zap.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		config:  config,
		logger:  consultsdk.LoggerOrNop(logger),
		metrics: m,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	r.HandleFunc(config.Path, s.ServeWS)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.Clients(),
	})
}

// resolveAddress authenticates the request and returns the client's address.
func (s *Server) resolveAddress(r *http.Request) (string, int, string) {
	if s.config.IdentityKey == nil {
		address := strings.TrimSpace(r.URL.Query().Get("address"))
		if address == "" {
			return "", http.StatusBadRequest, "address is required"
		}
		return address, 0, ""
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := identity.ParseToken(token, s.config.IdentityKey, time.Now(), identity.DefaultLeeway)
	if err != nil {
		s.logger.Info("rejecting relay client", zap.Error(err))
		return "", http.StatusUnauthorized, "invalid identity token"
	}
	if claims.Email != "" {
		return claims.Email, 0, ""
	}
	if claims.Subject != "" {
		return claims.Subject, 0, ""
	}
	return "", http.StatusUnauthorized, "identity token has no subject"
}

// ServeWS upgrades the request and registers the client under its address.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	address, status, reason := s.resolveAddress(r)
	if status != 0 {
		http.Error(w, reason, status)
		return
	}
	if s.config.IdentityKey == nil && s.connected(address) {
		http.Error(w, "address is already connected", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{
		address: address,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
	}
	if s.config.MessagesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.config.MessagesPerSec), s.config.Burst)
	}

	if !s.register(c) {
		_ = conn.Close()
		return
	}

	conn.SetReadLimit(s.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	go s.writePump(c)
	s.enqueue(c, signaling.Message{Type: signaling.TypeRegistered, To: address, SentAt: time.Now().UTC()})
	go s.readPump(c)
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	old := s.clients[c.address]
	if old != nil && s.config.IdentityKey == nil {
		s.mu.Unlock()
		s.logger.Warn("refusing duplicate relay client", zap.String("address", c.address))
		return false
	}
	s.clients[c.address] = c
	s.mu.Unlock()

	if old != nil {
		s.logger.Info("replacing relay client", zap.String("address", c.address))
		old.close()
	} else {
		s.metrics.RelayConnected(1)
	}
	s.logger.Info("relay client connected", zap.String("address", c.address))
	return true
}

func (s *Server) connected(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[address] != nil
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	current := s.clients[c.address] == c
	if current {
		delete(s.clients, c.address)
	}
	s.mu.Unlock()

	c.close()
	if current {
		s.metrics.RelayConnected(-1)
		s.logger.Info("relay client disconnected", zap.String("address", c.address))
	}
}

// readPump routes messages from one client until its connection fails.
func (s *Server) readPump(c *client) {
	defer func() {
		s.unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("relay read failed", zap.String("address", c.address), zap.Error(err))
			}
			return
		}
		s.handle(c, data)
	}
}

func (s *Server) handle(c *client, data []byte) {
	var msg signaling.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(c, "", signaling.CodeInvalidMessage, "malformed message")
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		s.metrics.RelayRateLimited()
		s.reply(c, msg.SessionID, signaling.CodeRateLimited, "too many messages")
		return
	}

	// The sender cannot claim another address.
	msg.From = c.address
	if err := msg.Validate(); err != nil {
		s.reply(c, msg.SessionID, signaling.CodeInvalidMessage, err.Error())
		return
	}

	s.mu.RLock()
	dst := s.clients[msg.To]
	s.mu.RUnlock()

	if dst == nil {
		s.metrics.RelayUndelivered()
		s.reply(c, msg.SessionID, signaling.CodeUnknownRecipient, msg.To+" is not connected")
		return
	}

	if s.enqueue(dst, msg) {
		s.metrics.RelayForwarded(string(msg.Type))
	} else {
		s.metrics.RelayUndelivered()
	}
}

func (s *Server) reply(c *client, sessionID, code, text string) {
	msg, err := signaling.NewMessage(signaling.TypeError, sessionID, "", c.address, signaling.ErrorPayload{
		Code:    code,
		Message: text,
	})
	if err != nil {
		return
	}
	s.enqueue(c, msg)
}

// enqueue hands msg to the client's writer without blocking the sender.
func (s *Server) enqueue(c *client, msg signaling.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal relay message", zap.Error(err))
		return false
	}
	if !c.offer(data) {
		s.logger.Warn("dropping relay message",
			zap.String("address", c.address),
			zap.String("type", string(msg.Type)))
		return false
	}
	return true
}

// writePump writes queued messages and keeps the connection alive.
func (s *Server) writePump(c *client) {
	pingPeriod := s.config.PongWait * 9 / 10
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
		s.metrics.RelayConnected(-1)
	}
}
