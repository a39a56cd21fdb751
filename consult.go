/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package consult is the top-level client for telehealth consultations. It
// resolves the signed-in participant, connects to the signaling relay and
// hands out the call session controller.
package consult

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tejzpr/consult-go-sdk/callsession"
	"github.com/tejzpr/consult-go-sdk/config"
	"github.com/tejzpr/consult-go-sdk/consultsdk"
	"github.com/tejzpr/consult-go-sdk/device"
	"github.com/tejzpr/consult-go-sdk/identity"
	"github.com/tejzpr/consult-go-sdk/media"
	"github.com/tejzpr/consult-go-sdk/metrics"
	"github.com/tejzpr/consult-go-sdk/peer"
	"github.com/tejzpr/consult-go-sdk/signaling"
)

// Options override the pieces NewClient would otherwise build from Config.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// Logger defaults to a logger built from Config.Log.
	Logger *zap.Logger
	// Registerer receives the client metrics. Defaults to a private registry.
	Registerer prometheus.Registerer
	// Identity defaults to a token or API provider from Config.Identity.
	Identity identity.Provider
	// Signaling defaults to a websocket port connected to Config.Signaling.URL.
	Signaling signaling.Port
	// Acquirer defaults to the capture devices linked into the binary.
	Acquirer media.Acquirer
	// Capabilities defaults to probing Config.Call.UserAgent. With neither
	// set every control is offered.
	Capabilities *device.Capabilities
}

// Client is the top-level consultation client
type Client struct {
	config       *config.Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	local        *identity.Participant
	capabilities *device.Capabilities

	port      signaling.Port
	ownsPort  bool
	ownsLog   bool
	callsCtrl *callsession.Controller
}

// NewClient resolves the local participant, connects signaling and creates
// the call controller.
func NewClient(ctx context.Context, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	c := &Client{config: cfg, logger: opts.Logger}
	if c.logger == nil {
		logger, err := consultsdk.NewLogger(&consultsdk.LogConfig{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: cfg.Log.Output,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		c.logger = logger
		c.ownsLog = true
	}

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			registry := prometheus.NewRegistry()
			reg = registry
			c.gatherer = registry
		} else if g, ok := reg.(prometheus.Gatherer); ok {
			c.gatherer = g
		}
		c.metrics = metrics.New(reg, cfg.Metrics.Namespace)
	}

	provider := opts.Identity
	if provider == nil {
		var err error
		if provider, err = identityProvider(cfg, c.logger); err != nil {
			return nil, err
		}
	}
	local, err := provider.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve participant: %w", err)
	}
	c.local = local
	c.logger = c.logger.With(zap.String("participant", local.Address()))

	c.capabilities = opts.Capabilities
	if c.capabilities == nil && cfg.Call.UserAgent != "" {
		caps := device.Probe(cfg.Call.UserAgent)
		c.capabilities = &caps
	}

	c.port = opts.Signaling
	if c.port == nil {
		ws := signaling.NewWSPort(signalingConfig(cfg, local), c.logger, c.metrics)
		if err := ws.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to signaling relay: %w", err)
		}
		c.port = ws
		c.ownsPort = true
	}

	acquirer := opts.Acquirer
	registerCodecs := media.RegisterCodecs
	if acquirer == nil {
		devices, err := media.NewDeviceAcquirer(c.logger)
		if err != nil {
			c.closePort()
			return nil, fmt.Errorf("failed to create media acquirer: %w", err)
		}
		acquirer = devices
	} else {
		registerCodecs = nil
	}

	peerCfg := peerConfig(cfg, c.logger)
	peerCfg.RegisterCodecs = registerCodecs

	c.callsCtrl, err = callsession.New(callsession.Config{
		Local:     local,
		Signaling: c.port,
		Acquirer:  acquirer,
		NewPeer: func() (callsession.Peer, error) {
			return peer.New(peerCfg)
		},
		Kind:               media.Kind(cfg.Call.Kind),
		Capabilities:       c.capabilities,
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
		AcquireTimeout:     cfg.Call.AcquireTimeout,
		Logger:             c.logger,
		Metrics:            c.metrics,
	})
	if err != nil {
		c.closePort()
		return nil, err
	}

	c.logger.Info("consult client ready",
		zap.String("role", string(local.Role)),
		zap.Bool("metrics", c.metrics != nil))
	return c, nil
}

func identityProvider(cfg *config.Config, logger *zap.Logger) (identity.Provider, error) {
	if cfg.Identity.Token != "" {
		key, err := identity.ParseKey(cfg.Identity.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid identity key: %w", err)
		}
		return identity.NewTokenProvider(cfg.Identity.Token, key), nil
	}
	if cfg.Identity.APIToken != "" {
		apiCfg := consultsdk.DefaultConfig()
		if cfg.Identity.APIBaseURL != "" {
			apiCfg.BaseURL = cfg.Identity.APIBaseURL
		}
		apiCfg.Logger = logger
		api, err := consultsdk.NewClient(cfg.Identity.APIToken, apiCfg)
		if err != nil {
			return nil, err
		}
		return identity.NewHTTPProvider(api), nil
	}
	return nil, consultsdk.NewPreconditionError("identity", "neither an identity token nor an API token is configured")
}

func signalingConfig(cfg *config.Config, local *identity.Participant) *signaling.Config {
	sc := signaling.DefaultConfig()
	sc.URL = cfg.Signaling.URL
	sc.Address = local.Address()
	sc.Token = cfg.Signaling.Token
	if sc.Token == "" {
		sc.Token = cfg.Identity.Token
	}
	if cfg.Signaling.PingInterval > 0 {
		sc.PingInterval = cfg.Signaling.PingInterval
	}
	if cfg.Signaling.PongTimeout > 0 {
		sc.PongTimeout = cfg.Signaling.PongTimeout
	}
	if cfg.Signaling.BackoffTimeMax > 0 {
		sc.BackoffTimeMax = cfg.Signaling.BackoffTimeMax
	}
	if cfg.Signaling.BackoffTimeReset > 0 {
		sc.BackoffTimeReset = cfg.Signaling.BackoffTimeReset
	}
	sc.MaxRetries = cfg.Signaling.MaxRetries
	sc.InitialConnectionMaxRetries = cfg.Signaling.InitialConnectionMaxRetries
	return sc
}

func peerConfig(cfg *config.Config, logger *zap.Logger) *peer.Config {
	pc := &peer.Config{
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepaliveInterval:   cfg.ICE.KeepaliveInterval,
		WaitForGathering:    cfg.ICE.WaitForGathering,
		Logger:              logger,
	}
	if len(cfg.ICE.Servers) > 0 {
		pc.ICEServers = []webrtc.ICEServer{{
			URLs:       cfg.ICE.Servers,
			Username:   cfg.ICE.Username,
			Credential: cfg.ICE.Credential,
		}}
	}
	return pc
}

// Calls returns the call session controller
func (c *Client) Calls() *callsession.Controller {
	return c.callsCtrl
}

// Local returns the signed-in participant.
func (c *Client) Local() *identity.Participant {
	p := *c.local
	return &p
}

// Capabilities returns the probed device capabilities, or nil when no user
// agent was configured.
func (c *Client) Capabilities() *device.Capabilities {
	return c.capabilities
}

// Metrics returns the client metrics, or nil when disabled.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// MetricsHandler serves the client metrics in the prometheus text format.
func (c *Client) MetricsHandler() http.Handler {
	if c.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{Timeout: 10 * time.Second})
}

// Close ends any call in progress and disconnects from the relay.
func (c *Client) Close() error {
	err := c.callsCtrl.Close()
	c.closePort()
	if c.ownsLog {
		_ = c.logger.Sync()
	}
	return err
}

func (c *Client) closePort() {
	if c.ownsPort {
		if err := c.port.Close(); err != nil {
			c.logger.Warn("failed to close signaling port", zap.Error(err))
		}
	}
}
