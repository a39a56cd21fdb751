/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config loads consult configuration from defaults, an optional YAML
// file and CONSULT_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
)

// Config is the top-level configuration for a consult client or relay.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	ICE       ICEConfig       `yaml:"ice"`
	Call      CallConfig      `yaml:"call"`
	Signaling SignalingConfig `yaml:"signaling"`
	Relay     RelayConfig     `yaml:"relay"`
	Identity  IdentityConfig  `yaml:"identity"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ICEConfig configures the peer connection's ICE agent.
type ICEConfig struct {
	Servers             []string      `yaml:"servers"`
	Username            string        `yaml:"username"`
	Credential          string        `yaml:"credential"`
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration `yaml:"failed_timeout"`
	KeepaliveInterval   time.Duration `yaml:"keepalive_interval"`
	// WaitForGathering embeds every local candidate in the offer or answer
	// instead of trickling them over signaling.
	WaitForGathering bool `yaml:"wait_for_gathering"`
}

// CallConfig configures the call session controller.
type CallConfig struct {
	// Kind is the media kind acquired for outgoing and accepted calls:
	// "both" for video consultations, "microphone" for audio-only.
	Kind               string        `yaml:"kind" validate:"oneof=both camera microphone"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" validate:"gt=0"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
	UserAgent          string        `yaml:"user_agent"`
}

// SignalingConfig configures the websocket signaling client.
type SignalingConfig struct {
	URL                         string        `yaml:"url"`
	Token                       string        `yaml:"token"`
	PingInterval                time.Duration `yaml:"ping_interval"`
	PongTimeout                 time.Duration `yaml:"pong_timeout"`
	BackoffTimeMax              time.Duration `yaml:"backoff_time_max"`
	BackoffTimeReset            time.Duration `yaml:"backoff_time_reset"`
	MaxRetries                  int           `yaml:"max_retries"`
	InitialConnectionMaxRetries int           `yaml:"initial_connection_max_retries"`
}

// RelayConfig configures the signaling relay server.
type RelayConfig struct {
	Address         string        `yaml:"address"`
	Path            string        `yaml:"path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	MessagesPerSec  float64       `yaml:"messages_per_sec" validate:"gte=0"`
	Burst           int           `yaml:"burst" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig selects how the local participant is resolved.
type IdentityConfig struct {
	// Token is a signed identity token. When empty the API is asked.
	Token string `yaml:"token"`
	// Key verifies Token: a shared secret for HS256, or a PEM public key.
	Key        string `yaml:"key"`
	APIBaseURL string `yaml:"api_base_url"`
	APIToken   string `yaml:"api_token"`
}

// MetricsConfig configures prometheus collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		ICE: ICEConfig{
			Servers:             []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeout: 5 * time.Second,
			FailedTimeout:       25 * time.Second,
			KeepaliveInterval:   2 * time.Second,
		},
		Call: CallConfig{
			Kind:               "both",
			NegotiationTimeout: 30 * time.Second,
			AcquireTimeout:     20 * time.Second,
		},
		Signaling: SignalingConfig{
			URL:                         "ws://localhost:8090/ws",
			PingInterval:                30 * time.Second,
			PongTimeout:                 10 * time.Second,
			BackoffTimeMax:              32 * time.Second,
			BackoffTimeReset:            1 * time.Second,
			MaxRetries:                  3,
			InitialConnectionMaxRetries: 5,
		},
		Relay: RelayConfig{
			Address:         ":8090",
			Path:            "/ws",
			AllowedOrigins:  []string{"*"},
			MaxMessageSize:  64 * 1024,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			MessagesPerSec:  50,
			Burst:           100,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "consult",
		},
	}
}

// Load returns the default configuration overlaid with the YAML file at path
// (skipped when path is empty) and then with environment overrides.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	err := consultsdk.Validate(c)
	fe, ok := consultsdk.FirstFieldError(err)
	if !ok {
		return err
	}
	switch fe.StructNamespace() {
	case "Config.Call.Kind":
		return fmt.Errorf("call.kind must be one of both, camera, microphone: got %q", c.Call.Kind)
	case "Config.Call.NegotiationTimeout":
		return fmt.Errorf("call.negotiation_timeout must be positive")
	case "Config.Relay.MessagesPerSec", "Config.Relay.Burst":
		return fmt.Errorf("relay rate limit must not be negative")
	default:
		return fmt.Errorf("invalid config: %w", err)
	}
}

func applyEnvironmentOverrides(config *Config) error {
	setString(&config.Log.Level, "CONSULT_LOG_LEVEL")
	setString(&config.Log.Format, "CONSULT_LOG_FORMAT")
	setString(&config.Log.Output, "CONSULT_LOG_OUTPUT")

	if servers := os.Getenv("CONSULT_ICE_SERVERS"); servers != "" {
		config.ICE.Servers = splitList(servers)
	}
	setString(&config.ICE.Username, "CONSULT_ICE_USERNAME")
	setString(&config.ICE.Credential, "CONSULT_ICE_CREDENTIAL")
	if v := os.Getenv("CONSULT_ICE_WAIT_FOR_GATHERING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CONSULT_ICE_WAIT_FOR_GATHERING: %w", err)
		}
		config.ICE.WaitForGathering = b
	}

	setString(&config.Call.Kind, "CONSULT_CALL_KIND")
	setString(&config.Call.UserAgent, "CONSULT_USER_AGENT")
	if err := setDuration(&config.Call.NegotiationTimeout, "CONSULT_NEGOTIATION_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&config.Call.AcquireTimeout, "CONSULT_ACQUIRE_TIMEOUT"); err != nil {
		return err
	}

	setString(&config.Signaling.URL, "CONSULT_SIGNALING_URL")
	setString(&config.Signaling.Token, "CONSULT_SIGNALING_TOKEN")

	setString(&config.Relay.Address, "CONSULT_RELAY_ADDRESS")
	if origins := os.Getenv("CONSULT_RELAY_ALLOWED_ORIGINS"); origins != "" {
		config.Relay.AllowedOrigins = splitList(origins)
	}
	if v := os.Getenv("CONSULT_RELAY_MESSAGES_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CONSULT_RELAY_MESSAGES_PER_SEC: %w", err)
		}
		config.Relay.MessagesPerSec = f
	}

	setString(&config.Identity.Token, "CONSULT_IDENTITY_TOKEN")
	setString(&config.Identity.Key, "CONSULT_IDENTITY_KEY")
	setString(&config.Identity.APIBaseURL, "CONSULT_API_BASE_URL")
	setString(&config.Identity.APIToken, "CONSULT_API_TOKEN")

	if v := os.Getenv("CONSULT_METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CONSULT_METRICS_ENABLED: %w", err)
		}
		config.Metrics.Enabled = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
