/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// consult-relay routes call signaling between connected participants.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/tejzpr/consult-go-sdk/config"
	"github.com/tejzpr/consult-go-sdk/consultsdk"
	"github.com/tejzpr/consult-go-sdk/identity"
	"github.com/tejzpr/consult-go-sdk/metrics"
	"github.com/tejzpr/consult-go-sdk/signaling/relay"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := consultsdk.NewLogger(&consultsdk.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	relayCfg := relay.DefaultConfig()
	relayCfg.Path = cfg.Relay.Path
	relayCfg.AllowedOrigins = cfg.Relay.AllowedOrigins
	relayCfg.MaxMessageSize = cfg.Relay.MaxMessageSize
	relayCfg.PongWait = cfg.Relay.PongWait
	relayCfg.WriteWait = cfg.Relay.WriteWait
	relayCfg.MessagesPerSec = cfg.Relay.MessagesPerSec
	relayCfg.Burst = cfg.Relay.Burst

	if cfg.Identity.Key != "" {
		key, err := identity.ParseKey(cfg.Identity.Key)
		if err != nil {
			return fmt.Errorf("invalid identity key: %w", err)
		}
		relayCfg.IdentityKey = key
	} else {
		logger.Warn("no identity key configured: clients choose their own address and duplicate addresses are refused")
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg, cfg.Metrics.Namespace)
		gatherer = reg
	}

	server := relay.New(relayCfg, logger, m, gatherer)
	httpServer := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening",
			zap.String("address", cfg.Relay.Address),
			zap.String("path", relayCfg.Path),
			zap.Bool("metrics", cfg.Metrics.Enabled))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	server.Close()
	return httpServer.Shutdown(ctx)
}
