// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/oauthbridge/pkg/bridge"
	"github.com/stacklok/oauthbridge/pkg/bridge/server"
	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
	"github.com/stacklok/oauthbridge/pkg/config"
	"github.com/stacklok/oauthbridge/pkg/telemetry"
)

const defaultShutdownTimeout = 15 * time.Second

// pinger is implemented by storage backends with a remote dependency.
type pinger interface {
	Ping(ctx context.Context) error
}

// bridgeServer owns every long-lived component of the serve command.
type bridgeServer struct {
	httpServer      *http.Server
	listener        net.Listener
	store           storage.Storage
	sweeper         *storage.Sweeper
	telemetry       *telemetry.Provider
	shutdownTimeout time.Duration
}

// newBridgeServer wires storage, upstream provider, bridge and HTTP handler
// from cfg and binds the listener.
func newBridgeServer(ctx context.Context, cfg *config.Config) (_ *bridgeServer, retErr error) {
	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tel.Shutdown(context.Background())
		}
	}()

	store, err := storage.New(ctx, cfg.StorageBackendConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", cfg.Storage.Type, err)
	}
	defer func() {
		if retErr != nil {
			_ = store.Close()
		}
	}()

	httpClient, err := cfg.UpstreamHTTPClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream HTTP client: %w", err)
	}
	provider, err := upstream.NewProvider(ctx, cfg.UpstreamProviderConfig(), upstream.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream provider: %w", err)
	}
	provider, err = upstream.NewInstrumentedProvider(provider, tel.MeterProvider(), tel.TracerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to instrument upstream provider: %w", err)
	}

	b, err := bridge.New(store, provider, cfg.BridgeConfig(),
		bridge.WithMeterProvider(tel.MeterProvider()),
		bridge.WithTracerProvider(tel.TracerProvider()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token bridge: %w", err)
	}

	clients, err := server.NewStaticClients(cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("failed to register clients: %w", err)
	}

	handlerOpts := []server.Option{
		server.WithTelemetry(tel.MeterProvider(), tel.TracerProvider()),
	}
	if p, ok := store.(pinger); ok {
		handlerOpts = append(handlerOpts, server.WithHealthCheck(p.Ping))
	}
	if h := tel.PrometheusHandler(); h != nil {
		handlerOpts = append(handlerOpts, server.WithMetricsHandler(h))
	}
	handler, err := server.NewHandler(b, clients, cfg.HandlerConfig(), handlerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP handler: %w", err)
	}

	var sweeper *storage.Sweeper
	if sweepable, ok := store.(storage.Sweepable); ok {
		sweeper = storage.NewSweeper(sweepable, cfg.Storage.SweepInterval)
	}

	listener, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddress, err)
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	return &bridgeServer{
		httpServer: &http.Server{
			Handler:           handler.Routes(),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		},
		listener:        listener,
		store:           store,
		sweeper:         sweeper,
		telemetry:       tel,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Addr returns the bound listener address.
func (s *bridgeServer) Addr() string {
	return s.listener.Addr().String()
}

// Run serves until ctx is canceled, then shuts down gracefully and releases
// storage and telemetry.
func (s *bridgeServer) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("token bridge listening", "address", s.Addr())
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if s.sweeper != nil {
		g.Go(func() error {
			return s.sweeper.Run(gCtx)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down token bridge")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if closeErr := s.store.Close(); closeErr != nil {
		slog.Warn("failed to close storage", "error", closeErr)
	}
	if telErr := s.telemetry.Shutdown(shutdownCtx); telErr != nil {
		slog.Warn("failed to shut down telemetry", "error", telErr)
	}
	return err
}
