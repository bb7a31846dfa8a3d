// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/websock/examples/echo"
	"github.com/absmach/websock/pkg/deflate"
	"github.com/absmach/websock/pkg/server/httpfile"
	"github.com/absmach/websock/pkg/server/ws"
)

// Config holds the echo server configuration.
type Config struct {
	Address             string `env:"WEBSOCK_ADDRESS"                envDefault:":9001"`
	HTTPRoot            string `env:"WEBSOCK_HTTP_ROOT"              envDefault:""`
	CertFile            string `env:"WEBSOCK_CERT_FILE"              envDefault:""`
	KeyFile             string `env:"WEBSOCK_KEY_FILE"               envDefault:""`
	MaxConnectionsPerIP int    `env:"WEBSOCK_MAX_CONNECTIONS_PER_IP" envDefault:"0"`
	EnableDeflate       bool   `env:"WEBSOCK_ENABLE_DEFLATE"         envDefault:"true"`
	EnableGzip          bool   `env:"WEBSOCK_ENABLE_GZIP"            envDefault:"false"`
	LogLevel            string `env:"WEBSOCK_LOG_LEVEL"              envDefault:"info"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)

	serverCfg := ws.Config{
		Address:             cfg.Address,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		Logger:              logger,
	}

	if cfg.EnableDeflate {
		serverCfg.Deflate = deflate.DefaultOptions()
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			logger.Error("failed to load TLS key pair", slog.String("error", err.Error()))
			os.Exit(1)
		}
		serverCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if cfg.HTTPRoot != "" {
		files := httpfile.New(httpfile.Config{
			Root:       cfg.HTTPRoot,
			EnableGzip: cfg.EnableGzip,
			Logger:     logger,
		})
		serverCfg.HTTPHandler = files.HandlerFunc()
		logger.Info("serving static files", slog.String("root", cfg.HTTPRoot))
	}

	server := ws.New(serverCfg, echo.New(logger))

	g.Go(func() error {
		return server.Listen(ctx)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("websock service terminated with error: %s", err))
	} else {
		logger.Info("websock service stopped")
	}
}

func setupLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("received signal, shutting down", slog.String("signal", s.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
