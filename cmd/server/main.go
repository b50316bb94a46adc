// Command cipherchat-server starts the CipherChat relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cipherchat/cipherchat/internal/server"
)

func main() {
	cfg := server.NewConfigFromEnv()

	pflag.StringVar(&cfg.Host, "host", cfg.Host, "interface to listen on (empty for all interfaces)")
	pflag.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	pflag.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "enable the WebSocket bridge on this address, e.g. :8080")
	pflag.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "origins permitted on the WebSocket bridge")
	pflag.IntVar(&cfg.AuthRetryLimit, "auth-retries", cfg.AuthRetryLimit, "rejected login attempts before closing a connection")
	pflag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "grace period to complete the key exchange and login")
	pflag.DurationVar(&cfg.TransferStallTimeout, "transfer-stall-timeout", cfg.TransferStallTimeout, "idle interval after which a file transfer is expired")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cipherchat-server: %v\n", err)
		os.Exit(1)
	}

	var bridge *server.WSBridge
	if cfg.WSAddr != "" {
		bridge = server.NewWSBridge(srv)
		go func() {
			if err := bridge.ListenAndServe(); err != nil {
				logger.Error("websocket bridge failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		// A bind failure lands here before any signal can.
		fmt.Fprintf(os.Stderr, "cipherchat-server: %v\n", err)
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("signal received; shutting down", "signal", sig.String())
	}

	if bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = bridge.Shutdown(ctx)
		cancel()
	}
	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
