// Command broker runs the audience-interaction broker: it loads
// configuration, wires the presentation store, authentication verifier,
// and message router, and serves HTTP + WebSocket traffic until a
// shutdown signal arrives.
//
// Grounded on the teacher's cmd/api/main.go: config load, component
// wiring with slog progress lines, a signal.Notify-driven graceful
// http.Server.Shutdown.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obelisk-exhibit/broker/internal/auth"
	"github.com/obelisk-exhibit/broker/internal/config"
	"github.com/obelisk-exhibit/broker/internal/httpapi"
	"github.com/obelisk-exhibit/broker/internal/metrics"
	"github.com/obelisk-exhibit/broker/internal/presentation"
	"github.com/obelisk-exhibit/broker/internal/router"
)

func main() {
	cfg, err := config.Load(os.Args)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	setLogLevel(cfg.LogLevel)

	verifier, err := auth.NewVerifier(cfg.NewPresentationSigningKey)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	store := presentation.NewStore()
	m := metrics.New(func() float64 { return float64(store.Len()) })
	msgRouter := router.New(m)

	server := httpapi.New(store, verifier, msgRouter, m, cfg.Connection.SendQueueSize)

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Routes(),
	}

	if cfg.MetricsAddress != "" {
		go serveMetrics(cfg.MetricsAddress)
	}

	shutdownDone := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("broker: shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("broker: shutdown error", "error", err)
		}
		close(shutdownDone)
	}()

	slog.Info("broker: listening", "addr", cfg.Addr())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("broker: server failed: %v", err)
	}

	<-shutdownDone
	slog.Info("broker: stopped")
}

func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("broker: metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		slog.Error("broker: metrics server failed", "error", err)
	}
}
