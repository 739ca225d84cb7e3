// Package main provides the warp engine server: the embedded storage
// engine wrapped in its thin HTTP façade.
//
// The engine itself is a library (see the engine package); this binary
// wires configuration, logging, metrics and signal handling around it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c-u-l8er/warp-engine/api"
	"github.com/c-u-l8er/warp-engine/config"
	"github.com/c-u-l8er/warp-engine/engine"
	"github.com/c-u-l8er/warp-engine/logger"
)

func main() {
	cfg := config.Load()
	cfg.RegisterFlags()
	flag.Parse()

	if err := cfg.Apply(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogBridge()

	registry := prometheus.NewRegistry()
	eng, err := engine.Open(cfg, engine.WithMetricsRegistry(registry))
	if err != nil {
		logger.Error("engine open failed: %v", err)
		os.Exit(1)
	}

	router := mux.NewRouter()
	api.NewHandler(eng).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		ErrorLog:     logger.HTTPServerErrorLog(),
	}

	go func() {
		logger.Info("http façade listening on :%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	if err := eng.Close(); err != nil {
		logger.Warn("engine close: %v", err)
		os.Exit(1)
	}
}
