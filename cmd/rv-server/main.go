package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repovault/pkg/app"
	"repovault/pkg/config"
	"repovault/pkg/server"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is ./.rv/config.yaml or $HOME/.rv/config.yaml)")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		return err
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	if err := config.Load(*cfgFile); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Init Core Application
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg := config.FromViper()
	cfg.Logger = logger
	cfg.Registerer = reg
	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()
	if sqlDB, err := application.DB.GetConn().DB(); err == nil {
		reg.MustRegister(collectors.NewDBStatsCollector(sqlDB, cfg.Database.Driver))
	}
	logger.Info("repovault core initialized",
		"backend", application.Backend.Name, "kind", application.Backend.Kind)

	// 3. Metrics endpoint
	metricsAddr := viper.GetString("server.metrics_addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	// 4. Setup gRPC Server
	addr := viper.GetString("server.addr")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	grpcServer := server.New(application.Gateway, logger.With("component", "grpc"))

	// 5. Start Server (Async)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", "addr", addr)
		serveErr <- grpcServer.Serve(lis)
	}()

	// 6. Graceful Shutdown
	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
