// Package main is the entry point for the ShoalStore S3-compatible object
// storage gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shoalstore/shoalstore/internal/admin"
	"github.com/shoalstore/shoalstore/internal/config"
	"github.com/shoalstore/shoalstore/internal/kv"
	"github.com/shoalstore/shoalstore/internal/logging"
	"github.com/shoalstore/shoalstore/internal/metrics"
	"github.com/shoalstore/shoalstore/internal/monitor"
	"github.com/shoalstore/shoalstore/internal/server"
	"github.com/shoalstore/shoalstore/internal/store"
)

const cronInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	port := flag.Int("port", 0, "override S3 listening port")
	adminPort := flag.Int("admin-port", 0, "override admin listening port")
	host := flag.String("host", "", "override listening host")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *adminPort != 0 {
		cfg.Server.AdminPort = *adminPort
	}
	if *host != "" {
		cfg.Server.IP = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	out, err := logging.Output(cfg.Logging.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log output: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, out)

	if cfg.Server.PidFile != "" {
		if err := writePidFile(cfg.Server.PidFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write pid file: %v\n", err)
			os.Exit(1)
		}
		defer os.Remove(cfg.Server.PidFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cluster, err := kv.Open(ctx, &cfg.KV)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open KV cluster: %v\n", err)
		os.Exit(1)
	}
	defer cluster.Close()

	if err := cluster.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "KV cluster unreachable: %v\n", err)
		os.Exit(1)
	}
	slog.Info("KV cluster connected", "driver", cfg.KV.Driver)

	st := store.New(cluster)
	metrics.Register()

	// Restore the monitor counters from the last persisted snapshot.
	mon := monitor.New()
	if blob, err := st.GetMeta(ctx); err == nil {
		if perr := mon.ParseMetaValue(blob); perr != nil {
			slog.Warn("discarding malformed monitor snapshot", "error", perr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("loading monitor snapshot", "error", err)
	}

	s3Srv := server.New(cfg, st, mon)
	adminSrv := admin.New(cfg, st, mon)

	cronDone := make(chan struct{})
	go func() {
		defer close(cronDone)
		adminSrv.RunCron(ctx, cronInterval)
	}()

	s3Addr := fmt.Sprintf("%s:%d", cfg.Server.IP, cfg.Server.Port)
	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.IP, cfg.Server.AdminPort)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("S3 gateway listening", "addr", s3Addr)
		if err := s3Srv.ListenAndServe(s3Addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("admin server listening", "addr", adminAddr)
		if err := adminSrv.ListenAndServe(adminAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	// Stop the cron loop first and wait for its final monitor snapshot flush.
	cancel()
	<-cronDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := s3Srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("S3 server shutdown", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown", "error", err)
	}
	slog.Info("gateway stopped")
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
