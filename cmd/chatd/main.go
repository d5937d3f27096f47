package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Groodian/rustchat-go/internal/bus"
	"github.com/Groodian/rustchat-go/internal/discovery"
	"github.com/Groodian/rustchat-go/internal/metrics"
	"github.com/Groodian/rustchat-go/internal/server"
	"github.com/Groodian/rustchat-go/internal/shutdown"
	"github.com/Groodian/rustchat-go/internal/worker"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("chatd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	b := bus.New()
	coord := shutdown.New()
	pool := worker.New(cfg.workers, b, l, cfg.clientReadTO, cfg.maxQueue)

	busFlag, busDone := coord.Register("bus")
	go b.Run(busFlag, busDone)
	pool.Start(coord)

	srv := server.New(pool,
		server.WithListenAddr(cfg.listenAddr),
		server.WithMaxClients(cfg.maxClients),
		server.WithLogger(l),
	)

	go func() {
		if err := srv.Serve(ctx, coord); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := portFromAddr(srv.Addr())
		cleanupMDNS, err := discovery.Start(ctx, discovery.Config{
			Enable:  true,
			Name:    cfg.mdnsName,
			Version: version,
			Commit:  commit,
		}, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", discovery.ServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx, coord); err != nil {
		l.Error("shutdown_error", "error", err)
	}
	wg.Wait()
}

func portFromAddr(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, err := strconv.Atoi(p); err == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}
