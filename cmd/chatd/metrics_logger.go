package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Groodian/rustchat-go/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"accepted", snap.AcceptedConnections,
					"lost", snap.LostConnections,
					"active", snap.ActiveConnections,
					"bytes_read", snap.BytesRead,
					"bytes_sent", snap.BytesSent,
					"messages_received", snap.MessagesReceived,
					"messages_sent", snap.MessagesSent,
					"backpressure_drops", snap.BackpressureDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
