// Package discovery advertises the chat listener over mDNS so LAN
// clients can find it without a hardcoded address (SPEC_FULL.md
// "DOMAIN STACK").
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS/DNS-SD service type advertised for chatd.
const ServiceType = "_rustchat._tcp"

// Config controls whether and how the service is advertised.
type Config struct {
	Enable  bool
	Name    string
	Version string
	Commit  string
}

// Start registers the service via mDNS and returns a cleanup function.
// It is always safe to call the returned function, including when
// discovery is disabled (no-op).
func Start(ctx context.Context, cfg Config, port int) (func(), error) {
	if !cfg.Enable {
		return func() {}, nil
	}
	instance := cfg.Name
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("chatd-%s", host)
	}
	meta := []string{
		"version=" + cfg.Version,
		"commit=" + cfg.Commit,
	}
	svc, err := zeroconf.Register(instance, ServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() {
		close(done)
		svc.Shutdown()
		time.Sleep(50 * time.Millisecond)
	}, nil
}
