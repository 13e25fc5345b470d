// Package mdnsadvert advertises the bridge TCP port over mDNS/zeroconf so
// observers on the local network can discover the server without
// configuration.
package mdnsadvert

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type this bus server advertises under.
const ServiceType = "_gea-bus-server._tcp"

// Config controls advertisement. Enable=false makes Start a no-op.
type Config struct {
	Enable  bool
	Name    string
	Backend string
	Version string
	Commit  string
}

// Start registers the service via mDNS and returns a cleanup function. It
// is safe to call even if disabled (no-op cleanup).
func Start(ctx context.Context, cfg Config, port int) (func(), error) {
	if !cfg.Enable {
		return func() {}, nil
	}
	instance := cfg.Name
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("gea-bus-server-%s", host)
	}
	meta := []string{
		"backend=" + cfg.Backend,
		"version=" + cfg.Version,
		"commit=" + cfg.Commit,
	}
	svc, err := zeroconf.Register(instance, ServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
