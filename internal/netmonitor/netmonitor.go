// Package netmonitor polls host network interface state so RetryStrategy
// can implement "retry when connectivity returns" without hand-rolling a
// DNS or socket probe. gopsutil/v3/net is already in the dependency stack
// for the teacher's disk-space guard (internal/filesystem.Allocator uses
// its disk subpackage); this reuses the same library's net subpackage
// instead of reaching for a dedicated connectivity-check dependency.
package netmonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// Monitor tracks whether the host currently has an up, non-loopback network
// interface, polling on an interval and fanning out to anyone blocked in
// WaitForAvailable.
type Monitor struct {
	pollInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	available bool
	waiters   []chan struct{}

	stop chan struct{}
	once sync.Once
}

// New creates a Monitor. An initial check runs synchronously so Available
// is meaningful immediately.
func New(pollInterval time.Duration, logger *slog.Logger) *Monitor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{pollInterval: pollInterval, logger: logger, stop: make(chan struct{})}
	m.available = probe()
	go m.loop()
	return m
}

func probe() bool {
	ifaces, err := gnet.Interfaces()
	if err != nil {
		// Unable to inspect interfaces: assume available rather than
		// wedging every retry on a host where the probe itself is broken.
		return true
	}
	for _, iface := range ifaces {
		up, loopback := false, false
		for _, flag := range iface.Flags {
			switch flag {
			case "up":
				up = true
			case "loopback":
				loopback = true
			}
		}
		if up && !loopback && len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.setAvailable(probe())
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) setAvailable(v bool) {
	m.mu.Lock()
	changed := v && !m.available
	m.available = v
	var waiters []chan struct{}
	if changed {
		waiters, m.waiters = m.waiters, nil
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("netmonitor: connectivity restored")
		for _, w := range waiters {
			close(w)
		}
	}
}

// Available reports the last-observed connectivity state.
func (m *Monitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// WaitForAvailable blocks until connectivity is observed available, ctx is
// cancelled, or ctx's deadline passes, whichever comes first.
func (m *Monitor) WaitForAvailable(ctx context.Context) error {
	m.mu.Lock()
	if m.available {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the polling goroutine.
func (m *Monitor) Close() {
	m.once.Do(func() { close(m.stop) })
}
