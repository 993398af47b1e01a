package queue

import (
	"context"
	"net"
	"sync"
	"time"

	"lingochat/pkg/logger"

	"go.uber.org/zap"
)

// Kicker is anything whose retry scan can be triggered on demand
type Kicker interface {
	Kick()
}

// ProbeFunc reports whether the upstream is reachable
type ProbeFunc func(ctx context.Context) error

// TCPProbe dials addr and closes the connection
func TCPProbe(addr string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// ConnectivityMonitor probes an upstream periodically and kicks every
// registered engine when it goes from unreachable to reachable.
type ConnectivityMonitor struct {
	probe    ProbeFunc
	interval time.Duration

	mu      sync.Mutex
	targets []Kicker
	online  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewConnectivityMonitor(probe ProbeFunc, interval time.Duration, targets ...Kicker) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		probe:    probe,
		interval: interval,
		targets:  targets,
		online:   true,
	}
}

// Online reports the result of the last probe
func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and kicks the targets on an offline to online transition
func (m *ConnectivityMonitor) Check(ctx context.Context) {
	err := m.probe(ctx)
	up := err == nil

	m.mu.Lock()
	wasOnline := m.online
	m.online = up
	targets := append([]Kicker(nil), m.targets...)
	m.mu.Unlock()

	switch {
	case up && !wasOnline:
		logger.Info("Connectivity restored, retrying queued work")
		for _, t := range targets {
			t.Kick()
		}
	case !up && wasOnline:
		logger.Warn("Connectivity lost", zap.Error(err))
	}
}

func (m *ConnectivityMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, m.interval)
				m.Check(probeCtx)
				cancel()
			}
		}
	}()
}

func (m *ConnectivityMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}
