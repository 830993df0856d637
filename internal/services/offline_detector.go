package services

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Alexander-D-Karpov/ampfin/internal/config"
	"github.com/Alexander-D-Karpov/ampfin/internal/events"
	"github.com/Alexander-D-Karpov/ampfin/internal/metrics"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultCheckTimeout  = 5 * time.Second
)

// Pinger is the one remote call the detector needs.
type Pinger interface {
	PingServerInfo(ctx context.Context) error
}

// OfflineDetector caches whether the server is reachable. Readers get the last
// cached answer; checks run on a fixed interval and on NotifyConnectivityChange.
type OfflineDetector struct {
	pinger   Pinger
	credsMu  sync.RWMutex
	creds    types.Credentials
	interval time.Duration
	timeout  time.Duration

	bus      *events.Bus
	recorder *metrics.Recorder
	log      *logrus.Entry

	offline atomic.Bool
	checkMu sync.Mutex
	wake    chan struct{}
	linkUp  func() bool
}

var _ types.Connectivity = (*OfflineDetector)(nil)

func NewOfflineDetector(
	pinger Pinger,
	creds types.Credentials,
	cfg *config.Config,
	logger *logrus.Logger,
	bus *events.Bus,
	recorder *metrics.Recorder,
) *OfflineDetector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}

	d := &OfflineDetector{
		pinger:   pinger,
		creds:    creds,
		interval: defaultCheckInterval,
		timeout:  defaultCheckTimeout,
		bus:      bus,
		recorder: recorder,
		log:      logger.WithField("component", "offline"),
		wake:     make(chan struct{}, 1),
		linkUp:   hasNetworkLink,
	}
	if cfg != nil {
		if cfg.Offline.CheckInterval > 0 {
			d.interval = cfg.Offline.CheckInterval
		}
		if cfg.Offline.CheckTimeout > 0 {
			d.timeout = cfg.Offline.CheckTimeout
		}
	}
	return d
}

// IsOffline returns the cached answer. Before the first check the detector
// assumes the server is reachable.
func (d *OfflineDetector) IsOffline() bool {
	return d.offline.Load()
}

// CheckReachability asks the server's info endpoint with a bounded timeout. It
// never fails: any error, a timeout, missing credentials or a down OS link all
// count as unreachable.
func (d *OfflineDetector) CheckReachability(ctx context.Context) bool {
	if !d.Credentials().Complete() || d.pinger == nil {
		return false
	}
	if !d.linkUp() {
		d.log.Debug("No network link, skipping server check")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.pinger.PingServerInfo(ctx); err != nil {
		d.log.WithError(err).Debug("Server unreachable")
		return false
	}
	return true
}

// SetCredentials replaces the connection context used by later checks. The
// cached state is kept until the next check.
func (d *OfflineDetector) SetCredentials(creds types.Credentials) {
	d.credsMu.Lock()
	d.creds = creds
	d.credsMu.Unlock()
}

func (d *OfflineDetector) Credentials() types.Credentials {
	d.credsMu.RLock()
	defer d.credsMu.RUnlock()
	return d.creds
}

// Refresh runs one check and updates the cached state, publishing a
// connectivity event when it flips.
func (d *OfflineDetector) Refresh(ctx context.Context) bool {
	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	offline := !d.CheckReachability(ctx)
	previous := d.offline.Swap(offline)
	d.recorder.Offline(offline)

	if previous != offline {
		d.log.WithField("offline", offline).Info("Connectivity changed")
		d.bus.Publish(events.ConnectivityChanged, events.ConnectivityChange{Offline: offline})
	}
	return offline
}

// NotifyConnectivityChange schedules an immediate re-check on the Run loop.
func (d *OfflineDetector) NotifyConnectivityChange() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run checks once immediately and then on every tick or wake-up until ctx ends.
func (d *OfflineDetector) Run(ctx context.Context) {
	d.Refresh(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Refresh(ctx)
		case <-d.wake:
			d.Refresh(ctx)
		}
	}
}

// OnChange registers cb for connectivity flips and returns its unsubscribe func.
func (d *OfflineDetector) OnChange(cb func(offline bool)) func() {
	return d.bus.Subscribe(events.ConnectivityChanged, func(payload interface{}) {
		if change, ok := payload.(events.ConnectivityChange); ok {
			cb(change.Offline)
		}
	})
}

// hasNetworkLink reports whether any non-loopback interface is up. When the
// interface list cannot be read the link is assumed present and the server
// check decides.
func hasNetworkLink() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}
