// Package supervisor runs the bridge's background maintenance loops:
// device-timeout scanning, metrics snapshotting, and retention cleanup.
// Each loop is an independent goroutine owning its own ticker, stopped via
// a shared context, the same goroutine-plus-ticker-plus-cancel pattern used
// by the Bus's own reconnect loop.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/apicov/esp-mcp-bridge/internal/model"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

const (
	defaultTimeoutScanInterval   = 60 * time.Second
	defaultMetricsSnapshotPeriod = 5 * time.Minute
	defaultRetentionPeriod       = 24 * time.Hour
)

// Config configures the Supervisor's three periodic tasks.
type Config struct {
	DeviceTimeout      time.Duration
	TimeoutScanEvery   time.Duration // default 60s
	MetricsEvery       time.Duration // default 5m
	RetentionEvery     time.Duration // default 24h
	SensorRetentionDays int
	ErrorRetentionDays  int

	Logger *slog.Logger
}

// Supervisor owns the bridge's background maintenance loops.
type Supervisor struct {
	cfg      Config
	registry *registry.Registry
	store    *store.Store
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	bootedAt map[string]time.Time
	bootedMu sync.Mutex
}

// New constructs a Supervisor. Call Start to begin the three loops.
func New(reg *registry.Registry, st *store.Store, cfg Config) *Supervisor {
	if cfg.TimeoutScanEvery <= 0 {
		cfg.TimeoutScanEvery = defaultTimeoutScanInterval
	}
	if cfg.MetricsEvery <= 0 {
		cfg.MetricsEvery = defaultMetricsSnapshotPeriod
	}
	if cfg.RetentionEvery <= 0 {
		cfg.RetentionEvery = defaultRetentionPeriod
	}
	if cfg.SensorRetentionDays <= 0 {
		cfg.SensorRetentionDays = 30
	}
	if cfg.ErrorRetentionDays <= 0 {
		cfg.ErrorRetentionDays = 30
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		cfg: cfg, registry: reg, store: st, logger: logger,
		bootedAt: make(map[string]time.Time),
	}
}

// Start launches the three background loops. They run until ctx is
// cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go s.runLoop(ctx, s.cfg.TimeoutScanEvery, s.scanTimeouts)
	go s.runLoop(ctx, s.cfg.MetricsEvery, s.snapshotMetrics)
	go s.runLoop(ctx, s.cfg.RetentionEvery, s.cleanup)
}

// Stop cancels every loop and waits, bounded by ctx, for them to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) runLoop(ctx context.Context, interval time.Duration, task func(ctx context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

func (s *Supervisor) scanTimeouts(ctx context.Context) {
	now := time.Now().UTC()
	flipped := s.registry.ScanTimeouts(s.cfg.DeviceTimeout, now)
	for _, id := range flipped {
		if err := s.store.UpdateDeviceStatus(ctx, id, "offline", now); err != nil {
			s.logger.Warn("supervisor: persist offline status failed", "device_id", id, "error", err)
		}
	}
	if len(flipped) > 0 {
		s.logger.Info("supervisor: timeout scan flipped devices offline", "count", len(flipped))
	}
}

func (s *Supervisor) snapshotMetrics(ctx context.Context) {
	now := time.Now().UTC()
	devices := s.registry.List(false)

	s.bootedMu.Lock()
	defer s.bootedMu.Unlock()

	for _, d := range devices {
		uptimeStart, ok := s.bootedAt[d.DeviceID]
		if !ok {
			uptimeStart = now
			s.bootedAt[d.DeviceID] = uptimeStart
		}
		m := model.DeviceMetric{
			DeviceID:         d.DeviceID,
			MessagesReceived: d.MessagesReceived,
			LastActivity:     d.LastSeen,
			UptimeStart:      uptimeStart,
		}
		if err := s.store.UpsertMetrics(ctx, m); err != nil {
			s.logger.Warn("supervisor: upsert metrics failed", "device_id", d.DeviceID, "error", err)
		}
	}
}

func (s *Supervisor) cleanup(ctx context.Context) {
	sensorDeleted, errorDeleted, err := s.store.Cleanup(ctx, s.cfg.SensorRetentionDays, s.cfg.ErrorRetentionDays)
	if err != nil {
		s.logger.Warn("supervisor: retention cleanup failed, will retry next cycle", "error", err)
		return
	}
	s.logger.Info("supervisor: retention cleanup complete", "sensor_rows_deleted", sensorDeleted, "error_rows_deleted", errorDeleted)
}
