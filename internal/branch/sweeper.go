package branch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Interval between sweeps (default: 1 minute).
	Interval time.Duration

	// InactivityThreshold demotes active branches idle for longer than this
	// (default: 30 minutes).
	InactivityThreshold time.Duration

	// NoticeRetention deletes delivered notices older than this
	// (default: 7 days).
	NoticeRetention time.Duration

	// Extra runs after the branch sweep on every tick, e.g. memory expiry.
	// Its error is logged and does not stop the loop.
	Extra func(ctx context.Context) error

	Logger *slog.Logger
}

// SweepResult reports one sweep pass.
type SweepResult struct {
	Dormant        int
	NoticesRemoved int
	Duration       time.Duration
}

// Sweeper periodically runs SweepInactiveBranches and notice cleanup. The
// Manager never times itself; the owner of the Sweeper decides when it runs.
type Sweeper struct {
	manager *Manager
	cfg     SweeperConfig
	logger  *slog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	lastSweep time.Time
}

// NewSweeper creates a Sweeper for m.
func NewSweeper(m *Manager, cfg SweeperConfig) (*Sweeper, error) {
	if m == nil {
		return nil, fmt.Errorf("branch: manager is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = 30 * time.Minute
	}
	if cfg.NoticeRetention <= 0 {
		cfg.NoticeRetention = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = m.logger
	}
	return &Sweeper{
		manager: m,
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start runs sweeps at the configured interval until ctx is cancelled or Stop
// is called. It blocks.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("branch: sweeper is already running")
	}
	s.running = true
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.cfg.Interval, "threshold", s.cfg.InactivityThreshold)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping", "reason", "context cancelled")
			return ctx.Err()

		case <-s.stopCh:
			s.logger.Info("sweeper stopping", "reason", "stop requested")
			return nil

		case <-ticker.C:
			result, err := s.SweepNow(ctx)
			if err != nil {
				s.logger.Warn("scheduled sweep failed", "error", err)
				continue
			}
			s.logger.Debug("scheduled sweep completed",
				"dormant", result.Dormant,
				"notices_removed", result.NoticesRemoved,
				"duration", result.Duration)
		}
	}
}

// Stop ends a running Start loop.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("branch: sweeper is not running")
	}
	close(s.stopCh)
	s.running = false
	return nil
}

// SweepNow performs one pass immediately.
func (s *Sweeper) SweepNow(ctx context.Context) (*SweepResult, error) {
	start := time.Now()

	dormant, err := s.manager.SweepInactiveBranches(ctx, s.cfg.InactivityThreshold)
	if err != nil {
		return nil, err
	}
	removed, err := s.manager.CleanupNotices(ctx, s.cfg.NoticeRetention)
	if err != nil {
		return nil, err
	}
	if s.cfg.Extra != nil {
		if err := s.cfg.Extra(ctx); err != nil {
			s.logger.Warn("sweep extra task failed", "error", err)
		}
	}

	s.mu.Lock()
	s.lastSweep = time.Now()
	s.mu.Unlock()

	return &SweepResult{Dormant: dormant, NoticesRemoved: removed, Duration: time.Since(start)}, nil
}

// LastSweep returns when the last pass finished.
func (s *Sweeper) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}
