package stall

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ParcelWatch/internal/metrics"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/pkg/errors"
)

const DefaultInterval = 5 * time.Minute

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) ([]models.Alert, error)
}

// Scheduler runs sweeps on a ticker and on demand, one at a time.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	now      func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastSweepUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalSweeps         atomic.Int64
	totalAlerts         atomic.Int64
	totalErrors         atomic.Int64
	skipped             atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func NewScheduler(sweeper Sweeper) *Scheduler {
	return &Scheduler{
		sweeper:           sweeper,
		interval:          DefaultInterval,
		now:               time.Now,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// Trigger asks for an immediate sweep (best-effort, non-blocking).
func (s *Scheduler) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastSweepAt   *time.Time `json:"lastSweepAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalSweeps   int64      `json:"totalSweeps"`
	TotalAlerts   int64      `json:"totalAlerts"`
	TotalErrors   int64      `json:"totalErrors"`
	Skipped       int64      `json:"skipped"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		StartedAt:   time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalSweeps: s.totalSweeps.Load(),
		TotalAlerts: s.totalAlerts.Load(),
		TotalErrors: s.totalErrors.Load(),
		Skipped:     s.skipped.Load(),
	}
	if n := s.lastSweepUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSweepAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

// Run sweeps until ctx is done. Failed sweeps are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	now := s.now().UTC()
	s.lastSweepUnixNano.Store(now.UnixNano())

	alerts, err := s.sweeper.Sweep(ctx, now)
	s.totalAlerts.Add(int64(len(alerts)))
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.skipped.Add(1)
		metrics.SweepsTotal.WithLabelValues("skipped").Inc()
		slog.Warn("stall sweep skipped", "reason", err.Error())
		return
	case err != nil:
		s.totalSweeps.Add(1)
		s.totalErrors.Add(1)
		s.lastErrorMu.Lock()
		s.lastError = err.Error()
		s.lastErrorMu.Unlock()
		metrics.SweepsTotal.WithLabelValues("error").Inc()
		slog.Error("stall sweep", "error", err.Error())
		return
	}

	s.totalSweeps.Add(1)
	metrics.SweepsTotal.WithLabelValues("ok").Inc()
	if len(alerts) > 0 {
		slog.Info("stall sweep raised alerts", "count", len(alerts))
	}
}
