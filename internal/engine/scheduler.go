package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"skyquery/internal/domain"
	"skyquery/internal/infra"
)

const notifyTimeout = 10 * time.Second

// Cycler runs one fetch cycle
type Cycler interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// Status is the scheduler's view of the update loop
type Status struct {
	IsUpdating   bool
	TotalUpdates uint64
	LastUpdated  time.Time // Zero before the first committed cycle
	LastDuration time.Duration
}

// Scheduler fires cycles on a fixed interval with single-flight execution:
// a tick that arrives while a cycle is running is dropped, never queued.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	timeout  time.Duration
	notifier domain.Notifier
	metrics  *infra.Metrics

	running      atomic.Bool
	totalUpdates atomic.Uint64
	lastUpdated  atomic.Int64 // Unix ms
	lastDuration atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewScheduler creates a scheduler. notifier may be nil.
func NewScheduler(cycler Cycler, interval, timeout time.Duration, notifier domain.Notifier, metrics *infra.Metrics) *Scheduler {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Scheduler{
		cycler:   cycler,
		interval: interval,
		timeout:  timeout,
		notifier: notifier,
		metrics:  metrics,
		logger:   slog.Default().With("module", "scheduler"),
	}
}

// Start runs a cycle immediately and then on every tick until Stop or ctx ends
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Scheduler loop panic", "panic", r)
			}
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Scheduler stopping...")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.logger.Info("Scheduler started", "interval", s.interval, "timeout", s.timeout)
}

// Tick starts a cycle in the background unless one is already running.
// It reports whether a cycle was started.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.RecordSkippedTick()
		s.logger.Warn("Tick skipped, previous cycle still running")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.execute(ctx)
	}()
	return true
}

// RunOnce runs a cycle synchronously. Returns ErrCycleInProgress when busy.
func (s *Scheduler) RunOnce(ctx context.Context) (*CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.RecordSkippedTick()
		return nil, domain.ErrCycleInProgress
	}
	defer s.running.Store(false)
	return s.execute(ctx)
}

// Wait blocks until every started cycle has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop ends the tick loop and waits for a running cycle to finish
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Status returns the current update status
func (s *Scheduler) Status() Status {
	st := Status{
		IsUpdating:   s.running.Load(),
		TotalUpdates: s.totalUpdates.Load(),
		LastDuration: time.Duration(s.lastDuration.Load()),
	}
	if ms := s.lastUpdated.Load(); ms > 0 {
		st.LastUpdated = time.UnixMilli(ms)
	}
	return st
}

func (s *Scheduler) execute(ctx context.Context) (*CycleReport, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.cycler.RunCycle(cctx)
	if err != nil {
		s.metrics.RecordCycleFailure()
		s.logger.Error("Cycle failed, keeping committed snapshot", "error", err)
		s.notify(ctx, domain.Notification{
			Level:   domain.NotifyError,
			Title:   "Fetch cycle failed",
			Message: err.Error(),
			At:      time.Now(),
		})
		return nil, err
	}

	s.totalUpdates.Add(1)
	s.lastUpdated.Store(report.CommittedAt.UnixMilli())
	s.lastDuration.Store(int64(report.Duration))
	s.metrics.RecordCycle(report.Duration, report.Listings, report.DecodeFailures)

	s.notify(ctx, domain.Notification{
		Level:   domain.NotifyInfo,
		Title:   "Fetch cycle committed",
		Message: fmt.Sprintf("Indexed %d listings in %s", report.Listings, report.Duration.Round(time.Millisecond)),
		Fields: map[string]string{
			"cycle":     report.ID,
			"new":       strconv.Itoa(report.New),
			"removed":   strconv.Itoa(report.Removed),
			"sales":     strconv.Itoa(report.Sales),
			"undercuts": strconv.Itoa(report.Undercuts),
		},
		At: report.CommittedAt,
	})
	return report, nil
}

func (s *Scheduler) notify(ctx context.Context, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, n); err != nil {
		s.logger.Warn("Notification failed", "error", err)
	}
}
