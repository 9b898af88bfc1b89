/*
scheduler.go - Automated rate adjustment scheduler

PURPOSE:
  Periodically recomputes every approved agent's commission rate from
  their cumulative sales, using the active policy's thresholds.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs as the system actor
  - Records the last run so operators can see it
  - Disabled unless an interval is configured

USAGE:
  scheduler := NewRateAdjustScheduler(handler.Commissions, time.Hour, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: AdjustAllRates endpoint (manual run)
  - commission/adjust.go: AdjustRate / AdjustAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
)

// RateAdjuster is the part of the commission service the scheduler drives.
type RateAdjuster interface {
	AdjustAll(ctx context.Context, actor ledger.Actor) ([]commission.RateAdjustment, error)
}

// RunResult summarizes one scheduler run.
type RunResult struct {
	StartedAt time.Time
	Changed   int
	Err       error
}

// RateAdjustScheduler runs rate adjustment on a fixed interval.
type RateAdjustScheduler struct {
	Adjuster      RateAdjuster
	CheckInterval time.Duration
	Log           *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *RunResult
}

// NewRateAdjustScheduler creates a scheduler. A zero interval disables it.
func NewRateAdjustScheduler(adjuster RateAdjuster, interval time.Duration, log *zap.Logger) *RateAdjustScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateAdjustScheduler{
		Adjuster:      adjuster,
		CheckInterval: interval,
		Log:           log.Named("scheduler"),
	}
}

// Enabled reports whether Start will launch the loop.
func (rs *RateAdjustScheduler) Enabled() bool { return rs.CheckInterval > 0 }

// Start begins the scheduler.
func (rs *RateAdjustScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled() {
		rs.Log.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.Log.Info("started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run.
func (rs *RateAdjustScheduler) Stop() {
	rs.mu.Lock()
	ticker, stop := rs.ticker, rs.stop
	rs.ticker, rs.stop = nil, nil
	rs.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	rs.wg.Wait()
	rs.Log.Info("stopped")
}

func (rs *RateAdjustScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	for {
		select {
		case <-ticker.C:
			rs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one adjustment pass.
func (rs *RateAdjustScheduler) RunNow(ctx context.Context) RunResult {
	res := RunResult{StartedAt: time.Now().UTC()}
	changed, err := rs.Adjuster.AdjustAll(ctx, ledger.SystemActor)
	res.Changed, res.Err = len(changed), err

	if err != nil {
		rs.Log.Error("rate adjustment failed", zap.Error(err), zap.Bool("retryable", ledger.IsRetryable(err)))
	} else {
		rs.Log.Info("rate adjustment completed", zap.Int("changed", res.Changed))
	}

	rs.mu.Lock()
	rs.lastRun = &res
	rs.mu.Unlock()
	return res
}

// LastRun returns the most recent run, if any.
func (rs *RateAdjustScheduler) LastRun() (RunResult, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastRun == nil {
		return RunResult{}, false
	}
	return *rs.lastRun, true
}
