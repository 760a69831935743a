// Package sweeper runs the periodic credit expiry, stale hold and slot cleanup jobs.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	defaultInterval             = time.Minute
	defaultStaleHoldMaxAgeHours = 24
)

var errMissingDependency = errors.New("sweeper requires a ledger, a slot cleaner and a clock")

// CreditSweeper is the part of ledger.Service the sweeper drives.
type CreditSweeper interface {
	ProcessExpiredCredits(ctx context.Context, nowUnixUTC int64) (ledger.ExpiryResult, error)
	CancelStaleHolds(ctx context.Context, maxAgeHours int) (ledger.BatchResult, error)
}

// SlotCleaner is the part of ledger.SlotLimiter the sweeper drives.
type SlotCleaner interface {
	CleanupExpiredSlots(ctx context.Context) (int64, error)
}

// Config tunes the sweep cadence.
type Config struct {
	Interval             time.Duration
	StaleHoldMaxAgeHours int
}

// Report is the outcome of one sweep pass.
type Report struct {
	Expiry       ledger.ExpiryResult
	StaleHolds   ledger.BatchResult
	SlotsRemoved int64
	Err          error
}

// Sweeper runs every job once per interval until its context ends.
type Sweeper struct {
	jobs   Jobs
	config Config
	nowFn  func() int64
	logger *zap.Logger
}

// Jobs groups the collaborators a Sweeper drives.
type Jobs struct {
	Credits CreditSweeper
	Slots   SlotCleaner
}

// New validates dependencies and fills config defaults.
func New(jobs Jobs, config Config, now func() int64, logger *zap.Logger) (*Sweeper, error) {
	if jobs.Credits == nil || jobs.Slots == nil || now == nil {
		return nil, errMissingDependency
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.StaleHoldMaxAgeHours <= 0 {
		config.StaleHoldMaxAgeHours = defaultStaleHoldMaxAgeHours
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{jobs: jobs, config: config, nowFn: now, logger: logger}, nil
}

// Run sweeps immediately and then on every tick. It returns nil once ctx is done.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.config.Interval)
	defer ticker.Stop()
	sweeper.logger.Info("sweeper started", zap.Duration("interval", sweeper.config.Interval))
	for {
		sweeper.RunOnce(ctx)
		select {
		case <-ctx.Done():
			sweeper.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes each job once. A failing job does not stop the others.
func (sweeper *Sweeper) RunOnce(ctx context.Context) Report {
	var report Report
	if ctx.Err() != nil {
		report.Err = ctx.Err()
		return report
	}

	expiry, err := sweeper.jobs.Credits.ProcessExpiredCredits(ctx, sweeper.nowFn())
	if err != nil {
		sweeper.logger.Error("credit expiry sweep failed", zap.Error(err))
		report.Err = errors.Join(report.Err, err)
	} else {
		report.Expiry = expiry
		if expiry.Users > 0 || expiry.Failed > 0 {
			sweeper.logger.Info("credits expired",
				zap.Int("users", expiry.Users),
				zap.Int("skipped", expiry.Skipped),
				zap.Int("failed", expiry.Failed),
				zap.Int64("expired", expiry.Expired.Int64()),
			)
		}
	}

	staleHolds, err := sweeper.jobs.Credits.CancelStaleHolds(ctx, sweeper.config.StaleHoldMaxAgeHours)
	if err != nil {
		sweeper.logger.Error("stale hold sweep failed", zap.Error(err))
		report.Err = errors.Join(report.Err, err)
	} else {
		report.StaleHolds = staleHolds
		if staleHolds.Processed > 0 || staleHolds.Failed > 0 {
			sweeper.logger.Info("stale holds cancelled",
				zap.Int("processed", staleHolds.Processed),
				zap.Int("skipped", staleHolds.Skipped),
				zap.Int("failed", staleHolds.Failed),
			)
		}
	}

	removed, err := sweeper.jobs.Slots.CleanupExpiredSlots(ctx)
	if err != nil {
		sweeper.logger.Error("slot cleanup failed", zap.Error(err))
		report.Err = errors.Join(report.Err, err)
	} else {
		report.SlotsRemoved = removed
		if removed > 0 {
			sweeper.logger.Info("expired slots removed", zap.Int64("removed", removed))
		}
	}
	return report
}
