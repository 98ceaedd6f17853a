package reminders

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// PassRunner runs one evaluation pass.
type PassRunner interface {
	Evaluate(ctx context.Context, now time.Time) (EvaluationResult, error)
}

// Driver runs evaluation passes on a periodic trigger and never lets two
// passes overlap.
type Driver struct {
	runner  PassRunner
	running atomic.Bool
	skipped atomic.Int64
	now     func() time.Time
}

// NewDriver creates a new driver.
func NewDriver(runner PassRunner) *Driver {
	return &Driver{
		runner: runner,
		now:    time.Now,
	}
}

// Tick runs one pass unless the previous one is still running, in which case
// the tick is skipped and Tick returns false.
func (d *Driver) Tick(ctx context.Context) (bool, error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		ctxlog.FromContext(ctx).Warn("evaluation pass still running, tick skipped")
		return false, nil
	}
	defer d.running.Store(false)

	if _, err := d.runner.Evaluate(ctx, d.now()); err != nil {
		return true, err
	}
	return true, nil
}

// Run is Tick shaped as a scheduler job.
func (d *Driver) Run(ctx context.Context) error {
	_, err := d.Tick(ctx)
	return err
}

// Skipped returns how many ticks were skipped because a pass was running.
func (d *Driver) Skipped() int64 {
	return d.skipped.Load()
}
