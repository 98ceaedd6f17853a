// Package reminders decides which notifications are due on each tick and
// drives them through dedup, delivery and dead-lettering.
package reminders

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
)

// Defaults for EvaluatorConfig.
const (
	DefaultWorkers    = 8
	DefaultDigestTime = "21:00"

	softReminderMin = 25 * time.Minute
	softReminderMax = 35 * time.Minute
)

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	Workers           int
	DefaultTimezone   string
	DefaultDigestTime string
}

// Deliverer takes a due candidate through dedup and delivery.
type Deliverer interface {
	Deliver(ctx context.Context, recipient domain.Recipient, candidate domain.NotificationCandidate) (DeliveryResult, error)
}

// SendHistory reports when the notification covering a slot was sent.
type SendHistory interface {
	SentForSlot(ctx context.Context, key domain.DedupKey, slot time.Time) (time.Time, bool, error)
}

// EvaluationResult summarizes one evaluation pass.
type EvaluationResult struct {
	Recipients   int
	Due          int
	Sent         int
	Suppressed   int
	DeadLettered int
	Errors       int
}

type passCounters struct {
	due, sent, suppressed, deadLettered, errors atomic.Int64
}

// Evaluator finds due notifications for every linked recipient.
type Evaluator struct {
	repo        Repository
	history     SendHistory
	deliverer   Deliverer
	cfg         EvaluatorConfig
	defaultZone *time.Location
	zones       sync.Map // name -> *time.Location
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(repo Repository, history SendHistory, deliverer Deliverer, cfg EvaluatorConfig) (*Evaluator, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DefaultDigestTime == "" {
		cfg.DefaultDigestTime = DefaultDigestTime
	}
	if _, _, err := parseClock(cfg.DefaultDigestTime); err != nil {
		return nil, fmt.Errorf("default digest time: %w", err)
	}

	zone := time.UTC
	if cfg.DefaultTimezone != "" {
		loc, err := time.LoadLocation(cfg.DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("default timezone: %w", err)
		}
		zone = loc
	}

	return &Evaluator{
		repo:        repo,
		history:     history,
		deliverer:   deliverer,
		cfg:         cfg,
		defaultZone: zone,
	}, nil
}

// Evaluate runs one pass for the tick at now. Failures for one recipient or
// schedule are logged and do not stop the others; the returned error is only
// set when the recipient list itself cannot be loaded.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) (EvaluationResult, error) {
	logger := ctxlog.FromContext(ctx)
	tick := now.Truncate(time.Minute)

	recipients, err := e.repo.ListLinkedRecipients(ctx)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("list linked recipients: %w", err)
	}

	var counters passCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, r := range recipients {
		g.Go(func() error {
			e.evaluateRecipient(gctx, tick, r, &counters)
			return nil
		})
	}
	_ = g.Wait()

	result := EvaluationResult{
		Recipients:   len(recipients),
		Due:          int(counters.due.Load()),
		Sent:         int(counters.sent.Load()),
		Suppressed:   int(counters.suppressed.Load()),
		DeadLettered: int(counters.deadLettered.Load()),
		Errors:       int(counters.errors.Load()),
	}
	if result.Due > 0 || result.Errors > 0 {
		logger.Info("evaluation pass completed",
			"tick", tick,
			"recipients", result.Recipients,
			"due", result.Due,
			"sent", result.Sent,
			"suppressed", result.Suppressed,
			"dead_lettered", result.DeadLettered,
			"errors", result.Errors,
		)
	}
	return result, nil
}

func (e *Evaluator) evaluateRecipient(ctx context.Context, tick time.Time, r domain.Recipient, counters *passCounters) {
	loc := e.location(ctx, r.Timezone)

	candidates, errCount := e.collect(ctx, tick, loc, r)
	counters.errors.Add(int64(errCount))

	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		counters.due.Add(1)
		c.CorrelationID = ctxlog.NewCorrelationID()

		res, err := e.deliverer.Deliver(ctx, r, c)
		switch {
		case err != nil:
			counters.errors.Add(1)
			ctxlog.FromContext(ctxlog.WithCorrelationID(ctx, c.CorrelationID)).Error("delivery pipeline failed",
				"subject_id", r.SubjectID,
				"kind", c.Kind,
				"protocol_id", c.ProtocolID,
				"error", err,
			)
		case res.Outcome == OutcomeSent:
			counters.sent.Add(1)
		case res.Outcome == OutcomeSuppressed:
			counters.suppressed.Add(1)
		case res.Outcome == OutcomeDeadLettered:
			counters.deadLettered.Add(1)
		}
	}
}

// collect builds the candidates due for r at tick. Each failed lookup is
// logged, counted and skipped.
func (e *Evaluator) collect(ctx context.Context, tick time.Time, loc *time.Location, r domain.Recipient) ([]domain.NotificationCandidate, int) {
	logger := ctxlog.FromContext(ctx).With("subject_id", r.SubjectID)
	errCount := 0

	schedules, err := e.repo.ListActiveSchedules(ctx, r.SubjectID)
	if err != nil {
		logger.Error("failed to list schedules", "error", err)
		errCount++
	}

	var out []domain.NotificationCandidate
	for _, s := range schedules {
		if !s.Active {
			continue
		}
		due, errs := e.scheduleCandidates(ctx, tick, loc, r, s)
		out = append(out, due...)
		errCount += errs
	}

	digest, errs := e.digestCandidates(ctx, tick, loc, r)
	out = append(out, digest...)
	errCount += errs

	return out, errCount
}

func (e *Evaluator) scheduleCandidates(ctx context.Context, tick time.Time, loc *time.Location, r domain.Recipient, s domain.Schedule) ([]domain.NotificationCandidate, int) {
	logger := ctxlog.FromContext(ctx).With("subject_id", r.SubjectID, "protocol_id", s.ProtocolID)
	errCount := 0

	var out []domain.NotificationCandidate
	for _, hhmm := range s.Times {
		slot, due, err := dueAt(tick, loc, hhmm)
		if err != nil {
			logger.Warn("invalid schedule time", "time", hhmm, "error", err)
			errCount++
			continue
		}

		if due {
			logged, err := e.repo.IsDoseLogged(ctx, s.ProtocolID, slot)
			if err != nil {
				logger.Error("failed to check dose log", "slot", slot, "error", err)
				errCount++
				continue
			}
			if !logged {
				out = append(out, newScheduleCandidate(domain.KindDoseReminder, r, s, hhmm, slot))
			}
			continue
		}

		c, ok, err := e.softReminder(ctx, tick, loc, r, s, hhmm)
		if err != nil {
			logger.Error("failed to evaluate soft reminder", "time", hhmm, "error", err)
			errCount++
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, errCount
}

// softReminder fires once when 25 to 35 minutes have passed since the dose
// reminder of a slot was sent and neither the dose nor a soft reminder was
// recorded since.
func (e *Evaluator) softReminder(ctx context.Context, tick time.Time, loc *time.Location, r domain.Recipient, s domain.Schedule, hhmm string) (domain.NotificationCandidate, bool, error) {
	slot, ok, err := recentSlot(tick, loc, hhmm, softReminderMax+5*time.Minute)
	if err != nil || !ok {
		return domain.NotificationCandidate{}, false, err
	}

	primary := newScheduleCandidate(domain.KindDoseReminder, r, s, hhmm, slot)
	sentAt, found, err := e.history.SentForSlot(ctx, primary.DedupKey(), slot)
	if err != nil || !found {
		return domain.NotificationCandidate{}, false, err
	}
	elapsed := tick.Sub(sentAt)
	if elapsed < softReminderMin || elapsed > softReminderMax {
		return domain.NotificationCandidate{}, false, nil
	}

	soft := newScheduleCandidate(domain.KindSoftReminder, r, s, hhmm, slot)
	_, found, err = e.history.SentForSlot(ctx, soft.DedupKey(), slot)
	if err != nil || found {
		return domain.NotificationCandidate{}, false, err
	}

	logged, err := e.repo.IsDoseLogged(ctx, s.ProtocolID, slot)
	if err != nil || logged {
		return domain.NotificationCandidate{}, false, err
	}
	return soft, true, nil
}

func newScheduleCandidate(kind domain.NotificationKind, r domain.Recipient, s domain.Schedule, hhmm string, slot time.Time) domain.NotificationCandidate {
	return domain.NotificationCandidate{
		SubjectID:  r.SubjectID,
		ProtocolID: s.ProtocolID,
		Kind:       kind,
		Slot:       slot,
		Payload: domain.NotificationPayload{
			RecipientName: r.Name,
			MedicineName:  s.MedicineName,
			Dosage:        s.Dosage,
			ScheduledTime: hhmm,
		},
	}
}

func (e *Evaluator) location(ctx context.Context, name string) *time.Location {
	if name == "" {
		return e.defaultZone
	}
	if loc, ok := e.zones.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("unknown timezone, using default", "timezone", name, "error", err)
		return e.defaultZone
	}
	e.zones.Store(name, loc)
	return loc
}

// parseClock parses a local "HH:MM" time of day.
func parseClock(hhmm string) (int, int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time of day %q", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || len(m) != 2 {
		return 0, 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return hour, minute, nil
}

// slotOn returns the instant of hhmm on the local calendar day of day.
// A wall clock time repeated by a DST fall-back maps to its first
// occurrence. One skipped by spring-forward moves forward by the length of
// the gap.
func slotOn(day time.Time, loc *time.Location, hour, minute int) time.Time {
	local := day.In(loc)
	wall := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, time.UTC)

	// Offsets in force well before and well after the wall time. Zone
	// transitions are far more than two days apart.
	_, before := wall.Add(-36 * time.Hour).In(loc).Zone()
	_, after := wall.Add(36 * time.Hour).In(loc).Zone()

	early := wall.Add(-time.Duration(before) * time.Second)
	if before == after {
		return early.In(loc)
	}
	late := wall.Add(-time.Duration(after) * time.Second)
	if late.Before(early) {
		early, late = late, early
	}
	for _, c := range []time.Time{early, late} {
		if isWall(c.In(loc), wall) {
			return c.In(loc)
		}
	}
	// Inside a gap: the pre-gap offset lands after the transition.
	return wall.Add(-time.Duration(before) * time.Second).In(loc)
}

func isWall(t, wall time.Time) bool {
	return t.Year() == wall.Year() && t.YearDay() == wall.YearDay() &&
		t.Hour() == wall.Hour() && t.Minute() == wall.Minute()
}

// dueAt reports whether hhmm falls on tick in loc, and returns its slot.
func dueAt(tick time.Time, loc *time.Location, hhmm string) (time.Time, bool, error) {
	hour, minute, err := parseClock(hhmm)
	if err != nil {
		return time.Time{}, false, err
	}
	tick = tick.Truncate(time.Minute)
	slot := slotOn(tick, loc, hour, minute)
	return slot, slot.Equal(tick), nil
}

// recentSlot returns the latest slot of hhmm not after tick, if it lies
// within lookback.
func recentSlot(tick time.Time, loc *time.Location, hhmm string, lookback time.Duration) (time.Time, bool, error) {
	hour, minute, err := parseClock(hhmm)
	if err != nil {
		return time.Time{}, false, err
	}
	slot := slotOn(tick, loc, hour, minute)
	if slot.After(tick) {
		slot = slotOn(tick.In(loc).AddDate(0, 0, -1), loc, hour, minute)
	}
	if tick.Sub(slot) > lookback {
		return time.Time{}, false, nil
	}
	return slot, true, nil
}
