package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// digestCandidates returns the reports due at the recipient's digest time:
// the daily digest and stock alert every day, titration alerts for steps
// taking effect tomorrow, the weekly adherence report on Sundays and the
// monthly report on the first day of a month.
func (e *Evaluator) digestCandidates(ctx context.Context, tick time.Time, loc *time.Location, r domain.Recipient) ([]domain.NotificationCandidate, int) {
	logger := ctxlog.FromContext(ctx).With("subject_id", r.SubjectID)

	digestTime := r.DigestTime
	if digestTime == "" {
		digestTime = e.cfg.DefaultDigestTime
	}
	slot, due, err := dueAt(tick, loc, digestTime)
	if err != nil {
		logger.Warn("invalid digest time", "digest_time", digestTime, "error", err)
		return nil, 1
	}
	if !due {
		return nil, 0
	}

	local := slot.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	base := domain.NotificationCandidate{
		SubjectID: r.SubjectID,
		Slot:      slot,
		Payload:   domain.NotificationPayload{RecipientName: r.Name},
	}

	var out []domain.NotificationCandidate
	errCount := 0

	if adherence, err := e.repo.AdherenceSummary(ctx, r.SubjectID, today, today.AddDate(0, 0, 1)); err != nil {
		logger.Error("failed to load daily adherence", "error", err)
		errCount++
	} else if adherence.Scheduled > 0 {
		c := base
		c.Kind = domain.KindDailyDigest
		c.Payload.Adherence = &adherence
		c.Payload.PeriodLabel = today.Format("Mon, Jan 2")
		out = append(out, c)
	}

	lowStock, err := e.repo.ListLowStock(ctx, r.SubjectID)
	if err != nil {
		logger.Error("failed to load stock", "error", err)
		errCount++
	} else if len(lowStock) > 0 {
		c := base
		c.Kind = domain.KindStockAlert
		c.Payload.Stock = lowStock
		out = append(out, c)
	}

	tomorrow := today.AddDate(0, 0, 1)
	titrations, err := e.repo.ListTitrationsDue(ctx, r.SubjectID, tomorrow)
	if err != nil {
		logger.Error("failed to load titrations", "error", err)
		errCount++
	}
	for _, t := range titrations {
		c := base
		c.Kind = domain.KindTitrationAlert
		c.ProtocolID = t.ProtocolID
		c.Payload.MedicineName = t.MedicineName
		c.Payload.Titration = &t
		out = append(out, c)
	}

	if local.Weekday() == time.Sunday {
		from := today.AddDate(0, 0, -6)
		adherence, err := e.repo.AdherenceSummary(ctx, r.SubjectID, from, tomorrow)
		if err != nil {
			logger.Error("failed to load weekly adherence", "error", err)
			errCount++
		} else {
			c := base
			c.Kind = domain.KindAdherenceReport
			c.Payload.Adherence = &adherence
			c.Payload.PeriodLabel = fmt.Sprintf("%s - %s", from.Format("Jan 2"), today.Format("Jan 2"))
			out = append(out, c)
		}
	}

	if local.Day() == 1 {
		from := today.AddDate(0, -1, 0)
		adherence, err := e.repo.AdherenceSummary(ctx, r.SubjectID, from, today)
		if err != nil {
			logger.Error("failed to load monthly adherence", "error", err)
			errCount++
		} else {
			c := base
			c.Kind = domain.KindMonthlyReport
			c.Payload.Adherence = &adherence
			c.Payload.PeriodLabel = from.Format("January 2006")
			c.Payload.Stock = lowStock
			out = append(out, c)
		}
	}

	return out, errCount
}
