package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// HealthStatus is the severity of a health check.
type HealthStatus string

// Health statuses, ordered by severity.
const (
	HealthOK       HealthStatus = "ok"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthCritical:
		return 2
	case HealthWarning:
		return 1
	default:
		return 0
	}
}

// Thresholds configure the health checks.
type Thresholds struct {
	ErrorRatePercent     float64
	DLQWarning           int
	DLQCritical          int
	NoSuccessAfter       time.Duration
	RateLimitHitsPerHour int
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRatePercent:     5,
		DLQWarning:           50,
		DLQCritical:          100,
		NoSuccessAfter:       10 * time.Minute,
		RateLimitHitsPerHour: 10,
	}
}

// DeadLetterStatsProvider reports the dead letter queue state.
type DeadLetterStatsProvider interface {
	Stats(ctx context.Context) (*domain.DeadLetterStats, error)
}

// Check is the result of one health check.
type Check struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
	Value     float64      `json:"value"`
	Threshold float64      `json:"threshold"`
}

// Report is the aggregated health of the delivery pipeline.
type Report struct {
	Status    HealthStatus     `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Summary   Summary          `json:"summary"`
	DLQ       *DLQHealth       `json:"dlq,omitempty"`
}

// DLQHealth is the dead letter part of the report.
type DLQHealth struct {
	Pending                    int                          `json:"pending"`
	Retrying                   int                          `json:"retrying"`
	ByCategory                 map[domain.ErrorCategory]int `json:"byCategory"`
	OldestUnresolvedAgeSeconds int64                        `json:"oldestUnresolvedAgeSeconds"`
}

// HealthChecker evaluates the delivery pipeline against thresholds.
type HealthChecker struct {
	collector  *Collector
	dlq        DeadLetterStatsProvider
	thresholds Thresholds
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(collector *Collector, dlq DeadLetterStatsProvider, thresholds Thresholds) *HealthChecker {
	return &HealthChecker{
		collector:  collector,
		dlq:        dlq,
		thresholds: thresholds,
	}
}

// Check builds a health report. It never fails: an unavailable dependency
// degrades the affected check instead.
func (h *HealthChecker) Check(ctx context.Context) Report {
	now := h.collector.now()
	hour := h.collector.Summary(60)

	report := Report{
		Status:    HealthOK,
		Timestamp: now.UTC(),
		Checks:    make(map[string]Check, 4),
		Summary:   hour,
	}

	report.Checks["error_rate"] = h.checkErrorRate(hour)
	report.Checks["rate_limit"] = h.checkRateLimit(hour)
	report.Checks["last_success"] = h.checkLastSuccess(now)

	stats, err := h.dlq.Stats(ctx)
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to read dead letter stats", "error", err)
		report.Checks["dlq_backlog"] = Check{
			Status:    HealthWarning,
			Message:   "dead letter stats unavailable",
			Threshold: float64(h.thresholds.DLQWarning),
		}
	} else {
		h.collector.SetDLQSize(stats.Unresolved())
		report.Summary.DLQSize = stats.Unresolved()
		report.Checks["dlq_backlog"] = h.checkBacklog(stats.Unresolved())
		report.DLQ = &DLQHealth{
			Pending:                    stats.ByStatus[domain.DeadLetterStatusPending],
			Retrying:                   stats.ByStatus[domain.DeadLetterStatusRetrying],
			ByCategory:                 stats.ByCategory,
			OldestUnresolvedAgeSeconds: int64(stats.OldestUnresolvedAge.Seconds()),
		}
	}

	for _, c := range report.Checks {
		if c.Status.rank() > report.Status.rank() {
			report.Status = c.Status
		}
	}
	return report
}

func (h *HealthChecker) checkErrorRate(s Summary) Check {
	c := Check{
		Status:    HealthOK,
		Value:     s.ErrorRate,
		Threshold: h.thresholds.ErrorRatePercent,
		Message:   fmt.Sprintf("%.1f%% of %d deliveries failed in the last hour", s.ErrorRate, s.TotalAttempts),
	}
	if s.TotalAttempts > 0 && s.ErrorRate > h.thresholds.ErrorRatePercent {
		c.Status = HealthWarning
	}
	return c
}

func (h *HealthChecker) checkRateLimit(s Summary) Check {
	c := Check{
		Status:    HealthOK,
		Value:     float64(s.RateLimitHits),
		Threshold: float64(h.thresholds.RateLimitHitsPerHour),
		Message:   fmt.Sprintf("%d rate limit hits in the last hour", s.RateLimitHits),
	}
	if s.RateLimitHits > h.thresholds.RateLimitHitsPerHour {
		c.Status = HealthWarning
	}
	return c
}

func (h *HealthChecker) checkBacklog(unresolved int) Check {
	c := Check{
		Status:    HealthOK,
		Value:     float64(unresolved),
		Threshold: float64(h.thresholds.DLQWarning),
		Message:   fmt.Sprintf("%d unresolved dead letter entries", unresolved),
	}
	switch {
	case unresolved > h.thresholds.DLQCritical:
		c.Status = HealthCritical
		c.Threshold = float64(h.thresholds.DLQCritical)
	case unresolved > h.thresholds.DLQWarning:
		c.Status = HealthWarning
	}
	return c
}

// checkLastSuccess is critical when deliveries were attempted within the
// NoSuccessAfter span but none succeeded in it. An idle pipeline is ok.
func (h *HealthChecker) checkLastSuccess(now time.Time) Check {
	span := h.thresholds.NoSuccessAfter
	spanMinutes := int(span / time.Minute)
	if spanMinutes < 1 {
		spanMinutes = 1
	}
	recent := h.collector.Summary(spanMinutes)

	c := Check{
		Status:    HealthOK,
		Threshold: span.Seconds(),
		Message:   "no deliveries attempted recently",
	}
	if recent.LastSuccessAt != nil {
		c.Value = now.Sub(*recent.LastSuccessAt).Seconds()
		c.Message = fmt.Sprintf("last successful delivery %s ago", now.Sub(*recent.LastSuccessAt).Truncate(time.Second))
	}
	if recent.TotalAttempts == 0 {
		return c
	}

	if recent.LastSuccessAt == nil || now.Sub(*recent.LastSuccessAt) > span {
		c.Status = HealthCritical
		c.Message = fmt.Sprintf("%d deliveries attempted without success in the last %s", recent.TotalAttempts, span)
	}
	return c
}
