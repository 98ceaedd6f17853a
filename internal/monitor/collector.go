// Package monitor keeps the in-process delivery metrics window and turns it
// into health reports.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
)

// DefaultRetention is how long minute buckets are kept.
const DefaultRetention = 60 * time.Minute

type bucket struct {
	success    int
	failure    int
	retry      int
	rateLimit  int
	latencies  []float64 // milliseconds
	byCategory map[domain.ErrorCategory]int
}

// Collector is the process-local, non-authoritative delivery metrics window.
// One instance is created at startup and shared by every component that
// records delivery outcomes. Recording never fails and never panics.
type Collector struct {
	mu          sync.Mutex
	buckets     map[int64]*bucket // keyed by unix minute
	retention   time.Duration
	lastSuccess time.Time

	dlqSize atomic.Int64
	now     func() time.Time
}

// NewCollector creates a collector keeping buckets for retention.
func NewCollector(retention time.Duration) *Collector {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Collector{
		buckets:   make(map[int64]*bucket),
		retention: retention,
		now:       time.Now,
	}
}

func minuteKey(t time.Time) int64 {
	return t.Unix() / 60
}

// record runs fn on the current bucket under the lock, swallowing panics.
func (c *Collector) record(fn func(b *bucket, now time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("metrics collector panic recovered", "panic", r)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := minuteKey(now)
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{byCategory: make(map[domain.ErrorCategory]int)}
		c.buckets[key] = b
	}
	fn(b, now)
}

// RecordSuccess records a delivered notification.
func (c *Collector) RecordSuccess(latency time.Duration) {
	c.record(func(b *bucket, now time.Time) {
		b.success++
		if latency > 0 {
			b.latencies = append(b.latencies, float64(latency)/float64(time.Millisecond))
		}
		c.lastSuccess = now
	})
	deliveriesTotal.WithLabelValues("success", "").Inc()
	if latency > 0 {
		deliveryDuration.Observe(latency.Seconds())
	}
}

// RecordFailure records a terminal delivery failure.
func (c *Collector) RecordFailure(category domain.ErrorCategory, retryable bool) {
	c.record(func(b *bucket, _ time.Time) {
		b.failure++
		b.byCategory[category]++
	})
	result := "permanent_failure"
	if retryable {
		result = "exhausted"
	}
	deliveriesTotal.WithLabelValues(result, string(category)).Inc()
}

// RecordRetry records a scheduled retry (attempt is the upcoming attempt number).
func (c *Collector) RecordRetry(_ int) {
	c.record(func(b *bucket, _ time.Time) {
		b.retry++
	})
	deliveryRetries.Inc()
}

// RecordRateLimitHit records a provider rate limit response.
func (c *Collector) RecordRateLimitHit() {
	c.record(func(b *bucket, _ time.Time) {
		b.rateLimit++
	})
	deliveryRateLimitHits.Inc()
}

// SetDLQSize updates the live dead letter backlog gauge.
func (c *Collector) SetDLQSize(n int) {
	c.dlqSize.Store(int64(n))
	deadLetterSize.Set(float64(n))
}

// LatencySummary holds latency statistics in milliseconds.
type LatencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Summary aggregates the buckets of a window.
type Summary struct {
	WindowMinutes int                          `json:"windowMinutes"`
	TotalAttempts int                          `json:"totalAttempts"`
	Successful    int                          `json:"successful"`
	Failed        int                          `json:"failed"`
	Retried       int                          `json:"retried"`
	ErrorRate     float64                      `json:"errorRate"` // percent
	RateLimitHits int                          `json:"rateLimitHits"`
	Latency       LatencySummary               `json:"latency"`
	DLQSize       int                          `json:"dlqSize"`
	ByCategory    map[domain.ErrorCategory]int `json:"failuresByCategory"`
	LastSuccessAt *time.Time                   `json:"lastSuccessAt"`
}

// Summary returns the aggregate of the last windowMinutes minute buckets,
// including the current one.
func (c *Collector) Summary(windowMinutes int) Summary {
	if windowMinutes <= 0 {
		windowMinutes = int(c.retention / time.Minute)
	}

	c.mu.Lock()
	now := c.now()
	from := minuteKey(now) - int64(windowMinutes) + 1

	s := Summary{
		WindowMinutes: windowMinutes,
		ByCategory:    make(map[domain.ErrorCategory]int),
	}
	latencies := make([]float64, 0)
	for key, b := range c.buckets {
		if key < from {
			continue
		}
		s.Successful += b.success
		s.Failed += b.failure
		s.Retried += b.retry
		s.RateLimitHits += b.rateLimit
		latencies = append(latencies, b.latencies...)
		for cat, n := range b.byCategory {
			s.ByCategory[cat] += n
		}
	}
	if !c.lastSuccess.IsZero() {
		last := c.lastSuccess
		s.LastSuccessAt = &last
	}
	c.mu.Unlock()

	s.TotalAttempts = s.Successful + s.Failed
	if s.TotalAttempts > 0 {
		s.ErrorRate = float64(s.Failed) / float64(s.TotalAttempts) * 100
	}
	s.Latency = summarizeLatencies(latencies)
	s.DLQSize = int(c.dlqSize.Load())
	return s
}

func summarizeLatencies(samples []float64) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}
	sort.Float64s(samples)

	var sum float64
	for _, v := range samples {
		sum += v
	}
	return LatencySummary{
		Avg: sum / float64(len(samples)),
		P50: percentile(samples, 50),
		P95: percentile(samples, 95),
		P99: percentile(samples, 99),
	}
}

// percentile indexes sorted at ceil(p/100*n)-1.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Sweep evicts buckets older than the retention horizon and returns how many
// were removed.
func (c *Collector) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := minuteKey(c.now().Add(-c.retention))
	removed := 0
	for key := range c.buckets {
		if key < cutoff {
			delete(c.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				slog.Debug("metrics buckets evicted", "count", removed)
			}
		}
	}
}
