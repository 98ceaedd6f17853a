package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/google/uuid"
)

// mockRepository is an in-memory Repository. Upsert emulates the partial
// unique index on (subject, protocol, kind) over live entries.
type mockRepository struct {
	mu      sync.Mutex
	entries map[string]*domain.DeadLetterEntry
	now     time.Time

	upsertErr error
	countErr  error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		entries: make(map[string]*domain.DeadLetterEntry),
		now:     time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC),
	}
}

func (m *mockRepository) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

func (m *mockRepository) Upsert(_ context.Context, p EnqueueParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upsertErr != nil {
		return "", m.upsertErr
	}
	now := m.tick()

	for _, e := range m.entries {
		if e.Status.IsTerminal() {
			continue
		}
		if e.SubjectID == p.Candidate.SubjectID && protocolOf(e) == p.Candidate.ProtocolID && e.Kind == p.Candidate.Kind {
			e.Payload = p.Candidate
			e.ErrorCode = p.ErrorCode
			e.ErrorMessage = p.ErrorMessage
			e.ErrorCategory = p.ErrorCategory
			e.RetryCount = p.RetryCount
			e.CorrelationID = p.CorrelationID
			e.Status = domain.DeadLetterStatusPending
			e.UpdatedAt = now
			return e.ID, nil
		}
	}

	e := &domain.DeadLetterEntry{
		ID:            uuid.NewString(),
		SubjectID:     p.Candidate.SubjectID,
		Kind:          p.Candidate.Kind,
		Payload:       p.Candidate,
		ErrorCode:     p.ErrorCode,
		ErrorMessage:  p.ErrorMessage,
		ErrorCategory: p.ErrorCategory,
		RetryCount:    p.RetryCount,
		CorrelationID: p.CorrelationID,
		Status:        domain.DeadLetterStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.Candidate.ProtocolID != "" {
		pid := p.Candidate.ProtocolID
		e.ProtocolID = &pid
	}
	m.entries[e.ID] = e
	return e.ID, nil
}

func protocolOf(e *domain.DeadLetterEntry) string {
	if e.ProtocolID == nil {
		return ""
	}
	return *e.ProtocolID
}

func (m *mockRepository) MarkRetrying(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.Status != domain.DeadLetterStatusPending {
		return false, nil
	}
	e.Status = domain.DeadLetterStatusRetrying
	e.UpdatedAt = m.tick()
	return true, nil
}

func (m *mockRepository) Close(_ context.Context, id string, status domain.DeadLetterStatus, notes string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.Status.IsTerminal() {
		return false, nil
	}
	now := m.tick()
	e.Status = status
	e.ResolvedAt = &now
	e.UpdatedAt = now
	if notes != "" {
		e.ResolutionNotes = &notes
	}
	return true, nil
}

func (m *mockRepository) RequeueAfterFailure(_ context.Context, id string, f FailureUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.Status != domain.DeadLetterStatusRetrying {
		return false, nil
	}
	e.Status = domain.DeadLetterStatusPending
	e.RetryCount++
	e.ErrorCode = f.ErrorCode
	e.ErrorMessage = f.ErrorMessage
	e.ErrorCategory = f.ErrorCategory
	e.UpdatedAt = m.tick()
	return true, nil
}

func (m *mockRepository) RequeueStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.entries {
		if e.Status == domain.DeadLetterStatusRetrying && e.UpdatedAt.Before(cutoff) {
			e.Status = domain.DeadLetterStatusPending
			e.RetryCount++
			n++
		}
	}
	return n, nil
}

func (m *mockRepository) Get(_ context.Context, id string) (*domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepository) sorted() []domain.DeadLetterEntry {
	out := make([]domain.DeadLetterEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *mockRepository) List(_ context.Context, filter ListFilter) ([]domain.DeadLetterEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.DeadLetterEntry
	all := m.sorted()
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.SubjectID != "" && e.SubjectID != filter.SubjectID {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := min(filter.Offset+filter.Limit, total)
	return matched[filter.Offset:end], total, nil
}

func (m *mockRepository) Stats(_ context.Context) (*domain.DeadLetterStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &domain.DeadLetterStats{
		ByStatus:   make(map[domain.DeadLetterStatus]int),
		ByCategory: make(map[domain.ErrorCategory]int),
	}
	var oldest time.Time
	for _, e := range m.entries {
		stats.ByStatus[e.Status]++
		if !e.Status.IsTerminal() {
			stats.ByCategory[e.ErrorCategory]++
			if oldest.IsZero() || e.CreatedAt.Before(oldest) {
				oldest = e.CreatedAt
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestUnresolvedAge = m.now.Sub(oldest)
	}
	return stats, nil
}

func (m *mockRepository) PendingForAutoRetry(_ context.Context, maxRetryCount, limit int) ([]domain.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.DeadLetterEntry
	for _, e := range m.sorted() {
		if e.Status == domain.DeadLetterStatusPending && e.RetryCount < maxRetryCount {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRepository) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.entries {
		if e.Status.IsTerminal() && e.ResolvedAt != nil && e.ResolvedAt.Before(cutoff) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *mockRepository) CountUnresolved(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, e := range m.entries {
		if !e.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *mockRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type mockSize struct {
	mu    sync.Mutex
	value int
	calls int
}

func (m *mockSize) SetDLQSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = n
	m.calls++
}

func (m *mockSize) get() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.calls
}

type mockRedeliverer struct {
	mu        sync.Mutex
	messageID string
	err       error
	calls     []domain.NotificationCandidate
}

func (m *mockRedeliverer) Redeliver(_ context.Context, candidate domain.NotificationCandidate) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, candidate)
	return m.messageID, m.err
}
