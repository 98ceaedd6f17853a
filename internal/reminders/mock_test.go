package reminders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/google/uuid"
)

type doseKey struct {
	protocolID string
	slot       int64
}

type mockRepository struct {
	mu         sync.Mutex
	recipients []domain.Recipient
	schedules  map[string][]domain.Schedule
	logged     map[doseKey]bool
	lowStock   map[string][]domain.StockItem
	adherence  domain.Adherence
	titrations map[string][]domain.Titration

	listErr     error
	scheduleErr map[string]error
	calls       []string
}

func newMockRepository(recipients ...domain.Recipient) *mockRepository {
	return &mockRepository{
		recipients:  recipients,
		schedules:   make(map[string][]domain.Schedule),
		logged:      make(map[doseKey]bool),
		lowStock:    make(map[string][]domain.StockItem),
		titrations:  make(map[string][]domain.Titration),
		scheduleErr: make(map[string]error),
	}
}

func (m *mockRepository) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockRepository) ListLinkedRecipients(context.Context) ([]domain.Recipient, error) {
	m.record("ListLinkedRecipients")
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.recipients, nil
}

func (m *mockRepository) GetRecipient(_ context.Context, subjectID string) (*domain.Recipient, error) {
	for _, r := range m.recipients {
		if r.SubjectID == subjectID {
			rec := r
			return &rec, nil
		}
	}
	return nil, ErrRecipientNotFound
}

func (m *mockRepository) ListActiveSchedules(_ context.Context, subjectID string) ([]domain.Schedule, error) {
	m.record("ListActiveSchedules:" + subjectID)
	if err := m.scheduleErr[subjectID]; err != nil {
		return nil, err
	}
	return m.schedules[subjectID], nil
}

func (m *mockRepository) IsDoseLogged(_ context.Context, protocolID string, slot time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logged[doseKey{protocolID, slot.UnixNano()}], nil
}

func (m *mockRepository) logDose(protocolID string, slot time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logged[doseKey{protocolID, slot.UnixNano()}] = true
}

func (m *mockRepository) ListLowStock(_ context.Context, subjectID string) ([]domain.StockItem, error) {
	return m.lowStock[subjectID], nil
}

func (m *mockRepository) AdherenceSummary(_ context.Context, _ string, from, to time.Time) (domain.Adherence, error) {
	a := m.adherence
	a.From, a.To = from, to
	return a, nil
}

func (m *mockRepository) ListTitrationsDue(_ context.Context, subjectID string, _ time.Time) ([]domain.Titration, error) {
	return m.titrations[subjectID], nil
}

// recordingDeliverer captures candidates instead of delivering them.
type recordingDeliverer struct {
	mu         sync.Mutex
	candidates []domain.NotificationCandidate
	outcome    Outcome
	err        error
}

func (d *recordingDeliverer) Deliver(_ context.Context, _ domain.Recipient, c domain.NotificationCandidate) (DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.candidates = append(d.candidates, c)
	if d.err != nil {
		return DeliveryResult{}, d.err
	}
	outcome := d.outcome
	if outcome == "" {
		outcome = OutcomeSent
	}
	return DeliveryResult{Outcome: outcome, Attempts: 1}, nil
}

func (d *recordingDeliverer) kinds() []domain.NotificationKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.NotificationKind, 0, len(d.candidates))
	for _, c := range d.candidates {
		out = append(out, c.Kind)
	}
	return out
}

// scriptedSender returns the scripted errors in order, then succeeds.
type scriptedSender struct {
	mu       sync.Mutex
	errs     []error
	always   error
	attempts int
}

func (s *scriptedSender) Send(_ context.Context, _ domain.Recipient, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.always != nil {
		return "", s.always
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	return "msg-" + uuid.NewString()[:8], nil
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type staticRenderer struct {
	err error
}

func (r staticRenderer) Render(_ domain.ChannelType, c domain.NotificationCandidate) (string, string, error) {
	if r.err != nil {
		return "", "", r.err
	}
	return string(c.Kind), c.Payload.MedicineName, nil
}

// fakeDLQ keeps one live entry per (subject, protocol, kind), like the
// partial unique index of the real table.
type fakeDLQ struct {
	mu      sync.Mutex
	entries map[domain.DedupKey]*domain.DeadLetterEntry
	err     error
	writes  int
}

func newFakeDLQ() *fakeDLQ {
	return &fakeDLQ{entries: make(map[domain.DedupKey]*domain.DeadLetterEntry)}
}

func (f *fakeDLQ) Enqueue(ctx context.Context, c domain.NotificationCandidate, sendErr error, retryCount int, correlationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	f.writes++

	key := domain.DedupKey{SubjectID: c.SubjectID, Kind: c.Kind, ProtocolID: c.ProtocolID}
	e, ok := f.entries[key]
	if !ok {
		e = &domain.DeadLetterEntry{ID: uuid.NewString(), SubjectID: c.SubjectID, Kind: c.Kind}
		if c.ProtocolID != "" {
			pid := c.ProtocolID
			e.ProtocolID = &pid
		}
		f.entries[key] = e
	}
	e.Payload = c
	e.Status = domain.DeadLetterStatusPending
	e.ErrorCategory = delivery.Classify(sendErr)
	e.ErrorCode = delivery.ErrorCode(sendErr)
	e.ErrorMessage = sendErr.Error()
	e.RetryCount = retryCount
	e.CorrelationID = correlationID
	return e.ID, nil
}

func (f *fakeDLQ) all() []domain.DeadLetterEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out
}

var errTimeout = delivery.NewSendError(domain.ErrorCategoryNetwork, "ETIMEDOUT", "request timed out")

var errBlocked = delivery.NewSendError(domain.ErrorCategoryInvalidChat, "403", "Forbidden: bot was blocked by the user")

var errDB = errors.New("connection refused")
