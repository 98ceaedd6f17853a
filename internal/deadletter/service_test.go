package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doseCandidate() domain.NotificationCandidate {
	return domain.NotificationCandidate{
		SubjectID:     "U1",
		ProtocolID:    "P1",
		Kind:          domain.KindDoseReminder,
		CorrelationID: "corr-1",
		Payload:       domain.NotificationPayload{MedicineName: "Metformin", ScheduledTime: "08:00"},
	}
}

func blockedErr() error {
	return delivery.NewSendError(domain.ErrorCategoryInvalidChat, "403", "Forbidden: bot was blocked by the user")
}

func newTestService() (*Service, *mockRepository, *mockSize) {
	repo := newMockRepository()
	size := &mockSize{}
	return NewService(repo, size), repo, size
}

func TestService_Enqueue(t *testing.T) {
	svc, repo, size := newTestService()
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)

	entry, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterStatusPending, entry.Status)
	assert.Equal(t, domain.ErrorCategoryInvalidChat, entry.ErrorCategory)
	assert.Equal(t, "403", entry.ErrorCode)
	assert.Equal(t, "Forbidden: bot was blocked by the user", entry.ErrorMessage)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, "corr-1", entry.CorrelationID)
	require.NotNil(t, entry.ProtocolID)
	assert.Equal(t, "P1", *entry.ProtocolID)
	assert.Equal(t, doseCandidate(), entry.Payload)

	value, calls := size.get()
	assert.Equal(t, 1, value)
	assert.Equal(t, 1, calls)
}

func TestService_Enqueue_CorrelationFallsBackToContext(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ctxlog.WithCorrelationID(context.Background(), "ctx-corr")

	candidate := doseCandidate()
	candidate.CorrelationID = ""
	id, err := svc.Enqueue(ctx, candidate, errors.New("boom"), 0, "")
	require.NoError(t, err)

	entry, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ctx-corr", entry.CorrelationID)
	assert.Equal(t, domain.ErrorCategoryUnknown, entry.ErrorCategory)
}

func TestService_Enqueue_IsIdempotentPerLogicalNotification(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), i, "")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.count())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	// The last write wins.
	serverErr := delivery.NewSendError(domain.ErrorCategoryServerError, "502", "Bad Gateway")
	id, err := svc.Enqueue(ctx, doseCandidate(), serverErr, 2, "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], id)

	entry, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.RetryCount)
	assert.Equal(t, domain.ErrorCategoryServerError, entry.ErrorCategory)
	assert.Equal(t, 1, repo.count())
}

func TestService_Enqueue_DistinctKeysCreateDistinctEntries(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	c1 := doseCandidate()
	c2 := doseCandidate()
	c2.ProtocolID = "P2"
	c3 := domain.NotificationCandidate{SubjectID: "U1", Kind: domain.KindDailyDigest}

	for _, c := range []domain.NotificationCandidate{c1, c2, c3} {
		_, err := svc.Enqueue(ctx, c, blockedErr(), 0, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, repo.count())
}

func TestService_Enqueue_AfterResolveCreatesNewEntry(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)
	require.NoError(t, svc.Resolve(ctx, first, domain.ResolutionManual, "fixed chat link"))

	second, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, repo.count())
}

func TestService_Enqueue_PropagatesWriteFailure(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.upsertErr = errors.New("connection reset")

	_, err := svc.Enqueue(context.Background(), doseCandidate(), blockedErr(), 0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestService_MarkForRetry_TransitionGuard(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)

	require.NoError(t, svc.MarkForRetry(ctx, id))
	entry, _ := repo.Get(ctx, id)
	assert.Equal(t, domain.DeadLetterStatusRetrying, entry.Status)

	// Already retrying.
	assert.ErrorIs(t, svc.MarkForRetry(ctx, id), ErrNotPending)
	entry, _ = repo.Get(ctx, id)
	assert.Equal(t, domain.DeadLetterStatusRetrying, entry.Status)

	// Resolved.
	require.NoError(t, svc.Resolve(ctx, id, domain.ResolutionSuccess, ""))
	assert.ErrorIs(t, svc.MarkForRetry(ctx, id), ErrNotPending)
	entry, _ = repo.Get(ctx, id)
	assert.Equal(t, domain.DeadLetterStatusResolved, entry.Status)

	assert.ErrorIs(t, svc.MarkForRetry(ctx, "00000000-0000-0000-0000-000000000000"), ErrNotFound)
}

func TestService_MarkForRetry_ConcurrentClaimsOnce(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.MarkForRetry(ctx, id) == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func TestService_Resolve(t *testing.T) {
	tests := []struct {
		resolution domain.Resolution
		want       domain.DeadLetterStatus
	}{
		{domain.ResolutionSuccess, domain.DeadLetterStatusResolved},
		{domain.ResolutionManual, domain.DeadLetterStatusResolved},
		{domain.ResolutionDiscarded, domain.DeadLetterStatusDiscarded},
	}

	for _, tt := range tests {
		t.Run(string(tt.resolution), func(t *testing.T) {
			svc, repo, size := newTestService()
			ctx := context.Background()

			id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
			require.NoError(t, err)

			require.NoError(t, svc.Resolve(ctx, id, tt.resolution, "note"))

			entry, _ := repo.Get(ctx, id)
			assert.Equal(t, tt.want, entry.Status)
			require.NotNil(t, entry.ResolvedAt)
			require.NotNil(t, entry.ResolutionNotes)
			assert.Equal(t, "note", *entry.ResolutionNotes)

			value, _ := size.get()
			assert.Equal(t, 0, value)

			assert.ErrorIs(t, svc.Resolve(ctx, id, tt.resolution, ""), ErrAlreadyClosed)
		})
	}
}

func TestService_Discard(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)

	entry, err := svc.Discard(ctx, id, "user deleted account")
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterStatusDiscarded, entry.Status)
	assert.Equal(t, "user deleted account", *entry.ResolutionNotes)

	_, err = svc.Discard(ctx, id, "")
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	_, err = svc.Discard(ctx, "00000000-0000-0000-0000-000000000000", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Retry_Success(t *testing.T) {
	svc, repo, _ := newTestService()
	redeliverer := &mockRedeliverer{messageID: "msg-42"}
	svc.SetRedeliverer(redeliverer)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)

	outcome, err := svc.Retry(ctx, id)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "msg-42", outcome.MessageID)

	require.Len(t, redeliverer.calls, 1)
	assert.Equal(t, doseCandidate(), redeliverer.calls[0])

	entry, _ := repo.Get(ctx, id)
	assert.Equal(t, domain.DeadLetterStatusResolved, entry.Status)
}

func TestService_Retry_Failure(t *testing.T) {
	svc, repo, _ := newTestService()
	svc.SetRedeliverer(&mockRedeliverer{err: delivery.NewSendError(domain.ErrorCategoryServerError, "500", "Internal Server Error")})
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)

	_, err = svc.Retry(ctx, id)
	require.ErrorIs(t, err, ErrRetryFailed)

	entry, _ := repo.Get(ctx, id)
	assert.Equal(t, domain.DeadLetterStatusPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, domain.ErrorCategoryServerError, entry.ErrorCategory)
	assert.Equal(t, "500", entry.ErrorCode)
}

func TestService_Retry_NotPending(t *testing.T) {
	svc, _, _ := newTestService()
	redeliverer := &mockRedeliverer{}
	svc.SetRedeliverer(redeliverer)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)
	require.NoError(t, svc.Resolve(ctx, id, domain.ResolutionManual, ""))

	_, err = svc.Retry(ctx, id)
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Empty(t, redeliverer.calls)
}

func TestService_Retry_WithoutRedeliverer(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Retry(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNoRedeliverer)
}

func TestService_List(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	for _, subject := range []string{"U1", "U2", "U3"} {
		c := doseCandidate()
		c.SubjectID = subject
		_, err := svc.Enqueue(ctx, c, blockedErr(), 0, "")
		require.NoError(t, err)
	}

	entries, total, err := svc.List(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, entries, 2)
	assert.Equal(t, "U3", entries[0].SubjectID)

	entries, err = svc.ListForSubject(ctx, "U2", 10, domain.DeadLetterStatusPending)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "U2", entries[0].SubjectID)

	_, _, err = svc.List(ctx, ListFilter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 50, ClampLimit(50))
	assert.Equal(t, MaxListLimit, ClampLimit(1000))
}

func TestService_Stats(t *testing.T) {
	svc, _, size := newTestService()
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)
	c := doseCandidate()
	c.SubjectID = "U2"
	id, err := svc.Enqueue(ctx, c, delivery.NewSendError(domain.ErrorCategoryNetwork, "ETIMEDOUT", "timeout"), 3, "")
	require.NoError(t, err)
	require.NoError(t, svc.MarkForRetry(ctx, id))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[domain.DeadLetterStatusPending])
	assert.Equal(t, 1, stats.ByStatus[domain.DeadLetterStatusRetrying])
	assert.Equal(t, 1, stats.ByCategory[domain.ErrorCategoryInvalidChat])
	assert.Equal(t, 1, stats.ByCategory[domain.ErrorCategoryNetwork])
	assert.Equal(t, 2, stats.Unresolved())
	assert.Positive(t, stats.OldestUnresolvedAge)

	value, _ := size.get()
	assert.Equal(t, 2, value)
}

func TestService_PendingForAutoRetry(t *testing.T) {
	svc, _, _ := newTestService()
	svc.SetAutoRetryCeiling(5)
	ctx := context.Background()

	below := doseCandidate()
	_, err := svc.Enqueue(ctx, below, blockedErr(), 4, "")
	require.NoError(t, err)

	atCeiling := doseCandidate()
	atCeiling.SubjectID = "U2"
	_, err = svc.Enqueue(ctx, atCeiling, blockedErr(), 5, "")
	require.NoError(t, err)

	entries, err := svc.PendingForAutoRetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "U1", entries[0].SubjectID)
}

func TestService_Cleanup(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	oldID, err := svc.Enqueue(ctx, doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)
	require.NoError(t, svc.Resolve(ctx, oldID, domain.ResolutionDiscarded, ""))

	c := doseCandidate()
	c.SubjectID = "U2"
	_, err = svc.Enqueue(ctx, c, blockedErr(), 0, "")
	require.NoError(t, err)

	svc.now = func() time.Time { return repo.now.AddDate(0, 0, 31) }
	n, err := svc.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, repo.count())

	_, err = repo.Get(ctx, oldID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_RefreshSize_SwallowsErrors(t *testing.T) {
	svc, repo, size := newTestService()
	repo.countErr = errors.New("db down")

	_, err := svc.Enqueue(context.Background(), doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)

	_, calls := size.get()
	assert.Equal(t, 0, calls)
}

func TestService_NilSizeRecorder(t *testing.T) {
	svc := NewService(newMockRepository(), nil)

	_, err := svc.Enqueue(context.Background(), doseCandidate(), blockedErr(), 0, "")
	require.NoError(t, err)
}
