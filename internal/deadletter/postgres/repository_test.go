//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/medication-reminders/internal/deadletter"
	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(subjectID, protocolID string) domain.NotificationCandidate {
	return domain.NotificationCandidate{
		SubjectID:     subjectID,
		ProtocolID:    protocolID,
		Kind:          domain.KindDoseReminder,
		CorrelationID: "corr-" + subjectID,
		Payload:       domain.NotificationPayload{MedicineName: "Aspirin", ScheduledTime: "08:00"},
	}
}

func TestRepository(t *testing.T) {
	db := testutil.StartPostgres(t)
	repo := NewRepository(db)
	svc := deadletter.NewService(repo, nil)
	ctx := context.Background()

	t.Run("concurrent enqueue creates one row", func(t *testing.T) {
		const n = 25
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := svc.Enqueue(ctx, candidate("U1", "P1"),
					delivery.NewSendError(domain.ErrorCategoryServerError, "502", "bad gateway"), i%3, "")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		var count int
		require.NoError(t, db.QueryRow(ctx,
			`SELECT COUNT(*) FROM dead_letters WHERE subject_id = 'U1' AND protocol_id = 'P1' AND kind = 'dose-reminder'`,
		).Scan(&count))
		assert.Equal(t, 1, count)

		id, err := svc.Enqueue(ctx, candidate("U1", "P1"),
			delivery.NewSendError(domain.ErrorCategoryInvalidChat, "403", "blocked"), 0, "")
		require.NoError(t, err)

		entry, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ErrorCategoryInvalidChat, entry.ErrorCategory)
		assert.Equal(t, 0, entry.RetryCount)
		assert.Equal(t, domain.DeadLetterStatusPending, entry.Status)
		require.NotNil(t, entry.ProtocolID)
		assert.Equal(t, "P1", *entry.ProtocolID)
		assert.Equal(t, "Aspirin", entry.Payload.Payload.MedicineName)
	})

	t.Run("transition guard", func(t *testing.T) {
		id, err := svc.Enqueue(ctx, candidate("U2", "P2"), delivery.NewSendError(domain.ErrorCategoryNetwork, "ETIMEDOUT", "timeout"), 2, "")
		require.NoError(t, err)

		require.NoError(t, svc.MarkForRetry(ctx, id))
		assert.ErrorIs(t, svc.MarkForRetry(ctx, id), deadletter.ErrNotPending)

		require.NoError(t, svc.RecordRetryFailure(ctx, id, delivery.NewSendError(domain.ErrorCategoryServerError, "500", "oops")))
		entry, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.DeadLetterStatusPending, entry.Status)
		assert.Equal(t, 3, entry.RetryCount)

		require.NoError(t, svc.Resolve(ctx, id, domain.ResolutionManual, "fixed"))
		assert.ErrorIs(t, svc.Resolve(ctx, id, domain.ResolutionDiscarded, ""), deadletter.ErrAlreadyClosed)
		assert.ErrorIs(t, svc.MarkForRetry(ctx, id), deadletter.ErrNotPending)

		entry, err = repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.DeadLetterStatusResolved, entry.Status)
		require.NotNil(t, entry.ResolvedAt)
		assert.Equal(t, "fixed", *entry.ResolutionNotes)
	})

	t.Run("digest without protocol", func(t *testing.T) {
		c := domain.NotificationCandidate{SubjectID: "U3", Kind: domain.KindDailyDigest}
		id, err := svc.Enqueue(ctx, c, delivery.NewSendError(domain.ErrorCategoryMessageTooLong, "400", "message is too long"), 0, "")
		require.NoError(t, err)

		entry, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, entry.ProtocolID)
	})

	t.Run("list and stats", func(t *testing.T) {
		entries, total, err := svc.List(ctx, deadletter.ListFilter{Status: domain.DeadLetterStatusPending, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, entries, 2)

		entries, err = svc.ListForSubject(ctx, "U3", 10, "")
		require.NoError(t, err)
		require.Len(t, entries, 1)

		stats, err := svc.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.ByStatus[domain.DeadLetterStatusPending])
		assert.Equal(t, 1, stats.ByStatus[domain.DeadLetterStatusResolved])
		assert.Equal(t, 1, stats.ByCategory[domain.ErrorCategoryInvalidChat])
		assert.Equal(t, 1, stats.ByCategory[domain.ErrorCategoryMessageTooLong])
		assert.Equal(t, 2, stats.Unresolved())
		assert.GreaterOrEqual(t, stats.OldestUnresolvedAge, time.Duration(0))

		n, err := repo.CountUnresolved(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("pending for auto retry", func(t *testing.T) {
		entries, err := repo.PendingForAutoRetry(ctx, 5, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "U1", entries[0].SubjectID)
	})

	t.Run("cleanup", func(t *testing.T) {
		_, err := db.Exec(ctx, `UPDATE dead_letters SET resolved_at = NOW() - INTERVAL '40 days' WHERE status = 'resolved'`)
		require.NoError(t, err)

		n, err := svc.Cleanup(ctx, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("requeue stale", func(t *testing.T) {
		entries, err := repo.PendingForAutoRetry(ctx, 5, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.NoError(t, svc.MarkForRetry(ctx, entries[0].ID))

		n, err := repo.RequeueStale(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
