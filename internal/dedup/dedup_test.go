package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) LastSent(_ context.Context, _ domain.DedupKey) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("connection refused")
}

func (failingStore) SentForSlot(_ context.Context, _ domain.DedupKey, _ time.Time) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("connection refused")
}

func (failingStore) Record(_ context.Context, _ domain.DedupKey, _ SendRecord) error {
	return errors.New("connection refused")
}

var testKey = domain.DedupKey{SubjectID: "U1", Kind: domain.KindDoseReminder, ProtocolID: "P1"}

func newTestDeduplicator(store Store, now *time.Time) *Deduplicator {
	d := New(store, DefaultWindow)
	d.now = func() time.Time { return *now }
	return d
}

func TestDeduplicator_Window(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	now := t0
	d := newTestDeduplicator(NewMemoryStore(), &now)
	ctx := context.Background()

	assert.True(t, d.ShouldSend(ctx, testKey))
	require.NoError(t, d.RecordSent(ctx, testKey, SendRecord{SentAt: t0}))

	for _, offset := range []time.Duration{0, time.Second, 2 * time.Minute, 5*time.Minute - time.Nanosecond} {
		now = t0.Add(offset)
		assert.False(t, d.ShouldSend(ctx, testKey), "offset %s", offset)
	}

	for _, offset := range []time.Duration{5 * time.Minute, 6 * time.Minute, time.Hour} {
		now = t0.Add(offset)
		assert.True(t, d.ShouldSend(ctx, testKey), "offset %s", offset)
	}
}

func TestDeduplicator_KeysAreIndependent(t *testing.T) {
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	d := newTestDeduplicator(NewMemoryStore(), &now)
	ctx := context.Background()

	require.NoError(t, d.RecordSent(ctx, testKey, SendRecord{}))

	other := testKey
	other.ProtocolID = "P2"
	assert.True(t, d.ShouldSend(ctx, other))

	digest := domain.DedupKey{SubjectID: "U1", Kind: domain.KindDailyDigest}
	assert.True(t, d.ShouldSend(ctx, digest))
	assert.False(t, d.ShouldSend(ctx, testKey))
}

func TestDeduplicator_FailOpen(t *testing.T) {
	d := New(failingStore{}, DefaultWindow)

	assert.True(t, d.ShouldSend(context.Background(), testKey))
}

func TestDeduplicator_RecordSentPropagatesError(t *testing.T) {
	d := New(failingStore{}, DefaultWindow)

	err := d.RecordSent(context.Background(), testKey, SendRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "U1")
}

func TestDeduplicator_RecordSentDefaults(t *testing.T) {
	now := time.Date(2024, 3, 10, 8, 0, 42, 0, time.UTC)
	store := NewMemoryStore()
	d := newTestDeduplicator(store, &now)

	require.NoError(t, d.RecordSent(context.Background(), testKey, SendRecord{MessageID: "m-1"}))

	records := store.Records(testKey)
	require.Len(t, records, 1)
	assert.Equal(t, now, records[0].SentAt)
	assert.Equal(t, time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC), records[0].Slot)
	assert.Equal(t, "m-1", records[0].MessageID)
}

func TestMemoryStore_SameSlotRecordedOnce(t *testing.T) {
	store := NewMemoryStore()
	slot := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, testKey, SendRecord{Slot: slot, SentAt: slot.Add(time.Second), MessageID: "first"}))
	require.NoError(t, store.Record(ctx, testKey, SendRecord{Slot: slot, SentAt: slot.Add(2 * time.Second), MessageID: "second"}))

	records := store.Records(testKey)
	require.Len(t, records, 1)
	assert.Equal(t, "first", records[0].MessageID)

	last, ok, err := store.LastSent(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, slot.Add(time.Second), last)
}

func TestDeduplicator_LastSent(t *testing.T) {
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	d := newTestDeduplicator(NewMemoryStore(), &now)
	ctx := context.Background()

	_, ok, err := d.LastSent(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.RecordSent(ctx, testKey, SendRecord{}))
	last, ok, err := d.LastSent(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now, last)

	_, _, err = New(failingStore{}, 0).LastSent(ctx, testKey)
	assert.Error(t, err)
}

func TestDeduplicator_SentForSlot(t *testing.T) {
	now := time.Date(2024, 3, 10, 8, 20, 5, 0, time.UTC)
	d := newTestDeduplicator(NewMemoryStore(), &now)
	ctx := context.Background()
	eight := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	twenty := eight.Add(20 * time.Minute)

	require.NoError(t, d.RecordSent(ctx, testKey, SendRecord{Slot: eight, SentAt: eight.Add(5 * time.Second)}))
	require.NoError(t, d.RecordSent(ctx, testKey, SendRecord{Slot: twenty}))

	sentAt, ok, err := d.SentForSlot(ctx, testKey, eight)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, eight.Add(5*time.Second), sentAt)

	last, _, err := d.LastSent(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, now, last)

	_, ok, err = d.SentForSlot(ctx, testKey, eight.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = New(failingStore{}, 0).SentForSlot(ctx, testKey, eight)
	assert.Error(t, err)
}
