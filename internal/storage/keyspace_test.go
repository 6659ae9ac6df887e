package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetAndGetString(t *testing.T) {
	ks := New()
	guard := ks.SetString("foo", "bar", nil)
	guard.Release()

	v, ok := ks.GetString("foo")
	require.True(t, ok)
	require.Equal(t, "bar", v)
}

func TestExpiryRemovesOnFirstNullObservation(t *testing.T) {
	ks := New()
	past := time.Now().Add(-time.Millisecond)
	guard := ks.SetString("k", "v", &past)
	guard.Release()

	_, ok := ks.GetString("k")
	require.False(t, ok)
	ks.mu.RLock()
	_, present := ks.data["k"]
	ks.mu.RUnlock()
	require.False(t, present, "the read that observed expiry removes the entry")
	require.Equal(t, "none", ks.GetValueKind("k"))
}

func TestIncrementCreatesMissingKeyAsZeroThenOne(t *testing.T) {
	ks := New()
	guard, n, err := ks.Increment("counter")
	require.NoError(t, err)
	guard.Release()
	require.Equal(t, int64(1), n)

	guard, n, err = ks.Increment("counter")
	require.NoError(t, err)
	guard.Release()
	require.Equal(t, int64(2), n)
}

func TestIncrementPromotesNumericString(t *testing.T) {
	ks := New()
	ks.SetString("n", "41", nil).Release()
	guard, n, err := ks.Increment("n")
	require.NoError(t, err)
	guard.Release()
	require.Equal(t, int64(42), n)
}

func TestIncrementMismatchOnNonNumericString(t *testing.T) {
	ks := New()
	ks.SetString("s", "abc", nil).Release()
	_, _, err := ks.Increment("s")
	require.ErrorIs(t, err, ErrMismatch)
}

func TestIncrementMismatchOnStream(t *testing.T) {
	ks := New()
	guard, err := ks.AppendToStream("st", StreamEntry{ID: "1-1"})
	require.NoError(t, err)
	guard.Release()
	_, _, err = ks.Increment("st")
	require.ErrorIs(t, err, ErrMismatch)
}

func TestAppendToStreamRejectsNonStreamKey(t *testing.T) {
	ks := New()
	ks.SetString("k", "v", nil).Release()
	_, err := ks.AppendToStream("k", StreamEntry{ID: "1-1"})
	require.ErrorIs(t, err, ErrWrongType)
}

func TestAppendToStreamPreservesInsertionOrder(t *testing.T) {
	ks := New()
	for _, id := range []string{"1-1", "1-2", "1-3"} {
		guard, err := ks.AppendToStream("s", StreamEntry{ID: id})
		require.NoError(t, err)
		guard.Release()
	}
	ks.mu.RLock()
	entries := ks.data["s"].Entries
	ks.mu.RUnlock()
	require.Len(t, entries, 3)
	require.Equal(t, "1-1", entries[0].ID)
	require.Equal(t, "1-3", entries[2].ID)
}

func TestDeleteExpiredSweepsOnlyPastKeys(t *testing.T) {
	ks := New()
	past := time.Now().Add(-time.Second)
	future := time.Now().Add(time.Hour)
	ks.SetString("old", "v", &past).Release()
	ks.SetString("fresh", "v", &future).Release()

	n := ks.DeleteExpired()
	require.Equal(t, 1, n)
	_, ok := ks.GetString("fresh")
	require.True(t, ok)
}
