package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/znz-systems/quarantined/internal/models"
)

type fakeStore struct {
	statuses  []models.Status
	cutoffs   []int64
	old       []int64
	addresses []int64
	err       error
}

func (f *fakeStore) DeleteMessagesWithStatuses(_ context.Context, statuses []models.Status) (int64, error) {
	f.statuses = statuses
	return 3, nil
}

func (f *fakeStore) DeleteMessagesOlderThan(_ context.Context, cutoff int64, limit int) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.cutoffs = append(f.cutoffs, cutoff)
	if len(f.old) == 0 {
		return 0, nil
	}
	n := f.old[0]
	f.old = f.old[1:]
	return min(n, int64(limit)), nil
}

func (f *fakeStore) DeleteUnreferencedAddresses(_ context.Context, limit int) (int64, error) {
	if len(f.addresses) == 0 {
		return 0, nil
	}
	n := f.addresses[0]
	f.addresses = f.addresses[1:]
	return min(n, int64(limit)), nil
}

func fixedNow() time.Time { return time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC) }

func TestSweepBatches(t *testing.T) {
	st := &fakeStore{
		old:       []int64{MessageBatch, MessageBatch, 12},
		addresses: []int64{AddressBatch, 7},
	}
	c := New(st, Options{MaxMessagesAge: 14})
	c.now = fixedNow

	r, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Marked: 3, Expired: 2*MessageBatch + 12, Addresses: AddressBatch + 7}, r)
	assert.Equal(t, []models.Status{models.StatusDeleted}, st.statuses)

	want := fixedNow().AddDate(0, 0, -14).Unix()
	assert.Equal(t, []int64{want, want, want}, st.cutoffs)
}

func TestSweepReleasedAndNoAgeLimit(t *testing.T) {
	st := &fakeStore{old: []int64{50}}
	r, err := New(st, Options{ReleasedCleanup: true}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Status{models.StatusDeleted, models.StatusReleased}, st.statuses)
	assert.Empty(t, st.cutoffs)
	assert.Zero(t, r.Expired)
}

func TestSweepStopsOnError(t *testing.T) {
	st := &fakeStore{err: errors.New("locked"), addresses: []int64{1}}
	_, err := New(st, Options{MaxMessagesAge: 1}).Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "old messages")
	assert.Equal(t, []int64{1}, st.addresses)
}
