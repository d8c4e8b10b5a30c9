package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmehdipour/customer-cqrs/internal/testutil"
	"github.com/jmehdipour/customer-cqrs/internal/util"
	"github.com/jmehdipour/customer-cqrs/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newOutbox(t *testing.T) *OutboxRepositoryImpl {
	conn := testutil.OpenSQLite(t, migrations.TargetWrite)
	return NewOutboxRepository(conn)
}

func seedOutbox(t *testing.T, repo *OutboxRepositoryImpl, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		eventID := util.NewULID()
		err := repo.Insert(context.Background(), nil, model.OutboxRecord{
			AggregateType: model.AggregateCustomer,
			AggregateID:   fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			EventType:     model.EventCustomerCreated.String(),
			Version:       0,
			Payload:       []byte(`{"name":"n","email":"e@x.com"}`),
			EventID:       eventID,
			OccurredAt:    base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, eventID)
	}
	return ids
}

func TestOutboxInsertRejectsInvalidPayload(t *testing.T) {
	repo := newOutbox(t)
	err := repo.Insert(context.Background(), nil, model.OutboxRecord{
		AggregateID: "a", EventType: "CustomerCreated", EventID: util.NewULID(),
		Payload: []byte(`{not json`),
	})
	require.Error(t, err)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestOutboxInsertDuplicateEventID(t *testing.T) {
	repo := newOutbox(t)
	ids := seedOutbox(t, repo, 1)

	err := repo.Insert(context.Background(), nil, model.OutboxRecord{
		AggregateID: "a", EventType: "CustomerCreated", EventID: ids[0], Payload: []byte(`{}`),
	})
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))
}

func TestLeaseClaimOldestFirstAndMark(t *testing.T) {
	ctx := context.Background()
	repo := newOutbox(t)
	ids := seedOutbox(t, repo, 5)
	claimer := NewLeaseClaimer(repo, time.Minute)

	batch, err := claimer.Claim(ctx, 3)
	require.NoError(t, err)
	recs := batch.Records()
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, ids[i], r.EventID)
		assert.False(t, r.Published)
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), r.OccurredAt)
		assert.JSONEq(t, `{"name":"n","email":"e@x.com"}`, string(r.Payload))
	}
	require.NoError(t, batch.MarkPublished(ctx))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Pending)
	assert.EqualValues(t, 3, stats.Published)
	assert.Equal(t, base.Add(3*time.Second), stats.OldestPendingAt)

	next, err := claimer.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next.Records(), 2)
	assert.Equal(t, ids[3], next.Records()[0].EventID)
}

func TestLeaseClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	repo := newOutbox(t)
	seedOutbox(t, repo, 4)
	claimer := NewLeaseClaimer(repo, time.Minute)

	first, err := claimer.Claim(ctx, 2)
	require.NoError(t, err)
	second, err := claimer.Claim(ctx, 10)
	require.NoError(t, err)
	third, err := claimer.Claim(ctx, 10)
	require.NoError(t, err)

	require.Len(t, first.Records(), 2)
	require.Len(t, second.Records(), 2)
	assert.Empty(t, third.Records())
	assert.NotEqual(t, first.Records()[0].ID, second.Records()[0].ID)
}

func TestLeaseReleaseMakesRowsClaimable(t *testing.T) {
	ctx := context.Background()
	repo := newOutbox(t)
	seedOutbox(t, repo, 2)
	claimer := NewLeaseClaimer(repo, time.Minute)

	batch, err := claimer.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Records(), 2)
	require.NoError(t, batch.Release(ctx))

	again, err := claimer.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, again.Records(), 2)
}

func TestLeaseExpiryAllowsReclaimAndReportsLostLease(t *testing.T) {
	ctx := context.Background()
	repo := newOutbox(t)
	seedOutbox(t, repo, 2)
	now := base
	repo.now = func() time.Time { return now }
	claimer := NewLeaseClaimer(repo, 10*time.Second)

	stale, err := claimer.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale.Records(), 2)

	now = base.Add(11 * time.Second)
	fresh, err := claimer.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fresh.Records(), 2)

	err = stale.MarkPublished(ctx)
	assert.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, fresh.MarkPublished(ctx))
	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Published)
	assert.True(t, stats.OldestPendingAt.IsZero())
}

func TestConcurrentLeaseClaimersNeverOverlap(t *testing.T) {
	ctx := context.Background()
	repo := newOutbox(t)
	seedOutbox(t, repo, 60)
	claimer := NewLeaseClaimer(repo, time.Minute)

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := claimer.Claim(ctx, 7)
				if !assert.NoError(t, err) {
					return
				}
				if len(batch.Records()) == 0 {
					return
				}
				mu.Lock()
				for _, r := range batch.Records() {
					seen[r.ID]++
				}
				mu.Unlock()
				assert.NoError(t, batch.MarkPublished(ctx))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 60)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %d claimed %d times", id, n)
	}
}

func TestPrunePublishedOlderThan(t *testing.T) {
	ctx := context.Background()
	repo := newOutbox(t)
	seedOutbox(t, repo, 4)
	claimer := NewLeaseClaimer(repo, time.Minute)

	batch, err := claimer.Claim(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, batch.MarkPublished(ctx))

	// only record 0 is published and older than the threshold
	n, err := repo.PrunePublishedOlderThan(ctx, base.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// unpublished rows survive any threshold
	n, err = repo.PrunePublishedOlderThan(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Pending)
	assert.Zero(t, stats.Published)
}

func TestNewClaimer(t *testing.T) {
	repo := newOutbox(t)

	_, err := NewClaimer("skip_locked", repo, 0)
	assert.Error(t, err, "sqlite cannot skip locked rows")

	c, err := NewClaimer("lease", repo, 0)
	require.NoError(t, err)
	assert.IsType(t, &LeaseClaimer{}, c)

	_, err = NewClaimer("bogus", repo, 0)
	assert.Error(t, err)
}
