package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipscan/internal/jobs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustJob(t *testing.T, tenant, channel string, p jobs.Payload) jobs.Job {
	t.Helper()
	j, err := jobs.New(tenant, channel, p)
	require.NoError(t, err)
	return j
}

func TestStreamKey_RoundTrip(t *testing.T) {
	key := StreamKey("guild:42", jobs.KindThumbnail)
	require.Equal(t, "clipscan:jobs:guild:42:thumbnail", key)

	tenant, kind, ok := ParseStreamKey(key)
	require.True(t, ok)
	require.Equal(t, "guild:42", tenant)
	require.Equal(t, jobs.KindThumbnail, kind)

	for _, bad := range []string{"", "other:guild:thumbnail", "clipscan:jobs:guild", "clipscan:jobs:guild:reindex"} {
		_, _, ok := ParseStreamKey(bad)
		require.False(t, ok, bad)
	}
	require.Equal(t, "clipscan.jobs.g.batch_scan", KafkaTopic(StreamKey("g", jobs.KindBatchScan)))
}

func TestShare(t *testing.T) {
	tests := []struct {
		count, n, want int
	}{
		{10, 1, 10},
		{10, 3, 4},
		{1, 5, 1},
		{0, 2, 1},
		{5, 0, 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, share(tt.count, tt.n), "share(%d, %d)", tt.count, tt.n)
	}
}

func TestMemoryQueue_ClaimAckAndRedelivery(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(WithVisibilityTimeout(time.Minute), WithClock(clock.Now))

	job := mustJob(t, "g1", "c1", jobs.BatchScan{})
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	stream := StreamKey("g1", jobs.KindBatchScan)
	require.NoError(t, q.EnsureGroup(ctx, stream, "workers"))
	require.NoError(t, q.EnsureGroup(ctx, stream, "workers"))

	req := ClaimRequest{Streams: []string{stream}, Group: "workers", Consumer: "w1", Count: 5}
	got, err := q.Claim(ctx, req)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, job.ID, got[0].Job.ID)
	require.False(t, got[0].Redelivered)
	require.Equal(t, 1, q.Pending(stream, "workers"))

	// Still invisible.
	got2, err := q.Claim(ctx, req)
	require.NoError(t, err)
	require.Empty(t, got2)

	clock.Advance(time.Minute)
	again, err := q.Claim(ctx, req)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.True(t, again[0].Redelivered)
	require.Equal(t, got[0].ID, again[0].ID)

	require.NoError(t, q.Ack(ctx, stream, "workers", again[0].ID))
	require.NoError(t, q.Ack(ctx, stream, "workers", again[0].ID))
	require.Zero(t, q.Pending(stream, "workers"))

	clock.Advance(time.Hour)
	none, err := q.Claim(ctx, req)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMemoryQueue_GroupsAreIndependent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	_, err := q.Enqueue(ctx, mustJob(t, "g1", "c1", jobs.PurgeChannel{}))
	require.NoError(t, err)

	stream := StreamKey("g1", jobs.KindPurgeChannel)
	require.NoError(t, q.EnsureGroup(ctx, stream, "a"))
	require.NoError(t, q.EnsureGroup(ctx, stream, "b"))

	for _, g := range []string{"a", "b"} {
		got, err := q.Claim(ctx, ClaimRequest{Streams: []string{stream}, Group: g, Consumer: "x"})
		require.NoError(t, err)
		require.Len(t, got, 1, g)
	}
}

func TestMemoryQueue_ClaimSpreadsAcrossTenants(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, mustJob(t, "busy", "c1", jobs.PurgeChannel{}))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, mustJob(t, "quiet", "c1", jobs.PurgeChannel{}))
	require.NoError(t, err)

	streams, err := q.Streams(ctx, jobs.KindPurgeChannel)
	require.NoError(t, err)
	require.Equal(t, []string{StreamKey("busy", jobs.KindPurgeChannel), StreamKey("quiet", jobs.KindPurgeChannel)}, streams)
	for _, s := range streams {
		require.NoError(t, q.EnsureGroup(ctx, s, "w"))
	}

	got, err := q.Claim(ctx, ClaimRequest{Streams: streams, Group: "w", Consumer: "c", Count: 4})
	require.NoError(t, err)
	tenants := map[string]int{}
	for _, d := range got {
		tenants[d.Job.TenantID]++
	}
	require.Equal(t, 1, tenants["quiet"])
	require.LessOrEqual(t, len(got), 4)
}

func TestMemoryQueue_BlockWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	stream := StreamKey("g1", jobs.KindThumbnailCleanup)
	require.NoError(t, q.EnsureGroup(ctx, stream, "w"))

	done := make(chan []Delivery, 1)
	go func() {
		got, _ := q.Claim(ctx, ClaimRequest{Streams: []string{stream}, Group: "w", Consumer: "c", Block: 5 * time.Second})
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(ctx, mustJob(t, "g1", "", jobs.ThumbnailCleanup{Timeout: time.Minute}))
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Len(t, got, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("claim did not wake up")
	}
}

func TestMemoryQueue_ClaimUnknownGroupFails(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	_, err := q.Enqueue(ctx, mustJob(t, "g1", "c1", jobs.PurgeChannel{}))
	require.NoError(t, err)

	_, err = q.Claim(ctx, ClaimRequest{Streams: []string{StreamKey("g1", jobs.KindPurgeChannel)}, Group: "nope", Consumer: "c"})
	require.Error(t, err)
}

func TestMemoryQueue_Closed(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	_, err := q.Enqueue(ctx, mustJob(t, "g1", "c1", jobs.PurgeChannel{}))
	require.ErrorIs(t, err, ErrClosed)
}
