package purge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
	"thirdcoast.systems/clipscan/internal/thumbnail"
)

// fakeStore models one scan row per channel and records the call order.
type fakeStore struct {
	mu         sync.Mutex
	calls      []string
	lastPurged map[string]time.Time
	now        time.Time
	scans      map[string]db.ScanState
	// inFlight is the number of quiesce checks that still see a page in flight.
	inFlight int
	clips    []uuid.UUID
	purgeErr error
	purgedAt []db.ScanState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lastPurged: map[string]time.Time{},
		now:        time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		scans:      map[string]db.ScanState{},
	}
}

func (s *fakeStore) record(call string) {
	s.calls = append(s.calls, call)
}

func purgeKey(scope db.PurgeScope, tenantID, channelID string) string {
	return string(scope) + "/" + tenantID + "/" + channelID
}

func (s *fakeStore) ClaimPurge(ctx context.Context, scope db.PurgeScope, tenantID, channelID string, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("claim")
	k := purgeKey(scope, tenantID, channelID)
	if last, ok := s.lastPurged[k]; ok && !last.Before(s.now.Add(-cooldown)) {
		return false, nil
	}
	s.lastPurged[k] = s.now
	return true, nil
}

func (s *fakeStore) ReleasePurge(ctx context.Context, scope db.PurgeScope, tenantID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("release")
	delete(s.lastPurged, purgeKey(scope, tenantID, channelID))
	return nil
}

func (s *fakeStore) ForceCancelScans(ctx context.Context, tenantID, channelID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("cancel")
	var n int64
	for ch := range s.scans {
		if channelID == "" || ch == channelID {
			s.scans[ch] = db.ScanCancelled
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ScopeQuiesced(ctx context.Context, tenantID, channelID string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("quiesced?")
	if s.inFlight > 0 {
		s.inFlight--
		return false, nil
	}
	return true, nil
}

func (s *fakeStore) PurgeData(ctx context.Context, tenantID, channelID string) (*db.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("purge")
	if s.purgeErr != nil {
		return nil, s.purgeErr
	}
	for _, st := range s.scans {
		s.purgedAt = append(s.purgedAt, st)
	}
	return &db.PurgeResult{Clips: s.clips, Messages: 10}, nil
}

type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memStorage) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = data
	return nil
}

func (m *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[key]
	return ok, nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	return nil
}

func newTestPurger(store *fakeStore, storage thumbnail.Storage) (*Purger, *queue.MemoryQueue) {
	q := queue.NewMemoryQueue()
	return NewPurger(store, storage, q, Config{
		Cooldown:       10 * time.Minute,
		QuiesceTimeout: time.Second,
		PollInterval:   time.Millisecond,
	}), q
}

func guildJob(t *testing.T) jobs.Job {
	t.Helper()
	job, err := jobs.New("g1", "", jobs.PurgeGuild{})
	require.NoError(t, err)
	return job
}

func TestPurgeGuild_CancelsAndWaitsBeforeDeleting(t *testing.T) {
	store := newFakeStore()
	store.scans["c1"] = db.ScanRunning
	store.scans["c2"] = db.ScanQueued
	store.inFlight = 3

	clipID := uuid.New()
	store.clips = []uuid.UUID{clipID}
	storage := &memStorage{files: map[string][]byte{}}
	for _, v := range thumbnail.Variants {
		storage.files[thumbnail.VariantKey(clipID, v.Name)] = []byte("x")
	}
	other := thumbnail.VariantKey(uuid.New(), "md")
	storage.files[other] = []byte("x")

	p, _ := newTestPurger(store, storage)
	require.NoError(t, p.HandlePurgeGuild(context.Background(), guildJob(t)))

	assert.Equal(t, []string{"claim", "cancel", "quiesced?", "quiesced?", "quiesced?", "quiesced?", "purge"}, store.calls)
	assert.Equal(t, []db.ScanState{db.ScanCancelled, db.ScanCancelled}, store.purgedAt,
		"every scan is cancelled before data is deleted")
	assert.Equal(t, map[string][]byte{other: []byte("x")}, storage.files)
}

func TestPurge_CooldownIsAConflict(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPurger(store, nil)
	ctx := context.Background()

	require.NoError(t, p.HandlePurgeGuild(ctx, guildJob(t)))

	err := p.HandlePurgeGuild(ctx, guildJob(t))
	require.ErrorIs(t, err, ErrCooldown)
	assert.Equal(t, failure.ConcurrencyConflict, failure.Classify(err))

	// The channel scope has its own cooldown.
	job, err := jobs.New("g1", "c1", jobs.PurgeChannel{})
	require.NoError(t, err)
	require.NoError(t, p.HandlePurgeChannel(ctx, job))

	// Once the cooldown passed the guild can be purged again.
	store.now = store.now.Add(11 * time.Minute)
	require.NoError(t, p.HandlePurgeGuild(ctx, guildJob(t)))
}

func TestPurge_ChannelScopeLeavesOtherChannels(t *testing.T) {
	store := newFakeStore()
	store.scans["c1"] = db.ScanRunning
	store.scans["c2"] = db.ScanRunning
	p, _ := newTestPurger(store, nil)

	job, err := jobs.New("g1", "c1", jobs.PurgeChannel{})
	require.NoError(t, err)
	require.NoError(t, p.HandlePurgeChannel(context.Background(), job))

	assert.Equal(t, db.ScanCancelled, store.scans["c1"])
	assert.Equal(t, db.ScanRunning, store.scans["c2"])
}

func TestPurge_FailureReleasesTheClaim(t *testing.T) {
	store := newFakeStore()
	store.purgeErr = failure.Transient(errors.New("connection reset"), 0)
	p, _ := newTestPurger(store, nil)
	ctx := context.Background()

	err := p.HandlePurgeGuild(ctx, guildJob(t))
	require.Error(t, err)
	assert.True(t, failure.IsTransient(err))
	assert.Contains(t, store.calls, "release")

	// The re-delivered job is not blocked by the cooldown.
	store.purgeErr = nil
	require.NoError(t, p.HandlePurgeGuild(ctx, guildJob(t)))
}

func TestPurge_StaleInFlightDoesNotBlockForever(t *testing.T) {
	store := newFakeStore()
	store.inFlight = 1 << 30
	p, _ := newTestPurger(store, nil)
	p.cfg.QuiesceTimeout = 20 * time.Millisecond

	require.NoError(t, p.HandlePurgeGuild(context.Background(), guildJob(t)))
	assert.Equal(t, "purge", store.calls[len(store.calls)-1])
}

func TestPurge_ShutdownWhileWaiting(t *testing.T) {
	store := newFakeStore()
	store.inFlight = 1 << 30
	p, _ := newTestPurger(store, nil)
	p.cfg.QuiesceTimeout = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.HandlePurgeGuild(ctx, guildJob(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotContains(t, store.calls, "purge")
	assert.Contains(t, store.calls, "release")
}

func TestRequest_EnqueuesScopedJobs(t *testing.T) {
	p, q := newTestPurger(newFakeStore(), nil)
	ctx := context.Background()

	job, err := p.Request(ctx, db.PurgeScopeGuild, "g1", "ignored")
	require.NoError(t, err)
	assert.Equal(t, jobs.KindPurgeGuild, job.Kind())
	assert.Empty(t, job.ChannelID)
	assert.Equal(t, 1, q.Len(queue.StreamKey("g1", jobs.KindPurgeGuild)))

	job, err = p.Request(ctx, db.PurgeScopeChannel, "g1", "c1")
	require.NoError(t, err)
	assert.Equal(t, jobs.KindPurgeChannel, job.Kind())
	assert.Equal(t, 1, q.Len(queue.StreamKey("g1", jobs.KindPurgeChannel)))

	_, err = p.Request(ctx, db.PurgeScopeChannel, "g1", "")
	assert.Equal(t, failure.PermanentData, failure.Classify(err))
	_, err = p.Request(ctx, "planet", "g1", "c1")
	assert.Equal(t, failure.PermanentData, failure.Classify(err))
}
