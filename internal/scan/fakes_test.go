package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
	"thirdcoast.systems/clipscan/internal/source"
)

type channelKey struct{ tenant, channel string }

// memStore mirrors the conditional updates of the SQL store in memory.
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	statuses map[channelKey]*db.ScanStatus
	plans    map[uuid.UUID]db.ScanPagePlan
	pages    map[uuid.UUID]struct{}
	messages map[string]db.Message
	authors  map[string]db.Author
	clips    map[uuid.UUID]db.Clip

	// beforeRecheck runs when the processor re-reads status before writing.
	beforeRecheck func()
	upsertCalls   int
	failUpsert    error
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		statuses: map[channelKey]*db.ScanStatus{},
		plans:    map[uuid.UUID]db.ScanPagePlan{},
		pages:    map[uuid.UUID]struct{}{},
		messages: map[string]db.Message{},
		authors:  map[string]db.Author{},
		clips:    map[uuid.UUID]db.Clip{},
	}
}

func (m *memStore) status(tenant, channel string) *db.ScanStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[channelKey{tenant, channel}]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (m *memStore) GetScanStatus(_ context.Context, tenant, channel string) (*db.ScanStatus, error) {
	m.mu.Lock()
	hook := m.beforeRecheck
	_, exists := m.statuses[channelKey{tenant, channel}]
	m.mu.Unlock()
	if hook != nil && exists {
		hook()
	}
	if s := m.status(tenant, channel); s != nil {
		return s, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *memStore) BeginScan(_ context.Context, arg db.BeginScanParams) (*db.ScanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := channelKey{arg.TenantID, arg.ChannelID}
	s, ok := m.statuses[k]
	if ok {
		stale := s.Status == db.ScanPending && m.now.Sub(s.UpdatedAt) >= arg.StaleAfter
		if !s.Status.Terminal() && !stale {
			return nil, db.ErrScanActive
		}
	} else {
		s = &db.ScanStatus{TenantID: arg.TenantID, ChannelID: arg.ChannelID, CreatedAt: m.now}
		m.statuses[k] = s
	}
	s.Status = db.ScanPending
	s.Direction = arg.Direction
	s.RescanMode = arg.RescanMode
	s.CurrentJobID = uuid.NullUUID{UUID: arg.JobID, Valid: true}
	s.MessageCount, s.PagesProcessed = 0, 0
	s.ErrorMessage = nil
	s.InFlightJobID = uuid.NullUUID{}
	s.UpdatedAt = m.now
	cp := *s
	return &cp, nil
}

func (m *memStore) TransitionScan(_ context.Context, arg db.TransitionScanParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[channelKey{arg.TenantID, arg.ChannelID}]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, f := range arg.From {
		if s.Status == f {
			allowed = true
		}
	}
	if !allowed || (arg.ExpectJobID.Valid && s.CurrentJobID != arg.ExpectJobID) {
		return false, nil
	}
	s.Status = arg.To
	if arg.SetJobID.Valid {
		s.CurrentJobID = arg.SetJobID
	}
	if arg.ErrorMessage != nil {
		s.ErrorMessage = arg.ErrorMessage
	}
	s.UpdatedAt = m.now
	return true, nil
}

func (m *memStore) ForceCancelScans(_ context.Context, tenant, channel string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.statuses {
		if k.tenant == tenant && (channel == "" || k.channel == channel) {
			s.Status = db.ScanCancelled
			n++
		}
	}
	return n, nil
}

func (m *memStore) ClaimScanPage(_ context.Context, tenant, channel string, jobID uuid.UUID) (*db.ScanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[channelKey{tenant, channel}]
	if !ok || (s.Status != db.ScanQueued && s.Status != db.ScanRunning) || s.CurrentJobID.UUID != jobID {
		return nil, pgx.ErrNoRows
	}
	s.Status = db.ScanRunning
	s.InFlightJobID = uuid.NullUUID{UUID: jobID, Valid: true}
	cp := *s
	return &cp, nil
}

func (m *memStore) ClearInFlight(_ context.Context, tenant, channel string, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[channelKey{tenant, channel}]; ok && s.InFlightJobID.UUID == jobID {
		s.InFlightJobID = uuid.NullUUID{}
	}
	return nil
}

func (m *memStore) PlanScanPage(_ context.Context, plan db.ScanPagePlan) (db.ScanPagePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.plans[plan.JobID]; ok {
		prev.Replayed = true
		return prev, nil
	}
	m.plans[plan.JobID] = plan
	return plan, nil
}

func (m *memStore) RecordScanPage(_ context.Context, arg db.RecordScanPageParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.pages[arg.JobID]; dup {
		return false, nil
	}
	m.pages[arg.JobID] = struct{}{}
	s := m.statuses[channelKey{arg.TenantID, arg.ChannelID}]
	s.MessageCount += int64(arg.MessageCount)
	s.TotalMessagesScanned += int64(arg.MessageCount)
	s.PagesProcessed++
	if arg.MaxID != "" && (s.ForwardCursor == nil || source.CompareIDs(arg.MaxID, *s.ForwardCursor) > 0) {
		s.ForwardCursor = db.StringPtr(arg.MaxID)
	}
	if arg.MinID != "" && (s.BackwardCursor == nil || source.CompareIDs(arg.MinID, *s.BackwardCursor) < 0) {
		s.BackwardCursor = db.StringPtr(arg.MinID)
	}
	return true, nil
}

func (m *memStore) ExistingMessageIDs(_ context.Context, _ string, ids []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := m.messages[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *memStore) UpsertAuthors(_ context.Context, rows []db.Author) (db.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.failUpsert != nil {
		return db.BulkResult{}, m.failUpsert
	}
	for _, r := range rows {
		m.authors[r.TenantID+"/"+r.AuthorID] = r
	}
	return db.BulkResult{Succeeded: len(rows)}, nil
}

func (m *memStore) UpsertMessages(_ context.Context, rows []db.Message) (db.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	for _, r := range rows {
		m.messages[r.MessageID] = r
	}
	return db.BulkResult{Succeeded: len(rows)}, nil
}

func (m *memStore) UpsertClips(_ context.Context, rows []db.Clip) (db.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	for _, r := range rows {
		if prev, ok := m.clips[r.ClipID]; ok {
			r.ThumbnailStatus = prev.ThumbnailStatus
		} else {
			r.ThumbnailStatus = db.ThumbnailPending
		}
		m.clips[r.ClipID] = r
	}
	return db.BulkResult{Succeeded: len(rows)}, nil
}

func (m *memStore) ClipsNeedingThumbnail(_ context.Context, ids []uuid.UUID, all bool) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, id := range ids {
		c, ok := m.clips[id]
		if ok && (all || c.ThumbnailStatus == db.ThumbnailPending) {
			out = append(out, id)
		}
	}
	return out, nil
}

// historySource serves a fixed channel history with numeric ids.
type historySource struct {
	mu    sync.Mutex
	msgs  []source.Message
	calls int
	err   error
}

func newHistory(channel string, first, n int, withClip bool) *historySource {
	h := &historySource{}
	for i := 0; i < n; i++ {
		id := fmt.Sprint(first + i)
		m := source.Message{
			ID:        id,
			ChannelID: channel,
			Author:    source.Author{ID: "u" + fmt.Sprint(i%3), Username: "user"},
			Content:   "message " + id,
			Timestamp: time.Unix(int64(first+i), 0),
		}
		if withClip {
			m.Attachments = []source.Attachment{{ID: "a" + id, Filename: "clip-" + id + ".mp4", URL: "https://cdn/" + id, ContentType: "video/mp4", Size: 100}}
		}
		h.msgs = append(h.msgs, m)
	}
	return h
}

func (h *historySource) ListMessages(ctx context.Context, _ string, cursor string, direction jobs.Direction, limit int) ([]source.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	var out []source.Message
	for _, m := range h.msgs {
		switch {
		case direction == jobs.Forward && (cursor == "" || source.CompareIDs(m.ID, cursor) > 0):
			out = append(out, m)
		case direction == jobs.Backward && (cursor == "" || source.CompareIDs(m.ID, cursor) < 0):
			out = append(out, m)
		}
	}
	source.SortForDirection(out, direction)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *historySource) add(channel string, first, n int) {
	more := newHistory(channel, first, n, false)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, more.msgs...)
}

func (h *historySource) GetMessages(_ context.Context, _ string, ids []string) ([]source.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []source.Message
	for _, m := range h.msgs {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

type staticSettings struct {
	doc db.SettingsDoc
}

func (s staticSettings) Get(context.Context, string, string) (db.ResolvedSettings, error) {
	return db.ResolvedSettings{Doc: db.MergeSettings(db.DefaultSettings, s.doc)}, nil
}

// failingEnqueuer rejects every job.
type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, jobs.Job) (queue.Position, error) {
	return "", errors.New("queue unavailable")
}

type harness struct {
	t      *testing.T
	store  *memStore
	src    *historySource
	queue  *queue.MemoryQueue
	proc   *Processor
	start  *Starter
	tenant string
	chann  string
}

func newHarness(t *testing.T, src *historySource) *harness {
	store := newMemStore()
	q := queue.NewMemoryQueue()
	policy := db.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return &harness{
		t:      t,
		store:  store,
		src:    src,
		queue:  q,
		proc:   NewProcessor(store, src, q, staticSettings{}, policy),
		start:  NewStarter(store, q),
		tenant: "g1",
		chann:  "c1",
	}
}

const testGroup = "test"

// drain processes batch_scan jobs until the stream is empty and returns how
// many were handled.
func (h *harness) drain() int {
	ctx := context.Background()
	stream := queue.StreamKey(h.tenant, jobs.KindBatchScan)
	require.NoError(h.t, h.queue.EnsureGroup(ctx, stream, testGroup))

	handled := 0
	for {
		ds, err := h.queue.Claim(ctx, queue.ClaimRequest{Streams: []string{stream}, Group: testGroup, Consumer: "t", Count: 1})
		require.NoError(h.t, err)
		if len(ds) == 0 {
			return handled
		}
		for _, d := range ds {
			_ = h.proc.HandleBatchScan(ctx, d.Job, d.Job.Payload.(jobs.BatchScan))
			require.NoError(h.t, h.queue.Ack(ctx, d.Stream, testGroup, d.ID))
			handled++
		}
	}
}

func (h *harness) thumbnailJobs() int {
	return h.queue.Len(queue.StreamKey(h.tenant, jobs.KindThumbnail))
}

func sortedIDs(m map[string]db.Message) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return source.CompareIDs(out[i], out[j]) < 0 })
	return out
}
