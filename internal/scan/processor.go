package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"thirdcoast.systems/clipscan/internal/db"
	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
	"thirdcoast.systems/clipscan/internal/queue"
	"thirdcoast.systems/clipscan/internal/source"
	"thirdcoast.systems/clipscan/pkg/utils/filename"
)

// Processor executes batch_scan and message_scan jobs.
type Processor struct {
	store    Store
	source   source.Source
	queue    queue.Enqueuer
	settings Settings
	retry    db.RetryPolicy
}

func NewProcessor(store Store, src source.Source, q queue.Enqueuer, settings Settings, retry db.RetryPolicy) *Processor {
	return &Processor{store: store, source: src, queue: q, settings: settings, retry: retry}
}

// page is the result of fetching and filtering one batch of messages.
type page struct {
	fetched int
	// scanned are the messages the run has now covered, in scan direction.
	scanned []source.Message
	// kept are the messages to persist.
	kept   []source.Message
	halted bool
}

// HandleBatchScan processes one page of a scan run and chains the next one.
// Errors that should be retried by re-delivery are returned unchanged; any
// other failure is recorded on the scan row before being returned.
func (p *Processor) HandleBatchScan(ctx context.Context, job jobs.Job, payload jobs.BatchScan) error {
	log := slog.With("job_id", job.ID, "tenant_id", job.TenantID, "channel_id", job.ChannelID, "kind", job.Kind())

	if _, err := p.store.ClaimScanPage(ctx, job.TenantID, job.ChannelID, job.ID); err != nil {
		if db.IsNotFound(err) {
			log.Info("scan no longer runs this job, dropping page")
			return nil
		}
		return p.fail(ctx, log, job, fmt.Errorf("claim scan page: %w", err))
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.store.ClearInFlight(cctx, job.TenantID, job.ChannelID, job.ID); err != nil {
			log.Warn("could not clear in-flight marker", "error", err)
		}
	}()

	if err := p.processPage(ctx, log, job, payload); err != nil {
		return p.fail(ctx, log, job, err)
	}
	return nil
}

func (p *Processor) processPage(ctx context.Context, log *slog.Logger, job jobs.Job, payload jobs.BatchScan) error {
	settings, err := p.settings.Get(ctx, job.TenantID, job.ChannelID)
	if err != nil {
		return fmt.Errorf("resolve settings: %w", err)
	}

	var msgs []source.Message
	err = db.Retry(ctx, p.retry, "list messages", func(ctx context.Context) error {
		var err error
		msgs, err = p.source.ListMessages(ctx, job.ChannelID, payload.Cursor(), payload.Direction, payload.Limit)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch page: %w", err)
	}

	seen, err := p.store.ExistingMessageIDs(ctx, job.TenantID, messageIDs(msgs))
	if err != nil {
		return fmt.Errorf("lookup seen messages: %w", err)
	}
	pg := applyRescan(msgs, seen, payload.RescanMode)

	if running, err := p.stillRunning(ctx, job); err != nil || !running {
		if err == nil {
			log.Info("scan no longer running, stopping before write")
		}
		return err
	}

	plan, err := p.store.PlanScanPage(ctx, pg.plan(job))
	if err != nil {
		return fmt.Errorf("plan scan page: %w", err)
	}
	if plan.Replayed {
		pg = replayPage(msgs, plan)
		log.Info("page delivered again, reusing stored decision", "kept", len(pg.kept), "halted", pg.halted)
	}

	clipIDs, err := p.persist(ctx, job.TenantID, job.ChannelID, pg.kept, settings)
	if err != nil {
		return err
	}

	minID, maxID := source.Bounds(pg.scanned)
	fresh, err := p.store.RecordScanPage(ctx, db.RecordScanPageParams{
		JobID:        job.ID,
		TenantID:     job.TenantID,
		ChannelID:    job.ChannelID,
		MessageCount: len(pg.kept),
		MinID:        minID,
		MaxID:        maxID,
	})
	if err != nil {
		return fmt.Errorf("record scan page: %w", err)
	}
	if !fresh {
		log.Info("page already recorded, counters unchanged")
	}

	if settings.ThumbnailsEnabled() {
		if err := p.enqueueThumbnails(ctx, job, clipIDs, payload.RegenerateThumbnails); err != nil {
			return err
		}
	}

	log.Info("scan page processed",
		"fetched", pg.fetched,
		"persisted", len(pg.kept),
		"clips", len(clipIDs),
		"halted", pg.halted,
		"cursor", payload.Cursor(),
	)

	if payload.AutoContinue && pg.fetched >= payload.Limit && !pg.halted && len(pg.scanned) > 0 {
		return p.continueScan(ctx, log, job, payload, pg.scanned[len(pg.scanned)-1].ID)
	}

	ok, err := p.store.TransitionScan(ctx, db.TransitionScanParams{
		TenantID:    job.TenantID,
		ChannelID:   job.ChannelID,
		From:        []db.ScanState{db.ScanRunning},
		To:          db.ScanSucceeded,
		ExpectJobID: uuid.NullUUID{UUID: job.ID, Valid: true},
	})
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	if ok {
		log.Info("scan succeeded")
	}
	return nil
}

// continueScan hands the run over to the next page job. The scan row points
// at the new job before it is enqueued so a cancel in between wins.
func (p *Processor) continueScan(ctx context.Context, log *slog.Logger, job jobs.Job, payload jobs.BatchScan, lastID string) error {
	next := jobs.NextPage(job, payload.Advance(lastID))
	ok, err := p.store.TransitionScan(ctx, db.TransitionScanParams{
		TenantID:    job.TenantID,
		ChannelID:   job.ChannelID,
		From:        []db.ScanState{db.ScanRunning},
		To:          db.ScanQueued,
		ExpectJobID: uuid.NullUUID{UUID: job.ID, Valid: true},
		SetJobID:    uuid.NullUUID{UUID: next.ID, Valid: true},
	})
	if err != nil {
		return fmt.Errorf("queue next page: %w", err)
	}
	if !ok {
		log.Info("scan no longer running, not continuing")
		return nil
	}

	err = db.Retry(ctx, p.retry, "enqueue next page", func(ctx context.Context) error {
		_, err := p.queue.Enqueue(ctx, next)
		return err
	})
	if err != nil {
		// The row now belongs to the next job, so this job cannot record the failure itself.
		msg := "enqueue next page: " + err.Error()
		if _, ferr := p.store.TransitionScan(context.WithoutCancel(ctx), db.TransitionScanParams{
			TenantID:     job.TenantID,
			ChannelID:    job.ChannelID,
			From:         []db.ScanState{db.ScanQueued},
			To:           db.ScanFailed,
			ExpectJobID:  uuid.NullUUID{UUID: next.ID, Valid: true},
			ErrorMessage: &msg,
		}); ferr != nil {
			log.Error("could not mark scan failed", "error", ferr)
		}
		return failure.Permanent(fmt.Errorf("enqueue next page: %w", err))
	}
	log.Info("next page queued", "next_job_id", next.ID, "cursor", next.Payload.(jobs.BatchScan).Cursor())
	return nil
}

// HandleMessageScan re-ingests specific messages with update semantics. It
// does not touch the channel's scan status or cursors.
func (p *Processor) HandleMessageScan(ctx context.Context, job jobs.Job, payload jobs.MessageScan) error {
	log := slog.With("job_id", job.ID, "tenant_id", job.TenantID, "channel_id", job.ChannelID, "kind", job.Kind())

	settings, err := p.settings.Get(ctx, job.TenantID, job.ChannelID)
	if err != nil {
		return fmt.Errorf("resolve settings: %w", err)
	}

	var msgs []source.Message
	err = db.Retry(ctx, p.retry, "get messages", func(ctx context.Context) error {
		var err error
		msgs, err = p.source.GetMessages(ctx, job.ChannelID, payload.MessageIDs)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	clipIDs, err := p.persist(ctx, job.TenantID, job.ChannelID, msgs, settings)
	if err != nil {
		return err
	}
	if settings.ThumbnailsEnabled() {
		if err := p.enqueueThumbnails(ctx, job, clipIDs, false); err != nil {
			return err
		}
	}
	log.Info("messages rescanned", "requested", len(payload.MessageIDs), "found", len(msgs), "clips", len(clipIDs))
	return nil
}

// stillRunning re-reads the scan row so a cancel issued mid-page stops the
// page before anything is written.
func (p *Processor) stillRunning(ctx context.Context, job jobs.Job) (bool, error) {
	cur, err := p.store.GetScanStatus(ctx, job.TenantID, job.ChannelID)
	if err != nil {
		if db.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("recheck scan status: %w", err)
	}
	return cur.Status == db.ScanRunning && cur.CurrentJobID.Valid && cur.CurrentJobID.UUID == job.ID, nil
}

// persist writes authors, messages and clips with one bulk call each and
// returns the ids of the clips written.
func (p *Processor) persist(ctx context.Context, tenantID, channelID string, msgs []source.Message, settings db.ResolvedSettings) ([]uuid.UUID, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	authors, messages, clips := partition(tenantID, channelID, msgs, settings)

	res, err := p.store.UpsertAuthors(ctx, authors)
	if err != nil {
		return nil, fmt.Errorf("upsert authors: %w", err)
	}
	logRejected("authors", res)
	if res, err = p.store.UpsertMessages(ctx, messages); err != nil {
		return nil, fmt.Errorf("upsert messages: %w", err)
	}
	logRejected("messages", res)
	if res, err = p.store.UpsertClips(ctx, clips); err != nil {
		return nil, fmt.Errorf("upsert clips: %w", err)
	}
	logRejected("clips", res)

	ids := make([]uuid.UUID, len(clips))
	for i, c := range clips {
		ids[i] = c.ClipID
	}
	return ids, nil
}

func (p *Processor) enqueueThumbnails(ctx context.Context, job jobs.Job, clipIDs []uuid.UUID, regenerate bool) error {
	if len(clipIDs) == 0 {
		return nil
	}
	need, err := p.store.ClipsNeedingThumbnail(ctx, clipIDs, regenerate)
	if err != nil {
		return fmt.Errorf("lookup clips needing thumbnails: %w", err)
	}
	for _, id := range need {
		tj, err := jobs.New(job.TenantID, job.ChannelID, jobs.Thumbnail{ClipID: id, Force: regenerate})
		if err != nil {
			return failure.Permanent(err)
		}
		if _, err := p.queue.Enqueue(ctx, tj); err != nil {
			return fmt.Errorf("enqueue thumbnail %s: %w", id, err)
		}
	}
	return nil
}

// fail records a non-retryable failure on the scan row. Shutdown and
// transient errors are passed through so the job is delivered again.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, job jobs.Job, err error) error {
	if ctx.Err() != nil || failure.IsTransient(err) {
		return err
	}
	msg := err.Error()
	ok, terr := p.store.TransitionScan(context.WithoutCancel(ctx), db.TransitionScanParams{
		TenantID:     job.TenantID,
		ChannelID:    job.ChannelID,
		From:         []db.ScanState{db.ScanQueued, db.ScanRunning},
		To:           db.ScanFailed,
		ExpectJobID:  uuid.NullUUID{UUID: job.ID, Valid: true},
		ErrorMessage: &msg,
	})
	if terr != nil {
		log.Error("could not mark scan failed", "error", terr)
	}
	log.Error("batch scan failed", "error", err, "failure", failure.Classify(err), "recorded", ok)
	return err
}

func (pg page) plan(job jobs.Job) db.ScanPagePlan {
	return db.ScanPagePlan{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		ChannelID:  job.ChannelID,
		Fetched:    pg.fetched,
		ScannedIDs: messageIDs(pg.scanned),
		KeptIDs:    messageIDs(pg.kept),
		Halted:     pg.halted,
	}
}

// replayPage rebuilds a page from the decision stored by its first delivery.
func replayPage(msgs []source.Message, plan db.ScanPagePlan) page {
	scanned := make(map[string]struct{}, len(plan.ScannedIDs))
	for _, id := range plan.ScannedIDs {
		scanned[id] = struct{}{}
	}
	kept := make(map[string]struct{}, len(plan.KeptIDs))
	for _, id := range plan.KeptIDs {
		kept[id] = struct{}{}
	}
	pg := page{fetched: plan.Fetched, halted: plan.Halted}
	for _, m := range msgs {
		if _, ok := scanned[m.ID]; ok {
			pg.scanned = append(pg.scanned, m)
		}
		if _, ok := kept[m.ID]; ok {
			pg.kept = append(pg.kept, m)
		}
	}
	return pg
}

// applyRescan filters msgs against messages already stored.
func applyRescan(msgs []source.Message, seen map[string]struct{}, mode jobs.RescanMode) page {
	pg := page{fetched: len(msgs)}
	switch mode {
	case jobs.RescanStop:
		for i, m := range msgs {
			if _, ok := seen[m.ID]; ok {
				pg.halted = true
				msgs = msgs[:i]
				break
			}
		}
		pg.scanned, pg.kept = msgs, msgs
	case jobs.RescanContinue:
		pg.scanned = msgs
		for _, m := range msgs {
			if _, ok := seen[m.ID]; !ok {
				pg.kept = append(pg.kept, m)
			}
		}
	default:
		pg.scanned, pg.kept = msgs, msgs
	}
	return pg
}

// partition splits messages into rows. Attachments become clips only when
// their media type is accepted and they fit the size limit.
func partition(tenantID, channelID string, msgs []source.Message, settings db.ResolvedSettings) ([]db.Author, []db.Message, []db.Clip) {
	authors := make([]db.Author, 0, len(msgs))
	messages := make([]db.Message, 0, len(msgs))
	var clips []db.Clip
	maxBytes := settings.MaxAttachmentBytes()

	for _, m := range msgs {
		authors = append(authors, db.Author{
			TenantID:   tenantID,
			AuthorID:   m.Author.ID,
			Username:   m.Author.Username,
			GlobalName: m.Author.GlobalName,
			Avatar:     m.Author.Avatar,
			Bot:        m.Author.Bot,
		})
		messages = append(messages, db.Message{
			MessageID:       m.ID,
			TenantID:        tenantID,
			ChannelID:       channelID,
			AuthorID:        m.Author.ID,
			Content:         m.Content,
			PostedAt:        m.Timestamp,
			EditedAt:        m.EditedAt,
			AttachmentCount: len(m.Attachments),
		})
		for _, a := range m.Attachments {
			ct := contentType(a)
			if !settings.Accepts(ct) || (maxBytes > 0 && a.Size > maxBytes) {
				continue
			}
			id, hash := db.ClipKey(m.ID, a.Filename)
			clips = append(clips, db.Clip{
				ClipID:       id,
				MessageID:    m.ID,
				FilenameHash: hash,
				TenantID:     tenantID,
				ChannelID:    channelID,
				Filename:     a.Filename,
				URL:          a.URL,
				ContentType:  ct,
				SizeBytes:    a.Size,
				Width:        a.Width,
				Height:       a.Height,
			})
		}
	}
	return authors, messages, clips
}

func contentType(a source.Attachment) string {
	if a.ContentType != "" {
		return a.ContentType
	}
	return filename.ContentType(a.Filename)
}

func messageIDs(msgs []source.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func logRejected(table string, res db.BulkResult) {
	if res.Failed > 0 {
		slog.Warn("rows rejected by bulk upsert", "table", table, "failed", res.Failed, "succeeded", res.Succeeded)
	}
}
