// Package jobs defines the pipeline's job envelope and its payload variants.
//
// A Job is immutable once enqueued. Ownership moves from the producer to
// whichever consumer claims it; consumers must tolerate replays.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the payload discriminant. It is also part of the queue partition key.
type Kind string

const (
	KindBatchScan        Kind = "batch_scan"
	KindMessageScan      Kind = "message_scan"
	KindPurgeChannel     Kind = "purge_channel"
	KindPurgeGuild       Kind = "purge_guild"
	KindThumbnailCleanup Kind = "thumbnail_cleanup"
	KindThumbnail        Kind = "thumbnail"
)

// Kinds lists every kind a worker can consume.
var Kinds = []Kind{
	KindBatchScan,
	KindMessageScan,
	KindPurgeChannel,
	KindPurgeGuild,
	KindThumbnailCleanup,
	KindThumbnail,
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Direction is the paging direction of a batch scan.
type Direction string

const (
	// Backward walks history from newer to older messages (before-cursor).
	Backward Direction = "backward"
	// Forward walks from older to newer messages (after-cursor).
	Forward Direction = "forward"
)

// RescanMode decides how previously seen messages are treated.
type RescanMode string

const (
	// RescanStop halts the scan at the first previously seen message.
	RescanStop RescanMode = "stop"
	// RescanContinue skips seen messages without rewriting them and keeps going.
	RescanContinue RescanMode = "continue"
	// RescanUpdate reprocesses seen messages and overwrites derived rows.
	RescanUpdate RescanMode = "update"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Job is the common envelope shared by every payload.
type Job struct {
	ID        uuid.UUID
	TenantID  string
	ChannelID string
	CreatedAt time.Time
	Payload   Payload
}

// Kind returns the payload kind, or "" for an empty job.
func (j Job) Kind() Kind {
	if j.Payload == nil {
		return ""
	}
	return j.Payload.Kind()
}

// Payload is implemented only by the variants in this package.
type Payload interface {
	Kind() Kind
	validate(j Job) error
	sealed()
}

// BatchScan fetches one page of messages and optionally chains the next page.
type BatchScan struct {
	Direction    Direction  `json:"direction"`
	Limit        int        `json:"limit"`
	BeforeCursor string     `json:"before_cursor,omitempty"`
	AfterCursor  string     `json:"after_cursor,omitempty"`
	AutoContinue bool       `json:"auto_continue"`
	RescanMode   RescanMode `json:"rescan_mode"`
	// RegenerateThumbnails enqueues thumbnail jobs for every clip on the page,
	// not only the ones lacking one. Independent of RescanMode.
	RegenerateThumbnails bool `json:"regenerate_thumbnails,omitempty"`
}

// MessageScan reprocesses an explicit set of messages.
type MessageScan struct {
	MessageIDs []string `json:"message_ids"`
}

// PurgeChannel deletes everything derived from one channel.
type PurgeChannel struct{}

// PurgeGuild deletes everything derived from a whole tenant.
type PurgeGuild struct{}

// ThumbnailCleanup resets thumbnails stuck in processing for longer than Timeout.
type ThumbnailCleanup struct {
	Timeout time.Duration `json:"timeout"`
}

// Thumbnail generates thumbnails for a single clip.
type Thumbnail struct {
	ClipID uuid.UUID `json:"clip_id"`
	Force  bool      `json:"force,omitempty"`
}

func (BatchScan) Kind() Kind        { return KindBatchScan }
func (MessageScan) Kind() Kind      { return KindMessageScan }
func (PurgeChannel) Kind() Kind     { return KindPurgeChannel }
func (PurgeGuild) Kind() Kind       { return KindPurgeGuild }
func (ThumbnailCleanup) Kind() Kind { return KindThumbnailCleanup }
func (Thumbnail) Kind() Kind        { return KindThumbnail }

func (BatchScan) sealed()        {}
func (MessageScan) sealed()      {}
func (PurgeChannel) sealed()     {}
func (PurgeGuild) sealed()       {}
func (ThumbnailCleanup) sealed() {}
func (Thumbnail) sealed()        {}

// Normalize fills defaults for zero fields.
func (b BatchScan) Normalize() BatchScan {
	if b.Direction == "" {
		b.Direction = Backward
	}
	if b.Limit <= 0 {
		b.Limit = DefaultPageLimit
	}
	if b.RescanMode == "" {
		b.RescanMode = RescanStop
	}
	return b
}

// Cursor returns the cursor relevant to the scan direction.
func (b BatchScan) Cursor() string {
	if b.Direction == Forward {
		return b.AfterCursor
	}
	return b.BeforeCursor
}

// Advance returns the payload for the page following one that ended at lastID.
func (b BatchScan) Advance(lastID string) BatchScan {
	next := b
	if b.Direction == Forward {
		next.AfterCursor = lastID
		next.BeforeCursor = ""
	} else {
		next.BeforeCursor = lastID
		next.AfterCursor = ""
	}
	return next
}

func (b BatchScan) validate(Job) error {
	switch b.Direction {
	case Backward, Forward:
	default:
		return fmt.Errorf("invalid direction %q", b.Direction)
	}
	switch b.RescanMode {
	case RescanStop, RescanContinue, RescanUpdate:
	default:
		return fmt.Errorf("invalid rescan mode %q", b.RescanMode)
	}
	if b.Limit < 1 || b.Limit > MaxPageLimit {
		return fmt.Errorf("limit %d out of range 1..%d", b.Limit, MaxPageLimit)
	}
	return nil
}

func (m MessageScan) validate(Job) error {
	if len(m.MessageIDs) == 0 {
		return errors.New("message_scan requires message ids")
	}
	for _, id := range m.MessageIDs {
		if strings.TrimSpace(id) == "" {
			return errors.New("message_scan contains an empty message id")
		}
	}
	return nil
}

func (PurgeChannel) validate(j Job) error {
	if j.ChannelID == "" {
		return errors.New("purge_channel requires a channel id")
	}
	return nil
}

func (PurgeGuild) validate(Job) error { return nil }

func (c ThumbnailCleanup) validate(Job) error {
	if c.Timeout <= 0 {
		return errors.New("thumbnail_cleanup requires a positive timeout")
	}
	return nil
}

func (t Thumbnail) validate(Job) error {
	if t.ClipID == uuid.Nil {
		return errors.New("thumbnail requires a clip id")
	}
	return nil
}

// New stamps a fresh id and creation time onto payload.
func New(tenantID, channelID string, payload Payload) (Job, error) {
	if b, ok := payload.(BatchScan); ok {
		payload = b.Normalize()
	}
	j := Job{
		ID:        uuid.New(),
		TenantID:  strings.TrimSpace(tenantID),
		ChannelID: strings.TrimSpace(channelID),
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// NextPage derives the follow-up job of a batch scan. The id is a deterministic
// function of the parent id so duplicate deliveries of the parent enqueue the
// same child, which the page ledger then deduplicates.
func NextPage(parent Job, payload BatchScan) Job {
	return Job{
		ID:        uuid.NewSHA1(parent.ID, []byte("next-page")),
		TenantID:  parent.TenantID,
		ChannelID: parent.ChannelID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

// Validate checks envelope and payload invariants.
func (j Job) Validate() error {
	if j.Payload == nil {
		return errors.New("job has no payload")
	}
	if j.TenantID == "" {
		return fmt.Errorf("%s job requires a tenant id", j.Kind())
	}
	switch j.Payload.(type) {
	case BatchScan, MessageScan:
		if j.ChannelID == "" {
			return fmt.Errorf("%s job requires a channel id", j.Kind())
		}
	}
	if err := j.Payload.validate(j); err != nil {
		return fmt.Errorf("%s: %w", j.Kind(), err)
	}
	return nil
}
