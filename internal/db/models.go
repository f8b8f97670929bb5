package db

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

type ScanState string

const (
	ScanPending   ScanState = "PENDING"
	ScanQueued    ScanState = "QUEUED"
	ScanRunning   ScanState = "RUNNING"
	ScanSucceeded ScanState = "SUCCEEDED"
	ScanFailed    ScanState = "FAILED"
	ScanCancelled ScanState = "CANCELLED"
)

// Terminal reports whether no further pages will run in this state.
func (s ScanState) Terminal() bool {
	switch s {
	case ScanSucceeded, ScanFailed, ScanCancelled:
		return true
	}
	return false
}

type ThumbnailStatus string

const (
	ThumbnailPending    ThumbnailStatus = "pending"
	ThumbnailProcessing ThumbnailStatus = "processing"
	ThumbnailCompleted  ThumbnailStatus = "completed"
	ThumbnailFailed     ThumbnailStatus = "failed"
)

type Author struct {
	TenantID   string
	AuthorID   string
	Username   string
	GlobalName string
	Avatar     string
	Bot        bool
}

type Message struct {
	MessageID       string
	TenantID        string
	ChannelID       string
	AuthorID        string
	Content         string
	PostedAt        time.Time
	EditedAt        *time.Time
	AttachmentCount int
}

type Clip struct {
	ClipID             uuid.UUID
	MessageID          string
	FilenameHash       int64
	TenantID           string
	ChannelID          string
	Filename           string
	URL                string
	ContentType        string
	SizeBytes          int64
	Width              int
	Height             int
	ThumbnailStatus    ThumbnailStatus
	ThumbnailPath      *string
	ThumbnailUpdatedAt *time.Time
	UpdatedAt          time.Time
}

var clipNamespace = uuid.MustParse("6f6c2d1e-6d0b-4b8e-9d53-2b1f2a7c9e40")

// ClipKey derives the natural key of an attachment and the clip id built from
// it. Both are stable across replays of the same message.
func ClipKey(messageID, filename string) (uuid.UUID, int64) {
	h := int64(xxhash.Sum64String(filename))
	id := uuid.NewSHA1(clipNamespace, []byte(messageID+"/"+strconv.FormatInt(h, 16)))
	return id, h
}

type ScanStatus struct {
	TenantID             string
	ChannelID            string
	Status               ScanState
	Direction            string
	RescanMode           string
	ForwardCursor        *string
	BackwardCursor       *string
	MessageCount         int64
	TotalMessagesScanned int64
	PagesProcessed       int64
	ErrorMessage         *string
	CurrentJobID         uuid.NullUUID
	InFlightJobID        uuid.NullUUID
	InFlightSince        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
}

type FailedThumbnail struct {
	ClipID      uuid.UUID
	Attempts    int
	LastError   string
	NextRetryAt *time.Time
	Permanent   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ClipRef locates a clip's queue partition.
type ClipRef struct {
	ClipID    uuid.UUID
	TenantID  string
	ChannelID string
	Attempts  int
}
