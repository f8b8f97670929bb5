// Package source reads chat history from the upstream platform.
package source

import (
	"context"
	"slices"
	"strings"
	"time"

	"thirdcoast.systems/clipscan/internal/jobs"
)

type Author struct {
	ID         string
	Username   string
	GlobalName string
	Avatar     string
	Bot        bool
}

type Attachment struct {
	ID          string
	Filename    string
	URL         string
	ContentType string
	Size        int64
	Width       int
	Height      int
}

type Message struct {
	ID          string
	ChannelID   string
	GuildID     string
	Author      Author
	Content     string
	Timestamp   time.Time
	EditedAt    *time.Time
	Attachments []Attachment
}

// Source is a paginated view of a channel's history.
type Source interface {
	// ListMessages returns at most limit messages strictly past cursor in
	// direction, ordered in that direction. An empty cursor starts at the
	// newest message for Backward and at the oldest for Forward.
	ListMessages(ctx context.Context, channelID, cursor string, direction jobs.Direction, limit int) ([]Message, error)
	// GetMessages fetches specific messages. Ids that no longer exist are skipped.
	GetMessages(ctx context.Context, channelID string, ids []string) ([]Message, error)
}

// CompareIDs orders snowflake ids numerically without parsing them.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// SortForDirection orders msgs oldest first for Forward and newest first for Backward.
func SortForDirection(msgs []Message, direction jobs.Direction) {
	slices.SortFunc(msgs, func(x, y Message) int {
		if direction == jobs.Forward {
			return CompareIDs(x.ID, y.ID)
		}
		return CompareIDs(y.ID, x.ID)
	})
}

// Bounds returns the numerically smallest and largest ids in msgs.
func Bounds(msgs []Message) (minID, maxID string) {
	for i, m := range msgs {
		if i == 0 || CompareIDs(m.ID, minID) < 0 {
			minID = m.ID
		}
		if i == 0 || CompareIDs(m.ID, maxID) > 0 {
			maxID = m.ID
		}
	}
	return minID, maxID
}
