package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
)

// messageAPI is the subset of *discordgo.Session used here.
type messageAPI interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord reads history through the Discord REST API. The session must have
// ShouldRetryOnRateLimit disabled so rate limits reach the caller's retry policy.
type Discord struct {
	api messageAPI
}

func NewDiscord(session *discordgo.Session) *Discord {
	return &Discord{api: session}
}

func (d *Discord) ListMessages(ctx context.Context, channelID, cursor string, direction jobs.Direction, limit int) ([]Message, error) {
	var before, after string
	if direction == jobs.Forward {
		after = cursor
		if after == "" {
			after = "0"
		}
	} else {
		before = cursor
	}

	raw, err := d.api.ChannelMessages(channelID, limit, before, after, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, discordErr("list messages", err)
	}
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, convert(m))
	}
	SortForDirection(out, direction)
	return out, nil
}

func (d *Discord) GetMessages(ctx context.Context, channelID string, ids []string) ([]Message, error) {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m, err := d.api.ChannelMessage(channelID, id, discordgo.WithContext(ctx))
		if err != nil {
			var rest *discordgo.RESTError
			if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
				continue
			}
			return nil, discordErr("get message "+id, err)
		}
		out = append(out, convert(m))
	}
	return out, nil
}

func convert(m *discordgo.Message) Message {
	msg := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		EditedAt:  m.EditedTimestamp,
	}
	if m.Author != nil {
		msg.Author = Author{
			ID:         m.Author.ID,
			Username:   m.Author.Username,
			GlobalName: m.Author.GlobalName,
			Avatar:     m.Author.Avatar,
			Bot:        m.Author.Bot,
		}
	}
	if msg.Timestamp.IsZero() {
		if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
			msg.Timestamp = ts
		}
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
			Width:       a.Width,
			Height:      a.Height,
		})
	}
	return msg
}

// discordErr marks rate limits, throttling and server errors as transient and
// other client errors as permanent.
func discordErr(op string, err error) error {
	wrapped := fmt.Errorf("discord %s: %w", op, err)

	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		var after time.Duration
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			after = rl.TooManyRequests.RetryAfter
		}
		return failure.Transient(wrapped, after)
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		code := rest.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			return failure.Transient(wrapped, retryAfterHeader(rest.Response.Header))
		case code >= 500:
			return failure.Transient(wrapped, 0)
		case code >= 400:
			return failure.Permanent(wrapped)
		}
	}
	return wrapped
}

func retryAfterHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
