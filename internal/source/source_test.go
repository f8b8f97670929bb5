package source

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/clipscan/internal/failure"
	"thirdcoast.systems/clipscan/internal/jobs"
)

type listCall struct {
	limit         int
	before, after string
}

type fakeAPI struct {
	calls    []listCall
	messages []*discordgo.Message
	byID     map[string]*discordgo.Message
	err      error
}

func (f *fakeAPI) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.calls = append(f.calls, listCall{limit: limit, before: beforeID, after: afterID})
	return f.messages, f.err
}

func (f *fakeAPI) ChannelMessage(channelID, messageID string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m, ok := f.byID[messageID]; ok {
		return m, nil
	}
	return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
}

func rawMessage(id string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: "c1",
		GuildID:   "g1",
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a" + id, Filename: "clip.mp4", URL: "https://cdn/clip.mp4", ContentType: "video/mp4", Size: 1024},
		},
	}
}

func TestCompareIDs(t *testing.T) {
	assert.Equal(t, -1, CompareIDs("9", "10"))
	assert.Equal(t, 1, CompareIDs("1000000000000000001", "999999999999999999"))
	assert.Equal(t, 0, CompareIDs("42", "42"))
	assert.Equal(t, 0, CompareIDs("042", "42"))
}

func TestBounds(t *testing.T) {
	minID, maxID := Bounds([]Message{{ID: "15"}, {ID: "9"}, {ID: "120"}})
	assert.Equal(t, "9", minID)
	assert.Equal(t, "120", maxID)

	minID, maxID = Bounds(nil)
	assert.Empty(t, minID)
	assert.Empty(t, maxID)
}

func TestDiscord_ListMessagesOrdersByDirection(t *testing.T) {
	api := &fakeAPI{messages: []*discordgo.Message{rawMessage("30"), rawMessage("20"), rawMessage("100")}}
	d := &Discord{api: api}
	ctx := context.Background()

	back, err := d.ListMessages(ctx, "c1", "200", jobs.Backward, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "30", "20"}, ids(back))
	assert.Equal(t, listCall{limit: 50, before: "200"}, api.calls[0])

	fwd, err := d.ListMessages(ctx, "c1", "", jobs.Forward, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"20", "30", "100"}, ids(fwd))
	assert.Equal(t, listCall{limit: 10, after: "0"}, api.calls[1])

	m := fwd[0]
	assert.Equal(t, "alice", m.Author.Username)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, int64(1024), m.Attachments[0].Size)
	assert.False(t, m.Timestamp.IsZero(), "timestamp falls back to the snowflake")
}

func TestDiscord_GetMessagesSkipsMissing(t *testing.T) {
	api := &fakeAPI{byID: map[string]*discordgo.Message{"1": rawMessage("1"), "3": rawMessage("3")}}
	d := &Discord{api: api}

	got, err := d.GetMessages(context.Background(), "c1", []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, ids(got))
}

func TestDiscordErr_Classification(t *testing.T) {
	rateLimited := &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 3 * time.Second},
	}}
	throttled := &discordgo.RESTError{Response: &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"1.5"}},
	}}
	unavailable := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusBadGateway}}
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}

	tests := []struct {
		name  string
		err   error
		kind  failure.Kind
		after time.Duration
	}{
		{"rate limit", rateLimited, failure.TransientInfra, 3 * time.Second},
		{"429", throttled, failure.TransientInfra, 1500 * time.Millisecond},
		{"5xx", unavailable, failure.TransientInfra, 0},
		{"403", forbidden, failure.PermanentData, 0},
		{"other", errors.New("weird"), failure.Unknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := discordErr("list messages", tt.err)
			assert.Equal(t, tt.kind, failure.Classify(err))
			assert.Equal(t, tt.after, failure.RetryAfter(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

type countingSource struct {
	lists int
}

func (c *countingSource) ListMessages(context.Context, string, string, jobs.Direction, int) ([]Message, error) {
	c.lists++
	return nil, nil
}

func (c *countingSource) GetMessages(context.Context, string, []string) ([]Message, error) {
	return nil, nil
}

func TestLimited_HonorsContext(t *testing.T) {
	src := &countingSource{}
	l := NewLimited(src, 0.001, 1)

	_, err := l.ListMessages(context.Background(), "c", "", jobs.Backward, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.ListMessages(ctx, "c", "", jobs.Backward, 1)
	require.Error(t, err)
	assert.Equal(t, 1, src.lists)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
