package source

import (
	"context"

	"golang.org/x/time/rate"

	"thirdcoast.systems/clipscan/internal/jobs"
)

// Limited spaces calls to a Source with a token bucket shared by every
// goroutine of the process.
type Limited struct {
	src     Source
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls with bursts of burst.
func NewLimited(src Source, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{src: src, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) ListMessages(ctx context.Context, channelID, cursor string, direction jobs.Direction, limit int) ([]Message, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.src.ListMessages(ctx, channelID, cursor, direction, limit)
}

// GetMessages takes one token per requested id since the adapter issues one request each.
func (l *Limited) GetMessages(ctx context.Context, channelID string, ids []string) ([]Message, error) {
	for range ids {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return l.src.GetMessages(ctx, channelID, ids)
}
