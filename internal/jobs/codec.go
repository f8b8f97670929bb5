package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"thirdcoast.systems/clipscan/internal/failure"
)

type wireJob struct {
	JobID     uuid.UUID       `json:"job_id"`
	TenantID  string          `json:"tenant_id"`
	ChannelID string          `json:"channel_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode serializes a job for the queue.
func Encode(j Job) ([]byte, error) {
	if j.Payload == nil {
		return nil, fmt.Errorf("jobs.Encode: job %s has no payload", j.ID)
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("jobs.Encode: marshal payload: %w", err)
	}
	return json.Marshal(wireJob{
		JobID:     j.ID,
		TenantID:  j.TenantID,
		ChannelID: j.ChannelID,
		CreatedAt: j.CreatedAt,
		Kind:      j.Payload.Kind(),
		Payload:   payload,
	})
}

// Decode parses a job from the queue. Malformed entries are permanent errors:
// re-delivering them can never succeed.
func Decode(b []byte) (Job, error) {
	var w wireJob
	if err := json.Unmarshal(b, &w); err != nil {
		return Job{}, failure.Permanentf("jobs.Decode: %v", err)
	}

	var payload Payload
	var err error
	switch w.Kind {
	case KindBatchScan:
		var p BatchScan
		err = unmarshalPayload(w.Payload, &p)
		payload = p.Normalize()
	case KindMessageScan:
		var p MessageScan
		err = unmarshalPayload(w.Payload, &p)
		payload = p
	case KindPurgeChannel:
		payload = PurgeChannel{}
	case KindPurgeGuild:
		payload = PurgeGuild{}
	case KindThumbnailCleanup:
		var p ThumbnailCleanup
		err = unmarshalPayload(w.Payload, &p)
		payload = p
	case KindThumbnail:
		var p Thumbnail
		err = unmarshalPayload(w.Payload, &p)
		payload = p
	default:
		return Job{}, failure.Permanentf("jobs.Decode: unknown kind %q", w.Kind)
	}
	if err != nil {
		return Job{}, failure.Permanentf("jobs.Decode: %s payload: %v", w.Kind, err)
	}

	j := Job{
		ID:        w.JobID,
		TenantID:  w.TenantID,
		ChannelID: w.ChannelID,
		CreatedAt: w.CreatedAt,
		Payload:   payload,
	}
	if err := j.Validate(); err != nil {
		return Job{}, failure.Permanentf("jobs.Decode: %v", err)
	}
	return j, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
