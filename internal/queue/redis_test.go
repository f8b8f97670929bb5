package queue

import (
	"fmt"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
)

func xstream(name string, n int) redis.XStream {
	s := redis.XStream{Stream: name}
	for i := range n {
		s.Messages = append(s.Messages, redis.XMessage{ID: fmt.Sprintf("%d-0", i+1)})
	}
	return s
}

func TestTakeRoundRobin(t *testing.T) {
	tests := []struct {
		name        string
		streams     []redis.XStream
		limit       int
		wantTake    int
		wantSurplus int
		perStream   map[string]int
	}{
		{
			name:        "read overshoots count",
			streams:     []redis.XStream{xstream("a", 4), xstream("b", 4), xstream("c", 4)},
			limit:       10,
			wantTake:    10,
			wantSurplus: 2,
			perStream:   map[string]int{"a": 4, "b": 3, "c": 3},
		},
		{
			name:        "uneven streams",
			streams:     []redis.XStream{xstream("a", 1), xstream("b", 5)},
			limit:       4,
			wantTake:    4,
			wantSurplus: 2,
			perStream:   map[string]int{"a": 1, "b": 3},
		},
		{
			name:      "under limit",
			streams:   []redis.XStream{xstream("a", 2), xstream("b", 1)},
			limit:     10,
			wantTake:  3,
			perStream: map[string]int{"a": 2, "b": 1},
		},
		{
			name:  "empty",
			limit: 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			take, surplus := takeRoundRobin(tt.streams, tt.limit)
			assert.Len(t, take, tt.wantTake)
			assert.Equal(t, tt.wantSurplus, surplus)

			got := map[string]int{}
			seen := map[string]bool{}
			for _, e := range take {
				got[e.stream]++
				key := e.stream + "/" + e.msg.ID
				assert.False(t, seen[key], "entry %s taken twice", key)
				seen[key] = true
			}
			if tt.perStream != nil {
				assert.Equal(t, tt.perStream, got)
			}
		})
	}
}
