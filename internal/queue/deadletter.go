package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// DeadLetter is one exhausted-retry event as persisted by deadLetter.
type DeadLetter struct {
	DeliveryID string          `json:"deliveryId"`
	Kind       string          `json:"kind"`
	Error      string          `json:"error"`
	Payload    json.RawMessage `json:"payload"`
}

// ListDeadLetters returns every dead-lettered event currently in the KV
// store, backing the `/api/v1/admin/deadletter` admin route (§4.G).
func (q *Queue) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	keys, err := q.kv.ScanKeys(ctx, "deadletter:*")
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(keys))
	for _, key := range keys {
		raw, err := q.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}
