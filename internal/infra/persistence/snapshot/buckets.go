// Package snapshot encodes queue snapshots as named JSON buckets so every
// persistent backend stores the same rows.
package snapshot

import (
	"encoding/json"
	"fmt"
	"strconv"

	"beamlinecore/pkg/domain"
)

// Bucket names, in write order.
const (
	BucketTasks       = "tasks"
	BucketSampleOrder = "sample_order"
	BucketNextQueueID = "next_queue_id"
)

// Buckets lists every bucket a complete snapshot writes.
var Buckets = []string{BucketTasks, BucketSampleOrder, BucketNextQueueID}

// Encode splits a snapshot into bucket payloads.
func Encode(snap domain.QueueSnapshot) (map[string][]byte, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue snapshot: %w", err)
	}
	tasks := snap.Tasks
	if tasks == nil {
		tasks = map[string][]domain.Task{}
	}
	order := snap.SampleOrder
	if order == nil {
		order = []string{}
	}
	out := make(map[string][]byte, len(Buckets))
	var err error
	if out[BucketTasks], err = json.Marshal(tasks); err != nil {
		return nil, fmt.Errorf("encode %s: %w", BucketTasks, err)
	}
	if out[BucketSampleOrder], err = json.Marshal(order); err != nil {
		return nil, fmt.Errorf("encode %s: %w", BucketSampleOrder, err)
	}
	out[BucketNextQueueID] = []byte(strconv.FormatInt(snap.NextQueueID, 10))
	return out, nil
}

// Decode rebuilds a snapshot from bucket payloads. It reports false when no
// bucket is present. Unknown buckets are ignored.
func Decode(buckets map[string][]byte) (domain.QueueSnapshot, bool, error) {
	if len(buckets) == 0 {
		return domain.QueueSnapshot{}, false, nil
	}
	snap := domain.QueueSnapshot{Tasks: map[string][]domain.Task{}}
	if raw := buckets[BucketTasks]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &snap.Tasks); err != nil {
			return domain.QueueSnapshot{}, false, fmt.Errorf("decode %s: %w", BucketTasks, err)
		}
	}
	if raw := buckets[BucketSampleOrder]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &snap.SampleOrder); err != nil {
			return domain.QueueSnapshot{}, false, fmt.Errorf("decode %s: %w", BucketSampleOrder, err)
		}
	}
	if raw := buckets[BucketNextQueueID]; len(raw) > 0 {
		next, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return domain.QueueSnapshot{}, false, fmt.Errorf("decode %s: %w", BucketNextQueueID, err)
		}
		snap.NextQueueID = next
	}
	if err := snap.Validate(); err != nil {
		return domain.QueueSnapshot{}, false, fmt.Errorf("stored queue snapshot: %w", err)
	}
	return snap, true, nil
}
