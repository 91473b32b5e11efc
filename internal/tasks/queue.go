package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TypeWebhook carries a raw webhook body for the ingestor.
	TypeWebhook = "webhook"
	// TypeShopSync asks for a full pull pass over one shop.
	TypeShopSync = "shop_sync"
)

type Task struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Queue is a Redis list used as a work queue plus a SETNX-based event
// dedupe. Both degrade: callers fall back to inline execution when Redis is
// down, and dedupe fails open.
type Queue struct {
	rdb *redis.Client
	key string
}

func NewQueue(rdb *redis.Client, key string) *Queue {
	if key == "" {
		key = "crm:tasks:sync"
	}
	return &Queue{rdb: rdb, key: key}
}

func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.key, b).Err()
}

// Pop blocks up to timeout for the next task. A nil task with nil error
// means the wait elapsed empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, nil
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DedupeEvent claims a webhook event id for the TTL window. The first caller
// gets true; replays within the window get false. Redis being unavailable
// fails open so events are never dropped.
func (q *Queue) DedupeEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	ok, err := q.rdb.SetNX(ctx, "crm:webhook:seen:"+eventID, 1, ttl).Result()
	if err != nil {
		return true, err
	}
	return ok, nil
}
