package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryQueue buffers VM-hop dispatches whose target channel is not yet
// deployed or running, for later redelivery. Entries are Redis lists keyed
// by target channel, so redelivery order per target is FIFO.
type RetryQueue struct {
	client *redis.Client
	prefix string
}

// PendingDispatch is one buffered VM hop awaiting redelivery: enough of the
// original DispatchRawMessage call to replay it exactly once the target
// channel is deployed and running. Scopes keeps its precedence order
// through the JSON round-trip.
type PendingDispatch struct {
	TargetChannelID  string                 `json:"targetChannelId"`
	RawMessage       string                 `json:"rawMessage"`
	CurrentChannelID string                 `json:"currentChannelId"`
	CurrentMessageID int64                  `json:"currentMessageId"`
	CurrentSourceMap map[string]interface{} `json:"currentSourceMap"`
	PropagatedVars   []string               `json:"propagatedVars"`
	Scopes           []ScopePair            `json:"scopes"`
	EnqueuedAt       time.Time              `json:"enqueuedAt"`
	RetryCount       int                    `json:"retryCount"`
}

func NewRetryQueue(client *redis.Client, prefix string) *RetryQueue {
	if prefix == "" {
		prefix = "vm-router:"
	}
	return &RetryQueue{client: client, prefix: prefix}
}

func (q *RetryQueue) key(targetChannelID string) string {
	return q.prefix + targetChannelID
}

func (q *RetryQueue) Enqueue(ctx context.Context, d PendingDispatch) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key(d.TargetChannelID), data).Err()
}

// Dequeue blocks up to timeout waiting for a pending dispatch targeting
// channelID.
func (q *RetryQueue) Dequeue(ctx context.Context, channelID string, timeout time.Duration) (*PendingDispatch, error) {
	result, err := q.client.BLPop(ctx, timeout, q.key(channelID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var d PendingDispatch
	if err := json.Unmarshal([]byte(result[1]), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (q *RetryQueue) Depth(ctx context.Context, channelID string) (int64, error) {
	return q.client.LLen(ctx, q.key(channelID)).Result()
}
