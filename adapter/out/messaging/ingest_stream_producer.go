// Package messaging moves sync jobs and ingestion events over Redis Streams.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"ingest_server/core/port/out"
)

// Stream names
const (
	StreamMailSync     = "mail:sync"
	StreamMailIngested = "mail:ingested"

	// DLQPrefix is prepended to a stream name for its dead letter stream.
	DLQPrefix = "dlq:"
)

// ingestedMaxLen caps the event stream; consumers are expected to keep up.
const ingestedMaxLen = 100000

// RedisProducer implements out.EventPublisher using Redis Streams.
type RedisProducer struct {
	client *redis.Client
}

func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

var _ out.EventPublisher = (*RedisProducer)(nil)

// PublishSyncRequested publishes a mail sync job.
func (p *RedisProducer) PublishSyncRequested(ctx context.Context, job *out.SyncJob) error {
	return p.publish(ctx, StreamMailSync, 0, job)
}

// PublishMessageIngested publishes an ingestion event for CRM consumers.
func (p *RedisProducer) PublishMessageIngested(ctx context.Context, event *out.MessageIngestedEvent) error {
	return p.publish(ctx, StreamMailIngested, ingestedMaxLen, event)
}

// publish adds the JSON payload under the "data" field.
func (p *RedisProducer) publish(ctx context.Context, stream string, maxLen int64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}
