package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"govwatch/internal/domain"
)

// DeadLetterSink receives jobs that exhausted their attempts.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, job domain.NotificationJob) error
}

// RedisStream appends dead letters to a redis stream for external consumers.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) DeadLetter(ctx context.Context, job domain.NotificationJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	fields := map[string]any{
		"job_id":      job.ID,
		"channel":     job.Channel,
		"dedup_key":   job.DedupKey,
		"protocol":    job.Protocol,
		"proposal_id": job.ProposalID,
		"attempts":    job.Attempts,
		"last_error":  job.LastError,
		"job":         string(b),
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
