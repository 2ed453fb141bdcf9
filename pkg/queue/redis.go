package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/config"
	"github.com/cuemby/memoir/pkg/metrics"
)

const (
	consumerGroup = "memoir"
	payloadField  = "payload"
)

// RedisProvider implements Provider on Redis Streams. Messages travel inside
// the shared envelope so the dequeue count and redelivery back-off survive
// requeues: a failed delivery re-adds the envelope with an incremented count
// and a not-before timestamp, then acks the original entry. The
// pending-entries list still provides the visibility lock; entries claimed
// by a crashed consumer are reclaimed once idle past the fetch lock.
type RedisProvider struct {
	client   *redis.Client
	consumer string
	retry    config.RetryConfig
	log      zerolog.Logger
}

// NewRedisProvider connects to Redis at addr. consumer names this process
// within the consumer group and must be stable for the process lifetime.
func NewRedisProvider(addr, consumer string, retry config.RetryConfig, logger zerolog.Logger) *RedisProvider {
	return &RedisProvider{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		consumer: consumer,
		retry:    retry,
		log:      logger,
	}
}

func (p *RedisProvider) Connect(ctx context.Context, name string, dequeue bool) (Queue, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidatePoisonSuffix(p.retry.PoisonSuffix); err != nil {
		return nil, err
	}

	q := &redisQueue{
		client:   p.client,
		name:     name,
		poison:   name + p.retry.PoisonSuffix,
		consumer: p.consumer,
		dequeue:  dequeue,
		retry:    p.retry,
		log:      p.log.With().Str("queue", name).Logger(),
	}
	if dequeue {
		// Create the stream and group if missing. BUSYGROUP means another
		// worker got there first.
		err := p.client.XGroupCreateMkStream(ctx, name, consumerGroup, "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return nil, fmt.Errorf("failed to create consumer group: %w", err)
		}
	}
	return q, nil
}

type redisQueue struct {
	client   *redis.Client
	name     string
	poison   string
	consumer string
	dequeue  bool
	retry    config.RetryConfig
	log      zerolog.Logger

	handler Handler
}

func (q *redisQueue) Enqueue(ctx context.Context, payload []byte) error {
	env := newEnvelope(payload)
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.name,
		Values: map[string]any{payloadField: mustMarshal(env)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	metrics.MessagesEnqueuedTotal.WithLabelValues(q.name).Inc()
	return nil
}

func (q *redisQueue) OnMessage(h Handler) {
	q.handler = h
}

func (q *redisQueue) Start(ctx context.Context) error {
	if !q.dequeue {
		return nil
	}
	if q.handler == nil {
		return fmt.Errorf("queue %s: no handler registered", q.name)
	}

	poll := time.Duration(q.retry.PollDelayMsecs) * time.Millisecond
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.reclaimStale(ctx)
			q.readNew(ctx)
		}
	}
}

func (q *redisQueue) Close() error {
	return nil
}

// readNew fetches never-delivered entries for this consumer
func (q *redisQueue) readNew(ctx context.Context) {
	batch := int64(q.retry.FetchBatchSize)
	if batch <= 0 {
		batch = 3
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.consumer,
		Streams:  []string{q.name, ">"},
		Count:    batch,
		Block:    -1, // non-blocking; the poll ticker paces us
	}).Result()
	if err != nil && err != redis.Nil {
		q.log.Error().Err(err).Msg("failed to read stream")
		return
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			q.process(ctx, msg)
		}
	}
}

// reclaimStale takes over pending entries idle past the fetch lock, so work
// claimed by a consumer that died mid-processing is redelivered.
func (q *redisQueue) reclaimStale(ctx context.Context) {
	lock := time.Duration(q.retry.FetchLockSecs) * time.Second
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.name,
		Group:  consumerGroup,
		Idle:   lock,
		Start:  "-",
		End:    "+",
		Count:  int64(q.retry.FetchBatchSize),
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.name,
		Group:    consumerGroup,
		Consumer: q.consumer,
		MinIdle:  lock,
		Messages: ids,
	}).Result()
	if err != nil {
		q.log.Error().Err(err).Msg("failed to claim stale entries")
		return
	}
	for _, msg := range claimed {
		q.process(ctx, msg)
	}
}

func (q *redisQueue) process(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[payloadField].(string)
	var env envelope
	if !ok || json.Unmarshal([]byte(raw), &env) != nil {
		q.log.Error().Str("entry_id", msg.ID).Msg("malformed stream entry, poisoning")
		q.moveToPoison(ctx, msg.ID, msg.Values)
		return
	}

	ttl := time.Duration(q.retry.MessageTTLSecs) * time.Second
	if ttl > 0 && time.Since(env.Created) > ttl {
		q.log.Warn().Str("message_id", env.ID).Msg("message expired, dropping")
		q.client.XAck(ctx, q.name, consumerGroup, msg.ID)
		return
	}
	if delay := time.Until(env.NotBefore); delay > 0 {
		// Streams cannot park an entry; honor the back-off in place. The
		// delay is bounded by half the fetch lock.
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	env.DequeueCount++
	if err := q.handler(ctx, env.Payload); err != nil {
		q.log.Warn().Err(err).Str("message_id", env.ID).Int("dequeue_count", env.DequeueCount).
			Msg("handler failed")
		if errors.Is(err, ErrPoison) || env.DequeueCount > q.retry.MaxRetriesBeforePoison {
			q.moveToPoison(ctx, msg.ID, map[string]any{payloadField: mustMarshal(env)})
			return
		}
		q.requeue(ctx, msg.ID, nackEnvelope(env, time.Duration(q.retry.FetchLockSecs)*time.Second))
		return
	}
	q.client.XAck(ctx, q.name, consumerGroup, msg.ID)
}

// requeue re-adds the envelope as a fresh entry and acks the original, so
// the nack delay applies instead of the full visibility lock.
func (q *redisQueue) requeue(ctx context.Context, id string, env envelope) {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.name,
		Values: map[string]any{payloadField: mustMarshal(env)},
	}).Err()
	if err != nil {
		// Leave the entry pending; reclaimStale redelivers after the lock
		q.log.Error().Err(err).Str("message_id", env.ID).Msg("failed to requeue, leaving pending")
		return
	}
	q.client.XAck(ctx, q.name, consumerGroup, id)
}

func (q *redisQueue) moveToPoison(ctx context.Context, id string, values map[string]any) {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.poison,
		Values: values,
	}).Err()
	if err != nil {
		q.log.Error().Err(err).Str("entry_id", id).Msg("failed to write poison entry")
		return
	}
	q.client.XAck(ctx, q.name, consumerGroup, id)
	metrics.MessagesPoisonedTotal.WithLabelValues(q.name).Inc()
}
