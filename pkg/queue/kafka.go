package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/cuemby/memoir/pkg/config"
	"github.com/cuemby/memoir/pkg/metrics"
)

// KafkaProvider implements Provider on Kafka topics. Kafka has no native
// per-message retry counter or delayed redelivery, so messages travel inside
// an envelope: a failed delivery republishes the envelope with an
// incremented dequeue count and commits the original offset, which keeps the
// consumer group moving while preserving at-least-once semantics.
type KafkaProvider struct {
	brokers []string
	retry   config.RetryConfig
	log     zerolog.Logger
}

func NewKafkaProvider(brokers []string, retry config.RetryConfig, logger zerolog.Logger) *KafkaProvider {
	return &KafkaProvider{brokers: brokers, retry: retry, log: logger}
}

func (p *KafkaProvider) Connect(ctx context.Context, name string, dequeue bool) (Queue, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidatePoisonSuffix(p.retry.PoisonSuffix); err != nil {
		return nil, err
	}

	q := &kafkaQueue{
		name:   name,
		poison: name + p.retry.PoisonSuffix,
		retry:  p.retry,
		log:    p.log.With().Str("queue", name).Logger(),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(p.brokers...),
			Topic:                  name,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
		},
		poisonWriter: &kafka.Writer{
			Addr:                   kafka.TCP(p.brokers...),
			Topic:                  name + p.retry.PoisonSuffix,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
		},
	}
	if dequeue {
		q.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  p.brokers,
			Topic:    name,
			GroupID:  consumerGroup,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		})
	}
	return q, nil
}

type kafkaQueue struct {
	name   string
	poison string
	retry  config.RetryConfig
	log    zerolog.Logger

	writer       *kafka.Writer
	poisonWriter *kafka.Writer
	reader       *kafka.Reader
	handler      Handler
}

func (q *kafkaQueue) Enqueue(ctx context.Context, payload []byte) error {
	env := newEnvelope(payload)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(env.ID), Value: data}); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	metrics.MessagesEnqueuedTotal.WithLabelValues(q.name).Inc()
	return nil
}

func (q *kafkaQueue) OnMessage(h Handler) {
	q.handler = h
}

func (q *kafkaQueue) Start(ctx context.Context) error {
	if q.reader == nil {
		return nil
	}
	if q.handler == nil {
		return fmt.Errorf("queue %s: no handler registered", q.name)
	}

	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error().Err(err).Msg("failed to fetch message")
			continue
		}
		q.process(ctx, msg)
	}
}

func (q *kafkaQueue) Close() error {
	if q.reader != nil {
		_ = q.reader.Close()
	}
	_ = q.poisonWriter.Close()
	return q.writer.Close()
}

func (q *kafkaQueue) process(ctx context.Context, msg kafka.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		q.log.Error().Err(err).Msg("unparseable message, moving to poison topic")
		q.writePoison(ctx, msg.Key, msg.Value)
		q.commit(ctx, msg)
		return
	}

	ttl := time.Duration(q.retry.MessageTTLSecs) * time.Second
	if ttl > 0 && time.Since(env.Created) > ttl {
		q.log.Warn().Str("message_id", env.ID).Msg("message expired, dropping")
		q.commit(ctx, msg)
		return
	}
	if delay := time.Until(env.NotBefore); delay > 0 {
		// Kafka cannot park a message; honor the back-off in place. The
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
			q.writePoison(ctx, msg.Key, mustMarshal(env))
			q.commit(ctx, msg)
			return
		}
		// Republish with the incremented count, then commit the original so
		// the group offset advances.
		env = nackEnvelope(env, time.Duration(q.retry.FetchLockSecs)*time.Second)
		if err := q.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: mustMarshal(env)}); err != nil {
			q.log.Error().Err(err).Str("message_id", env.ID).Msg("failed to republish, leaving uncommitted")
			return
		}
		q.commit(ctx, msg)
		return
	}
	q.commit(ctx, msg)
}

func (q *kafkaQueue) writePoison(ctx context.Context, key, value []byte) {
	if err := q.poisonWriter.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		q.log.Error().Err(err).Msg("failed to write poison message")
		return
	}
	metrics.MessagesPoisonedTotal.WithLabelValues(q.name).Inc()
}

func (q *kafkaQueue) commit(ctx context.Context, msg kafka.Message) {
	if err := q.reader.CommitMessages(ctx, msg); err != nil {
		q.log.Error().Err(err).Msg("failed to commit offset")
	}
}
