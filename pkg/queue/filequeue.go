package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/config"
	"github.com/cuemby/memoir/pkg/metrics"
)

const (
	msgExt  = ".msg"
	lockExt = ".lock"
)

// FileProvider implements Provider on a local directory. Intended for
// single-node and development deployments; the claim primitive is an atomic
// file rename.
type FileProvider struct {
	dir   string
	retry config.RetryConfig
	log   zerolog.Logger
}

// NewFileProvider creates a file-backed queue provider rooted at dir
func NewFileProvider(dir string, retry config.RetryConfig, logger zerolog.Logger) *FileProvider {
	return &FileProvider{dir: dir, retry: retry, log: logger}
}

// Connect creates the queue directory and its poison companion
func (p *FileProvider) Connect(ctx context.Context, name string, dequeue bool) (Queue, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidatePoisonSuffix(p.retry.PoisonSuffix); err != nil {
		return nil, err
	}

	qdir := filepath.Join(p.dir, name)
	pdir := filepath.Join(p.dir, name+p.retry.PoisonSuffix)
	for _, d := range []string{qdir, pdir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	return &fileQueue{
		name:    name,
		dir:     qdir,
		poison:  pdir,
		dequeue: dequeue,
		retry:   p.retry,
		log:     p.log.With().Str("queue", name).Logger(),
	}, nil
}

type fileQueue struct {
	name    string
	dir     string
	poison  string
	dequeue bool
	retry   config.RetryConfig
	log     zerolog.Logger

	handler  Handler
	inflight sync.WaitGroup
	sem      chan struct{}
}

// Enqueue durably writes the message file before returning
func (q *fileQueue) Enqueue(ctx context.Context, payload []byte) error {
	env := newEnvelope(payload)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), env.ID, msgExt)
	tmp := filepath.Join(q.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.dir, name)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.MessagesEnqueuedTotal.WithLabelValues(q.name).Inc()
	return nil
}

func (q *fileQueue) OnMessage(h Handler) {
	q.handler = h
}

// Start polls the queue directory until ctx is cancelled
func (q *fileQueue) Start(ctx context.Context) error {
	if !q.dequeue {
		return nil
	}
	if q.handler == nil {
		return fmt.Errorf("queue %s: no handler registered", q.name)
	}

	batch := q.retry.FetchBatchSize
	if batch <= 0 {
		batch = 3
	}
	q.sem = make(chan struct{}, batch)

	poll := time.Duration(q.retry.PollDelayMsecs) * time.Millisecond
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.inflight.Wait()
			return ctx.Err()
		case <-ticker.C:
			q.recoverExpiredLocks()
			q.dispatchReady(ctx)
		}
	}
}

func (q *fileQueue) Close() error {
	q.inflight.Wait()
	return nil
}

// dispatchReady claims and processes ready messages up to the in-flight cap
func (q *fileQueue) dispatchReady(ctx context.Context) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		q.log.Error().Err(err).Msg("failed to list queue directory")
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), msgExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		select {
		case q.sem <- struct{}{}:
		default:
			return // in-flight cap reached
		}

		msgPath := filepath.Join(q.dir, name)
		lockPath := msgPath + lockExt

		// Atomic claim: the rename succeeds for exactly one worker
		if err := os.Rename(msgPath, lockPath); err != nil {
			<-q.sem
			continue
		}

		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			defer func() { <-q.sem }()
			q.process(ctx, lockPath)
		}()
	}
}

func (q *fileQueue) process(ctx context.Context, lockPath string) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		q.log.Error().Err(err).Msg("failed to read claimed message")
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Unparseable message: poison immediately
		q.log.Error().Err(err).Msg("unparseable message, moving to poison queue")
		q.moveToPoison(lockPath, data)
		return
	}

	ttl := time.Duration(q.retry.MessageTTLSecs) * time.Second
	if ttl > 0 && time.Since(env.Created) > ttl {
		q.log.Warn().Str("message_id", env.ID).Msg("message expired, dropping")
		_ = os.Remove(lockPath)
		return
	}
	if time.Now().Before(env.NotBefore) {
		q.release(lockPath, env) // back-off not elapsed yet
		return
	}

	env.DequeueCount++
	if err := q.handler(ctx, env.Payload); err != nil {
		q.log.Warn().Err(err).Str("message_id", env.ID).Int("dequeue_count", env.DequeueCount).
			Msg("handler failed")
		if errors.Is(err, ErrPoison) || env.DequeueCount > q.retry.MaxRetriesBeforePoison {
			q.moveToPoison(lockPath, mustMarshal(env))
			return
		}
		q.release(lockPath, nackEnvelope(env, time.Duration(q.retry.FetchLockSecs)*time.Second))
		return
	}

	// Ack
	_ = os.Remove(lockPath)
}

// release writes the envelope back as a ready message
func (q *fileQueue) release(lockPath string, env envelope) {
	msgPath := strings.TrimSuffix(lockPath, lockExt)
	if err := os.WriteFile(msgPath, mustMarshal(env), 0644); err != nil {
		q.log.Error().Err(err).Msg("failed to release message")
		return
	}
	_ = os.Remove(lockPath)
}

func (q *fileQueue) moveToPoison(lockPath string, data []byte) {
	dst := filepath.Join(q.poison, filepath.Base(strings.TrimSuffix(lockPath, lockExt)))
	if err := os.WriteFile(dst, data, 0644); err != nil {
		q.log.Error().Err(err).Msg("failed to write poison message")
		return
	}
	_ = os.Remove(lockPath)
	metrics.MessagesPoisonedTotal.WithLabelValues(q.name).Inc()
}

// recoverExpiredLocks returns messages whose worker died mid-processing to
// the ready state once the visibility lock expires.
func (q *fileQueue) recoverExpiredLocks() {
	lockTTL := time.Duration(q.retry.FetchLockSecs) * time.Second
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), lockExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < lockTTL {
			continue
		}
		lockPath := filepath.Join(q.dir, e.Name())
		msgPath := strings.TrimSuffix(lockPath, lockExt)
		if err := os.Rename(lockPath, msgPath); err == nil {
			q.log.Warn().Str("message", filepath.Base(msgPath)).Msg("recovered expired visibility lock")
		}
	}
}

func mustMarshal(env envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// envelope contains only marshalable fields
		panic(err)
	}
	return data
}
