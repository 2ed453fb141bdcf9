package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrPoison routes a message straight to the poison queue. Handlers return
// it (wrapped or bare) for failures where redelivery cannot succeed.
var ErrPoison = errors.New("poison message")

// Handler processes one message. A nil return acks the message; an error
// nacks it with a delay of dequeue_count seconds. Delivery is
// at-least-once: handlers must tolerate duplicates.
type Handler func(ctx context.Context, payload []byte) error

// Queue is a single named message queue with at-least-once delivery, a
// per-message visibility lock, and a companion poison queue for messages
// that exceed the retry threshold.
type Queue interface {
	// Enqueue returns only after the backend acknowledges durability
	Enqueue(ctx context.Context, payload []byte) error

	// OnMessage registers the single message handler. Must be called
	// before Start.
	OnMessage(h Handler)

	// Start begins dispatching messages to the handler until ctx is
	// cancelled. No-op for queues connected with dequeue disabled.
	Start(ctx context.Context) error

	// Close releases backend resources
	Close() error
}

// Provider creates queues on a backend. Connecting is idempotent: the queue
// and its poison companion are created when missing.
type Provider interface {
	Connect(ctx context.Context, name string, dequeue bool) (Queue, error)
}

// Reserved broker prefixes a poison suffix must not collide with
var reservedPrefixes = []string{"amq.", "__"}

// maxQueueNameLen bounds normalized queue names
const maxQueueNameLen = 63

// maxPoisonSuffixBytes bounds the poison suffix in UTF-8 bytes
const maxPoisonSuffixBytes = 60

// NormalizeName lowercases a queue name and replaces underscores, dots and
// spaces with hyphens, matching the strictest backend's charset.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	replacer := strings.NewReplacer("_", "-", ".", "-", " ", "-")
	return replacer.Replace(name)
}

// ValidateName checks a normalized queue name against the shared contract:
// lowercase letters, digits and hyphens, at most 63 characters.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("queue name is empty")
	}
	if len(name) > maxQueueNameLen {
		return fmt.Errorf("queue name %q exceeds %d chars", name, maxQueueNameLen)
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("queue name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// ValidatePoisonSuffix checks the configured poison queue suffix
func ValidatePoisonSuffix(suffix string) error {
	if suffix == "" {
		return fmt.Errorf("poison suffix is empty")
	}
	if len(suffix) > maxPoisonSuffixBytes {
		return fmt.Errorf("poison suffix exceeds %d bytes", maxPoisonSuffixBytes)
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(suffix, p) {
			return fmt.Errorf("poison suffix %q starts with reserved prefix %q", suffix, p)
		}
	}
	return nil
}

// envelope wraps a payload with delivery bookkeeping shared by all
// backends: the dequeue count and the redelivery back-off survive requeues.
type envelope struct {
	ID           string    `json:"id"`
	Payload      []byte    `json:"payload"`
	DequeueCount int       `json:"dequeue_count"`
	NotBefore    time.Time `json:"not_before,omitempty"`
	Created      time.Time `json:"created"`
}

func newEnvelope(payload []byte) envelope {
	return envelope{
		ID:      uuid.NewString(),
		Payload: payload,
		Created: time.Now().UTC(),
	}
}

// nackDelay is the redelivery back-off: dequeue_count seconds, capped at
// half the visibility lock so a retry always lands inside the lock window.
func nackDelay(dequeueCount int, fetchLock time.Duration) time.Duration {
	d := time.Duration(dequeueCount) * time.Second
	if max := fetchLock / 2; d > max {
		d = max
	}
	return d
}

// nackEnvelope stamps the envelope for redelivery after a failed attempt
func nackEnvelope(env envelope, fetchLock time.Duration) envelope {
	env.NotBefore = time.Now().Add(nackDelay(env.DequeueCount, fetchLock))
	return env
}
