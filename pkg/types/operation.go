package types

import (
	"fmt"
	"strings"
	"time"
)

// Write-engine step names. An operation's planned steps are built from these
// plus the configured ids of the secondary indexes it must fan out to.
const (
	OpStepUpsert = "upsert"
	OpStepDelete = "delete"

	opStepIndexPrefix = "index" + TagSeparator
	opStepDeleteSufix = TagSeparator + "delete"
)

// IndexStep builds the fan-out step name for a secondary index
func IndexStep(indexID string) string {
	return opStepIndexPrefix + indexID
}

// IndexDeleteStep builds the fan-out removal step name for a secondary index
func IndexDeleteStep(indexID string) string {
	return opStepIndexPrefix + indexID + opStepDeleteSufix
}

// ParseIndexStep splits an "index:<id>" or "index:<id>:delete" step into the
// index id and whether it is a removal. ok is false for primary-store steps.
func ParseIndexStep(step string) (indexID string, remove bool, ok bool) {
	if !strings.HasPrefix(step, opStepIndexPrefix) {
		return "", false, false
	}
	rest := strings.TrimPrefix(step, opStepIndexPrefix)
	if strings.HasSuffix(rest, opStepDeleteSufix) {
		return strings.TrimSuffix(rest, opStepDeleteSufix), true, true
	}
	return rest, false, true
}

// Operation is a durable write intent against a ContentRecord. Operations
// for the same content id execute in Timestamp order; a non-nil
// LastAttemptAt is the execution lock.
type Operation struct {
	ID             string     `json:"id"`
	ContentID      string     `json:"content_id"`
	Timestamp      time.Time  `json:"timestamp"`
	PlannedSteps   []string   `json:"planned_steps"`
	CompletedSteps []string   `json:"completed_steps"`
	RemainingSteps []string   `json:"remaining_steps"`
	Payload        []byte     `json:"payload,omitempty"`
	Cancelled      bool       `json:"cancelled"`
	Complete       bool       `json:"complete"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastFailure    string     `json:"last_failure,omitempty"`
}

// IsUpsert reports whether the operation plans an upsert of the content row.
// Only upsert operations may be superseded; deletes always drain.
func (o *Operation) IsUpsert() bool {
	for _, s := range o.PlannedSteps {
		if s == OpStepUpsert {
			return true
		}
	}
	return false
}

// Locked reports whether a worker has claimed the operation
func (o *Operation) Locked() bool {
	return o.LastAttemptAt != nil
}

// MoveToCompleted moves the head remaining step to completed
func (o *Operation) MoveToCompleted(step string) error {
	if len(o.RemainingSteps) == 0 || o.RemainingSteps[0] != step {
		return fmt.Errorf("step %q is not next in operation %s", step, o.ID)
	}
	o.RemainingSteps = o.RemainingSteps[1:]
	o.CompletedSteps = append(o.CompletedSteps, step)
	return nil
}

// ContentRecord is the primary row for a piece of externally visible
// content. Ready is false while an operation holds the row's lock; readers
// may observe stale-but-consistent content in that window.
type ContentRecord struct {
	ID          string            `json:"id"`
	Content     []byte            `json:"content,omitempty"`
	Mime        string            `json:"mime,omitempty"`
	ByteSize    int64             `json:"byte_size"`
	Ready       bool              `json:"ready"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        TagCollection     `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
