package types

import (
	"fmt"
	"time"
)

// Canonical pipeline step names. Step names are part of the wire contract:
// queue names and manifest step lists are built from them.
const (
	StepExtract        = "extract"
	StepPartition      = "partition"
	StepSummarize      = "summarize"
	StepGenEmbeddings  = "gen_embeddings"
	StepSaveEmbeddings = "save_embeddings"
	StepDeleteDocument = "delete_document"
	StepDeleteIndex    = "delete_index"
)

// DefaultSteps is the step list applied when an upload does not name its own.
func DefaultSteps() []string {
	return []string{StepExtract, StepPartition, StepGenEmbeddings, StepSaveEmbeddings}
}

// DefaultIndex is the reserved index name used when the caller passes "".
// It cannot be deleted.
const DefaultIndex = "default"

// ArtifactType classifies a file tracked by a pipeline manifest
type ArtifactType string

const (
	ArtifactUndefined           ArtifactType = "undefined"
	ArtifactText                ArtifactType = "text"
	ArtifactTextPartition       ArtifactType = "text_partition"
	ArtifactTextEmbeddingVector ArtifactType = "text_embedding_vector"
	ArtifactSyntheticData       ArtifactType = "synthetic_data"
)

// PipelineState represents the lifecycle of a pipeline
type PipelineState string

const (
	PipelineStateQueued     PipelineState = "queued"
	PipelineStateProcessing PipelineState = "processing"
	PipelineStateCompleted  PipelineState = "completed"
	PipelineStatePoisoned   PipelineState = "poisoned"
)

// UploadFile is a single file in a document submission
type UploadFile struct {
	Name    string
	Content []byte
	Mime    string
}

// DocumentUpload is a caller-visible document submission
type DocumentUpload struct {
	Index      string
	DocumentID string
	Files      []UploadFile
	Tags       TagCollection
	Steps      []string
}

// FileDetails describes a file owned by a pipeline, either uploaded by the
// caller or generated by a handler.
type FileDetails struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Size           int64                   `json:"size"`
	Mime           string                  `json:"mime"`
	ArtifactType   ArtifactType            `json:"artifact_type"`
	ParentID       string                  `json:"parent_id,omitempty"`
	PartitionN     int                     `json:"partition_n,omitempty"`
	SectionN       int                     `json:"section_n,omitempty"`
	Tags           TagCollection           `json:"tags,omitempty"`
	GeneratedFiles map[string]*FileDetails `json:"generated_files,omitempty"`
	ProcessedBy    []string                `json:"processed_by,omitempty"`
}

// MarkProcessedBy records that a handler consumed this file. Handlers use it
// to make re-execution after a crash a no-op.
func (f *FileDetails) MarkProcessedBy(step string) {
	for _, s := range f.ProcessedBy {
		if s == step {
			return
		}
	}
	f.ProcessedBy = append(f.ProcessedBy, step)
}

// WasProcessedBy reports whether a handler already consumed this file
func (f *FileDetails) WasProcessedBy(step string) bool {
	for _, s := range f.ProcessedBy {
		if s == step {
			return true
		}
	}
	return false
}

// AddGeneratedFile appends a derived artifact with a back-reference to the
// parent. Generated files never replace their parent so partial failures can
// replay without losing upstream work.
func (f *FileDetails) AddGeneratedFile(gf *FileDetails) {
	if f.GeneratedFiles == nil {
		f.GeneratedFiles = make(map[string]*FileDetails)
	}
	gf.ParentID = f.ID
	f.GeneratedFiles[gf.Name] = gf
}

// Pipeline is the durable per-document ingestion manifest. It is the single
// source of truth between steps: handlers mutate a copy, the orchestrator
// persists it, then the next step is scheduled.
type Pipeline struct {
	Index          string         `json:"index"`
	DocumentID     string         `json:"document_id"`
	ExecutionID    string         `json:"execution_id"`
	Steps          []string       `json:"steps"`
	RemainingSteps []string       `json:"remaining_steps"`
	CompletedSteps []string       `json:"completed_steps"`
	Files          []*FileDetails `json:"files"`
	Tags           TagCollection  `json:"tags,omitempty"`
	CreationTime   time.Time      `json:"creation_time"`
	LastUpdate     time.Time      `json:"last_update"`
	Cancelled      bool           `json:"cancelled,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
}

// State derives the lifecycle state from the manifest
func (p *Pipeline) State() PipelineState {
	switch {
	case p.FailureReason != "":
		return PipelineStatePoisoned
	case len(p.RemainingSteps) == 0:
		return PipelineStateCompleted
	case len(p.CompletedSteps) > 0:
		return PipelineStateProcessing
	default:
		return PipelineStateQueued
	}
}

// Complete reports whether every planned step has run
func (p *Pipeline) Complete() bool {
	return len(p.RemainingSteps) == 0 && p.FailureReason == ""
}

// NextStep returns the head of the remaining list, or "" when done
func (p *Pipeline) NextStep() string {
	if len(p.RemainingSteps) == 0 {
		return ""
	}
	return p.RemainingSteps[0]
}

// MoveToCompleted moves the given step from the head of remaining to the
// tail of completed. The step must be the head: steps are strictly ordered.
func (p *Pipeline) MoveToCompleted(step string) error {
	if len(p.RemainingSteps) == 0 || p.RemainingSteps[0] != step {
		return fmt.Errorf("step %q is not next in pipeline %s/%s", step, p.Index, p.DocumentID)
	}
	p.RemainingSteps = p.RemainingSteps[1:]
	p.CompletedSteps = append(p.CompletedSteps, step)
	return nil
}

// Validate checks the manifest checkpoint invariant:
// planned = completed followed by remaining, with no overlap.
func (p *Pipeline) Validate() error {
	if len(p.CompletedSteps)+len(p.RemainingSteps) != len(p.Steps) {
		return fmt.Errorf("pipeline %s/%s: %d completed + %d remaining != %d planned",
			p.Index, p.DocumentID, len(p.CompletedSteps), len(p.RemainingSteps), len(p.Steps))
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.CompletedSteps {
		if seen[s] {
			return fmt.Errorf("pipeline %s/%s: duplicate step %q", p.Index, p.DocumentID, s)
		}
		seen[s] = true
	}
	for _, s := range p.RemainingSteps {
		if seen[s] {
			return fmt.Errorf("pipeline %s/%s: step %q both completed and remaining", p.Index, p.DocumentID, s)
		}
		seen[s] = true
	}
	for _, s := range p.Steps {
		if !seen[s] {
			return fmt.Errorf("pipeline %s/%s: planned step %q neither completed nor remaining", p.Index, p.DocumentID, s)
		}
	}
	return nil
}

// GetFile returns the file with the given id, searching generated files too
func (p *Pipeline) GetFile(id string) *FileDetails {
	for _, f := range p.Files {
		if f.ID == id {
			return f
		}
		for _, gf := range f.GeneratedFiles {
			if gf.ID == id {
				return gf
			}
		}
	}
	return nil
}

// StepMessage is the queue payload driving one step of a distributed pipeline
type StepMessage struct {
	Index       string `json:"index"`
	DocumentID  string `json:"document_id"`
	Step        string `json:"step"`
	ExecutionID string `json:"execution_id"`
}

// MemoryRecord is a single vector-indexed row
type MemoryRecord struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Tags    TagCollection  `json:"tags,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Well-known payload keys on memory records
const (
	PayloadFileName   = "file"
	PayloadText       = "text"
	PayloadSection    = "section"
	PayloadLastUpdate = "last_update"
	PayloadModel      = "model"
	PayloadSynthetic  = "synth"
)

// System tag keys stamped onto every record during ingestion
const (
	TagDocumentID = "__document_id"
	TagFileID     = "__file_id"
	TagFilePart   = "__file_part"
	TagSynthetic  = "__synth"
)

// Citation is one source backing an answer
type Citation struct {
	DocumentID string  `json:"document_id"`
	FileName   string  `json:"file_name"`
	Text       string  `json:"text"`
	Relevance  float64 `json:"relevance"`
}

// MemoryAnswer is the result of asking a question
type MemoryAnswer struct {
	Question        string     `json:"question"`
	Answer          string     `json:"answer"`
	NoResult        bool       `json:"no_result"`
	RelevantSources []Citation `json:"relevant_sources,omitempty"`
}

// SearchResult is one raw partition returned by a search query
type SearchResult struct {
	Record    *MemoryRecord `json:"record"`
	Relevance float64       `json:"relevance"`
}

// IndexInfo describes a named vector index
type IndexInfo struct {
	Name  string `json:"name"`
	Count int64  `json:"count,omitempty"`
}
