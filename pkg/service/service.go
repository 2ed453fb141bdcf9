package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/blob"
	"github.com/cuemby/memoir/pkg/extract"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/memory"
	"github.com/cuemby/memoir/pkg/metrics"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/search"
	"github.com/cuemby/memoir/pkg/storage"
	"github.com/cuemby/memoir/pkg/types"
)

// maxWebPageBytes caps a downloaded page. Pages beyond this are rejected,
// not truncated.
const maxWebPageBytes = 32 << 20

// Memory is the caller-facing surface of the service: import content, ask
// questions, inspect ingestion status, delete.
type Memory interface {
	ImportDocument(ctx context.Context, upload types.DocumentUpload) (string, error)
	ImportText(ctx context.Context, index, text string, tags types.TagCollection) (string, error)
	ImportWebPage(ctx context.Context, index, pageURL string, tags types.TagCollection) (string, error)

	IsDocumentReady(ctx context.Context, index, documentID string) (bool, error)
	GetDocumentStatus(ctx context.Context, index, documentID string) (*DocumentStatus, error)
	CancelDocument(ctx context.Context, index, documentID string) error

	Ask(ctx context.Context, index, question string, opts search.Options) (*types.MemoryAnswer, error)
	Search(ctx context.Context, index, query string, opts search.Options) ([]types.SearchResult, error)

	DeleteDocument(ctx context.Context, index, documentID string) error
	DeleteIndex(ctx context.Context, index string) error
	ListIndexes(ctx context.Context) ([]types.IndexInfo, error)
}

// DocumentStatus is the caller-visible view of an ingestion pipeline
type DocumentStatus struct {
	Index          string              `json:"index"`
	DocumentID     string              `json:"document_id"`
	State          types.PipelineState `json:"state"`
	Completed      []string            `json:"completed_steps"`
	Remaining      []string            `json:"remaining_steps"`
	Cancelled      bool                `json:"cancelled,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	CreationTime   time.Time           `json:"creation_time"`
	LastUpdate     time.Time           `json:"last_update"`
}

// Memoir implements Memory on top of the pipeline orchestrator, the blob
// store and the search client.
type Memoir struct {
	store        storage.Store
	blobs        blob.Store
	orchestrator pipeline.Orchestrator
	searcher     *search.Client
	db           memory.Db
	httpClient   *http.Client
	log          zerolog.Logger
}

func New(store storage.Store, blobs blob.Store, orchestrator pipeline.Orchestrator, searcher *search.Client, db memory.Db, logger zerolog.Logger) *Memoir {
	return &Memoir{
		store:        store,
		blobs:        blobs,
		orchestrator: orchestrator,
		searcher:     searcher,
		db:           db,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		log:          log.WithComponent(logger, "service"),
	}
}

// ImportDocument validates the upload synchronously, stores its files and
// queues the ingestion pipeline. The returned document id identifies the
// document for status checks and deletion.
func (m *Memoir) ImportDocument(ctx context.Context, upload types.DocumentUpload) (string, error) {
	return m.importDocument(ctx, upload, "document")
}

func (m *Memoir) importDocument(ctx context.Context, upload types.DocumentUpload, source string) (string, error) {
	index, err := memory.NormalizeIndexName(upload.Index)
	if err != nil {
		return "", err
	}
	if len(upload.Files) == 0 {
		return "", fmt.Errorf("upload has no files")
	}
	if err := upload.Tags.Validate(); err != nil {
		return "", err
	}

	documentID := upload.DocumentID
	if documentID == "" {
		documentID = uuid.NewString()
	}

	steps := upload.Steps
	if len(steps) == 0 {
		steps = types.DefaultSteps()
	}

	var files []*types.FileDetails
	for _, f := range upload.Files {
		if f.Name == "" {
			return "", fmt.Errorf("upload file has no name")
		}
		if len(f.Content) == 0 {
			return "", fmt.Errorf("upload file %s is empty", f.Name)
		}
		mimeType := f.Mime
		if mimeType == "" {
			mimeType = extract.MimeForFileName(f.Name, "application/octet-stream")
		}
		if err := m.blobs.Write(ctx, index, documentID, f.Name, f.Content); err != nil {
			return "", fmt.Errorf("failed to store %s: %w", f.Name, err)
		}
		files = append(files, &types.FileDetails{
			ID:   uuid.NewString(),
			Name: f.Name,
			Size: int64(len(f.Content)),
			Mime: mimeType,
		})
	}

	now := time.Now().UTC()
	p := &types.Pipeline{
		Index:          index,
		DocumentID:     documentID,
		ExecutionID:    uuid.NewString(),
		Steps:          steps,
		RemainingSteps: append([]string(nil), steps...),
		Files:          files,
		Tags:           upload.Tags.Clone(),
		CreationTime:   now,
		LastUpdate:     now,
	}
	if err := m.orchestrator.RunPipeline(ctx, p); err != nil {
		return "", fmt.Errorf("failed to queue pipeline: %w", err)
	}

	metrics.DocumentsImportedTotal.WithLabelValues(source).Inc()
	m.log.Info().Str("index", index).Str("document_id", documentID).
		Int("files", len(files)).Msg("document imported")
	return documentID, nil
}

// ImportText stores a text snippet as a one-file document
func (m *Memoir) ImportText(ctx context.Context, index, text string, tags types.TagCollection) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text is empty")
	}
	return m.importDocument(ctx, types.DocumentUpload{
		Index: index,
		Files: []types.UploadFile{{
			Name:    "content.txt",
			Content: []byte(text),
			Mime:    "text/plain",
		}},
		Tags: tags,
	}, "text")
}

// ImportWebPage downloads a page and imports it as an HTML document. The
// extraction step strips boilerplate and converts the page to markdown.
func (m *Memoir) ImportWebPage(ctx context.Context, index, pageURL string, tags types.TagCollection) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid page url: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch page: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebPageBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}
	if len(body) > maxWebPageBytes {
		return "", fmt.Errorf("page exceeds %d bytes", maxWebPageBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "text/html"
	}

	return m.importDocument(ctx, types.DocumentUpload{
		Index: index,
		Files: []types.UploadFile{{
			Name:    webPageFileName(req.URL.Host, req.URL.Path),
			Content: body,
			Mime:    mimeType,
		}},
		Tags: tags,
	}, "webpage")
}

// IsDocumentReady reports whether every ingestion step completed. Unknown
// documents are simply not ready, and a completed deletion pipeline never
// counts as ready.
func (m *Memoir) IsDocumentReady(ctx context.Context, index, documentID string) (bool, error) {
	index, err := memory.NormalizeIndexName(index)
	if err != nil {
		return false, err
	}
	p, err := m.store.GetPipeline(ctx, index, documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Complete() && !isDeletionPipeline(p), nil
}

func isDeletionPipeline(p *types.Pipeline) bool {
	for _, s := range p.Steps {
		if s == types.StepDeleteDocument || s == types.StepDeleteIndex {
			return true
		}
	}
	return false
}

// GetDocumentStatus returns the pipeline view of one document.
// storage.ErrNotFound is returned for unknown documents.
func (m *Memoir) GetDocumentStatus(ctx context.Context, index, documentID string) (*DocumentStatus, error) {
	index, err := memory.NormalizeIndexName(index)
	if err != nil {
		return nil, err
	}
	p, err := m.store.GetPipeline(ctx, index, documentID)
	if err != nil {
		return nil, err
	}
	return &DocumentStatus{
		Index:         p.Index,
		DocumentID:    p.DocumentID,
		State:         p.State(),
		Completed:     append([]string(nil), p.CompletedSteps...),
		Remaining:     append([]string(nil), p.RemainingSteps...),
		Cancelled:     p.Cancelled,
		FailureReason: p.FailureReason,
		CreationTime:  p.CreationTime,
		LastUpdate:    p.LastUpdate,
	}, nil
}

// CancelDocument flags the document's pipeline so no further steps are
// scheduled. The step currently running completes or fails on its own; a
// completed pipeline is left untouched.
func (m *Memoir) CancelDocument(ctx context.Context, index, documentID string) error {
	index, err := memory.NormalizeIndexName(index)
	if err != nil {
		return err
	}
	for {
		p, err := m.store.GetPipeline(ctx, index, documentID)
		if err != nil {
			return err
		}
		if p.Complete() || p.Cancelled {
			return nil
		}
		p.Cancelled = true
		err = m.store.SavePipeline(ctx, p)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err == nil {
			m.log.Info().Str("index", index).Str("document_id", documentID).Msg("pipeline cancelled")
		}
		return err
	}
}

// Ask answers a question from the index's memories
func (m *Memoir) Ask(ctx context.Context, index, question string, opts search.Options) (*types.MemoryAnswer, error) {
	index, err := memory.NormalizeIndexName(index)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("question is empty")
	}
	return m.searcher.Ask(ctx, index, question, opts)
}

// Search returns the raw partitions most similar to the query
func (m *Memoir) Search(ctx context.Context, index, query string, opts search.Options) ([]types.SearchResult, error) {
	index, err := memory.NormalizeIndexName(index)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is empty")
	}
	return m.searcher.Search(ctx, index, query, opts)
}

// DeleteDocument queues a deletion pipeline for the document. The new
// manifest replaces any prior one for the same id, so stale step messages
// from an earlier ingestion are dropped by their execution id.
func (m *Memoir) DeleteDocument(ctx context.Context, index, documentID string) error {
	index, err := memory.NormalizeIndexName(index)
	if err != nil {
		return err
	}
	if documentID == "" {
		return fmt.Errorf("document id is empty")
	}

	now := time.Now().UTC()
	return m.orchestrator.RunPipeline(ctx, &types.Pipeline{
		Index:          index,
		DocumentID:     documentID,
		ExecutionID:    uuid.NewString(),
		Steps:          []string{types.StepDeleteDocument},
		RemainingSteps: []string{types.StepDeleteDocument},
		CreationTime:   now,
		LastUpdate:     now,
	})
}

// DeleteIndex queues a deletion pipeline for a whole index. Deleting the
// default index is a logged no-op.
func (m *Memoir) DeleteIndex(ctx context.Context, index string) error {
	index, err := memory.NormalizeIndexName(index)
	if err != nil {
		return err
	}
	if index == types.DefaultIndex {
		m.log.Warn().Msg("refusing to delete the default index")
		return nil
	}

	now := time.Now().UTC()
	return m.orchestrator.RunPipeline(ctx, &types.Pipeline{
		Index:          index,
		DocumentID:     uuid.NewString(),
		ExecutionID:    uuid.NewString(),
		Steps:          []string{types.StepDeleteIndex},
		RemainingSteps: []string{types.StepDeleteIndex},
		CreationTime:   now,
		LastUpdate:     now,
	})
}

// ListIndexes returns every known vector index
func (m *Memoir) ListIndexes(ctx context.Context) ([]types.IndexInfo, error) {
	names, err := m.db.ListIndexes(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]types.IndexInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, types.IndexInfo{Name: name})
	}
	return infos, nil
}

// webPageFileName derives a stable blob name from the page location
func webPageFileName(host, urlPath string) string {
	name := host + strings.ReplaceAll(urlPath, "/", "-")
	name = strings.Trim(name, "-")
	if ext := path.Ext(name); ext == ".html" || ext == ".htm" {
		return name
	}
	if name == "" {
		name = "page"
	}
	return name + ".html"
}
