// Package service is the caller-facing facade: document import, ingestion
// status, question answering and deletion. Validation is synchronous; all
// content processing happens asynchronously in the pipeline.
package service
