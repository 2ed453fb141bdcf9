// Package handlers holds the built-in pipeline steps: text extraction,
// partitioning, summarization, embedding generation, embedding persistence
// and the two deletion steps. Every handler is idempotent over the manifest
// it receives, so a redelivered step message replays as a no-op.
package handlers
