// Package builder wires a complete Memoir node from configuration: the
// durable store, blob storage, the vector index, AI providers, the write
// engine, pipeline handlers and the orchestrator.
package builder
