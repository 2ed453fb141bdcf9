/*
Package types defines the core data structures shared by all Memoir
components.

The main entities are:

  - DocumentUpload: a caller-visible submission of one or more files
  - Pipeline: the durable per-document ingestion manifest; its step lists
    (planned, completed, remaining) drive the orchestrator and must satisfy
    planned = completed + remaining at every persisted checkpoint
  - MemoryRecord: a single vector-indexed row (id, embedding, tags, payload)
  - Operation / ContentRecord: the write engine's queued write intent and
    the primary content row it mutates
  - TagCollection / MemoryFilter: the multimap tag model and the AND/OR
    filter semantics used at query time

Types here are plain data; behavior beyond invariant checks and small
helpers lives in the packages that own each subsystem.
*/
package types
