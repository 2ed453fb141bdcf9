/*
Package storage provides durable state for Memoir: pipeline manifests with
their per-document leases, content records, and the write-engine operation
queue.

Two implementations exist behind the Store interface:

  - BoltStore: single-node embedded storage on BoltDB. Records are JSON
    values in named buckets. Operations are keyed by
    (content_id, timestamp, id) so a prefix cursor scan yields them in
    execution order.
  - PostgresStore: shared storage on Postgres via pgx, for distributed
    deployments. Operations map to columns so the execution-lock claim is a
    single UPDATE ... WHERE last_attempt_at IS NULL.

Concurrency contracts enforced here:

  - SavePipeline is a compare-and-swap on (last_update, execution_id);
    losers receive ErrConflict and are expected to redeliver.
  - AcquireLease grants the per-document advisory lock to at most one live
    owner; expired leases are stolen.
  - ClaimOperation transitions last_attempt_at from null to a timestamp and
    flips the content row to not-ready in the same transaction. This CAS is
    the write engine's only execution gate.
  - FinalizeOperation marks the operation complete and the content ready in
    one transaction, so a crash between step execution and finalization
    leaves the operation locked and the content not-ready, never
    half-finalized.
*/
package storage
