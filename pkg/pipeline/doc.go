/*
Package pipeline orchestrates document ingestion: an ordered list of handler
steps runs against a durable manifest, checkpointed after every step so work
survives restarts.

Two orchestrators share the Handler and Registry contracts. The in-process
one executes steps synchronously with bounded retries, for single-node
deployments where the caller can block. The distributed one enqueues one
message per step on a per-step queue; any worker subscribed to that step can
execute it. Stale messages (old execution id, step already done) ack and
drop, the manifest checkpoint CAS and the per-document lease keep
at-most-one worker on a document, and handler failures are categorized:
transient failures redeliver with back-off, permanent ones record a failure
reason and poison the message.
*/
package pipeline
