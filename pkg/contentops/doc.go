/*
Package contentops is the write-ahead engine behind every content mutation
that must keep the primary content store and its secondary indexes
consistent across crashes and concurrent writers.

A mutation is recorded as a durable Operation before anything executes
(phase one). A newer upsert then cancels older pending upserts of the same
content id, best effort (phase two); deletes are never cancelled and always
drain. Execution claims the oldest pending operation per content id with a
compare-and-swap on its attempt timestamp, flips the content row to
not-ready in the same transaction, runs the planned steps in order with a
checkpoint after each, then finalizes completion and readiness atomically.

A step that fails permanently, such as a fan-out to an index id that is no
longer configured, leaves the operation locked with the failure recorded
and the content not-ready: a quiescent, diagnosable state rather than a
torn write. The Janitor re-drains content ids whose pending operations were
never claimed; it never steals a lock.
*/
package contentops
