/*
Package queue provides the at-least-once message queues used by distributed
pipeline orchestration. A Provider connects named queues on one of three
backends:

  - FileProvider: message files in a local directory, claimed by atomic
    rename. For single-node deployments.
  - RedisProvider: Redis Streams with a consumer group. The pending-entries
    list provides the visibility lock for crashed consumers.
  - KafkaProvider: Kafka topics.

Messages travel inside a shared envelope carrying the dequeue count and the
redelivery back-off, since no backend tracks both natively.

All backends share the same contract: Enqueue returns only after the message
is durable, a handler error nacks with a growing back-off, and a message
that fails more than the configured retry limit moves to a companion poison
queue named <queue><suffix> instead of being dropped.

Queue names are normalized (lowercase, separators to hyphens) so the same
logical name is valid on every backend.
*/
package queue
