/*
Package ai wraps the model providers behind two small interfaces: Embedder
turns text into vectors for the memory indexes, Generator produces answers
from prompts. OpenAI serves both roles; Anthropic generates only, since the
API has no embeddings endpoint.

Generation is streamed over a channel so callers can forward partial answers
as they arrive. Token counting is a character-based estimate used only for
budgeting prompts and partitions, never for billing.
*/
package ai
