// Package chunker splits extracted text into token-bounded partitions for
// embedding. Splitting prefers paragraph boundaries and degrades through
// sentences, clauses and words; consecutive partitions can share an overlap
// so context survives the cut.
package chunker
