// Package search is the retrieval-augmented answer path: embed the
// question, fetch the most similar memory partitions, pack them into a
// token-budgeted facts block, and generate a grounded answer with
// citations. Questions nothing in memory can answer return the NotFound
// sentinel without spending a generation call.
package search
