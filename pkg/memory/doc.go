/*
Package memory holds the vector indexes where document partitions live as
embedded records. Three backends implement the Db interface:

  - LocalDb: JSON files with brute-force cosine search, for single-node
    deployments.
  - QdrantDb: a standalone Qdrant server, one collection per index.
  - PgVectorDb: Postgres with the pgvector extension, one shared table.

Relevance is normalized across backends so callers can apply one
minimum-relevance threshold: 1 means an exact match, and scores decrease
with angular distance.

Index names pass through NormalizeIndexName before reaching a backend so the
same logical name is valid everywhere.
*/
package memory
