// Package ingest defines the shared domain model for EDGAR filing ingestion:
// queue jobs, filing lifecycle states, the per-message pipeline stages, the
// error taxonomy the consumer reacts to, and the small collaborator
// interfaces (clock, hasher, id generator, blob store, publisher) that the
// adapters under internal/ implement.
package ingest
