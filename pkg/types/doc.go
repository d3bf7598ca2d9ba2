// Package types provides shared type definitions for the kbengine service.
//
// It defines the durable data model (DocumentRecord, Chunk), the transient
// job status payloads polled over the API, search results, and the error
// taxonomy used across the indexing and embedding pipelines.
//
// # Identity
//
// A DocumentRecord is keyed by its relative path and carries a cheap
// fingerprint derived from name, size, and modification time. A Chunk is
// keyed by a deterministic ChunkID derived from (source path, ordinal,
// content hash), so re-chunking unchanged text always reproduces the same
// identifiers and previously computed embeddings stay valid.
//
// # Job status
//
// IndexStatus and EmbedStatus are snapshots of long-running background
// jobs. They are overwritten on each new job of their kind and are safe to
// serialize as-is for polling consumers.
package types
