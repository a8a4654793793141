// Package ledger implements the repository generation ledger.
//
// Each generation is an immutable blob holding the full snapshot catalog of a
// repository. A change never rewrites a generation; it writes the next one
// with a conditional write, so of two writers racing for the same generation
// exactly one wins and the other sees a generation conflict.
//
// Blob layout per repository:
//
//	index-<N>         catalog at generation N
//	index.latest      hint naming the newest generation (advisory)
//	repository.json   registration of the repository
//
// Catalog blob format:
//
//	[magic:8 "SKLEDGER"]
//	[HeaderLen:4][HeaderJSON:HeaderLen]
//	[BodyLen:4][BodyJSON:BodyLen]
//	[checksum:32 SHA-256 of all bytes above]
//
// Format version 1 catalogs (no per-shard generations) are still readable.
package ledger
