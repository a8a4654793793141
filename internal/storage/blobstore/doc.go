// Package blobstore is the storage contract repositories are written to.
//
// A Store offers read, atomic write, list and delete over slash-separated
// keys. WriteAtomic with failIfExists is the only compare-and-swap the
// system relies on; backends report whether they can honor it race-free
// through Capabilities.
//
// Backends:
//
//   - memory: sharded map, process-local (shared by name for in-process clusters)
//   - fs: temp file, fsync, then hard link (conditional) or rename
//   - badger: read-then-set transactions with conflict detection
//   - sqlite: primary-key insert that does nothing on conflict
//
// EncryptedStore and Instrument decorate any backend; Open builds the
// decorated backend for a repository registration.
package blobstore
