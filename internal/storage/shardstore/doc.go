// Package shardstore snapshots local shard content into a repository's blob
// store and names each stored generation with an opaque token.
//
// Content is written before its manifest, so a token is only usable once its
// manifest exists. Unchanged shards reuse the previous token, which means
// several snapshots can reference the same content.
package shardstore
