// Package tlsroots loads the TLS material of the admin and cluster RPC
// listener and of the clients that call it.
//
// A Watcher serves the listener certificate and reloads it when the key
// pair changes on disk. LoadPool builds the trust pool used by peers and
// the CLI, starting from the system roots.
package tlsroots
