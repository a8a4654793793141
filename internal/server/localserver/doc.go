// Package localserver serves the admin API on a Unix domain socket.
//
// Access is controlled by file system permissions on the socket, which is
// created with mode 0600. Besides the regular /v1 routes the socket serves
// a few local-only endpoints:
//
//   - GET  /local/status  process status (uptime, pid, version)
//   - POST /local/reload  re-read the configuration file
package localserver
