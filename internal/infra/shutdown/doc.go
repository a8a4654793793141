// Package shutdown runs cleanup hooks when the process is asked to stop.
//
// Hooks run once, in reverse order of registration, under a shared
// timeout. The trigger is SIGINT, SIGTERM or the end of a parent context.
package shutdown
