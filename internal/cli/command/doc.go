// Package command provides CLI command definitions for snapkeep-cli.
//
// Every command is a thin wrapper over one admin API call: it builds the
// request from flags, calls the server through connection.Client and
// renders the result with the selected output format.
package command
