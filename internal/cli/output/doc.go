// Package output renders snapkeep-cli results as tables, JSON or YAML.
//
// Commands hand a value to a Formatter. Table output needs the value to
// be a *Table or to implement Tabular; anything else falls back to JSON.
package output
