// Package confloader loads layered configuration with koanf and watches the
// configuration file for changes.
//
// Priority, highest first: overrides (flags), environment, file, defaults.
//
// Environment variables carry the SNAPKEEP_ prefix. A double underscore
// separates nesting levels and a single underscore stays part of the key:
//
//	SNAPKEEP_SNAPSHOT__COOLDOWN_PERIOD=5s  ->  snapshot.cooldown_period
package confloader
