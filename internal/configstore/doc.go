// Package configstore persists berth configuration in an XDG-compliant
// location. Values resolve from built-in defaults, then config.toml, then
// BERTH_* environment variables, then command-line flags applied by the caller.
package configstore
