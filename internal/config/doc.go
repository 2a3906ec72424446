// Package config loads and validates the TOML configuration that controls
// the pipeline engine, chunking parameters, provider clients, and logging.
//
// Configuration resolution order: an explicit --config path, then
// ~/.config/docpipe/config.toml, then ./docpipe.toml, then built-in defaults.
// All path fields are expanded (~ and relative paths) during Load.
package config
