// Package config loads the runfleet YAML configuration file and serves the
// resolved property view read by control-plane jobs. The property view is an
// immutable snapshot replaced atomically on reload.
package config
