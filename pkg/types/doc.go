// Package types defines the run and controller settings models shared by the
// runfleet packages.
package types
