package config

import (
	"fmt"
	"sync/atomic"
)

// Properties is an immutable snapshot of resolved configuration properties
type Properties struct {
	values map[string]string
}

// NewProperties copies values into a snapshot
func NewProperties(values map[string]string) *Properties {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Properties{values: copied}
}

// Get returns a property value and whether it is set
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Len returns the number of properties in the snapshot
func (p *Properties) Len() int {
	return len(p.values)
}

// PropertyView serves the current properties snapshot. Readers always see a
// complete snapshot; Replace and Reload swap it atomically.
type PropertyView struct {
	current atomic.Pointer[Properties]
}

// NewPropertyView creates a view over an initial snapshot
func NewPropertyView(initial *Properties) *PropertyView {
	if initial == nil {
		initial = NewProperties(nil)
	}
	v := &PropertyView{}
	v.current.Store(initial)
	return v
}

// Current returns the current snapshot
func (v *PropertyView) Current() *Properties {
	return v.current.Load()
}

// Property looks key up in the current snapshot
func (v *PropertyView) Property(key string) (string, bool) {
	return v.Current().Get(key)
}

// Replace swaps in a new snapshot
func (v *PropertyView) Replace(p *Properties) {
	v.current.Store(p)
}

// Reload re-reads the properties section of a config file. On error the
// current snapshot is kept.
func (v *PropertyView) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return fmt.Errorf("failed to reload properties: %w", err)
	}
	v.Replace(NewProperties(cfg.Properties))
	return nil
}
