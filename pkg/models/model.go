package models

import (
	"fmt"
	"sort"
)

// Model is a completion model and the size of its context window in tokens.
// The window bounds prompt and response combined.
type Model struct {
	Name          string `json:"name" yaml:"name"`
	ContextWindow int    `json:"context_window" yaml:"context_window"`
}

// KnownModels lists the models docsmith recognises without configuration.
var KnownModels = []Model{
	{Name: "gpt-3.5-turbo", ContextWindow: 4096},
	{Name: "gpt-3.5-turbo-0301", ContextWindow: 4096},
	{Name: "gpt-3.5-turbo-16k", ContextWindow: 16384},
	{Name: "gpt-4", ContextWindow: 8192},
	{Name: "gpt-4-0314", ContextWindow: 8192},
	{Name: "gpt-4-32k", ContextWindow: 32768},
	{Name: "gpt-4-32k-0314", ContextWindow: 32768},
	{Name: "gpt-4-turbo", ContextWindow: 128000},
	{Name: "gpt-4o", ContextWindow: 128000},
	{Name: "gpt-4o-mini", ContextWindow: 128000},
	{Name: "gpt-4.1", ContextWindow: 1047576},
	{Name: "gpt-4.1-mini", ContextWindow: 1047576},
}

// Catalog resolves model names to their context windows.
type Catalog struct {
	models map[string]Model
}

// NewCatalog creates a Catalog holding KnownModels plus extra. An extra entry
// with a known name overrides the built-in window.
func NewCatalog(extra ...Model) (*Catalog, error) {
	c := &Catalog{models: make(map[string]Model, len(KnownModels)+len(extra))}
	for _, m := range KnownModels {
		c.models[m.Name] = m
	}
	for _, m := range extra {
		if m.Name == "" {
			return nil, fmt.Errorf("model entry without name")
		}
		if m.ContextWindow <= 0 {
			return nil, fmt.Errorf("model %q: context_window must be positive", m.Name)
		}
		c.models[m.Name] = m
	}
	return c, nil
}

// Lookup returns the model registered under name.
func (c *Catalog) Lookup(name string) (Model, error) {
	m, ok := c.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// All returns every model sorted by name.
func (c *Catalog) All() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
