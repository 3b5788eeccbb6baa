// Package catalog indexes flow-graph nodes by name with schema and policy
// metadata, and exposes the lookup/filtering/rendering operations the
// planner needs to present tools to an LLM.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SideEffect classifies the side-effect profile of a tool, used by policy
// engines and the planner's tool-visibility filter.
type SideEffect string

const (
	SideEffectPure     SideEffect = "pure"
	SideEffectRead     SideEffect = "read"
	SideEffectWrite    SideEffect = "write"
	SideEffectExternal SideEffect = "external"
	SideEffectStateful SideEffect = "stateful"
)

// Entry describes one node exposed to the planner as a callable tool.
type Entry struct {
	Name         string
	Description  string
	Tags         []string
	SideEffect   SideEffect
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
	Aliases      []string
}

// Catalog is a schema-indexed, name-ascending registry of Entry values.
type Catalog struct {
	entries map[string]Entry
	aliases map[string]string // alias -> canonical name
}

// New constructs an empty Catalog.
func New() *Catalog {
	return &Catalog{
		entries: make(map[string]Entry),
		aliases: make(map[string]string),
	}
}

// Register adds or replaces an entry. Returns an error if e.Name is empty or
// collides with an existing alias.
func (c *Catalog) Register(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("catalog: entry name is required")
	}
	if canon, ok := c.aliases[e.Name]; ok && canon != e.Name {
		return fmt.Errorf("catalog: name %q already registered as an alias of %q", e.Name, canon)
	}
	c.entries[e.Name] = e
	for _, alias := range e.Aliases {
		if existing, ok := c.aliases[alias]; ok && existing != e.Name {
			return fmt.Errorf("catalog: alias %q already bound to %q", alias, existing)
		}
		c.aliases[alias] = e.Name
	}
	return nil
}

// Lookup resolves a tool by name or alias.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	if e, ok := c.entries[name]; ok {
		return e, true
	}
	if canon, ok := c.aliases[name]; ok {
		e, ok := c.entries[canon]
		return e, ok
	}
	return Entry{}, false
}

// VisibilityPolicy filters the catalog down to the tools visible for a
// single planner run. Exactly one of Whitelist/Blacklist should be set;
// RequiredTags further narrows by intersection.
type VisibilityPolicy struct {
	Whitelist    []string
	Blacklist    []string
	RequiredTags []string
}

// Filtered returns the entries visible under policy, sorted by name
// ascending. Entries carry no ordering hint, so name order is the only order
// it produces. A zero VisibilityPolicy returns every registered entry.
func (c *Catalog) Filtered(policy VisibilityPolicy) []Entry {
	allow := toSet(policy.Whitelist)
	deny := toSet(policy.Blacklist)
	required := toSet(policy.RequiredTags)

	out := make([]Entry, 0, len(c.entries))
	for name, e := range c.entries {
		if len(allow) > 0 && !allow[name] {
			continue
		}
		if deny[name] {
			continue
		}
		if len(required) > 0 && !hasAllTags(e.Tags, required) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every registered entry in name-ascending order.
func (c *Catalog) All() []Entry {
	return c.Filtered(VisibilityPolicy{})
}

// Prompt renders a compact, prompt-friendly description of the visible
// catalog for injection into the planner's system prompt.
func (c *Catalog) Prompt(policy VisibilityPolicy) string {
	entries := c.Filtered(policy)
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s", e.Name, e.Description)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(e.Tags, ","))
		}
		if e.InputSchema != nil {
			if raw, err := json.Marshal(e.InputSchema); err == nil {
				fmt.Fprintf(&b, " input=%s", raw)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func hasAllTags(tags []string, required map[string]bool) bool {
	have := toSet(tags)
	for tag := range required {
		if !have[tag] {
			return false
		}
	}
	return true
}
