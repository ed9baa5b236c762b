package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BaseScopeGroup is always part of an authorization request.
const BaseScopeGroup = "base"

//go:embed scopes.yaml
var scopesYAML []byte

// ScopeGroups maps a scope-group name to its OAuth scope strings. It is loaded
// once at startup and only handed out as copies.
type ScopeGroups struct {
	groups map[string][]string
}

// LoadScopeGroups parses the embedded scope table.
func LoadScopeGroups() (ScopeGroups, error) {
	return parseScopeGroups(scopesYAML)
}

func parseScopeGroups(data []byte) (ScopeGroups, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ScopeGroups{}, fmt.Errorf("parse scope groups: %w", err)
	}
	if len(raw[BaseScopeGroup]) == 0 {
		return ScopeGroups{}, fmt.Errorf("scope groups: %q group is required", BaseScopeGroup)
	}
	groups := make(map[string][]string, len(raw))
	for name, scopes := range raw {
		groups[name] = append([]string(nil), scopes...)
	}
	return ScopeGroups{groups: groups}, nil
}

// Names lists the configured group names in sorted order.
func (s ScopeGroups) Names() []string {
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve expands a comma separated list of group names into scope strings,
// always including the base group. Unknown names are an error.
func (s ScopeGroups) Resolve(requested string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(name string) error {
		scopes, ok := s.groups[name]
		if !ok {
			return fmt.Errorf("unknown scope group %q", name)
		}
		for _, scope := range scopes {
			if !seen[scope] {
				seen[scope] = true
				out = append(out, scope)
			}
		}
		return nil
	}

	if err := add(BaseScopeGroup); err != nil {
		return nil, err
	}
	for _, name := range strings.Split(requested, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := add(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Covered returns the names of every group whose scopes are all present in
// granted.
func (s ScopeGroups) Covered(granted []string) []string {
	have := make(map[string]bool, len(granted))
	for _, scope := range granted {
		have[scope] = true
	}
	var names []string
	for _, name := range s.Names() {
		all := true
		for _, scope := range s.groups[name] {
			if !have[scope] {
				all = false
				break
			}
		}
		if all {
			names = append(names, name)
		}
	}
	return names
}
