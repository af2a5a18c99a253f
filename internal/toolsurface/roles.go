// Package toolsurface projects the IPC router's verb set into each agent
// role's exposed tool namespace: which tasks actions a role may invoke,
// and which bash commands are blocked outright. Role definitions are
// configuration, not code; adding a role means editing the document this
// package loads, never touching the router.
package toolsurface

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoleDef is one role's tasks-action allowlist and exposed verb set.
type RoleDef struct {
	Name             string   `yaml:"name"`
	TaskActions      []string `yaml:"taskActions"`
	Verbs            []string `yaml:"verbs,omitempty"`
	AdvanceTargets   []string `yaml:"advanceTargets,omitempty"`
}

// Document is the top-level role allowlist file shape.
type Document struct {
	Roles []RoleDef `yaml:"roles"`
}

// defaultDocument is the built-in allowlist from the extension tool
// surface contract, used whenever no external config path is set.
var defaultDocument = Document{
	Roles: []RoleDef{
		{Name: "worker", TaskActions: commonActions},
		{Name: "designer", TaskActions: commonActions},
		{Name: "fast-worker", TaskActions: commonActions},
		{Name: "issuer", TaskActions: commonActions},
		{Name: "finisher", TaskActions: append(append([]string{}, commonActions...), "create", "update")},
		{Name: "steering", TaskActions: []string{"show", "list", "search", "ready", "comments", "query", "dep_tree", "types"}},
		{Name: "singularity", TaskActions: append(
			append([]string{}, []string{"show", "list", "search", "ready", "comments", "query", "dep_tree", "types"}...),
			"create", "update", "close",
		)},
	},
}

var commonActions = []string{"show", "list", "search", "ready", "comments", "comment_add", "query", "dep_tree", "types"}

// Registry is a loaded set of role definitions, keyed by role name.
type Registry struct {
	roles map[string]RoleDef
}

// Load reads the role document from path, or falls back to the built-in
// default when path is empty.
func Load(path string) (*Registry, error) {
	doc := defaultDocument
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("toolsurface: reading role config %s: %w", path, err)
		}
		var external Document
		if err := yaml.Unmarshal(data, &external); err != nil {
			return nil, fmt.Errorf("toolsurface: parsing role config %s: %w", path, err)
		}
		doc = external
	}

	reg := &Registry{roles: make(map[string]RoleDef, len(doc.Roles))}
	for _, r := range doc.Roles {
		reg.roles[r.Name] = r
	}
	return reg, nil
}

// AllowsAction reports whether role may invoke a tasks_request action.
func (r *Registry) AllowsAction(role, action string) bool {
	def, ok := r.roles[role]
	if !ok {
		return false
	}
	for _, a := range def.TaskActions {
		if a == action {
			return true
		}
	}
	return false
}

// Role returns the definition for a role, and whether it is recognized.
func (r *Registry) Role(role string) (RoleDef, bool) {
	def, ok := r.roles[role]
	return def, ok
}
