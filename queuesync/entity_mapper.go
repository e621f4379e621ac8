// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dependency names the parent entity an entity belongs to and the column holding the parent id
type Dependency struct {
	Entity string `yaml:"entity" json:"entity"`
	Column string `yaml:"column" json:"column"`
}

// Relation inlines child rows (Entity.ForeignKey = parent id) under "_"+Name
type Relation struct {
	Name       string `yaml:"name" json:"name"`
	Entity     string `yaml:"entity" json:"entity"`
	ForeignKey string `yaml:"foreign_key" json:"foreign_key"`
}

// EntityBinding is the persistence binding of one synchronizable entity
type EntityBinding struct {
	Name        string      `yaml:"name" json:"name"`
	Table       string      `yaml:"table" json:"table"`
	DependsOn   *Dependency `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	MaxCount    int         `yaml:"max_count,omitempty" json:"max_count,omitempty"` // 0 = unlimited
	FileColumns []string    `yaml:"file_columns,omitempty" json:"file_columns,omitempty"`
	Relations   []Relation  `yaml:"relations,omitempty" json:"relations,omitempty"`
}

// EntityNode declares an entity and the entities nested under it
type EntityNode struct {
	Name     string       `yaml:"name" json:"name"`
	Children []EntityNode `yaml:"children,omitempty" json:"children,omitempty"`
}

// EntityDeclaration is the static configuration the mapper is built from
type EntityDeclaration struct {
	Entities  []EntityBinding `yaml:"entities"`
	Hierarchy []EntityNode    `yaml:"hierarchy"`
}

// EntityMapper is the immutable registry of entity bindings and flattened
// root-to-leaf hierarchy paths. Build it once and share it.
type EntityMapper struct {
	bindings map[string]EntityBinding
	names    []string
	paths    [][]string
	minPos   map[string]int
	// ancestors[descendant] is the set of entity names listed before descendant in some path
	ancestors map[string]map[string]struct{}
}

// LoadEntityDeclaration parses a YAML entity declaration
func LoadEntityDeclaration(r io.Reader) (*EntityDeclaration, error) {
	var decl EntityDeclaration
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&decl); err != nil {
		return nil, fmt.Errorf("failed to decode entity declaration: %w", err)
	}
	return &decl, nil
}

// NewEntityMapperFromDeclaration is a convenience around NewEntityMapper
func NewEntityMapperFromDeclaration(decl *EntityDeclaration) (*EntityMapper, error) {
	return NewEntityMapper(decl.Entities, decl.Hierarchy)
}

// NewEntityMapper registers bindings and flattens the hierarchy tree into paths
func NewEntityMapper(bindings []EntityBinding, hierarchy []EntityNode) (*EntityMapper, error) {
	m := &EntityMapper{
		bindings:  make(map[string]EntityBinding, len(bindings)),
		minPos:    make(map[string]int),
		ancestors: make(map[string]map[string]struct{}),
	}

	for _, b := range bindings {
		b.Name = strings.TrimSpace(b.Name)
		if !isValidIdentifier(b.Name) {
			return nil, fmt.Errorf("invalid entity name %q", b.Name)
		}
		if b.Table == "" {
			b.Table = b.Name
		}
		if !isValidIdentifier(b.Table) {
			return nil, fmt.Errorf("entity %s: invalid table name %q", b.Name, b.Table)
		}
		if _, dup := m.bindings[b.Name]; dup {
			return nil, fmt.Errorf("entity %s registered twice", b.Name)
		}
		m.bindings[b.Name] = b
		m.names = append(m.names, b.Name)
	}
	sort.Strings(m.names)

	for _, root := range hierarchy {
		flattenNode(root, nil, &m.paths)
	}

	for _, path := range m.paths {
		for i, name := range path {
			if _, ok := m.bindings[name]; !ok {
				return nil, fmt.Errorf("hierarchy references unregistered entity %q", name)
			}
			if pos, ok := m.minPos[name]; !ok || i < pos {
				m.minPos[name] = i
			}
			set := m.ancestors[name]
			if set == nil {
				set = make(map[string]struct{})
				m.ancestors[name] = set
			}
			for _, anc := range path[:i] {
				set[anc] = struct{}{}
			}
		}
	}

	if err := m.validateBindings(); err != nil {
		return nil, err
	}
	return m, nil
}

// flattenNode appends one path per leaf reachable from node
func flattenNode(node EntityNode, prefix []string, out *[][]string) {
	path := make([]string, len(prefix)+1)
	copy(path, prefix)
	path[len(prefix)] = node.Name
	if len(node.Children) == 0 {
		*out = append(*out, path)
		return
	}
	for _, child := range node.Children {
		flattenNode(child, path, out)
	}
}

func (m *EntityMapper) validateBindings() error {
	for _, name := range m.names {
		b := m.bindings[name]
		if b.DependsOn != nil {
			if _, ok := m.bindings[b.DependsOn.Entity]; !ok {
				return fmt.Errorf("entity %s depends on unregistered entity %q", name, b.DependsOn.Entity)
			}
			if !isValidIdentifier(b.DependsOn.Column) {
				return fmt.Errorf("entity %s: invalid depends_on column %q", name, b.DependsOn.Column)
			}
			if !m.IsAncestor(b.DependsOn.Entity, name) {
				return fmt.Errorf("entity %s depends on %s, but no hierarchy path lists %s before it",
					name, b.DependsOn.Entity, b.DependsOn.Entity)
			}
		}
		for _, rel := range b.Relations {
			if _, ok := m.bindings[rel.Entity]; !ok {
				return fmt.Errorf("entity %s: relation %s targets unregistered entity %q", name, rel.Name, rel.Entity)
			}
			if !isValidIdentifier(rel.ForeignKey) || rel.Name == "" {
				return fmt.Errorf("entity %s: invalid relation %+v", name, rel)
			}
		}
		for _, col := range b.FileColumns {
			if !isValidIdentifier(col) {
				return fmt.Errorf("entity %s: invalid file column %q", name, col)
			}
		}
	}
	return nil
}

// EntityClass returns the binding registered under name
func (m *EntityMapper) EntityClass(name string) (EntityBinding, bool) {
	b, ok := m.bindings[name]
	return b, ok
}

// EntityNames lists every registered entity, sorted
func (m *EntityMapper) EntityNames() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// IsPrimaryEntity is true when the entity appears at the root of at least one path
func (m *EntityMapper) IsPrimaryEntity(name string) bool {
	pos, ok := m.minPos[name]
	return ok && pos == 0
}

// Paths returns a copy of every root-to-leaf path
func (m *EntityMapper) Paths() [][]string {
	out := make([][]string, len(m.paths))
	for i, p := range m.paths {
		out[i] = append([]string(nil), p...)
	}
	return out
}

// IsAncestor reports whether ancestor appears strictly before descendant in at least one path
func (m *EntityMapper) IsAncestor(ancestor, descendant string) bool {
	_, ok := m.ancestors[descendant][ancestor]
	return ok
}
