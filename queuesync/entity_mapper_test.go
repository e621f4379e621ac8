package queuesync

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const branchingDeclaration = `
entities:
  - name: farm
    table: farms
  - name: animal
    table: animals
    depends_on: {entity: farm, column: farm_id}
  - name: barn
    table: barns
    depends_on: {entity: farm, column: farm_id}
  - name: vaccination
    table: vaccinations
    depends_on: {entity: animal, column: animal_id}
  - name: note
  - name: profile
    table: profiles
hierarchy:
  - name: farm
    children:
      - name: animal
        children:
          - name: vaccination
          - name: note
      - name: barn
        children:
          - name: note
  - name: profile
`

func loadMapper(t *testing.T, yaml string) *EntityMapper {
	t.Helper()
	decl, err := LoadEntityDeclaration(strings.NewReader(yaml))
	require.NoError(t, err)
	mapper, err := NewEntityMapperFromDeclaration(decl)
	require.NoError(t, err)
	return mapper
}

func TestEntityMapper_PathsGolden(t *testing.T) {
	mapper := loadMapper(t, branchingDeclaration)

	var b strings.Builder
	b.WriteString("paths:\n")
	for _, p := range mapper.Paths() {
		b.WriteString(strings.Join(p, " > ") + "\n")
	}
	b.WriteString("entities:\n")
	for _, name := range mapper.EntityNames() {
		fmt.Fprintf(&b, "%s primary=%t\n", name, mapper.IsPrimaryEntity(name))
	}

	g := goldie.New(t)
	g.Assert(t, "entity_paths", []byte(b.String()))
}

func TestEntityMapper_IsAncestor(t *testing.T) {
	mapper := loadMapper(t, branchingDeclaration)

	assert.True(t, mapper.IsAncestor("farm", "vaccination"))
	assert.True(t, mapper.IsAncestor("animal", "note"))
	assert.True(t, mapper.IsAncestor("barn", "note"))
	assert.False(t, mapper.IsAncestor("vaccination", "farm"))
	assert.False(t, mapper.IsAncestor("barn", "vaccination"))
	assert.False(t, mapper.IsAncestor("farm", "farm"))
	assert.False(t, mapper.IsAncestor("profile", "note"))
}

func TestEntityMapper_DefaultsTableToName(t *testing.T) {
	mapper := loadMapper(t, branchingDeclaration)
	b, ok := mapper.EntityClass("note")
	require.True(t, ok)
	assert.Equal(t, "note", b.Table)

	_, ok = mapper.EntityClass("missing")
	assert.False(t, ok)
}

func TestEntityMapper_PathsAreCopies(t *testing.T) {
	mapper := loadMapper(t, branchingDeclaration)
	paths := mapper.Paths()
	paths[0][0] = "mutated"
	assert.Equal(t, "farm", mapper.Paths()[0][0])
}

func TestEntityMapper_InvalidDeclarations(t *testing.T) {
	tests := []struct {
		name     string
		bindings []EntityBinding
		tree     []EntityNode
		wantErr  string
	}{
		{
			name:     "invalid name",
			bindings: []EntityBinding{{Name: "Farm"}},
			wantErr:  "invalid entity name",
		},
		{
			name:     "duplicate entity",
			bindings: []EntityBinding{{Name: "farm"}, {Name: "farm"}},
			wantErr:  "registered twice",
		},
		{
			name:     "unregistered hierarchy node",
			bindings: []EntityBinding{{Name: "farm"}},
			tree:     []EntityNode{{Name: "farm", Children: []EntityNode{{Name: "animal"}}}},
			wantErr:  "unregistered entity \"animal\"",
		},
		{
			name: "dependency not an ancestor",
			bindings: []EntityBinding{
				{Name: "farm"},
				{Name: "animal", DependsOn: &Dependency{Entity: "farm", Column: "farm_id"}},
			},
			tree:    []EntityNode{{Name: "animal"}, {Name: "farm"}},
			wantErr: "no hierarchy path lists farm before it",
		},
		{
			name: "relation to unknown entity",
			bindings: []EntityBinding{
				{Name: "farm", Relations: []Relation{{Name: "animals", Entity: "animal", ForeignKey: "farm_id"}}},
			},
			tree:    []EntityNode{{Name: "farm"}},
			wantErr: "relation animals targets unregistered entity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEntityMapper(tt.bindings, tt.tree)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEntityDeclaration_RejectsUnknownFields(t *testing.T) {
	_, err := LoadEntityDeclaration(strings.NewReader("entities:\n  - name: farm\n    max_rows: 3\n"))
	assert.Error(t, err)
}
