package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

func sampleNode() ir.Node {
	return ir.Node{
		ID:         "feat-1",
		Type:       ir.TypeFeature,
		Title:      "Login",
		Status:     ir.StatusTodo,
		Priority:   ir.PriorityHigh,
		TrackID:    "trk-1",
		DependsOn:  []string{"feat-0"},
		Attributes: map[string]string{"component": "auth"},
	}
}

func TestMatch(t *testing.T) {
	n := sampleNode()

	tests := []struct {
		name string
		sel  Select
		want bool
	}{
		{"empty selector", Select{}, true},
		{"status equals", Where(FieldStatus, "todo"), true},
		{"status differs", Where(FieldStatus, "done"), false},
		{"two fields", Where(FieldType, "feature", FieldPriority, "high"), true},
		{"attribute", Where("attr.component", "auth"), true},
		{"missing attribute", Where("attr.owner", ""), false},
		{"in", Select{Filter: In{Field: FieldPriority, Values: []string{"low", "high"}}}, true},
		{"in empty", Select{Filter: In{Field: FieldPriority}}, false},
		{"has edge", Select{Filter: HasEdge{Kind: ir.EdgeDependsOn, To: "feat-0"}}, true},
		{"has track edge", Select{Filter: HasEdge{Kind: ir.EdgeTrack, To: "trk-1"}}, true},
		{"wrong edge kind", Select{Filter: HasEdge{Kind: ir.EdgeBlocks, To: "feat-0"}}, false},
		{"empty and", Select{Filter: And{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.sel, n))
		})
	}
}

func TestMatch_Deleted(t *testing.T) {
	n := sampleNode()
	n.Deleted = true

	assert.False(t, Match(Select{}, n))
	assert.True(t, Match(Select{IncludeDeleted: true}, n))
}

func TestMatch_EmptyTrackIsAbsent(t *testing.T) {
	n := sampleNode()
	n.TrackID = ""
	assert.False(t, Match(Where(FieldTrackID, ""), n))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Where(FieldStatus, "todo", "attr.x", "y")))
	assert.NoError(t, Validate(Select{Filter: HasEdge{Kind: ir.EdgeBlocks, To: "a"}}))

	assert.Error(t, Validate(Where("colour", "red")))
	assert.Error(t, Validate(Where("attr.", "red")))
	assert.Error(t, Validate(Select{Filter: HasEdge{Kind: "likes", To: "a"}}))
	assert.Error(t, Validate(Select{Filter: HasEdge{Kind: ir.EdgeBlocks}}))
	assert.Error(t, Validate(Select{Limit: -1}))
	assert.Error(t, Validate(Select{Filter: And{Predicates: []Predicate{Equals{Field: "nope"}}}}))
}

func TestWhere_Empty(t *testing.T) {
	assert.Equal(t, Select{}, Where())
}
