package queryir

import "github.com/Shakes-tzd/htmlgraph/internal/ir"

// Predicate represents a filter condition over node fields.
//
// This is a sealed interface: only types in this package implement it.
//
// Predicate types:
//   - Equals: field = literal
//   - In: field is one of several literals
//   - HasEdge: node declares an edge of a kind to a target
//   - And: all predicates must be true
type Predicate interface {
	predicateNode()
}

// Select picks nodes matching Filter.
//
// Semantics:
//
//	SELECT id FROM nodes WHERE <filter> [AND NOT deleted] ORDER BY id LIMIT <limit>
//
// Results are always ordered by id so both backends agree on order.
type Select struct {
	Filter         Predicate // nil = every node
	IncludeDeleted bool      // soft-deleted nodes are skipped unless set
	Limit          int       // 0 = unlimited
}

// Equals represents a field-equals-literal predicate.
//
// Field is one of the scalar fields (see Fields) or "attr.<key>" for an
// extension attribute. Missing attributes never equal anything.
//
// Example:
//
//	Equals{Field: "status", Value: "todo"}
type Equals struct {
	Field string
	Value string
}

func (Equals) predicateNode() {}

// In matches when the field equals any of Values. Empty Values match nothing.
type In struct {
	Field  string
	Values []string
}

func (In) predicateNode() {}

// HasEdge matches nodes that declare an edge of Kind pointing at To.
//
// Example, every node depending on feat-1:
//
//	HasEdge{Kind: ir.EdgeDependsOn, To: "feat-1"}
type HasEdge struct {
	Kind ir.EdgeKind
	To   string
}

func (HasEdge) predicateNode() {}

// And represents a conjunction. Empty Predicates is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Scalar fields a selector may reference, besides "attr.<key>".
const (
	FieldID       = "id"
	FieldType     = "type"
	FieldTitle    = "title"
	FieldStatus   = "status"
	FieldPriority = "priority"
	FieldTrackID  = "track_id"
)

// AttrPrefix prefixes extension attribute fields.
const AttrPrefix = "attr."

// Fields lists the scalar fields in a stable order.
var Fields = []string{FieldID, FieldType, FieldTitle, FieldStatus, FieldPriority, FieldTrackID}

// Where is shorthand for a conjunction of equalities, in key order.
func Where(pairs ...string) Select {
	var preds []Predicate
	for i := 0; i+1 < len(pairs); i += 2 {
		preds = append(preds, Equals{Field: pairs[i], Value: pairs[i+1]})
	}
	if len(preds) == 0 {
		return Select{}
	}
	return Select{Filter: And{Predicates: preds}}
}
