package queryir

import (
	"slices"
	"strings"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// Match evaluates the selector against one node. It is the reference
// semantics the SQL backend must reproduce.
func Match(sel Select, n ir.Node) bool {
	if n.Deleted && !sel.IncludeDeleted {
		return false
	}
	return matchPredicate(sel.Filter, n)
}

func matchPredicate(p Predicate, n ir.Node) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case Equals:
		v, ok := fieldValue(n, pred.Field)
		return ok && v == pred.Value
	case In:
		v, ok := fieldValue(n, pred.Field)
		return ok && slices.Contains(pred.Values, v)
	case HasEdge:
		for _, e := range n.Edges() {
			if e.Kind == pred.Kind && e.To == pred.To {
				return true
			}
		}
		return false
	case And:
		for _, sub := range pred.Predicates {
			if !matchPredicate(sub, n) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// fieldValue returns the value of a field and whether it is present.
// Empty track ids count as absent, matching NULL in the index.
func fieldValue(n ir.Node, field string) (string, bool) {
	if key, ok := strings.CutPrefix(field, AttrPrefix); ok {
		v, present := n.Attributes[key]
		return v, present
	}
	switch field {
	case FieldID:
		return n.ID, true
	case FieldType:
		return string(n.Type), true
	case FieldTitle:
		return n.Title, true
	case FieldStatus:
		return string(n.Status), true
	case FieldPriority:
		return string(n.Priority), true
	case FieldTrackID:
		return n.TrackID, n.TrackID != ""
	default:
		return "", false
	}
}
