package queryir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// Validate checks that a selector only references known fields and edge
// kinds. Backends call it before evaluation so an unknown field fails the
// same way in both.
//
// Validate is a pure function with no side effects.
func Validate(sel Select) error {
	if sel.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", sel.Limit)
	}
	return validatePredicate(sel.Filter)
}

func validatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case Equals:
		return validateField(pred.Field)
	case In:
		return validateField(pred.Field)
	case HasEdge:
		switch pred.Kind {
		case ir.EdgeDependsOn, ir.EdgeBlocks, ir.EdgeTrack:
		default:
			return fmt.Errorf("unknown edge kind %q", pred.Kind)
		}
		if pred.To == "" {
			return fmt.Errorf("edge target must not be empty")
		}
		return nil
	case And:
		for i, sub := range pred.Predicates {
			if err := validatePredicate(sub); err != nil {
				return fmt.Errorf("and[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func validateField(field string) error {
	if key, ok := strings.CutPrefix(field, AttrPrefix); ok {
		if key == "" {
			return fmt.Errorf("attribute field needs a key")
		}
		return nil
	}
	if !slices.Contains(Fields, field) {
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}
