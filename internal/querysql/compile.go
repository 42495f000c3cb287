package querysql

import (
	"fmt"
	"strings"

	"github.com/Shakes-tzd/htmlgraph/internal/queryir"
)

// columns maps selector scalar fields to index columns.
var columns = map[string]string{
	queryir.FieldID:       "n.id",
	queryir.FieldType:     "n.type",
	queryir.FieldTitle:    "n.title",
	queryir.FieldStatus:   "n.status",
	queryir.FieldPriority: "n.priority",
	queryir.FieldTrackID:  "n.track_id",
}

// SQLCompiler compiles node selectors to parameterized SQL for the
// analytics index.
//
// Every query includes ORDER BY id so results match the linear scan order.
// Values are always parameterized, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts a selector to SQL returning matching node ids.
// Returns (sql, params, error).
func (c *SQLCompiler) Compile(sel queryir.Select) (string, []any, error) {
	if err := queryir.Validate(sel); err != nil {
		return "", nil, err
	}

	var where []string
	var params []any
	if !sel.IncludeDeleted {
		where = append(where, "n.deleted = 0")
	}
	if sel.Filter != nil {
		sql, p, err := c.compilePredicate(sel.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where = append(where, sql)
		params = append(params, p...)
	}

	var b strings.Builder
	b.WriteString("SELECT n.id FROM nodes n")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY " + stableOrderKey())
	if sel.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, sel.Limit)
	}
	return b.String(), params, nil
}

// stableOrderKey returns the ORDER BY clause shared by every node query.
// COLLATE BINARY matches Go's byte-wise string ordering of the scan.
func stableOrderKey() string {
	return "n.id ASC COLLATE BINARY"
}

func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		col, colParams := fieldExpr(pred.Field)
		return col + " = ?", append(colParams, pred.Value), nil
	case queryir.In:
		if len(pred.Values) == 0 {
			return "1 = 0", nil, nil
		}
		col, params := fieldExpr(pred.Field)
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(pred.Values)), ", ")
		for _, v := range pred.Values {
			params = append(params, v)
		}
		return col + " IN (" + marks + ")", params, nil
	case queryir.HasEdge:
		return "EXISTS (SELECT 1 FROM edges e WHERE e.src = n.id AND e.kind = ? AND e.dst = ?)",
			[]any{string(pred.Kind), pred.To}, nil
	case queryir.And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		var parts []string
		var params []any
		for _, sub := range pred.Predicates {
			sql, p, err := c.compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, p...)
		}
		return "(" + strings.Join(parts, " AND ") + ")", params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// fieldExpr returns the SQL expression for a validated field. Attribute
// lookups go through json_extract with the key passed as a parameter.
func fieldExpr(field string) (string, []any) {
	if key, ok := strings.CutPrefix(field, queryir.AttrPrefix); ok {
		return "json_extract(n.attributes, ?)", []any{jsonPath(key)}
	}
	return columns[field], nil
}

// jsonPath quotes a key so dots and spaces in attribute names survive.
func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}
