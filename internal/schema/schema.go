// Package schema validates node documents against per-type CUE
// definitions. Validation happens once, when a node is constructed or
// mutated; internal logic then trusts the typed ir.Node.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

//go:embed nodes.cue
var nodesCUE string

// Validator checks nodes against the embedded CUE schema.
//
// A cue.Context is not safe for concurrent use, so every evaluation holds mu.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// New compiles the embedded schema.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(nodesCUE, cue.Filename("nodes.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile node schema: %w", err)
	}
	return &Validator{ctx: ctx, schema: v}, nil
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// Default returns a process-wide validator compiled on first use.
func Default() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = New()
	})
	return defaultValidator, defaultErr
}

// Known reports whether the schema defines the node type.
func (v *Validator) Known(t ir.NodeType) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.definition(t).Exists()
}

func (v *Validator) definition(t ir.NodeType) cue.Value {
	return v.schema.LookupPath(cue.ParsePath("#" + string(t)))
}

// Validate checks the typed fields and extension attributes of n.
// Failures are INVALID_ARGUMENT errors listing every violated constraint.
func (v *Validator) Validate(n ir.Node) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	def := v.definition(n.Type)
	if !def.Exists() {
		return ir.NewError(ir.ErrCodeInvalidArgument, "schema.Validate", n.ID,
			fmt.Sprintf("unknown node type %q", n.Type))
	}

	attrs := n.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	doc := v.ctx.Encode(map[string]any{
		"type":       string(n.Type),
		"title":      n.Title,
		"status":     string(n.Status),
		"priority":   string(n.Priority),
		"attributes": attrs,
	})
	if err := doc.Err(); err != nil {
		return ir.WrapError(ir.ErrCodeInvalidArgument, "schema.Validate", n.ID, err)
	}

	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return ir.NewError(ir.ErrCodeInvalidArgument, "schema.Validate", n.ID, formatCUEError(err))
	}
	return nil
}

// formatCUEError flattens CUE's multi-error into one line per violation.
func formatCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}
