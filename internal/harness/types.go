package harness

import "github.com/Shakes-tzd/htmlgraph/internal/ir"

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Report is the aliased analytics report of the final graph.
	Report *Report `json:"report"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	// IDs maps scenario keys to the node ids they were stored under.
	IDs map[string]string `json:"ids"`

	// Nodes holds the final documents by scenario key, deleted ones included.
	Nodes map[string]ir.Node `json:"-"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		IDs:    map[string]string{},
		Nodes:  map[string]ir.Node{},
	}
}

// AddError records a failed assertion and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
