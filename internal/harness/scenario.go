package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// Scenario defines a work graph, the activity recorded against it, and
// what the analytics must conclude about it.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Agents is the slot count passed to RecommendNextWork. Zero means one.
	Agents int `yaml:"agents,omitempty"`

	// MaxParallel caps ParallelWork. Zero means no cap.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// SPOFThreshold overrides analytics.DefaultSPOFThreshold.
	SPOFThreshold *int `yaml:"spof_threshold,omitempty"`

	// Nodes are created in order, so earlier nodes are older.
	Nodes []NodeStep `yaml:"nodes"`

	// Sessions are journaled after every node exists.
	Sessions []SessionStep `yaml:"sessions,omitempty"`

	// Assertions validate the final report and node documents.
	Assertions []Assertion `yaml:"assertions"`
}

// NodeStep creates one node.
type NodeStep struct {
	// Key names the node inside the scenario. It also seeds the id.
	Key string `yaml:"key"`

	// Type defaults to feature.
	Type ir.NodeType `yaml:"type,omitempty"`

	Title    string      `yaml:"title"`
	Status   ir.Status   `yaml:"status,omitempty"`
	Priority ir.Priority `yaml:"priority,omitempty"`

	// Track, DependsOn and Blocks hold scenario keys or literal ids.
	Track     string   `yaml:"track,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
	Blocks    []string `yaml:"blocks,omitempty"`

	Attributes map[string]string `yaml:"attributes,omitempty"`

	// Deleted soft-deletes the node after creation.
	Deleted bool `yaml:"deleted,omitempty"`
}

// SessionStep journals the events of one session.
type SessionStep struct {
	ID     string      `yaml:"id"`
	Agent  string      `yaml:"agent,omitempty"`
	Events []EventStep `yaml:"events"`
}

// EventStep is one journaled agent action.
type EventStep struct {
	Tool       string         `yaml:"tool"`
	Node       string         `yaml:"node,omitempty"`
	Status     ir.EventStatus `yaml:"status,omitempty"`
	Input      string         `yaml:"input,omitempty"`
	DurationMS int64          `yaml:"duration_ms,omitempty"`
	Tokens     int64          `yaml:"tokens,omitempty"`
}

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Node is the subject of bottleneck_top, impact and final_state.
	Node string `yaml:"node,omitempty"`

	// Nodes is the expected list for recommended, ready_now, cycle and
	// orphans.
	Nodes []string `yaml:"nodes,omitempty"`

	// Session is the subject of event_count.
	Session string `yaml:"session,omitempty"`

	// Count is the expected number for impact and event_count.
	Count int `yaml:"count,omitempty"`

	// Expect holds document fields for final_state: type, title, status,
	// priority, deleted, or attributes.<key>.
	Expect map[string]string `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertRecommended   = "recommended"
	AssertReadyNow      = "ready_now"
	AssertBottleneckTop = "bottleneck_top"
	AssertCycle         = "cycle"
	AssertOrphans       = "orphans"
	AssertImpact        = "impact"
	AssertEventCount    = "event_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// key reference resolves.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Agents < 0 {
		return fmt.Errorf("agents must be non-negative")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	keys := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.Key == "" {
			return fmt.Errorf("nodes[%d]: key is required", i)
		}
		if keys[n.Key] {
			return fmt.Errorf("nodes[%d]: duplicate key %q", i, n.Key)
		}
		keys[n.Key] = true
		if n.Title == "" {
			return fmt.Errorf("nodes[%d]: title is required", i)
		}
		if n.Type != "" && !slices.Contains(ir.NodeTypes, n.Type) {
			return fmt.Errorf("nodes[%d]: unknown type %q", i, n.Type)
		}
	}

	sessions := make(map[string]bool, len(s.Sessions))
	for i, sess := range s.Sessions {
		if sess.ID == "" {
			return fmt.Errorf("sessions[%d]: id is required", i)
		}
		if sessions[sess.ID] {
			return fmt.Errorf("sessions[%d]: duplicate id %q", i, sess.ID)
		}
		sessions[sess.ID] = true
		for j, ev := range sess.Events {
			if ev.Tool == "" {
				return fmt.Errorf("sessions[%d].events[%d]: tool is required", i, j)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, keys, sessions); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, keys, sessions map[string]bool) error {
	needNode := func() error {
		if !keys[a.Node] {
			return fmt.Errorf("assertions[%d]: %s needs a known node, got %q", index, a.Type, a.Node)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertRecommended, AssertReadyNow, AssertOrphans:
		// An empty list asserts that nothing qualifies.
	case AssertCycle:
		if len(a.Nodes) < 2 {
			return fmt.Errorf("assertions[%d]: cycle needs at least two nodes", index)
		}
	case AssertBottleneckTop:
		return needNode()
	case AssertImpact:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
		return needNode()
	case AssertEventCount:
		if !sessions[a.Session] {
			return fmt.Errorf("assertions[%d]: event_count needs a known session, got %q", index, a.Session)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
		return needNode()
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
