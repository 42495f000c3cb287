// Package harness runs planning scenarios against the real node store,
// event log and analytics engine.
//
// A scenario describes a work graph and the activity recorded against it.
// The harness materialises both in a scratch directory, computes every
// analytics report over the result, and checks the scenario's assertions.
// Reports are rendered with scenario aliases in place of hash ids, so they
// are stable across runs and suitable for golden comparison.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: release_plan
//	description: "What this scenario validates"
//	agents: 2            # slots for RecommendNextWork (default 1)
//	max_parallel: 0      # cap for ParallelWork (0 = no cap)
//	spof_threshold: 2    # optional, default analytics.DefaultSPOFThreshold
//	nodes:
//	  - key: schema
//	    type: feature
//	    title: Database schema
//	    priority: high
//	    status: done
//	  - key: api
//	    title: REST API
//	    depends_on: [schema]
//	sessions:
//	  - id: s1
//	    agent: claude
//	    events:
//	      - tool: Edit
//	        node: api
//	        duration_ms: 40
//	assertions:
//	  - type: recommended
//	    nodes: [api]
//	  - type: impact
//	    node: schema
//	    count: 1
//
// Edge targets and event nodes name other nodes by key. A target that is
// not a key is used verbatim, which is how dangling references are built.
//
// # Assertion Types
//
//   - recommended: the recommendation order, exactly
//   - ready_now: the ready-now partition of the parallel plan, in order
//   - bottleneck_top: the highest ranked bottleneck
//   - cycle: some cycle has exactly these members
//   - orphans: the orphan set
//   - impact: the transitive dependent count of a node
//   - event_count: the number of journaled events in a session
//   - final_state: fields of a node document after setup
//
// # Deterministic Runs
//
// Node ids derive from the title and the node key, timestamps come from a
// step clock starting at testutil.Epoch, and event ids use a fixed nonce
// sequence. Two runs of a scenario produce identical stores.
package harness
