// Package validator checks plans before a run is created: shape via JSON
// Schema, then the structural rules the schema cannot express (unique node
// ids, resolvable edge endpoints, acyclicity).
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_-]+$"},
          "agent_ref": {"type": "string"},
          "params": {"type": "object"},
          "timeout_seconds": {"type": "number", "exclusiveMinimum": 0},
          "max_retries": {"type": "integer", "minimum": 0}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

// Error is a validation failure. Detail is a stable machine-readable
// string ("cycle", "dangling edge", ...); Message elaborates for humans.
type Error struct {
	Detail  string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Detail + ": " + e.Message
	}
	return e.Detail
}

func invalid(detail, format string, args ...any) *Error {
	return &Error{Detail: detail, Message: fmt.Sprintf(format, args...)}
}

// Validator validates plans.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the plan schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.json", strings.NewReader(planSchema)); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	schema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ValidatePlan checks shape and structure. The returned error is always a
// *Error when validation fails.
func (v *Validator) ValidatePlan(plan *types.Plan) error {
	if plan == nil {
		return invalid("missing plan", "run has no plan")
	}
	if err := v.validateShape(plan); err != nil {
		return err
	}

	nodes := make(map[string]int, len(plan.Nodes)) // id -> declaration index
	for i, node := range plan.Nodes {
		if _, dup := nodes[node.ID]; dup {
			return invalid("duplicate node", "node id %q declared twice", node.ID)
		}
		nodes[node.ID] = i
	}

	for _, edge := range plan.Edges {
		src, err := edge.Source()
		if err != nil {
			return invalid("malformed edge", "%v", err)
		}
		dst, err := edge.Target()
		if err != nil {
			return invalid("malformed edge", "%v", err)
		}
		if _, ok := nodes[src.Node]; !ok {
			return invalid("dangling edge", "edge %q -> %q references unknown node %q", edge.From, edge.To, src.Node)
		}
		if _, ok := nodes[dst.Node]; !ok {
			return invalid("dangling edge", "edge %q -> %q references unknown node %q", edge.From, edge.To, dst.Node)
		}
		if src.Node == dst.Node {
			return invalid("cycle", "node %q depends on itself", src.Node)
		}
	}

	if err := checkAcyclic(plan, nodes); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateShape(plan *types.Plan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return invalid("malformed plan", "%v", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return invalid("malformed plan", "%v", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			ve = verr
		}
		if ve != nil {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return invalid("schema", "%s: %s", leaf.InstanceLocation, leaf.Message)
		}
		return invalid("schema", "%v", err)
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the node-level graph. Pins do
// not affect cyclicity; edges collapse to their nodes.
func checkAcyclic(plan *types.Plan, nodes map[string]int) error {
	indegree := make(map[string]int, len(plan.Nodes))
	successors := make(map[string][]string, len(plan.Nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for _, edge := range plan.Edges {
		src, _ := edge.Source()
		dst, _ := edge.Target()
		successors[src.Node] = append(successors[src.Node], dst.Node)
		indegree[dst.Node]++
	}

	queue := make([]string, 0, len(nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return invalid("cycle", "plan has a cycle among nodes %v", stuck)
	}
	return nil
}
