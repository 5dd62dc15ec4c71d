// Package sanitize implements the flow-definition sanitizer: it turns an
// arbitrary input (decoded JSON object, or raw JSON text) into a
// canonical models.FlowDefinition, deep-cloning node data so the result is
// detached from the input, and defaulting missing shape fields. Per-node-type
// data constraints are enforced separately, at execution time, by the
// executor's node validators (see internal/executor).
package sanitize

import (
	"encoding/json"
	"fmt"
	"math"

	"flowcast/internal/models"
)

// Sanitize accepts either raw JSON bytes/string or an already-decoded
// map[string]any / models.FlowDefinition-shaped value and returns the
// canonical form. Sanitize(Sanitize(x)) == Sanitize(x) for every
// well-formed graph, since the output is always re-derived deterministically
// from the same normalization rules.
func Sanitize(input any) (models.FlowDefinition, error) {
	raw, err := toMap(input)
	if err != nil {
		return models.FlowDefinition{}, err
	}

	nodesRaw, _ := raw["nodes"].([]any)
	edgesRaw, _ := raw["edges"].([]any)

	nodes := make([]models.Node, 0, len(nodesRaw))
	for _, nr := range nodesRaw {
		n, err := sanitizeNode(nr)
		if err != nil {
			return models.FlowDefinition{}, err
		}
		nodes = append(nodes, n)
	}

	edges := make([]models.Edge, 0, len(edgesRaw))
	for _, er := range edgesRaw {
		e, err := sanitizeEdge(er)
		if err != nil {
			return models.FlowDefinition{}, err
		}
		edges = append(edges, e)
	}

	return models.FlowDefinition{Nodes: nodes, Edges: edges}, nil
}

func toMap(input any) (map[string]any, error) {
	switch v := input.(type) {
	case models.FlowDefinition:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return toMapFromBytes(b)
	case []byte:
		return toMapFromBytes(v)
	case string:
		return toMapFromBytes([]byte(v))
	case map[string]any:
		return v, nil
	case nil:
		return map[string]any{}, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("sanitize: unsupported input type %T: %w", input, err)
		}
		return toMapFromBytes(b)
	}
}

func toMapFromBytes(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("sanitize: invalid JSON: %w", err)
	}
	return m, nil
}

func sanitizeNode(raw any) (models.Node, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return models.Node{}, fmt.Errorf("sanitize: node is not an object")
	}

	id, _ := m["id"].(string)
	if id == "" {
		return models.Node{}, fmt.Errorf("sanitize: node missing non-empty id")
	}

	typ := models.NodeType(fmt.Sprintf("%v", m["type"]))
	if !models.ValidNodeTypes[typ] {
		return models.Node{}, fmt.Errorf("sanitize: node %q has unknown type %q", id, typ)
	}

	pos := models.Position{}
	if pm, ok := m["position"].(map[string]any); ok {
		pos.X = finiteOrZero(pm["x"])
		pos.Y = finiteOrZero(pm["y"])
	}

	data, _ := m["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	clone, err := deepClone(data)
	if err != nil {
		return models.Node{}, fmt.Errorf("sanitize: node %q data: %w", id, err)
	}
	cloneMap, _ := clone.(map[string]any)
	if cloneMap == nil {
		cloneMap = map[string]any{}
	}

	extra, err := extraProperties(m)
	if err != nil {
		return models.Node{}, fmt.Errorf("sanitize: node %q extra properties: %w", id, err)
	}

	return models.Node{ID: id, Type: typ, Position: pos, Data: cloneMap, Extra: extra}, nil
}

// extraProperties deep-clones every top-level node property other than the
// ones this package interprets itself (id/type/data/position), so unknown
// properties a caller sent through survive sanitize unchanged.
func extraProperties(m map[string]any) (map[string]any, error) {
	var rest map[string]any
	for k, v := range m {
		switch k {
		case "id", "type", "data", "position":
			continue
		}
		if rest == nil {
			rest = make(map[string]any, len(m))
		}
		rest[k] = v
	}
	if rest == nil {
		return nil, nil
	}
	clone, err := deepClone(rest)
	if err != nil {
		return nil, err
	}
	cloneMap, _ := clone.(map[string]any)
	return cloneMap, nil
}

func finiteOrZero(v any) float64 {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	if isNaNOrInf(f) {
		return 0
	}
	return f
}

func isNaNOrInf(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

func sanitizeEdge(raw any) (models.Edge, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return models.Edge{}, fmt.Errorf("sanitize: edge is not an object")
	}

	id, _ := m["id"].(string)
	source, _ := m["source"].(string)
	target, _ := m["target"].(string)
	if id == "" || source == "" || target == "" {
		return models.Edge{}, fmt.Errorf("sanitize: edge missing non-empty id/source/target")
	}

	e := models.Edge{ID: id, Source: source, Target: target}
	e.SourceHandle = optionalString(m, "sourceHandle")
	e.TargetHandle = optionalString(m, "targetHandle")
	return e, nil
}

// optionalString returns nil for an absent or JSON-null key, preserving the
// spec's distinction between "unset" and "set to empty string".
func optionalString(m map[string]any, key string) *string {
	v, present := m[key]
	if !present || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

// deepClone round-trips a value through JSON to detach it from the input,
// matching the sanitizer's "deep-cloned to detach from input" requirement.
func deepClone(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
