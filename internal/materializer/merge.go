package materializer

import (
	"fmt"
	"strings"

	"relgraph/internal/metadata"
	"relgraph/internal/planner"
)

// Merge folds nodes sharing a primary key into the first-seen node. Populated
// relations are merged recursively: to-many items are concatenated in
// first-seen order and deduplicated by identity; to-one relations keep the
// first non-null value. Merging an already merged slice is a no-op.
func Merge(nodes []Node, meta *metadata.Entity, hints []planner.PopulateHint) []Node {
	if len(nodes) <= 1 {
		return nodes
	}

	type group struct {
		node    Node
		related map[string][]interface{}
	}
	var (
		order  []*group
		byID   = make(map[string]*group, len(nodes))
		fields = relationHints(meta, hints)
	)
	for _, node := range nodes {
		if node == nil {
			continue
		}
		id, ok := Identity(node, meta)
		g := byID[id]
		if !ok || g == nil {
			g = &group{node: node, related: make(map[string][]interface{})}
			order = append(order, g)
			if ok {
				byID[id] = g
			}
		}
		for _, h := range fields {
			value, present := node[h.prop.Name]
			if !present {
				continue
			}
			items := g.related[h.prop.Name]
			if items == nil {
				items = []interface{}{}
			}
			switch v := value.(type) {
			case nil:
			case []interface{}:
				// A composite to-one reference is a single tuple.
				if h.prop.Kind.IsToMany() {
					items = append(items, v...)
				} else {
					items = append(items, v)
				}
			default:
				items = append(items, v)
			}
			g.related[h.prop.Name] = items
		}
	}

	out := make([]Node, 0, len(order))
	for _, g := range order {
		for _, h := range fields {
			items, present := g.related[h.prop.Name]
			if !present {
				continue
			}
			merged := mergeItems(items, h)
			if h.prop.Kind.IsToMany() {
				g.node[h.prop.Name] = merged
				continue
			}
			// Null duplicates were never bucketed, so merged[0] is the
			// first non-null value seen for this key.
			if len(merged) == 0 {
				g.node[h.prop.Name] = nil
			} else {
				g.node[h.prop.Name] = merged[0]
			}
		}
		out = append(out, g.node)
	}
	return out
}

type relationHint struct {
	prop *metadata.Property
	hint planner.PopulateHint
}

func relationHints(meta *metadata.Entity, hints []planner.PopulateHint) []relationHint {
	var out []relationHint
	for _, hint := range hints {
		if hint.Filter {
			continue
		}
		prop, ok := meta.Property(hint.Field)
		if !ok || !prop.Kind.IsRelation() {
			continue
		}
		if hint.Ref && prop.Kind == metadata.KindToOneOwner {
			continue
		}
		out = append(out, relationHint{prop: prop, hint: hint})
	}
	return out
}

func mergeItems(items []interface{}, h relationHint) []interface{} {
	nodes := make([]Node, 0, len(items))
	for _, item := range items {
		node, ok := item.(Node)
		if !ok {
			return dedupeValues(items)
		}
		nodes = append(nodes, node)
	}
	merged := Merge(nodes, h.prop.TargetMeta, h.hint.Children)
	out := make([]interface{}, len(merged))
	for i, node := range merged {
		out[i] = node
	}
	return out
}

func dedupeValues(items []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(items))
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		key := canonical(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Identity returns the canonical primary key of a node. It reports false
// when the key is absent or entirely null.
func Identity(node Node, meta *metadata.Entity) (string, bool) {
	pks := meta.PrimaryKeyProperties()
	if len(pks) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(pks))
	allNull := true
	for _, prop := range pks {
		value, ok := node[prop.Name]
		if !ok {
			return "", false
		}
		if nested, isNode := value.(Node); isNode && prop.TargetMeta != nil {
			id, ok := Identity(nested, prop.TargetMeta)
			if !ok {
				return "", false
			}
			parts = append(parts, id)
			allNull = false
			continue
		}
		if value != nil {
			allNull = false
		}
		parts = append(parts, canonical(value))
	}
	if allNull {
		return "", false
	}
	return strings.Join(parts, "\x1f"), true
}

func canonical(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "\x00"
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = canonical(item)
		}
		return "[" + strings.Join(parts, "\x1e") + "]"
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// KeyOf returns the canonical form of a key tuple. Values read back as
// []byte, string or integers compare equal when they print the same.
func KeyOf(values ...interface{}) string {
	return canonical(values)
}
