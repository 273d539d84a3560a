package finder

import (
	"context"
	"fmt"
	"strings"

	"relgraph/internal/dbexec"
	"relgraph/internal/materializer"
	"relgraph/internal/metadata"
	"relgraph/internal/planner"

	"golang.org/x/sync/errgroup"
)

// parentRef is one node owning a select-in relation and the canonical key
// its related rows are grouped under.
type parentRef struct {
	node materializer.Node
	key  string
	ok   bool
}

// loadedRelation holds the follow-up result of one select-in hint until it
// is attached to the parent nodes.
type loadedRelation struct {
	prop    *metadata.Property
	parents []parentRef
	groups  map[string][]materializer.Node
}

// followUps loads every select-in relation of plan for nodes. Sibling
// relations are queried concurrently; results are attached afterwards so
// node maps are only written from this goroutine.
func (f *Finder) followUps(ctx context.Context, plan *planner.JoinPlan, nodes []materializer.Node) error {
	if len(plan.SelectIn) == 0 || len(nodes) == 0 {
		return nil
	}

	loaded := make([]*loadedRelation, len(plan.SelectIn))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i := range plan.SelectIn {
		sel := plan.SelectIn[i]
		parents := collectNodes(nodes, sel.ParentPath)
		g.Go(func() error {
			rel, err := f.loadRelation(gctx, sel, parents)
			if err != nil {
				return fmt.Errorf("populate %s: %w", sel.Path, err)
			}
			loaded[i] = rel
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, rel := range loaded {
		rel.attach()
	}
	return nil
}

func (f *Finder) loadRelation(ctx context.Context, sel planner.SelectInHint, parents []materializer.Node) (*loadedRelation, error) {
	prop := sel.Property
	rel := &loadedRelation{
		prop:    prop,
		parents: make([]parentRef, 0, len(parents)),
		groups:  map[string][]materializer.Node{},
	}

	source := planner.KeySource(sel.Owner, prop)
	var tuples []planner.ParentTuple
	seen := make(map[string]struct{}, len(parents))
	for _, node := range parents {
		values, ok := parentValues(node, sel.Owner, source)
		if !ok {
			rel.parents = append(rel.parents, parentRef{node: node})
			continue
		}
		key := materializer.KeyOf(values...)
		rel.parents = append(rel.parents, parentRef{node: node, key: key, ok: true})
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tuples = append(tuples, planner.ParentTuple{Values: values})
	}
	if len(tuples) == 0 {
		return rel, nil
	}

	parentKey, err := planner.SelectInKey(prop, tuples)
	if err != nil {
		return nil, err
	}
	if prop.TargetMeta == nil {
		return nil, fmt.Errorf("%w: %s.%s has no target", planner.ErrConfiguration, sel.Owner.Name, prop.Name)
	}
	f.metrics.RecordFollowUp(ctx, sel.Owner.Name+"."+prop.Name)

	find := planner.FindOptions{
		Populate: sel.Hint.Children,
		Where:    sel.Hint.Where,
		OrderBy:  sel.Hint.OrderBy,
		Parent:   parentKey,
	}
	rel.groups, err = f.findKeyed(ctx, prop.TargetMeta, find, len(source))
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// findKeyed runs a keyed find and groups the materialized nodes by the
// parent key projected under the batch parent aliases. Rows are grouped
// before merging so a target shared by two parents is kept for both.
func (f *Finder) findKeyed(ctx context.Context, meta *metadata.Entity, find planner.FindOptions, width int) (map[string][]materializer.Node, error) {
	compiled, rows, err := f.query(ctx, meta, find)
	if err != nil {
		return nil, err
	}

	aliases := planner.BatchParentAliases(width)
	byParent := make(map[string][]dbexec.FlatRow)
	var order []string
	for _, row := range rows {
		values := make([]interface{}, len(aliases))
		for i, alias := range aliases {
			values[i] = row[alias]
		}
		key := materializer.KeyOf(values...)
		if _, ok := byParent[key]; !ok {
			order = append(order, key)
		}
		byParent[key] = append(byParent[key], row)
	}

	groups := make(map[string][]materializer.Node, len(order))
	var all []materializer.Node
	for _, key := range order {
		nodes, err := f.materialize(ctx, compiled.Plan, byParent[key])
		if err != nil {
			return nil, err
		}
		groups[key] = nodes
		all = append(all, nodes...)
	}
	if err := f.followUps(ctx, compiled.Plan, all); err != nil {
		return nil, err
	}
	return groups, nil
}

// attach stores the loaded targets on every parent: a list for to-many
// relations, the first target or nil for to-one relations.
func (r *loadedRelation) attach() {
	for _, parent := range r.parents {
		var items []materializer.Node
		if parent.ok {
			items = r.groups[parent.key]
		}
		if r.prop.Kind.IsToMany() {
			list := make([]interface{}, len(items))
			for i, item := range items {
				list[i] = item
			}
			parent.node[r.prop.Name] = list
			continue
		}
		if len(items) == 0 {
			parent.node[r.prop.Name] = nil
			continue
		}
		parent.node[r.prop.Name] = items[0]
	}
}

// collectNodes returns the nodes reached from roots along a dotted
// relation path; the roots themselves for an empty path.
func collectNodes(roots []materializer.Node, path string) []materializer.Node {
	if path == "" {
		return roots
	}
	current := roots
	for _, segment := range strings.Split(path, ".") {
		var next []materializer.Node
		for _, node := range current {
			switch v := node[segment].(type) {
			case materializer.Node:
				next = append(next, v)
			case []interface{}:
				for _, item := range v {
					if child, ok := item.(materializer.Node); ok {
						next = append(next, child)
					}
				}
			}
		}
		current = next
	}
	return current
}

// parentValues reads the key columns of a parent node. It reports false when
// a column is missing or every value is null, since no row can match.
func parentValues(node materializer.Node, meta *metadata.Entity, columns []string) ([]interface{}, bool) {
	values := make([]interface{}, len(columns))
	allNull := true
	for i, col := range columns {
		v, ok := columnValue(node, meta, col)
		if !ok {
			return nil, false
		}
		if v != nil {
			allNull = false
		}
		values[i] = v
	}
	return values, !allNull
}

// columnValue finds the value a node holds for a physical column of meta.
// Owning to-one relations hold their foreign key, or the target node when
// the relation was populated by a join.
func columnValue(node materializer.Node, meta *metadata.Entity, column string) (interface{}, bool) {
	for _, prop := range meta.Properties {
		if prop.Kind != metadata.KindScalar && prop.Kind != metadata.KindToOneOwner {
			continue
		}
		for i, field := range prop.FieldNames {
			if field != column {
				continue
			}
			value, ok := node[prop.Name]
			if !ok {
				return nil, false
			}
			if nested, isNode := value.(materializer.Node); isNode {
				if prop.TargetMeta == nil || i >= len(prop.ReferencedColumns) {
					return nil, false
				}
				return columnValue(nested, prop.TargetMeta, prop.ReferencedColumns[i])
			}
			if len(prop.FieldNames) == 1 {
				return value, true
			}
			if values, isSlice := value.([]interface{}); isSlice && i < len(values) {
				return values[i], true
			}
			if value == nil {
				return nil, true
			}
			return nil, false
		}
	}
	return nil, false
}
