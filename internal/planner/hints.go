package planner

import (
	"strings"

	"relgraph/internal/metadata"
)

// JoinType overrides the join kind chosen for a populated relation.
type JoinType int

const (
	// JoinDefault lets the planner choose.
	JoinDefault JoinType = iota
	// JoinLeft forces a LEFT JOIN.
	JoinLeft
	// JoinInner forces an INNER JOIN.
	JoinInner
)

// PopulateHint requests eager loading of one relation, possibly nested.
type PopulateHint struct {
	// Field is the relation property name on the parent entity.
	Field string
	// Ref materializes only the foreign key value(s), not the target.
	Ref bool
	// Strategy overrides the relation's load strategy.
	Strategy metadata.LoadStrategy
	// JoinType overrides the join kind.
	JoinType JoinType
	// Where filters the populated relation; it is applied in the join ON clause.
	Where Filter
	// OrderBy orders the populated relation; paths are relative to the target.
	OrderBy []OrderHint
	// Filter marks a join that exists only to evaluate the find's where
	// clause. Filter joins are never projected nor materialized.
	Filter   bool
	Children []PopulateHint
}

// OrderHint orders by a property path, e.g. "title" or "books.title".
type OrderHint struct {
	Path      string
	Direction string
}

// Condition compares the value at a property path using an operator:
// eq, ne, lt, lte, gt, gte, in, notIn, like, notLike, isNull.
type Condition struct {
	Path  string
	Op    string
	Value interface{}
}

// Filter is a conjunction of conditions.
type Filter []Condition

// ParsePopulate normalizes dotted populate paths ("books.tags",
// "author:ref") into a hint tree. Repeated prefixes share one hint and
// first-seen order is kept.
func ParsePopulate(paths []string) []PopulateHint {
	var roots []PopulateHint
	for _, raw := range paths {
		path := strings.TrimSpace(raw)
		if path == "" {
			continue
		}
		ref := false
		if strings.HasSuffix(path, ":ref") {
			ref = true
			path = strings.TrimSuffix(path, ":ref")
		}
		segments := strings.Split(path, ".")
		roots = insertHint(roots, segments, ref)
	}
	return roots
}

func insertHint(level []PopulateHint, segments []string, ref bool) []PopulateHint {
	if len(segments) == 0 {
		return level
	}
	field := segments[0]
	last := len(segments) == 1
	for i := range level {
		if level[i].Field != field {
			continue
		}
		if last {
			level[i].Ref = level[i].Ref && ref && len(level[i].Children) == 0
			return level
		}
		level[i].Ref = false
		level[i].Children = insertHint(level[i].Children, segments[1:], ref)
		return level
	}
	hint := PopulateHint{Field: field}
	if last {
		hint.Ref = ref
	} else {
		hint.Children = insertHint(nil, segments[1:], ref)
	}
	return append(level, hint)
}

func joinPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

const filterPathPrefix = "[filter]"

func filterPath(path string) string {
	return filterPathPrefix + path
}

func pivotPath(path string) string {
	return path + "[pivot]"
}
