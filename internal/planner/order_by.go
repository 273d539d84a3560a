package planner

import (
	"strings"

	"relgraph/internal/platform"
)

// ParseDirection normalizes an order direction to ASC or DESC.
func ParseDirection(direction string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(direction)) {
	case "", "ASC":
		return "ASC", nil
	case "DESC":
		return "DESC", nil
	default:
		return "", configErrorf("invalid order direction %q", direction)
	}
}

// ComposeOrderBy renders ORDER BY terms: the explicit ordering first, then
// orderings declared on populate hints, then the pivot order column of
// joined fixed-order many-to-many relations. Terms naming relations that
// were not joined are dropped.
func ComposeOrderBy(plan *JoinPlan, orderBy []OrderHint, opts ...PlanOption) ([]string, error) {
	o := applyOptions(opts)
	return composeOrderBy(plan, orderBy, o.platform, true)
}

func composeOrderBy(plan *JoinPlan, orderBy []OrderHint, p platform.Platform, scoped bool) ([]string, error) {
	terms := make([]string, 0, len(orderBy))
	for _, hint := range orderBy {
		term, err := orderTerm(plan, p, "", hint)
		if err != nil {
			return nil, err
		}
		if term != "" {
			terms = append(terms, term)
		}
	}
	if !scoped {
		return terms, nil
	}

	for _, desc := range plan.Aliases.Joins() {
		if desc.FilterOnly {
			continue
		}
		for _, hint := range desc.OrderBy {
			term, err := orderTerm(plan, p, desc.Path, hint)
			if err != nil {
				return nil, err
			}
			if term != "" {
				terms = append(terms, term)
			}
		}
	}
	for _, desc := range plan.Aliases.Joins() {
		if desc.FilterOnly || !desc.Property.FixedOrder {
			continue
		}
		order := desc.Property.Pivot.OrderColumn
		switch {
		case desc.PivotAlias != "":
			terms = append(terms, qualify(p, desc.PivotAlias, order)+" ASC")
		case desc.Kind == JoinKindPivot && desc.Ref:
			terms = append(terms, qualify(p, desc.Alias, order)+" ASC")
		}
	}
	return terms, nil
}

// orderTerm resolves one ordering relative to the join at base.
func orderTerm(plan *JoinPlan, p platform.Platform, base string, hint OrderHint) (string, error) {
	direction, err := ParseDirection(hint.Direction)
	if err != nil {
		return "", err
	}
	current := plan.Meta
	alias := RootAlias
	if base != "" {
		desc, ok := plan.Aliases.Lookup(base)
		if !ok {
			return "", nil
		}
		current = desc.Target
		alias = desc.Alias
	}
	path := base
	segments := strings.Split(hint.Path, ".")
	for i, segment := range segments {
		prop, ok := current.Property(segment)
		if !ok {
			return "", configErrorf("order by %s: property %s not found on %s", hint.Path, segment, current.Name)
		}
		if prop.Kind.IsRelation() && i < len(segments)-1 {
			path = joinPath(path, segment)
			desc, joined := plan.Aliases.Lookup(path)
			if !joined || desc.FilterOnly || desc.Kind == JoinKindPivot {
				return "", nil
			}
			alias = desc.Alias
			current = prop.TargetMeta
			continue
		}
		expr, _, err := columnExpression(p, alias, current, prop, segments[i+1:], hint.Path)
		if err != nil {
			return "", err
		}
		return expr + " " + direction, nil
	}
	return "", configErrorf("order by: empty path")
}
