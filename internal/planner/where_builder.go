package planner

import (
	"fmt"
	"strings"

	"relgraph/internal/metadata"
	"relgraph/internal/platform"

	sq "github.com/Masterminds/squirrel"
)

// ComposeWhere renders a find filter against the plan's aliases. Paths that
// cross relations ("books.title") resolve through the filter joins the plan
// allocated for them; a missing alias is ErrUnknownAlias.
func ComposeWhere(plan *JoinPlan, where Filter, opts ...PlanOption) (sq.Sqlizer, error) {
	o := applyOptions(opts)
	return composeWhere(plan, where, o.platform)
}

func composeWhere(plan *JoinPlan, where Filter, p platform.Platform) (sq.Sqlizer, error) {
	if len(where) == 0 {
		return nil, nil
	}
	resolve := func(path string) (string, *metadata.Property, error) {
		return resolveFilterPath(plan, p, path)
	}
	return buildFilter(where, resolve)
}

// composeTargetWhere renders a populate hint's where against a joined alias.
func composeTargetWhere(target *metadata.Entity, alias string, where Filter, p platform.Platform) (sq.Sqlizer, error) {
	resolve := func(path string) (string, *metadata.Property, error) {
		segments := strings.Split(path, ".")
		prop, ok := target.Property(segments[0])
		if !ok {
			return "", nil, configErrorf("where %s: property %s not found on %s", path, segments[0], target.Name)
		}
		if prop.Kind.IsRelation() && len(segments) > 1 {
			return "", nil, configErrorf("where %s: populate filters cannot traverse relations", path)
		}
		return columnExpression(p, alias, target, prop, segments[1:], path)
	}
	return buildFilter(where, resolve)
}

type pathResolver func(path string) (string, *metadata.Property, error)

func buildFilter(where Filter, resolve pathResolver) (sq.Sqlizer, error) {
	conditions := sq.And{}
	for _, cond := range where {
		expr, prop, err := resolve(cond.Path)
		if err != nil {
			return nil, err
		}
		built, err := buildCondition(expr, prop, cond)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, built)
	}
	return conditions, nil
}

func resolveFilterPath(plan *JoinPlan, p platform.Platform, path string) (string, *metadata.Property, error) {
	segments := strings.Split(path, ".")
	current := plan.Meta
	alias := RootAlias
	relationPath := ""
	for i, segment := range segments {
		prop, ok := current.Property(segment)
		if !ok {
			return "", nil, configErrorf("where %s: property %s not found on %s", path, segment, current.Name)
		}
		if prop.Kind.IsRelation() && i < len(segments)-1 {
			relationPath = joinPath(relationPath, segment)
			next, err := plan.Aliases.MustAlias(filterPath(relationPath))
			if err != nil {
				return "", nil, err
			}
			alias = next
			current = prop.TargetMeta
			continue
		}
		return columnExpression(p, alias, current, prop, segments[i+1:], path)
	}
	return "", nil, configErrorf("where %s: empty path", path)
}

// columnExpression resolves a property (and any embedded sub path) to a
// single qualified column or formula expression.
func columnExpression(p platform.Platform, alias string, owner *metadata.Entity, prop *metadata.Property, rest []string, path string) (string, *metadata.Property, error) {
	for len(rest) > 0 {
		if !prop.IsFlattenedEmbedded() {
			return "", nil, configErrorf("where %s: %s has no nested properties", path, prop.Name)
		}
		child, ok := prop.EmbeddedProperty(rest[0])
		if !ok {
			return "", nil, configErrorf("where %s: property %s not found on %s", path, rest[0], prop.Name)
		}
		prop = child
		rest = rest[1:]
	}
	switch {
	case prop.Formula != "":
		return "(" + strings.ReplaceAll(prop.Formula, "{alias}", p.QuoteIdentifier(alias)) + ")", prop, nil
	case prop.Kind == metadata.KindScalar, prop.Kind == metadata.KindToOneOwner, prop.Kind == metadata.KindEmbedded && prop.Object:
		if len(prop.FieldNames) != 1 {
			return "", nil, configErrorf("where %s: %s.%s spans %d columns", path, owner.Name, prop.Name, len(prop.FieldNames))
		}
		return qualify(p, alias, prop.FieldNames[0]), prop, nil
	default:
		return "", nil, configErrorf("where %s: %s.%s is not filterable", path, owner.Name, prop.Name)
	}
}

func buildCondition(expr string, prop *metadata.Property, cond Condition) (sq.Sqlizer, error) {
	if prop.WriteSQL != "" && cond.Op != "isNull" && cond.Op != "like" && cond.Op != "notLike" {
		return buildConvertedCondition(expr, prop.WriteSQL, cond)
	}
	switch cond.Op {
	case "eq", "":
		return sq.Eq{expr: cond.Value}, nil
	case "ne":
		return sq.NotEq{expr: cond.Value}, nil
	case "lt":
		return sq.Lt{expr: cond.Value}, nil
	case "lte":
		return sq.LtOrEq{expr: cond.Value}, nil
	case "gt":
		return sq.Gt{expr: cond.Value}, nil
	case "gte":
		return sq.GtOrEq{expr: cond.Value}, nil
	case "in":
		arr, ok := cond.Value.([]interface{})
		if !ok {
			return nil, configErrorf("in operator requires an array")
		}
		return sq.Eq{expr: arr}, nil
	case "notIn":
		arr, ok := cond.Value.([]interface{})
		if !ok {
			return nil, configErrorf("notIn operator requires an array")
		}
		return sq.NotEq{expr: arr}, nil
	case "like":
		return sq.Like{expr: cond.Value}, nil
	case "notLike":
		return sq.NotLike{expr: cond.Value}, nil
	case "isNull":
		return isNullCondition(expr, cond.Value)
	default:
		return nil, configErrorf("unknown filter operator: %s", cond.Op)
	}
}

func isNullCondition(expr string, value interface{}) (sq.Sqlizer, error) {
	isNull, ok := value.(bool)
	if !ok {
		return nil, configErrorf("isNull operator requires a boolean")
	}
	if isNull {
		return sq.Eq{expr: nil}, nil
	}
	return sq.NotEq{expr: nil}, nil
}

// buildConvertedCondition wraps each placeholder in the property's write
// conversion so stored encodings compare correctly.
func buildConvertedCondition(expr, writeSQL string, cond Condition) (sq.Sqlizer, error) {
	ops := map[string]string{"eq": "=", "": "=", "ne": "<>", "lt": "<", "lte": "<=", "gt": ">", "gte": ">="}
	if op, ok := ops[cond.Op]; ok {
		return sq.Expr(fmt.Sprintf("%s %s %s", expr, op, writeSQL), cond.Value), nil
	}
	if cond.Op != "in" && cond.Op != "notIn" {
		return nil, configErrorf("unknown filter operator: %s", cond.Op)
	}
	arr, ok := cond.Value.([]interface{})
	if !ok {
		return nil, configErrorf("%s operator requires an array", cond.Op)
	}
	if len(arr) == 0 {
		if cond.Op == "in" {
			return sq.Expr("(1=0)"), nil
		}
		return sq.Expr("(1=1)"), nil
	}
	placeholders := make([]string, len(arr))
	for i := range arr {
		placeholders[i] = writeSQL
	}
	keyword := "IN"
	if cond.Op == "notIn" {
		keyword = "NOT IN"
	}
	return sq.Expr(fmt.Sprintf("%s %s (%s)", expr, keyword, strings.Join(placeholders, ", ")), arr...), nil
}

// filterHints derives the filter-only joins a where clause needs.
func filterHints(meta *metadata.Entity, where Filter) []PopulateHint {
	var hints []PopulateHint
	for _, cond := range where {
		segments := strings.Split(cond.Path, ".")
		current := meta
		var relations []string
		for i, segment := range segments[:len(segments)-1] {
			if current == nil {
				break
			}
			prop, ok := current.Property(segment)
			if !ok || !prop.Kind.IsRelation() {
				break
			}
			relations = segments[:i+1]
			current = prop.TargetMeta
		}
		if len(relations) > 0 {
			hints = insertHint(hints, relations, false)
		}
	}
	markFilter(hints)
	return hints
}

func markFilter(hints []PopulateHint) {
	for i := range hints {
		hints[i].Filter = true
		markFilter(hints[i].Children)
	}
}
