package planner

import (
	"fmt"
	"math"
	"strings"

	"relgraph/internal/metadata"
	"relgraph/internal/platform"

	sq "github.com/Masterminds/squirrel"
)

// FindOptions describes one find request.
type FindOptions struct {
	Populate []PopulateHint
	Where    Filter
	OrderBy  []OrderHint
	Fields   []string
	Limit    int
	Offset   int
	// Parent restricts roots to the children of a set of parent keys and
	// projects the parent key under BatchParentAliases.
	Parent *ParentKey
}

// CompiledFind is a compiled find with the plan needed to materialize it.
type CompiledFind struct {
	SQLQuery
	Plan       *JoinPlan
	Projection *Projection
}

const (
	pageAlias        = "e0_page"
	parentPivotAlias = "e0_pivot"
)

// PlanAndCompileFind plans joins for meta and compiles the find to SQL.
func PlanAndCompileFind(meta *metadata.Entity, find FindOptions, opts ...PlanOption) (*CompiledFind, error) {
	o := applyOptions(opts)
	p := o.platform
	if find.Limit < 0 || find.Offset < 0 {
		return nil, configErrorf("limit and offset must be non-negative")
	}
	if find.Parent != nil && (find.Limit > 0 || find.Offset > 0) {
		return nil, configErrorf("limit is not supported for keyed loads")
	}

	hints := append(append([]PopulateHint(nil), find.Populate...), filterHints(meta, find.Where)...)
	plan, err := planJoins(meta, hints, o)
	if err != nil {
		return nil, err
	}
	projection, err := buildProjection(plan, find.Fields, p)
	if err != nil {
		return nil, err
	}

	columns := append([]string(nil), projection.Columns...)
	if find.Parent != nil {
		parentColumns, err := find.Parent.columns(p, meta)
		if err != nil {
			return nil, err
		}
		columns = append(columns, parentColumns...)
	}

	builder := sq.Select(columns...).From(tableRef(p, meta.Table, RootAlias))
	if find.Parent != nil && find.Parent.Via != nil {
		clause, err := find.Parent.pivotJoin(p, meta)
		if err != nil {
			return nil, err
		}
		builder = builder.JoinClause(clause)
	}

	paged := (find.Limit > 0 || find.Offset > 0) && plan.HasToManyJoin()
	for _, desc := range plan.Aliases.Joins() {
		if paged && desc.FilterOnly {
			continue
		}
		clause, args, err := joinClause(p, desc)
		if err != nil {
			return nil, err
		}
		builder = builder.JoinClause(clause, args...)
	}

	conditions, err := rootConditions(plan, find, p)
	if err != nil {
		return nil, err
	}
	if paged {
		page, err := pageCondition(plan, find, conditions, p)
		if err != nil {
			return nil, err
		}
		builder = builder.Where(page)
	} else {
		for _, cond := range conditions {
			builder = builder.Where(cond)
		}
	}

	orderBy, err := composeOrderBy(plan, find.OrderBy, p, true)
	if err != nil {
		return nil, err
	}
	if find.Parent != nil && find.Parent.Via != nil && find.Parent.Via.OrderColumn != "" {
		orderBy = append(orderBy, qualify(p, parentPivotAlias, find.Parent.Via.OrderColumn)+" ASC")
	}
	if len(orderBy) > 0 {
		builder = builder.OrderBy(orderBy...)
	}
	if !paged {
		builder = applyLimit(builder, find.Limit, find.Offset)
	}

	query, args, err := builder.PlaceholderFormat(p.PlaceholderFormat()).ToSql()
	if err != nil {
		return nil, err
	}
	return &CompiledFind{
		SQLQuery:   SQLQuery{SQL: query, Args: args},
		Plan:       plan,
		Projection: projection,
	}, nil
}

func applyLimit(builder sq.SelectBuilder, limit, offset int) sq.SelectBuilder {
	switch {
	case limit > 0:
		builder = builder.Limit(uint64(limit))
	case offset > 0:
		// OFFSET requires a LIMIT on MySQL.
		builder = builder.Limit(uint64(math.MaxInt64))
	}
	if offset > 0 {
		builder = builder.Offset(uint64(offset))
	}
	return builder
}

// rootConditions collects the WHERE terms restricting roots.
func rootConditions(plan *JoinPlan, find FindOptions, p platform.Platform) ([]sq.Sqlizer, error) {
	var conditions []sq.Sqlizer
	meta := plan.Meta
	if meta.IsSubtype() {
		disc := meta.Discriminator()
		if disc == nil || len(meta.SubtypeValues()) == 0 {
			return nil, configErrorf("%s has no discriminator values", meta.Name)
		}
		conditions = append(conditions, discriminatorCondition(p, RootAlias, disc, meta.SubtypeValues()))
	}
	where, err := composeWhere(plan, find.Where, p)
	if err != nil {
		return nil, err
	}
	if where != nil {
		conditions = append(conditions, where)
	}
	if find.Parent != nil {
		cond, err := find.Parent.condition(p, meta)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}

func discriminatorCondition(p platform.Platform, alias string, disc *metadata.Property, values []string) sq.Sqlizer {
	column := qualify(p, alias, disc.FieldNames[0])
	if len(values) == 1 {
		return sq.Eq{column: values[0]}
	}
	return sq.Eq{column: values}
}

// pageCondition restricts roots to one page selected on the root key in a
// derived table, so the limit counts roots instead of joined rows.
func pageCondition(plan *JoinPlan, find FindOptions, conditions []sq.Sqlizer, p platform.Platform) (sq.Sqlizer, error) {
	meta := plan.Meta
	pk := meta.PrimaryKeyFields()
	if len(pk) == 0 {
		return nil, ErrNoPrimaryKey
	}
	keyColumns := qualifiedColumns(p, RootAlias, pk)

	inner := sq.Select(keyColumns...).From(tableRef(p, meta.Table, RootAlias))
	for _, desc := range plan.Aliases.Joins() {
		if !desc.FilterOnly {
			continue
		}
		clause, args, err := joinClause(p, desc)
		if err != nil {
			return nil, err
		}
		inner = inner.JoinClause(clause, args...)
	}
	for _, cond := range conditions {
		inner = inner.Where(cond)
	}
	inner = inner.GroupBy(keyColumns...)
	rootOrder, err := composeOrderBy(plan, rootOnlyOrder(meta, find.OrderBy), p, false)
	if err != nil {
		return nil, err
	}
	if len(rootOrder) > 0 {
		inner = inner.OrderBy(rootOrder...)
	}
	inner = applyLimit(inner, find.Limit, find.Offset)
	innerSQL, args, err := inner.ToSql()
	if err != nil {
		return nil, err
	}

	lhs := keyColumns[0]
	if len(keyColumns) > 1 {
		lhs = "(" + strings.Join(keyColumns, ", ") + ")"
	}
	sql := fmt.Sprintf("%s IN (SELECT %s FROM (%s) AS %s)",
		lhs,
		strings.Join(qualifiedColumns(p, pageAlias, pk), ", "),
		innerSQL,
		p.QuoteIdentifier(pageAlias),
	)
	return sq.Expr(sql, args...), nil
}

func rootOnlyOrder(meta *metadata.Entity, orderBy []OrderHint) []OrderHint {
	out := make([]OrderHint, 0, len(orderBy))
	for _, hint := range orderBy {
		head, _, _ := strings.Cut(hint.Path, ".")
		if prop, ok := meta.Property(head); ok && prop.Kind.IsRelation() {
			continue
		}
		out = append(out, hint)
	}
	return out
}

// joinClause renders "<kind> JOIN <table> AS <alias> ON <predicates>".
func joinClause(p platform.Platform, desc *JoinDescriptor) (string, []interface{}, error) {
	prop := desc.Property
	var (
		table string
		on    string
		err   error
	)
	switch {
	case desc.Kind == JoinKindPivot:
		table = prop.Pivot.Table
		on, err = equalityPredicates(p, desc.ParentAlias, desc.Owner.PrimaryKeyFields(), desc.Alias, prop.Pivot.OwnerColumns)
	case desc.PivotAlias != "":
		table = desc.Target.Table
		on, err = equalityPredicates(p, desc.PivotAlias, prop.Pivot.InverseColumns, desc.Alias, desc.Target.PrimaryKeyFields())
	case prop.Kind == metadata.KindToOneOwner:
		table = desc.Target.Table
		on, err = equalityPredicates(p, desc.ParentAlias, prop.FieldNames, desc.Alias, prop.ReferencedColumns)
	default:
		if prop.Inverse == nil {
			return "", nil, configErrorf("%s.%s has no owning side", desc.Owner.Name, prop.Name)
		}
		table = desc.Target.Table
		on, err = equalityPredicates(p, desc.ParentAlias, prop.ReferencedColumns, desc.Alias, prop.Inverse.FieldNames)
	}
	if err != nil {
		return "", nil, fmt.Errorf("join %s: %w", desc.Path, err)
	}

	var args []interface{}
	targetJoined := desc.Kind != JoinKindPivot
	if targetJoined && desc.Target.IsSubtype() {
		disc := desc.Target.Discriminator()
		if disc != nil && len(desc.Target.SubtypeValues()) > 0 {
			discSQL, discArgs, err := discriminatorCondition(p, desc.Alias, disc, desc.Target.SubtypeValues()).ToSql()
			if err != nil {
				return "", nil, err
			}
			on += " AND " + discSQL
			args = append(args, discArgs...)
		}
	}
	if len(desc.Where) > 0 {
		if !targetJoined {
			return "", nil, configErrorf("populate %s: where requires the target to be joined", desc.Path)
		}
		cond, err := composeTargetWhere(desc.Target, desc.Alias, desc.Where, p)
		if err != nil {
			return "", nil, err
		}
		whereSQL, whereArgs, err := cond.ToSql()
		if err != nil {
			return "", nil, err
		}
		on += " AND " + whereSQL
		args = append(args, whereArgs...)
	}
	return fmt.Sprintf("%s %s ON %s", desc.SQLKeyword(), tableRef(p, table, desc.Alias), on), args, nil
}
