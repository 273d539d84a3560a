package planner

import (
	"fmt"

	"relgraph/internal/metadata"
)

// JoinKind is the SQL role of a joined table instance.
type JoinKind int

const (
	// JoinKindLeft is a LEFT JOIN of the relation target.
	JoinKindLeft JoinKind = iota
	// JoinKindInner is an INNER JOIN of the relation target.
	JoinKindInner
	// JoinKindPivot joins a many-to-many junction table.
	JoinKindPivot
)

func (k JoinKind) String() string {
	switch k {
	case JoinKindLeft:
		return "left"
	case JoinKindInner:
		return "inner"
	case JoinKindPivot:
		return "pivot"
	default:
		return "unknown"
	}
}

// JoinDescriptor describes one joined table instance.
type JoinDescriptor struct {
	// Path is the dot separated relation path from the root ("books.tags").
	Path        string
	Alias       string
	Kind        JoinKind
	ParentAlias string
	// Owner is the entity declaring Property; Target the joined entity.
	Owner    *metadata.Entity
	Property *metadata.Property
	Target   *metadata.Entity
	// Ref joins read only key values.
	Ref bool
	// FilterOnly joins exist for the where clause and are never projected.
	FilterOnly bool
	// Required makes a pivot join INNER.
	Required bool
	// PivotAlias is the junction alias a many-to-many target is joined through.
	PivotAlias string
	Where      Filter
	OrderBy    []OrderHint
}

// SQLKeyword returns the join keyword for the descriptor.
func (d *JoinDescriptor) SQLKeyword() string {
	if d.Kind == JoinKindInner || (d.Kind == JoinKindPivot && d.Required) {
		return "INNER JOIN"
	}
	return "LEFT JOIN"
}

// AliasTable allocates one alias per join path for a single compilation.
// Aliases are sequential ("e0" is the root) so generated SQL is stable.
type AliasTable struct {
	next   int
	byPath map[string]*JoinDescriptor
	joins  []*JoinDescriptor
}

// RootAlias is the alias of the queried entity's table.
const RootAlias = "e0"

// NewAliasTable creates an empty alias table.
func NewAliasTable() *AliasTable {
	return &AliasTable{next: 1, byPath: make(map[string]*JoinDescriptor)}
}

// Root returns the root alias.
func (t *AliasTable) Root() string {
	return RootAlias
}

// Allocate registers a join for desc.Path and returns the stored descriptor.
// Re-allocating an existing path returns the existing descriptor unchanged.
func (t *AliasTable) Allocate(desc JoinDescriptor) *JoinDescriptor {
	if existing, ok := t.byPath[desc.Path]; ok {
		return existing
	}
	desc.Alias = fmt.Sprintf("e%d", t.next)
	t.next++
	stored := &desc
	t.byPath[desc.Path] = stored
	t.joins = append(t.joins, stored)
	return stored
}

// Lookup returns the join allocated for path.
func (t *AliasTable) Lookup(path string) (*JoinDescriptor, bool) {
	desc, ok := t.byPath[path]
	return desc, ok
}

// Alias returns the alias for path; the empty path is the root.
func (t *AliasTable) Alias(path string) (string, bool) {
	if path == "" {
		return RootAlias, true
	}
	desc, ok := t.byPath[path]
	if !ok {
		return "", false
	}
	return desc.Alias, true
}

// MustAlias returns the alias for path or ErrUnknownAlias.
func (t *AliasTable) MustAlias(path string) (string, error) {
	alias, ok := t.Alias(path)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAlias, path)
	}
	return alias, nil
}

// Joins returns descriptors in allocation order.
func (t *AliasTable) Joins() []*JoinDescriptor {
	return t.joins
}

// Len returns the number of allocated joins.
func (t *AliasTable) Len() int {
	return len(t.joins)
}

// SelectInHint is a populated relation pruned from the join plan and loaded
// by a follow-up query.
type SelectInHint struct {
	// ParentPath is the join path whose nodes own the relation ("" for roots).
	ParentPath string
	Path       string
	Owner      *metadata.Entity
	Property   *metadata.Property
	Hint       PopulateHint
}

// JoinPlan is the output of join planning for one compilation.
type JoinPlan struct {
	Meta     *metadata.Entity
	Aliases  *AliasTable
	Hints    []PopulateHint
	SelectIn []SelectInHint
	depth    int
}

// HasToManyJoin reports whether any join can multiply root rows.
func (p *JoinPlan) HasToManyJoin() bool {
	for _, desc := range p.Aliases.Joins() {
		if desc.Property.Kind.IsToMany() {
			return true
		}
	}
	return false
}

// PlanJoins decides which populate hints become joins and allocates their
// aliases. Hints that are not joined are returned as SelectIn entries.
func PlanJoins(meta *metadata.Entity, hints []PopulateHint, opts ...PlanOption) (*JoinPlan, error) {
	return planJoins(meta, hints, applyOptions(opts))
}

func planJoins(meta *metadata.Entity, hints []PopulateHint, o *planOptions) (*JoinPlan, error) {
	if meta == nil {
		return nil, configErrorf("entity metadata is required")
	}
	plan := &JoinPlan{
		Meta:    meta,
		Aliases: NewAliasTable(),
		Hints:   hints,
	}
	if err := plan.planLevel(meta, hints, "", RootAlias, JoinKindInner, 1, false, o); err != nil {
		return nil, err
	}
	if o.limits != nil {
		if err := o.limits.validate(plan); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (p *JoinPlan) planLevel(meta *metadata.Entity, hints []PopulateHint, parentPath, parentAlias string, parentKind JoinKind, depth int, underFilter bool, o *planOptions) error {
	for i := range hints {
		hint := hints[i]
		prop, ok := meta.Property(hint.Field)
		if !ok {
			return configErrorf("populate %s: property %s not found on %s", joinPath(parentPath, hint.Field), hint.Field, meta.Name)
		}
		if !prop.Kind.IsRelation() {
			return configErrorf("populate %s: %s.%s is not a relation", joinPath(parentPath, hint.Field), meta.Name, hint.Field)
		}
		filter := hint.Filter || underFilter
		path := joinPath(parentPath, hint.Field)
		if filter && parentPath == "" {
			path = filterPath(hint.Field)
		}
		if depth > p.depth {
			p.depth = depth
		}

		// The FK of an owning to-one ref is already among the owner's columns.
		if hint.Ref && prop.Kind == metadata.KindToOneOwner && !filter {
			continue
		}
		if !filter && !shouldJoin(prop, hint, o) {
			p.SelectIn = append(p.SelectIn, SelectInHint{
				ParentPath: parentPath,
				Path:       path,
				Owner:      meta,
				Property:   prop,
				Hint:       hint,
			})
			continue
		}

		kind := joinKindFor(prop, hint, parentKind, filter)
		desc := p.allocate(meta, prop, hint, path, parentAlias, kind, filter)
		if hint.Ref {
			continue
		}
		if err := p.planLevel(prop.TargetMeta, hint.Children, path, desc.Alias, kind, depth+1, filter, o); err != nil {
			return err
		}
	}
	return nil
}

// shouldJoin applies the join rules: joined strategy, refs that need the
// target or junction table, mandatory to-one relations.
func shouldJoin(prop *metadata.Property, hint PopulateHint, o *planOptions) bool {
	if hint.Ref {
		return true
	}
	strategy := hint.Strategy
	if strategy == metadata.StrategyDefault {
		strategy = prop.Strategy
	}
	if strategy == metadata.StrategyDefault {
		strategy = o.strategy
	}
	if strategy == metadata.StrategyJoined {
		return true
	}
	return prop.Kind == metadata.KindToOneOwner && !prop.Nullable
}

func joinKindFor(prop *metadata.Property, hint PopulateHint, parentKind JoinKind, filter bool) JoinKind {
	switch hint.JoinType {
	case JoinLeft:
		return JoinKindLeft
	case JoinInner:
		return JoinKindInner
	}
	if filter {
		return JoinKindLeft
	}
	if len(hint.Where) > 0 {
		return JoinKindInner
	}
	// A mandatory to-one stays inner only while every join above it is
	// inner, otherwise it would drop rows the outer join kept.
	if prop.Kind == metadata.KindToOneOwner && !prop.Nullable && parentKind != JoinKindLeft {
		return JoinKindInner
	}
	return JoinKindLeft
}

func (p *JoinPlan) allocate(meta *metadata.Entity, prop *metadata.Property, hint PopulateHint, path, parentAlias string, kind JoinKind, filter bool) *JoinDescriptor {
	if prop.Kind != metadata.KindManyToMany {
		return p.Aliases.Allocate(JoinDescriptor{
			Path:        path,
			Kind:        kind,
			ParentAlias: parentAlias,
			Owner:       meta,
			Property:    prop,
			Target:      prop.TargetMeta,
			Ref:         hint.Ref,
			FilterOnly:  filter,
			Where:       hint.Where,
			OrderBy:     hint.OrderBy,
		})
	}
	if hint.Ref {
		return p.Aliases.Allocate(JoinDescriptor{
			Path:        path,
			Kind:        JoinKindPivot,
			ParentAlias: parentAlias,
			Owner:       meta,
			Property:    prop,
			Target:      prop.TargetMeta,
			Ref:         true,
			FilterOnly:  filter,
			Required:    kind == JoinKindInner,
			Where:       hint.Where,
			OrderBy:     hint.OrderBy,
		})
	}
	pivot := p.Aliases.Allocate(JoinDescriptor{
		Path:        pivotPath(path),
		Kind:        JoinKindPivot,
		ParentAlias: parentAlias,
		Owner:       meta,
		Property:    prop,
		Target:      prop.TargetMeta,
		FilterOnly:  filter,
		Required:    kind == JoinKindInner,
	})
	return p.Aliases.Allocate(JoinDescriptor{
		Path:        path,
		Kind:        kind,
		ParentAlias: pivot.Alias,
		Owner:       meta,
		Property:    prop,
		Target:      prop.TargetMeta,
		FilterOnly:  filter,
		PivotAlias:  pivot.Alias,
		Where:       hint.Where,
		OrderBy:     hint.OrderBy,
	})
}
