package planner

import (
	"strings"

	"relgraph/internal/metadata"
	"relgraph/internal/platform"
)

// Projection is the SELECT list of a compiled find and the flat-row key each
// expression is read back under.
type Projection struct {
	Columns []string
	Keys    []string
}

// BuildProjection renders the select list for a join plan. Root columns are
// read under their bare field name, joined columns as "{alias}__{field}".
// fields narrows the projection ("title", "address.city", "books.title");
// primary keys and discriminators are always kept.
func BuildProjection(plan *JoinPlan, fields []string, opts ...PlanOption) (*Projection, error) {
	o := applyOptions(opts)
	return buildProjection(plan, fields, o.platform)
}

func buildProjection(plan *JoinPlan, fields []string, p platform.Platform) (*Projection, error) {
	byPath, err := splitFields(plan.Meta, fields)
	if err != nil {
		return nil, err
	}
	pr := &projector{p: p}
	pr.entity(plan.Meta, RootAlias, "", newSelection(byPath[""], fields == nil), hintedFields(plan.Hints))

	for _, desc := range plan.Aliases.Joins() {
		if desc.FilterOnly {
			continue
		}
		switch {
		case desc.Kind == JoinKindPivot:
			pivot := desc.Property.Pivot
			for _, col := range pivot.OwnerColumns {
				pr.column(desc.Alias, desc.Alias, col, "")
			}
			for _, col := range pivot.InverseColumns {
				pr.column(desc.Alias, desc.Alias, col, "")
			}
		case desc.Ref:
			for _, col := range desc.Target.PrimaryKeyFields() {
				pr.column(desc.Alias, desc.Alias, col, "")
			}
		default:
			requested, narrowed := byPath[desc.Path]
			children := hintedFields(hintsAt(plan.Hints, desc.Path))
			pr.entity(desc.Target, desc.Alias, desc.Alias, newSelection(requested, !narrowed), children)
		}
	}
	return &Projection{Columns: pr.columns, Keys: pr.keys}, nil
}

// splitFields groups dotted field paths by the join path they address.
func splitFields(meta *metadata.Entity, fields []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, field := range fields {
		segments := strings.Split(field, ".")
		path := ""
		current := meta
		for i, segment := range segments {
			prop, ok := current.Property(segment)
			if !ok {
				return nil, configErrorf("field %s: property %s not found on %s", field, segment, current.Name)
			}
			if prop.Kind.IsRelation() && i < len(segments)-1 {
				path = joinPath(path, segment)
				current = prop.TargetMeta
				continue
			}
			out[path] = append(out[path], strings.Join(segments[i:], "."))
			break
		}
	}
	return out, nil
}

// selection is the narrowed property set of one entity or embeddable.
type selection struct {
	all   bool
	names map[string][]string
}

func newSelection(paths []string, all bool) selection {
	sel := selection{all: all || len(paths) == 0, names: make(map[string][]string)}
	for _, path := range paths {
		head, rest, nested := strings.Cut(path, ".")
		if !nested {
			sel.names[head] = nil
			continue
		}
		if existing, ok := sel.names[head]; ok && existing == nil {
			continue
		}
		sel.names[head] = append(sel.names[head], rest)
	}
	return sel
}

func (s selection) named(name string) bool {
	_, ok := s.names[name]
	return ok
}

func (s selection) child(name string) selection {
	if s.all {
		return selection{all: true}
	}
	paths, ok := s.names[name]
	if !ok {
		return selection{}
	}
	return newSelection(paths, paths == nil)
}

type projector struct {
	p       platform.Platform
	columns []string
	keys    []string
}

// entity emits the readable properties of meta. keyAlias is "" for the root.
func (pr *projector) entity(meta *metadata.Entity, alias, keyAlias string, sel selection, hinted map[string]struct{}) {
	discriminator := meta.Discriminator()
	for _, prop := range meta.Properties {
		always := prop.Primary || prop == discriminator
		switch prop.Kind {
		case metadata.KindScalar:
			if !always && !sel.all && !sel.named(prop.Name) {
				continue
			}
			if prop.Lazy && !sel.named(prop.Name) {
				continue
			}
			if prop.Formula != "" {
				expr := strings.ReplaceAll(prop.Formula, "{alias}", pr.p.QuoteIdentifier(alias))
				pr.expression(expr, ColumnKey(keyAlias, prop.FieldNames[0]))
				continue
			}
			for _, col := range readColumns(prop) {
				pr.column(alias, keyAlias, col, prop.ReadSQL)
			}
		case metadata.KindEmbedded:
			if !sel.all && !sel.named(prop.Name) {
				continue
			}
			if prop.Lazy && !sel.named(prop.Name) {
				continue
			}
			pr.embedded(prop, alias, keyAlias, sel.child(prop.Name))
		case metadata.KindToOneOwner:
			_, populated := hinted[prop.Name]
			if !always && !populated && !sel.all && !sel.named(prop.Name) {
				continue
			}
			for _, col := range prop.FieldNames {
				pr.column(alias, keyAlias, col, "")
			}
		}
	}
}

func (pr *projector) embedded(prop *metadata.Property, alias, keyAlias string, sel selection) {
	if prop.Object {
		pr.column(alias, keyAlias, prop.FieldNames[0], prop.ReadSQL)
		return
	}
	for _, child := range prop.Embedded {
		if !sel.all && !sel.named(child.Name) {
			continue
		}
		if child.Kind == metadata.KindEmbedded {
			pr.embedded(child, alias, keyAlias, sel.child(child.Name))
			continue
		}
		if child.Formula != "" {
			expr := strings.ReplaceAll(child.Formula, "{alias}", pr.p.QuoteIdentifier(alias))
			pr.expression(expr, ColumnKey(keyAlias, child.FieldNames[0]))
			continue
		}
		for _, col := range child.FieldNames {
			pr.column(alias, keyAlias, col, child.ReadSQL)
		}
	}
}

func (pr *projector) column(alias, keyAlias, field, readSQL string) {
	ref := qualify(pr.p, alias, field)
	key := ColumnKey(keyAlias, field)
	if readSQL != "" {
		pr.expression(strings.ReplaceAll(readSQL, "{column}", ref), key)
		return
	}
	if key == field {
		pr.add(ref, key)
		return
	}
	pr.expression(ref, key)
}

func (pr *projector) expression(expr, key string) {
	pr.add(expr+" AS "+pr.p.QuoteIdentifier(key), key)
}

func (pr *projector) add(expr, key string) {
	for _, existing := range pr.keys {
		if existing == key {
			return
		}
	}
	pr.columns = append(pr.columns, expr)
	pr.keys = append(pr.keys, key)
}

// readColumns returns a property's columns including per-subtype columns.
func readColumns(prop *metadata.Property) []string {
	columns := append([]string(nil), prop.FieldNames...)
	for _, col := range prop.STIColumns() {
		found := false
		for _, existing := range columns {
			if existing == col {
				found = true
				break
			}
		}
		if !found {
			columns = append(columns, col)
		}
	}
	return columns
}

// hintsAt returns the child hints below a join path.
func hintsAt(hints []PopulateHint, path string) []PopulateHint {
	if path == "" {
		return hints
	}
	level := hints
	for _, segment := range strings.Split(path, ".") {
		found := false
		for _, hint := range level {
			if hint.Field == segment && !hint.Filter {
				level = hint.Children
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	return level
}

func hintedFields(hints []PopulateHint) map[string]struct{} {
	out := make(map[string]struct{}, len(hints))
	for _, hint := range hints {
		if !hint.Filter {
			out[hint.Field] = struct{}{}
		}
	}
	return out
}
