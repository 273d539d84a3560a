// Package materializer turns flat joined rows into nested entity graphs.
//
// A flat row maps column keys to raw driver values: root columns under their
// field name, joined columns as "{alias}__{field}". Materialize builds one
// node tree per row; Merge folds rows that repeat a root (because of to-many
// joins) into one node per identity, keeping first-seen order.
package materializer

import (
	"fmt"

	"relgraph/internal/metadata"
	"relgraph/internal/planner"
	"relgraph/internal/platform"
)

// Node is a materialized entity: property name to value. Populated to-one
// relations hold a Node or nil, to-many relations a []interface{} of Nodes,
// and reference populates hold key values.
type Node = map[string]interface{}

// Materializer reads flat rows produced by one compiled find.
type Materializer struct {
	plan     *planner.JoinPlan
	timezone string
}

// Option customizes a Materializer.
type Option func(*Materializer)

// WithTimezone sets the session timezone appended to timestamps without an
// offset ("+00:00" when unset).
func WithTimezone(tz string) Option {
	return func(m *Materializer) {
		m.timezone = tz
	}
}

// New creates a materializer for a join plan.
func New(plan *planner.JoinPlan, opts ...Option) *Materializer {
	m := &Materializer{plan: plan, timezone: platform.DefaultTimezone}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Materialize builds the node tree of one flat row. The row is only read.
func (m *Materializer) Materialize(row map[string]interface{}) (Node, error) {
	node, err := m.readEntity(row, m.plan.Meta, "")
	if err != nil {
		return nil, err
	}
	if err := m.populate(row, node, m.plan.Meta, m.plan.Hints, ""); err != nil {
		return nil, err
	}
	return node, nil
}

// MaterializeResults materializes every row and merges repeated roots.
func MaterializeResults(rows []map[string]interface{}, plan *planner.JoinPlan, opts ...Option) ([]Node, error) {
	m := New(plan, opts...)
	nodes := make([]Node, 0, len(rows))
	for i, row := range rows {
		node, err := m.Materialize(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		nodes = append(nodes, node)
	}
	return Merge(nodes, plan.Meta, plan.Hints), nil
}

// populate attaches joined relations, depth first.
func (m *Materializer) populate(row map[string]interface{}, node Node, meta *metadata.Entity, hints []planner.PopulateHint, parentPath string) error {
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
		path := joinPath(parentPath, hint.Field)
		desc, joined := m.plan.Aliases.Lookup(path)
		if !joined {
			continue
		}

		if !present(row, desc.Alias, presenceColumns(desc)) {
			if prop.Kind.IsToMany() {
				if _, ok := node[prop.Name]; !ok {
					node[prop.Name] = []interface{}{}
				}
			} else {
				node[prop.Name] = nil
			}
			continue
		}

		var value interface{}
		switch {
		case desc.Ref && desc.Kind == planner.JoinKindPivot:
			value = keyValue(row, desc.Alias, prop.Pivot.InverseColumns)
		case desc.Ref:
			value = keyValue(row, desc.Alias, desc.Target.PrimaryKeyFields())
		default:
			child, err := m.readEntity(row, desc.Target, desc.Alias)
			if err != nil {
				return err
			}
			if err := m.populate(row, child, desc.Target, hint.Children, path); err != nil {
				return err
			}
			value = child
		}

		if prop.Kind.IsToMany() {
			items, _ := node[prop.Name].([]interface{})
			node[prop.Name] = append(items, value)
		} else {
			node[prop.Name] = value
		}
	}
	return nil
}

// presenceColumns are the columns whose all-null state means "no related row".
func presenceColumns(desc *planner.JoinDescriptor) []string {
	if desc.Kind == planner.JoinKindPivot {
		return desc.Property.Pivot.InverseColumns
	}
	return desc.Target.PrimaryKeyFields()
}

func present(row map[string]interface{}, alias string, columns []string) bool {
	for _, col := range columns {
		if v, ok := row[planner.ColumnKey(alias, col)]; ok && v != nil {
			return true
		}
	}
	return false
}

func keyValue(row map[string]interface{}, alias string, columns []string) interface{} {
	if len(columns) == 1 {
		return convertValue(row[planner.ColumnKey(alias, columns[0])])
	}
	values := make([]interface{}, len(columns))
	for i, col := range columns {
		values[i] = convertValue(row[planner.ColumnKey(alias, col)])
	}
	return values
}

// readEntity reads the projected properties of meta under keyAlias.
func (m *Materializer) readEntity(row map[string]interface{}, meta *metadata.Entity, keyAlias string) (Node, error) {
	node := make(Node)
	discriminator := ""
	if disc := meta.Discriminator(); disc != nil {
		if v := row[planner.ColumnKey(keyAlias, disc.FieldNames[0])]; v != nil {
			discriminator = fmt.Sprint(convertValue(v))
		}
	}
	for _, prop := range meta.Properties {
		var (
			value interface{}
			ok    bool
			err   error
		)
		switch prop.Kind {
		case metadata.KindScalar:
			value, ok, err = m.readScalar(row, prop, keyAlias, discriminator)
		case metadata.KindEmbedded:
			value, ok, err = m.readEmbedded(row, prop, keyAlias)
		case metadata.KindToOneOwner:
			value, ok, err = m.readColumns(row, prop, prop.FieldNames, keyAlias, false)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", meta.Name, prop.Name, err)
		}
		if ok {
			node[prop.Name] = value
		}
	}
	return node, nil
}

func (m *Materializer) readScalar(row map[string]interface{}, prop *metadata.Property, keyAlias, discriminator string) (interface{}, bool, error) {
	if len(prop.STIFieldNames) > 0 && len(prop.FieldNames) == 1 {
		column := prop.FieldNames[0]
		if mapped, ok := prop.STIFieldNames[discriminator]; ok {
			column = mapped
		}
		return m.readColumns(row, prop, []string{column}, keyAlias, true)
	}
	return m.readColumns(row, prop, prop.FieldNames, keyAlias, true)
}

// readColumns reads one or more columns. A multi-column value becomes a
// slice that is nil as a whole when any part is nil.
func (m *Materializer) readColumns(row map[string]interface{}, prop *metadata.Property, columns []string, keyAlias string, typed bool) (interface{}, bool, error) {
	if len(columns) == 0 {
		return nil, false, nil
	}
	values := make([]interface{}, len(columns))
	for i, col := range columns {
		raw, ok := row[planner.ColumnKey(keyAlias, col)]
		if !ok {
			return nil, false, nil
		}
		if raw == nil {
			return nil, true, nil
		}
		if typed {
			coerced, err := coerce(prop, raw, m.timezone)
			if err != nil {
				return nil, false, err
			}
			values[i] = coerced
		} else {
			values[i] = convertValue(raw)
		}
	}
	if len(values) == 1 {
		return values[0], true, nil
	}
	return values, true, nil
}

func (m *Materializer) readEmbedded(row map[string]interface{}, prop *metadata.Property, keyAlias string) (interface{}, bool, error) {
	if prop.Object {
		raw, ok := row[planner.ColumnKey(keyAlias, prop.FieldNames[0])]
		if !ok {
			return nil, false, nil
		}
		value, err := decodeJSON(prop, raw, m.timezone)
		return value, true, err
	}
	out := make(map[string]interface{})
	found := false
	for _, child := range prop.Embedded {
		var (
			value interface{}
			ok    bool
			err   error
		)
		if child.Kind == metadata.KindEmbedded {
			value, ok, err = m.readEmbedded(row, child, keyAlias)
		} else {
			value, ok, err = m.readColumns(row, child, child.FieldNames, keyAlias, true)
		}
		if err != nil {
			return nil, false, err
		}
		if ok {
			out[child.Name] = value
			found = true
		}
	}
	return out, found, nil
}

func joinPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
