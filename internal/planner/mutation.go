package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"relgraph/internal/metadata"
	"relgraph/internal/platform"
	"relgraph/internal/uuidutil"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// Row is one entity's property values keyed by property name. Multi-column
// properties take a []interface{}; owning to-one relations take the foreign
// key value(s) or a map of the target's property values; flattened
// embeddables take a map of their child values.
type Row = map[string]interface{}

// WithInsertColumns restricts an insert to the named properties. Missing
// values are then written as NULL rather than DEFAULT.
func WithInsertColumns(properties ...string) PlanOption {
	return func(o *planOptions) {
		o.forcedColumns = append(o.forcedColumns, properties...)
	}
}

// columnWriter extracts one physical column from a row.
type columnWriter struct {
	prop   *metadata.Property
	column string
	// sti maps discriminator values to their column; nil means the writer
	// applies to every row.
	sti map[string]string
	// fallback marks the column used by discriminator values without their own.
	fallback bool
	value    func(row Row) (interface{}, bool, error)
}

func (w columnWriter) applies(discriminator string) bool {
	if w.sti == nil {
		return true
	}
	if col, ok := w.sti[discriminator]; ok {
		return col == w.column
	}
	return w.fallback
}

// batchModel is the column model shared by insert and update compilation.
type batchModel struct {
	platform      platform.Platform
	meta          *metadata.Entity
	writers       []columnWriter
	discriminator *metadata.Property
}

func newBatchModel(p platform.Platform, meta *metadata.Entity, only map[string]struct{}) (*batchModel, error) {
	m := &batchModel{platform: p, meta: meta, discriminator: meta.Discriminator()}
	for _, prop := range meta.Properties {
		if only != nil {
			if _, ok := only[prop.Name]; !ok && !prop.Primary && prop != m.discriminator {
				continue
			}
		}
		writers, err := propertyWriters(prop)
		if err != nil {
			return nil, err
		}
		m.writers = append(m.writers, writers...)
	}
	return m, nil
}

func propertyWriters(prop *metadata.Property) ([]columnWriter, error) {
	if prop.Formula != "" {
		return nil, nil
	}
	switch prop.Kind {
	case metadata.KindScalar:
		if len(prop.STIFieldNames) > 0 && len(prop.FieldNames) == 1 {
			return stiWriters(prop), nil
		}
		return indexedWriters(prop, prop.FieldNames, func(v interface{}, i int) (interface{}, error) {
			return positional(prop, v, i)
		}), nil
	case metadata.KindToOneOwner:
		return indexedWriters(prop, prop.FieldNames, func(v interface{}, i int) (interface{}, error) {
			return foreignKeyValue(prop, v, i)
		}), nil
	case metadata.KindEmbedded:
		if prop.Object {
			return []columnWriter{{
				prop:   prop,
				column: prop.FieldNames[0],
				value: func(row Row) (interface{}, bool, error) {
					v, ok := row[prop.Name]
					if !ok || v == nil {
						return nil, ok, nil
					}
					encoded, err := json.Marshal(v)
					if err != nil {
						return nil, false, fmt.Errorf("encode %s: %w", prop.Name, err)
					}
					return string(encoded), true, nil
				},
			}}, nil
		}
		return embeddedWriters(prop, []string{prop.Name}), nil
	default:
		return nil, nil
	}
}

func indexedWriters(prop *metadata.Property, columns []string, extract func(v interface{}, i int) (interface{}, error)) []columnWriter {
	writers := make([]columnWriter, len(columns))
	for i, col := range columns {
		i := i
		writers[i] = columnWriter{
			prop:   prop,
			column: col,
			value: func(row Row) (interface{}, bool, error) {
				v, ok := row[prop.Name]
				if !ok {
					return nil, false, nil
				}
				out, err := extract(v, i)
				return out, err == nil, err
			},
		}
	}
	return writers
}

func stiWriters(prop *metadata.Property) []columnWriter {
	columns := readColumns(prop)
	writers := make([]columnWriter, 0, len(columns))
	for _, col := range columns {
		writers = append(writers, columnWriter{
			prop:     prop,
			column:   col,
			sti:      prop.STIFieldNames,
			fallback: col == prop.FieldNames[0],
			value: func(row Row) (interface{}, bool, error) {
				v, ok := row[prop.Name]
				return v, ok, nil
			},
		})
	}
	return writers
}

func embeddedWriters(prop *metadata.Property, path []string) []columnWriter {
	var writers []columnWriter
	for _, child := range prop.Embedded {
		childPath := append(append([]string(nil), path...), child.Name)
		if child.Kind == metadata.KindEmbedded && !child.Object {
			writers = append(writers, embeddedWriters(child, childPath)...)
			continue
		}
		if child.Formula != "" || len(child.FieldNames) == 0 {
			continue
		}
		child := child
		writers = append(writers, columnWriter{
			prop:   child,
			column: child.FieldNames[0],
			value: func(row Row) (interface{}, bool, error) {
				return nestedValue(row, childPath)
			},
		})
	}
	return writers
}

func nestedValue(row Row, path []string) (interface{}, bool, error) {
	var current interface{} = map[string]interface{}(row)
	for _, segment := range path {
		if current == nil {
			return nil, true, nil
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false, shapeErrorf("%s must be an object", strings.Join(path, "."))
		}
		current, ok = m[segment]
		if !ok {
			return nil, false, nil
		}
	}
	return current, true, nil
}

func positional(prop *metadata.Property, v interface{}, i int) (interface{}, error) {
	if len(prop.FieldNames) == 1 {
		return v, nil
	}
	if v == nil {
		return nil, nil
	}
	parts, ok := v.([]interface{})
	if !ok || len(parts) != len(prop.FieldNames) {
		return nil, shapeErrorf("%s expects %d values", prop.Name, len(prop.FieldNames))
	}
	return parts[i], nil
}

func foreignKeyValue(prop *metadata.Property, v interface{}, i int) (interface{}, error) {
	target, ok := v.(map[string]interface{})
	if !ok {
		return positional(prop, v, i)
	}
	column := prop.ReferencedColumns[i]
	for _, targetProp := range prop.TargetMeta.Properties {
		for j, field := range targetProp.FieldNames {
			if field != column || targetProp.Formula != "" {
				continue
			}
			value, present := target[targetProp.Name]
			if !present {
				return nil, shapeErrorf("%s is missing key %s", prop.Name, targetProp.Name)
			}
			if targetProp.Kind == metadata.KindToOneOwner {
				return foreignKeyValue(targetProp, value, j)
			}
			return positional(targetProp, value, j)
		}
	}
	return nil, shapeErrorf("%s references unknown column %s", prop.Name, column)
}

// rowDiscriminator returns the row's discriminator value, defaulting to
// the entity's own value.
func (m *batchModel) rowDiscriminator(row Row) string {
	if m.discriminator == nil {
		return ""
	}
	if v, ok := row[m.discriminator.Name]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return m.meta.DiscriminatorValue
}

func (m *batchModel) withDiscriminator(row Row) Row {
	if m.discriminator == nil || m.meta.DiscriminatorValue == "" {
		return row
	}
	if _, ok := row[m.discriminator.Name]; ok {
		return row
	}
	out := make(Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out[m.discriminator.Name] = m.meta.DiscriminatorValue
	return out
}

// rowValues resolves each column a row writes. The first writer providing
// a value for a physical column wins.
func (m *batchModel) rowValues(row Row) (map[string]cellValue, error) {
	discriminator := m.rowDiscriminator(row)
	values := make(map[string]cellValue)
	for _, w := range m.writers {
		if _, done := values[w.column]; done {
			continue
		}
		if !w.applies(discriminator) {
			continue
		}
		v, ok, err := w.value(row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		v, err = m.storageValue(w.prop, v)
		if err != nil {
			return nil, err
		}
		values[w.column] = cellValue{value: v, prop: w.prop}
	}
	return values, nil
}

// excludes reports whether column belongs to a sibling subtype of the
// row's discriminator and so must be written as NULL.
func (m *batchModel) excludes(discriminator, column string) bool {
	excluded := false
	for _, w := range m.writers {
		if w.column != column {
			continue
		}
		if w.applies(discriminator) {
			return false
		}
		excluded = excluded || w.sti != nil
	}
	return excluded
}

// storageValue converts uuid strings to RFC-order bytes on platforms that
// store them in binary columns. A write_sql expression takes the text as is.
func (m *batchModel) storageValue(prop *metadata.Property, v interface{}) (interface{}, error) {
	if v == nil || prop.Type != metadata.TypeUUID || prop.WriteSQL != "" {
		return v, nil
	}
	if !uuidutil.IsBinaryStorageType(m.platform.UUIDStorageType()) {
		return v, nil
	}
	switch u := v.(type) {
	case uuid.UUID:
		return uuidutil.ToBytes(u), nil
	case string:
		parsed, _, err := uuidutil.ParseString(u)
		if err != nil {
			return nil, shapeErrorf("%s: %v", prop.Name, err)
		}
		return uuidutil.ToBytes(parsed), nil
	default:
		return v, nil
	}
}

type cellValue struct {
	value interface{}
	prop  *metadata.Property
}

func (c cellValue) placeholder() interface{} {
	if c.prop.WriteSQL != "" && c.value != nil {
		return sq.Expr(c.prop.WriteSQL, c.value)
	}
	return c.value
}

// columnUnion returns the columns written by any row in writer order.
func (m *batchModel) columnUnion(rows []map[string]cellValue) []string {
	var columns []string
	seen := make(map[string]struct{})
	for _, w := range m.writers {
		if _, ok := seen[w.column]; ok {
			continue
		}
		for _, values := range rows {
			if _, ok := values[w.column]; ok {
				seen[w.column] = struct{}{}
				columns = append(columns, w.column)
				break
			}
		}
	}
	return columns
}

// CompileInsertMany compiles one multi-row INSERT for rows of meta. The
// column list is the union of the columns the rows write; cells a row does
// not provide are DEFAULT where the platform supports it, otherwise NULL.
// Columns of a sibling subtype are always NULL.
func CompileInsertMany(meta *metadata.Entity, rows []Row, opts ...PlanOption) (SQLQuery, error) {
	o := applyOptions(opts)
	p := o.platform
	if len(rows) == 0 {
		return SQLQuery{}, shapeErrorf("insert requires at least one row")
	}

	var only map[string]struct{}
	if len(o.forcedColumns) > 0 {
		only = make(map[string]struct{}, len(o.forcedColumns))
		for _, name := range o.forcedColumns {
			if _, ok := meta.Property(name); !ok {
				return SQLQuery{}, configErrorf("insert column %s not found on %s", name, meta.Name)
			}
			only[name] = struct{}{}
		}
	}
	model, err := newBatchModel(p, meta, only)
	if err != nil {
		return SQLQuery{}, err
	}

	resolved := make([]map[string]cellValue, len(rows))
	discriminators := make([]string, len(rows))
	for i, row := range rows {
		row = model.withDiscriminator(row)
		values, err := model.rowValues(row)
		if err != nil {
			return SQLQuery{}, fmt.Errorf("row %d: %w", i, err)
		}
		resolved[i] = values
		discriminators[i] = model.rowDiscriminator(row)
	}
	columns := model.columnUnion(resolved)

	missing := sq.Expr("NULL")
	if p.SupportsDefaultKeyword() && only == nil {
		missing = sq.Expr("DEFAULT")
	}

	builder := sq.Insert(p.QuoteIdentifier(meta.Table))
	if len(columns) == 0 {
		pk := meta.PrimaryKeyFields()
		if len(pk) == 0 {
			return SQLQuery{}, ErrNoPrimaryKey
		}
		builder = builder.Columns(p.QuoteIdentifier(pk[0]))
		for range rows {
			builder = builder.Values(sq.Expr("DEFAULT"))
		}
	} else {
		quoted := make([]string, len(columns))
		for i, col := range columns {
			quoted[i] = p.QuoteIdentifier(col)
		}
		builder = builder.Columns(quoted...)
		for r, values := range resolved {
			cells := make([]interface{}, len(columns))
			for i, col := range columns {
				cell, ok := values[col]
				if !ok && model.excludes(discriminators[r], col) {
					cells[i] = sq.Expr("NULL")
					continue
				}
				if !ok {
					cells[i] = missing
					continue
				}
				cells[i] = cell.placeholder()
			}
			builder = builder.Values(cells...)
		}
	}

	if p.SupportsReturning() {
		if returning := returningColumns(p, meta, false); returning != "" {
			builder = builder.Suffix("RETURNING " + returning)
		}
	}

	query, args, err := builder.PlaceholderFormat(p.PlaceholderFormat()).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// CompileUpdateMany compiles one UPDATE for several rows of meta. Every
// column written by any row becomes a CASE expression with one branch per
// row that writes it; rows are identified by where[i], or by the row's own
// primary key values when where is nil.
func CompileUpdateMany(meta *metadata.Entity, rows []Row, where []Row, opts ...PlanOption) (SQLQuery, error) {
	o := applyOptions(opts)
	p := o.platform
	if len(rows) == 0 {
		return SQLQuery{}, shapeErrorf("update requires at least one row")
	}
	if where != nil && len(where) != len(rows) {
		return SQLQuery{}, shapeErrorf("update has %d rows but %d where clauses", len(rows), len(where))
	}
	pkFields := meta.PrimaryKeyFields()
	if len(pkFields) == 0 {
		return SQLQuery{}, ErrNoPrimaryKey
	}

	model, err := newBatchModel(p, meta, nil)
	if err != nil {
		return SQLQuery{}, err
	}
	pkColumns := make(map[string]struct{}, len(pkFields))
	for _, col := range pkFields {
		pkColumns[col] = struct{}{}
	}

	resolved := make([]map[string]cellValue, len(rows))
	predicates := make([]keyPredicate, len(rows))
	for i, row := range rows {
		values, err := model.rowValues(row)
		if err != nil {
			return SQLQuery{}, fmt.Errorf("row %d: %w", i, err)
		}
		keySource := row
		if where != nil {
			keySource = where[i]
		}
		keyValues, err := model.rowValues(keySource)
		if err != nil {
			return SQLQuery{}, fmt.Errorf("where %d: %w", i, err)
		}
		pred := make(keyPredicate, 0, len(pkFields))
		for _, col := range pkFields {
			cell, ok := keyValues[col]
			if !ok {
				return SQLQuery{}, fmt.Errorf("%w: row %d is missing key column %s", ErrNoPrimaryKey, i, col)
			}
			pred = append(pred, keyTerm{column: p.QuoteIdentifier(col), cell: cell})
		}
		sort.Slice(pred, func(a, b int) bool { return pred[a].column < pred[b].column })
		predicates[i] = pred
		for col := range pkColumns {
			delete(values, col)
		}
		resolved[i] = values
	}

	builder := sq.Update(p.QuoteIdentifier(meta.Table))
	columns := model.columnUnion(resolved)
	version := meta.VersionProperty()
	set := 0
	for _, col := range columns {
		if version != nil && len(version.FieldNames) == 1 && version.FieldNames[0] == col {
			continue
		}
		expr, err := caseExpression(p, col, resolved, predicates)
		if err != nil {
			return SQLQuery{}, err
		}
		builder = builder.Set(p.QuoteIdentifier(col), expr)
		set++
	}
	if version != nil && len(version.FieldNames) == 1 {
		quoted := p.QuoteIdentifier(version.FieldNames[0])
		if isTimestampType(version.Type) {
			builder = builder.Set(quoted, sq.Expr(p.CurrentTimestampSQL()))
		} else {
			builder = builder.Set(quoted, sq.Expr(quoted+" + 1"))
		}
		set++
	}
	if set == 0 {
		return SQLQuery{}, shapeErrorf("update of %s writes no columns", meta.Name)
	}

	or := make(sq.Or, len(predicates))
	for i, pred := range predicates {
		if len(pred) == 1 {
			or[i] = pred
			continue
		}
		or[i] = sq.And{pred}
	}
	builder = builder.Where(or)

	if p.SupportsReturning() {
		if returning := returningColumns(p, meta, true); returning != "" {
			builder = builder.Suffix("RETURNING " + returning)
		}
	}

	query, args, err := builder.PlaceholderFormat(p.PlaceholderFormat()).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// keyPredicate matches one row by its key columns, ANDed in column order.
type keyPredicate []keyTerm

type keyTerm struct {
	column string
	cell   cellValue
}

func (k keyPredicate) ToSql() (string, []interface{}, error) {
	parts := make([]string, len(k))
	args := make([]interface{}, 0, len(k))
	for i, term := range k {
		if term.cell.value == nil {
			parts[i] = term.column + " IS NULL"
			continue
		}
		placeholder := "?"
		if term.cell.prop.WriteSQL != "" {
			placeholder = term.cell.prop.WriteSQL
		}
		parts[i] = term.column + " = " + placeholder
		args = append(args, term.cell.value)
	}
	return strings.Join(parts, " AND "), args, nil
}

func caseExpression(p platform.Platform, column string, rows []map[string]cellValue, predicates []keyPredicate) (sq.Sqlizer, error) {
	var (
		sql  strings.Builder
		args []interface{}
	)
	sql.WriteString("CASE")
	for i, values := range rows {
		cell, ok := values[column]
		if !ok {
			continue
		}
		predSQL, predArgs, err := predicates[i].ToSql()
		if err != nil {
			return nil, err
		}
		valueSQL := "?"
		valueArgs := []interface{}{cell.value}
		if cell.prop.WriteSQL != "" && cell.value != nil {
			valueSQL = cell.prop.WriteSQL
		}
		fmt.Fprintf(&sql, " WHEN (%s) THEN %s", predSQL, valueSQL)
		args = append(args, predArgs...)
		args = append(args, valueArgs...)
	}
	fmt.Fprintf(&sql, " ELSE %s END", p.QuoteIdentifier(column))
	return sq.Expr(sql.String(), args...), nil
}

func isTimestampType(t string) bool {
	return t == metadata.TypeDateTime || t == metadata.TypeDate
}

// returningColumns lists primary key, generated and (for updates) version
// columns.
func returningColumns(p platform.Platform, meta *metadata.Entity, withVersion bool) string {
	var columns []string
	seen := make(map[string]struct{})
	add := func(cols []string) {
		for _, col := range cols {
			if _, ok := seen[col]; ok {
				continue
			}
			seen[col] = struct{}{}
			columns = append(columns, p.QuoteIdentifier(col))
		}
	}
	add(meta.PrimaryKeyFields())
	for _, prop := range meta.Properties {
		if prop.Formula != "" {
			continue
		}
		if prop.Generated || (withVersion && prop.Version) {
			add(prop.FieldNames)
		}
	}
	return strings.Join(columns, ", ")
}
