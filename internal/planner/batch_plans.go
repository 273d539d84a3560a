package planner

import (
	"fmt"
	"strings"

	"relgraph/internal/metadata"
	"relgraph/internal/platform"

	sq "github.com/Masterminds/squirrel"
)

// BatchParentAlias is the column alias used to return parent keys in batch queries.
const BatchParentAlias = "__batch_parent_id"

const batchParentAliasPrefix = "__batch_parent_"

// ParentTuple represents an ordered composite parent key used in batch plans.
type ParentTuple struct {
	Values []interface{}
}

// BatchParentAliases returns the extra scan aliases emitted by batch SQL.
func BatchParentAliases(columnCount int) []string {
	if columnCount <= 1 {
		return []string{BatchParentAlias}
	}
	aliases := make([]string, columnCount)
	for i := 0; i < columnCount; i++ {
		aliases[i] = batchParentAliasPrefix + fmt.Sprint(i)
	}
	return aliases
}

// ParentKey keys a follow-up load by the parents it belongs to.
type ParentKey struct {
	// Columns hold the parent key: root table columns, or junction columns
	// when Via is set.
	Columns []string
	// Via joins the junction table of a many-to-many relation; its
	// InverseColumns reference the loaded entity's primary key.
	Via    *metadata.Pivot
	Values []ParentTuple
}

// SelectInKey returns the ParentKey loading prop's targets for the given
// parent tuples. Tuples hold, per parent, the values of KeySource(prop).
func SelectInKey(prop *metadata.Property, values []ParentTuple) (*ParentKey, error) {
	switch prop.Kind {
	case metadata.KindToOneOwner:
		return &ParentKey{Columns: prop.ReferencedColumns, Values: values}, nil
	case metadata.KindToOneInverse, metadata.KindOneToMany:
		if prop.Inverse == nil {
			return nil, configErrorf("%s has no owning side", prop.Name)
		}
		return &ParentKey{Columns: prop.Inverse.FieldNames, Values: values}, nil
	case metadata.KindManyToMany:
		if prop.Pivot == nil {
			return nil, configErrorf("%s has no pivot table", prop.Name)
		}
		return &ParentKey{Columns: prop.Pivot.OwnerColumns, Via: prop.Pivot, Values: values}, nil
	default:
		return nil, configErrorf("%s is not a relation", prop.Name)
	}
}

// KeySource returns the parent-side fields whose values key a follow-up load
// of prop: the foreign key for owning to-one relations, otherwise the
// referenced (usually primary key) fields.
func KeySource(owner *metadata.Entity, prop *metadata.Property) []string {
	switch prop.Kind {
	case metadata.KindToOneOwner:
		return prop.FieldNames
	case metadata.KindManyToMany:
		return owner.PrimaryKeyFields()
	default:
		return prop.ReferencedColumns
	}
}

func (k *ParentKey) alias() string {
	if k.Via != nil {
		return parentPivotAlias
	}
	return RootAlias
}

func (k *ParentKey) columns(p platform.Platform, meta *metadata.Entity) ([]string, error) {
	if len(k.Columns) == 0 {
		return nil, configErrorf("parent key for %s has no columns", meta.Name)
	}
	aliases := BatchParentAliases(len(k.Columns))
	out := make([]string, len(k.Columns))
	for i, col := range k.Columns {
		out[i] = qualify(p, k.alias(), col) + " AS " + p.QuoteIdentifier(aliases[i])
	}
	return out, nil
}

func (k *ParentKey) pivotJoin(p platform.Platform, meta *metadata.Entity) (string, error) {
	on, err := equalityPredicates(p, parentPivotAlias, k.Via.InverseColumns, RootAlias, meta.PrimaryKeyFields())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INNER JOIN %s ON %s", tableRef(p, k.Via.Table, parentPivotAlias), on), nil
}

func (k *ParentKey) condition(p platform.Platform, meta *metadata.Entity) (sq.Sqlizer, error) {
	if len(k.Values) == 0 {
		return sq.Expr("1=0"), nil
	}
	quoted := qualifiedColumns(p, k.alias(), k.Columns)
	if len(quoted) == 1 {
		flat := make([]interface{}, 0, len(k.Values))
		for _, tuple := range k.Values {
			if len(tuple.Values) != 1 {
				return nil, shapeErrorf("parent key for %s expects 1 value", meta.Name)
			}
			flat = append(flat, tuple.Values[0])
		}
		return sq.Eq{quoted[0]: flat}, nil
	}
	whereSQL, whereArgs, err := buildTupleInCondition(quoted, k.Values)
	if err != nil {
		return nil, err
	}
	return sq.Expr(whereSQL, whereArgs...), nil
}

func buildTupleInCondition(quotedColumns []string, tuples []ParentTuple) (string, []interface{}, error) {
	if len(tuples) == 0 {
		return "", nil, nil
	}
	width := len(quotedColumns)
	if width == 0 {
		return "", nil, fmt.Errorf("tuple IN requires at least one column")
	}

	if width == 1 {
		placeholders := sq.Placeholders(len(tuples))
		args := make([]interface{}, 0, len(tuples))
		for _, tuple := range tuples {
			if len(tuple.Values) != 1 {
				return "", nil, shapeErrorf("tuple width mismatch: expected 1 value")
			}
			args = append(args, tuple.Values[0])
		}
		return fmt.Sprintf("%s IN (%s)", quotedColumns[0], placeholders), args, nil
	}

	args := make([]interface{}, 0, len(tuples)*width)
	rowPlaceholders := make([]string, 0, len(tuples))
	valuePlaceholders := "(" + strings.TrimSuffix(strings.Repeat("?,", width), ",") + ")"
	for _, tuple := range tuples {
		if len(tuple.Values) != width {
			return "", nil, shapeErrorf("tuple width mismatch: expected %d values", width)
		}
		rowPlaceholders = append(rowPlaceholders, valuePlaceholders)
		args = append(args, tuple.Values...)
	}

	return fmt.Sprintf("(%s) IN (%s)", strings.Join(quotedColumns, ", "), strings.Join(rowPlaceholders, ", ")), args, nil
}
