package pivot

import (
	"relgraph/internal/platform"
	"relgraph/internal/planner"

	sq "github.com/Masterminds/squirrel"
)

// Compile renders a diff as junction-table statements: at most one DELETE
// followed by at most one multi-row INSERT. Replacing a fixed-order relation
// writes 1-based positions into the order column unless the database
// generates it.
func Compile(p platform.Platform, diff *Diff) ([]planner.SQLQuery, error) {
	if diff == nil || diff.Empty() {
		return nil, nil
	}
	pv := diff.Property.Pivot
	table := p.QuoteIdentifier(pv.Table)
	owner := keyCondition(p, pv.OwnerColumns, diff.Owner)

	var statements []planner.SQLQuery
	if diff.Replace || len(diff.Delete) > 0 {
		builder := sq.Delete(table).PlaceholderFormat(p.PlaceholderFormat())
		if diff.Replace {
			builder = builder.Where(owner)
		} else {
			builder = builder.Where(sq.And{owner, targetsCondition(p, pv.InverseColumns, diff.Delete)})
		}
		sqlText, args, err := builder.ToSql()
		if err != nil {
			return nil, err
		}
		statements = append(statements, planner.SQLQuery{SQL: sqlText, Args: args})
	}

	if len(diff.Insert) > 0 {
		writeOrder := diff.Replace && pv.OrderColumn != "" && !pv.OrderGenerated
		columns := make([]string, 0, len(pv.OwnerColumns)+len(pv.InverseColumns)+1)
		for _, col := range pv.OwnerColumns {
			columns = append(columns, p.QuoteIdentifier(col))
		}
		for _, col := range pv.InverseColumns {
			columns = append(columns, p.QuoteIdentifier(col))
		}
		if writeOrder {
			columns = append(columns, p.QuoteIdentifier(pv.OrderColumn))
		}
		builder := sq.Insert(table).Columns(columns...).PlaceholderFormat(p.PlaceholderFormat())
		for i, key := range diff.Insert {
			values := make([]interface{}, 0, len(columns))
			values = append(values, diff.Owner...)
			values = append(values, key...)
			if writeOrder {
				values = append(values, i+1)
			}
			builder = builder.Values(values...)
		}
		sqlText, args, err := builder.ToSql()
		if err != nil {
			return nil, err
		}
		statements = append(statements, planner.SQLQuery{SQL: sqlText, Args: args})
	}
	return statements, nil
}

func targetsCondition(p platform.Platform, columns []string, keys []Key) sq.Sqlizer {
	if len(columns) == 1 {
		values := make([]interface{}, len(keys))
		for i, key := range keys {
			values[i] = key[0]
		}
		return sq.Eq{p.QuoteIdentifier(columns[0]): values}
	}
	or := make(sq.Or, len(keys))
	for i, key := range keys {
		or[i] = keyCondition(p, columns, key)
	}
	return or
}

func keyCondition(p platform.Platform, columns []string, key Key) sq.Sqlizer {
	if len(columns) == 1 {
		return sq.Eq{p.QuoteIdentifier(columns[0]): key[0]}
	}
	and := make(sq.And, len(columns))
	for i, col := range columns {
		and[i] = sq.Eq{p.QuoteIdentifier(col): key[i]}
	}
	return and
}
