// Package pivot synchronizes many-to-many memberships stored in junction
// tables. Sync diffs the current collection against the last persisted
// snapshot; Compile turns the diff into DELETE and INSERT statements.
package pivot

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"

	"relgraph/internal/metadata"
)

// ErrNotManyToMany is returned for properties without a junction table.
var ErrNotManyToMany = errors.New("property is not a many-to-many relation")

// Key is one target key: a single value, or one value per key column.
type Key []interface{}

// Diff is the junction-table change for one owner.
type Diff struct {
	Property *metadata.Property
	Owner    Key
	Insert   []Key
	Delete   []Key
	// Replace drops every junction row of the owner before inserting; Insert
	// then holds the whole collection in order.
	Replace bool
}

// Empty reports whether the diff changes nothing.
func (d *Diff) Empty() bool {
	return !d.Replace && len(d.Insert) == 0 && len(d.Delete) == 0
}

// Sync compares the current collection with the snapshot loaded from the
// database. Items are target keys (scalars or key tuples) or entity nodes
// carrying the target primary key. Fixed-order relations are replaced
// wholesale whenever membership or order changed.
func Sync(prop *metadata.Property, current, snapshot []interface{}, owner Key) (*Diff, error) {
	if prop == nil || prop.Kind != metadata.KindManyToMany || prop.Pivot == nil {
		return nil, ErrNotManyToMany
	}
	if len(owner) != len(prop.Pivot.OwnerColumns) {
		return nil, fmt.Errorf("owner key has %d values, %s expects %d", len(owner), prop.Name, len(prop.Pivot.OwnerColumns))
	}
	width := len(prop.Pivot.InverseColumns)
	cur, err := normalizeAll(prop, current, width)
	if err != nil {
		return nil, err
	}
	snap, err := normalizeAll(prop, snapshot, width)
	if err != nil {
		return nil, err
	}

	diff := &Diff{Property: prop, Owner: owner}
	if prop.FixedOrder {
		if !sameSequence(cur, snap) {
			diff.Replace = true
			diff.Insert = cur
		}
		return diff, nil
	}
	for _, key := range cur {
		if !contains(snap, key) && !contains(diff.Insert, key) {
			diff.Insert = append(diff.Insert, key)
		}
	}
	for _, key := range snap {
		if !contains(cur, key) && !contains(diff.Delete, key) {
			diff.Delete = append(diff.Delete, key)
		}
	}
	return diff, nil
}

func normalizeAll(prop *metadata.Property, items []interface{}, width int) ([]Key, error) {
	keys := make([]Key, 0, len(items))
	for i, item := range items {
		key, err := normalize(prop, item, width)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", prop.Name, i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func normalize(prop *metadata.Property, item interface{}, width int) (Key, error) {
	var key Key
	switch v := item.(type) {
	case nil:
		return nil, fmt.Errorf("nil item")
	case Key:
		key = v
	case []interface{}:
		key = v
	case map[string]interface{}:
		if prop.TargetMeta == nil {
			return nil, fmt.Errorf("target of %s is not linked", prop.Name)
		}
		for _, pk := range prop.TargetMeta.PrimaryKeyProperties() {
			value, ok := v[pk.Name]
			if !ok || value == nil {
				return nil, fmt.Errorf("entity has no %s", pk.Name)
			}
			if tuple, ok := value.([]interface{}); ok {
				key = append(key, tuple...)
			} else {
				key = append(key, value)
			}
		}
	default:
		key = Key{v}
	}
	if len(key) != width {
		return nil, fmt.Errorf("key has %d values, expected %d", len(key), width)
	}
	return key, nil
}

func sameSequence(a, b []Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !keysEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func contains(keys []Key, key Key) bool {
	for _, k := range keys {
		if keysEqual(k, key) {
			return true
		}
	}
	return false
}

func keysEqual(a, b Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// valuesEqual compares numbers by value and strings by content; anything
// else falls back to structural equality.
func valuesEqual(a, b interface{}) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv
		case []byte:
			return av == string(bv)
		}
		return false
	case []byte:
		switch bv := b.(type) {
		case string:
			return string(av) == bv
		case []byte:
			return bytes.Equal(av, bv)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
