// Package metadata describes the statically known entity model: entities,
// their properties and relations, and the registry that resolves them.
// Metadata is built once at startup and only read afterwards.
package metadata

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind classifies a property.
type Kind int

const (
	// KindScalar is a plain column-backed value.
	KindScalar Kind = iota
	// KindEmbedded is a value object stored either as flattened columns or as one JSON column.
	KindEmbedded
	// KindToOneOwner is a to-one relation whose FK columns live on the owning table.
	KindToOneOwner
	// KindToOneInverse is a to-one relation whose FK columns live on the target table.
	KindToOneInverse
	// KindOneToMany is a to-many relation whose FK columns live on the target table.
	KindOneToMany
	// KindManyToMany is a to-many relation backed by a pivot table.
	KindManyToMany
)

var kindNames = map[Kind]string{
	KindScalar:       "scalar",
	KindEmbedded:     "embedded",
	KindToOneOwner:   "to_one",
	KindToOneInverse: "to_one_inverse",
	KindOneToMany:    "one_to_many",
	KindManyToMany:   "many_to_many",
}

// String returns the model-file spelling of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind parses the model-file spelling of a kind.
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "", "scalar":
		return KindScalar, nil
	case "many_to_one":
		return KindToOneOwner, nil
	}
	for kind, name := range kindNames {
		if name == normalized {
			return kind, nil
		}
	}
	return KindScalar, fmt.Errorf("unknown property kind %q", s)
}

// UnmarshalYAML decodes a kind from its string form.
func (k *Kind) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsRelation reports whether the kind points at another entity.
func (k Kind) IsRelation() bool {
	return k >= KindToOneOwner
}

// IsToOne reports whether the relation yields at most one target.
func (k Kind) IsToOne() bool {
	return k == KindToOneOwner || k == KindToOneInverse
}

// IsToMany reports whether the relation yields a collection.
func (k Kind) IsToMany() bool {
	return k == KindOneToMany || k == KindManyToMany
}

// LoadStrategy selects how a populated relation is loaded.
type LoadStrategy string

const (
	// StrategyDefault defers to the next configured level.
	StrategyDefault LoadStrategy = ""
	// StrategyJoined loads the relation through a SQL join in the root query.
	StrategyJoined LoadStrategy = "joined"
	// StrategySelectIn loads the relation with a follow-up query keyed by parent ids.
	StrategySelectIn LoadStrategy = "select-in"
)

// Valid reports whether s is a known strategy.
func (s LoadStrategy) Valid() bool {
	return s == StrategyDefault || s == StrategyJoined || s == StrategySelectIn
}

// Logical property types understood by value coercion.
const (
	TypeString   = "string"
	TypeInteger  = "integer"
	TypeFloat    = "float"
	TypeDecimal  = "decimal"
	TypeBoolean  = "boolean"
	TypeDateTime = "datetime"
	TypeDate     = "date"
	TypeJSON     = "json"
	TypeUUID     = "uuid"
	TypeBytes    = "bytes"
)

// Pivot describes the junction table behind a many-to-many property.
// Column lists are positional: OwnerColumns[i] references the owner key i,
// InverseColumns[i] references the target key i.
type Pivot struct {
	Table          string   `yaml:"table"`
	OwnerColumns   []string `yaml:"owner_columns"`
	InverseColumns []string `yaml:"inverse_columns"`
	// OrderColumn stores the position of fixed-order associations.
	OrderColumn string `yaml:"order_column"`
	// OrderGenerated marks an order column filled by the database (the
	// default auto-increment "id"); positions then follow insertion order.
	OrderGenerated bool `yaml:"-"`
}

// Property describes one entity property.
type Property struct {
	Name       string   `yaml:"name"`
	Kind       Kind     `yaml:"kind"`
	Type       string   `yaml:"type"`
	FieldNames []string `yaml:"fields"`
	Primary    bool     `yaml:"primary"`
	Nullable   bool     `yaml:"nullable"`
	Lazy       bool     `yaml:"lazy"`
	// Generated marks values assigned by the database (auto increment,
	// column defaults, generated columns).
	Generated bool `yaml:"generated"`
	// Version marks the optimistic-lock column; Type datetime versions are
	// bumped with the current timestamp, numeric ones incremented.
	Version bool `yaml:"version"`

	// Formula is a raw SQL template; "{alias}" is replaced by the quoted
	// alias of the owning table.
	Formula string `yaml:"formula"`
	// ReadSQL wraps the column on SELECT; "{column}" is replaced by the
	// qualified column reference.
	ReadSQL string `yaml:"read_sql"`
	// WriteSQL wraps the placeholder on INSERT/UPDATE, e.g. "UUID_TO_BIN(?)".
	WriteSQL string `yaml:"write_sql"`

	// Object stores an embeddable as a single JSON column.
	Object   bool        `yaml:"object"`
	Embedded []*Property `yaml:"properties"`

	Target            string       `yaml:"target"`
	MappedBy          string       `yaml:"mapped_by"`
	InversedBy        string       `yaml:"inversed_by"`
	ReferencedColumns []string     `yaml:"referenced_columns"`
	Pivot             *Pivot       `yaml:"pivot"`
	FixedOrder        bool         `yaml:"fixed_order"`
	Strategy          LoadStrategy `yaml:"strategy"`

	// STIFieldNames maps discriminator values to the column used by that
	// subtype when single-table-inheritance subtypes store the same
	// property in different columns.
	STIFieldNames map[string]string `yaml:"-"`

	// TargetMeta is resolved by Registry.Link.
	TargetMeta *Entity `yaml:"-"`
	// Inverse is the owning-side property on the target for inverse
	// relations (mapped_by), resolved by Registry.Link.
	Inverse *Property `yaml:"-"`
}

// Persisted reports whether the property occupies physical columns on the
// owning table.
func (p *Property) Persisted() bool {
	if p.Formula != "" {
		return false
	}
	switch p.Kind {
	case KindScalar, KindToOneOwner:
		return len(p.FieldNames) > 0
	case KindEmbedded:
		return true
	default:
		return false
	}
}

// IsFlattenedEmbedded reports whether the embeddable spreads over columns.
func (p *Property) IsFlattenedEmbedded() bool {
	return p.Kind == KindEmbedded && !p.Object
}

// EmbeddedProperty returns a child property of an embeddable by name.
func (p *Property) EmbeddedProperty(name string) (*Property, bool) {
	for _, child := range p.Embedded {
		if child.Name == name {
			return child, true
		}
	}
	return nil, false
}

// STIColumns returns the distinct columns the property may be written to,
// ordered by discriminator value. Only set for single-column properties.
func (p *Property) STIColumns() []string {
	if len(p.STIFieldNames) == 0 {
		return nil
	}
	values := sortedKeys(p.STIFieldNames)
	seen := make(map[string]struct{}, len(values))
	columns := make([]string, 0, len(values))
	for _, v := range values {
		col := p.STIFieldNames[v]
		if _, ok := seen[col]; ok {
			continue
		}
		seen[col] = struct{}{}
		columns = append(columns, col)
	}
	return columns
}

// Entity describes a mapped entity.
type Entity struct {
	Name        string      `yaml:"name"`
	Table       string      `yaml:"table"`
	PrimaryKeys []string    `yaml:"primary_keys"`
	Properties  []*Property `yaml:"properties"`

	// Extends names the single-table-inheritance root.
	Extends string `yaml:"extends"`
	// DiscriminatorColumn names the property holding the subtype marker.
	DiscriminatorColumn string `yaml:"discriminator_column"`
	// DiscriminatorValue is this entity's marker value.
	DiscriminatorValue string `yaml:"discriminator_value"`
	// DiscriminatorMap maps marker values to entity names; built on the root.
	DiscriminatorMap map[string]string `yaml:"discriminator_map"`

	// Root is the STI root (the entity itself when not inheriting).
	Root *Entity `yaml:"-"`

	index         map[string]*Property
	subtypeValues []string
	// declared holds a root's own properties before subtype columns merge in.
	declared []*Property
}

// SubtypeValues returns the discriminator values matching this entity and
// its descendants. It is empty for hierarchy roots, which match every row.
func (e *Entity) SubtypeValues() []string {
	return e.subtypeValues
}

// IsSubtype reports whether the entity inherits from an STI root.
func (e *Entity) IsSubtype() bool {
	return e.Root != nil && e.Root != e
}

// Property returns the property with the given name.
func (e *Entity) Property(name string) (*Property, bool) {
	if e.index != nil {
		prop, ok := e.index[name]
		return prop, ok
	}
	for _, prop := range e.Properties {
		if prop.Name == name {
			return prop, true
		}
	}
	return nil, false
}

// PrimaryKeyProperties returns the primary key properties in key order.
func (e *Entity) PrimaryKeyProperties() []*Property {
	props := make([]*Property, 0, len(e.PrimaryKeys))
	for _, name := range e.PrimaryKeys {
		if prop, ok := e.Property(name); ok {
			props = append(props, prop)
		}
	}
	return props
}

// PrimaryKeyFields returns the physical primary key columns in key order.
// A to-one primary key contributes all of its FK columns.
func (e *Entity) PrimaryKeyFields() []string {
	var fields []string
	for _, prop := range e.PrimaryKeyProperties() {
		fields = append(fields, prop.FieldNames...)
	}
	return fields
}

// HasCompositePK reports whether the key spans more than one column.
func (e *Entity) HasCompositePK() bool {
	return len(e.PrimaryKeyFields()) > 1
}

// Discriminator returns the discriminator property, if any.
func (e *Entity) Discriminator() *Property {
	if e.DiscriminatorColumn == "" {
		return nil
	}
	prop, _ := e.Property(e.DiscriminatorColumn)
	return prop
}

// VersionProperty returns the optimistic-lock property, if any.
func (e *Entity) VersionProperty() *Property {
	for _, prop := range e.Properties {
		if prop.Version {
			return prop
		}
	}
	return nil
}

// IsPrimaryKey reports whether the named property is part of the key.
func (e *Entity) IsPrimaryKey(name string) bool {
	for _, pk := range e.PrimaryKeys {
		if pk == name {
			return true
		}
	}
	return false
}

func (e *Entity) buildIndex() {
	e.index = make(map[string]*Property, len(e.Properties))
	for _, prop := range e.Properties {
		e.index[prop.Name] = prop
	}
}
