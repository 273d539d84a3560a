package naming

import (
	"strings"
	"unicode"
)

// Namer converts entity and property names to physical SQL names.
type Namer struct {
	config Config
}

// New creates a Namer with the given configuration
func New(cfg Config) *Namer {
	return &Namer{config: cfg}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig())
}

// TableName converts an entity name to its default table name.
// Example: "BookTag" -> "book_tags"
func (n *Namer) TableName(entityName string) string {
	name := ToSnakeCase(entityName)
	if !n.config.PluralTables {
		return name
	}
	parts := strings.Split(name, "_")
	parts[len(parts)-1] = n.Pluralize(parts[len(parts)-1])
	return strings.Join(parts, "_")
}

// ColumnName converts a property name to its default column name.
// Example: "createdAt" -> "created_at"
func (n *Namer) ColumnName(propertyName string) string {
	return ToSnakeCase(propertyName)
}

// JoinColumnName returns the default FK column for a to-one property
// referencing the given target column.
// Example: ("author", "id") -> "author_id"
func (n *Namer) JoinColumnName(propertyName, referencedColumn string) string {
	return ToSnakeCase(propertyName) + "_" + referencedColumn
}

// EmbeddedColumnName prefixes an embedded child column with its owner.
// Example: ("address", "city") -> "address_city"
func (n *Namer) EmbeddedColumnName(ownerProperty, childProperty string) string {
	return ToSnakeCase(ownerProperty) + "_" + ToSnakeCase(childProperty)
}

// PivotTableName returns the default junction table for an owning
// many-to-many property.
// Example: ("Book", "tags") -> "book_tags"
func (n *Namer) PivotTableName(ownerEntity, propertyName string) string {
	return ToSnakeCase(ownerEntity) + "_" + ToSnakeCase(propertyName)
}

// PivotColumnName returns the junction column referencing an entity key.
// Example: ("Book", "id") -> "book_id"
func (n *Namer) PivotColumnName(entityName, referencedColumn string) string {
	return ToSnakeCase(entityName) + "_" + referencedColumn
}

// ToSnakeCase converts camelCase and PascalCase to snake_case.
// Acronym runs stay together: "HTTPServer" -> "http_server".
func ToSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
