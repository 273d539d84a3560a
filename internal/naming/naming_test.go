package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"id", "id"},
		{"createdAt", "created_at"},
		{"BookTag", "book_tag"},
		{"HTTPServer", "http_server"},
		{"address2Line", "address2_line"},
		{"already_snake", "already_snake"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ToSnakeCase(tt.input))
		})
	}
}

func TestTableName(t *testing.T) {
	n := Default()
	assert.Equal(t, "authors", n.TableName("Author"))
	assert.Equal(t, "book_tags", n.TableName("BookTag"))
	assert.Equal(t, "people", n.TableName("Person"))

	singular := New(Config{PluralTables: false})
	assert.Equal(t, "book_tag", singular.TableName("BookTag"))
}

func TestTableNameWithOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PluralOverrides["status"] = "statuses"
	n := New(cfg)
	assert.Equal(t, "order_statuses", n.TableName("OrderStatus"))
}

func TestSingularize(t *testing.T) {
	n := Default()
	assert.Equal(t, "book", n.Singularize("books"))
	assert.Equal(t, "category", n.Singularize("categories"))

	cfg := DefaultConfig()
	cfg.SingularOverrides["data"] = "datum"
	assert.Equal(t, "datum", New(cfg).Singularize("data"))
}

func TestColumnNames(t *testing.T) {
	n := Default()
	assert.Equal(t, "created_at", n.ColumnName("createdAt"))
	assert.Equal(t, "author_id", n.JoinColumnName("author", "id"))
	assert.Equal(t, "address_city", n.EmbeddedColumnName("address", "city"))
	assert.Equal(t, "book_tags", n.PivotTableName("Book", "tags"))
	assert.Equal(t, "book_id", n.PivotColumnName("Book", "id"))
}
