// Package fixtures provides entity models shared by package tests.
package fixtures

import (
	"strings"
	"testing"

	"relgraph/internal/metadata"
)

// LibraryModel is a small author/book/tag model.
const LibraryModel = `
entities:
  - name: Author
    properties:
      - {name: id, type: integer, generated: true}
      - {name: name, type: string}
      - {name: books, kind: one_to_many, target: Book, mapped_by: author}
  - name: Book
    properties:
      - {name: id, type: integer, generated: true}
      - {name: title, type: string}
      - {name: author, kind: to_one, target: Author}
      - {name: editor, kind: to_one, target: Author, nullable: true}
      - {name: tags, kind: many_to_many, target: Tag, fixed_order: true}
  - name: Tag
    properties:
      - {name: id, type: integer}
      - {name: label, type: string}
      - {name: books, kind: many_to_many, target: Book, mapped_by: tags}
`

// StoreModel exercises embeddables, custom types, composite keys and
// single-table inheritance.
const StoreModel = `
entities:
  - name: Customer
    properties:
      - {name: id, type: integer, generated: true}
      - {name: name, type: string}
      - name: address
        kind: embedded
        properties:
          - {name: street, type: string}
          - {name: city, type: string}
      - {name: preferences, kind: embedded, object: true, nullable: true}
      - {name: bornOn, type: date, nullable: true}
      - {name: token, type: uuid, nullable: true, read_sql: "BIN_TO_UUID({column})", write_sql: "UUID_TO_BIN(?)"}
      - {name: shout, type: string, formula: "UPPER({alias}.name)"}
      - {name: notes, type: string, lazy: true, nullable: true}
      - {name: version, type: integer, version: true}
      - {name: orders, kind: one_to_many, target: Order, mapped_by: customer}
  - name: Order
    primary_keys: [shop, number]
    properties:
      - {name: shop, type: string}
      - {name: number, type: integer}
      - {name: placedAt, type: datetime}
      - {name: customer, kind: to_one, target: Customer, nullable: true}
      - {name: lines, kind: one_to_many, target: OrderLine, mapped_by: order}
  - name: OrderLine
    properties:
      - {name: id, type: integer, generated: true}
      - {name: sku, type: string}
      - {name: order, kind: to_one, target: Order}
  - name: Person
    discriminator_column: kind
    discriminator_value: person
    properties:
      - {name: id, type: integer, generated: true}
      - {name: kind, type: string}
      - {name: name, type: string}
      - {name: code, type: string, fields: [person_code], nullable: true}
  - name: Employee
    extends: Person
    discriminator_value: employee
    properties:
      - {name: code, type: string, fields: [employee_code], nullable: true}
      - {name: salary, type: integer, nullable: true}
  - name: Contractor
    extends: Person
    discriminator_value: contractor
    properties:
      - {name: rate, type: integer, nullable: true}
`

// Load links a YAML model or fails the test.
func Load(tb testing.TB, model string) *metadata.Registry {
	tb.Helper()
	registry, err := metadata.Load(strings.NewReader(model), nil)
	if err != nil {
		tb.Fatalf("load model: %v", err)
	}
	return registry
}

// Library returns the linked library model.
func Library(tb testing.TB) *metadata.Registry {
	tb.Helper()
	return Load(tb, LibraryModel)
}

// Store returns the linked store model.
func Store(tb testing.TB) *metadata.Registry {
	tb.Helper()
	return Load(tb, StoreModel)
}
