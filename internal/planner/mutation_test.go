package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/platform"
	"relgraph/internal/testutil/fixtures"
)

const pointModel = `
entities:
  - name: Point
    properties:
      - {name: id, type: integer, generated: true}
      - {name: x, type: integer, nullable: true}
      - {name: y, type: integer, nullable: true}
      - {name: z, type: integer, nullable: true}
      - {name: updatedAt, type: datetime, version: true}
`

func TestCompileInsertMany_ColumnUnion(t *testing.T) {
	point := fixtures.Load(t, pointModel).MustGet("Point")
	rows := []Row{
		{"x": 1, "y": 2},
		{"y": 3, "z": 4},
	}

	t.Run("mysql fills with DEFAULT", func(t *testing.T) {
		planned, err := CompileInsertMany(point, rows)
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO `points` (`x`,`y`,`z`) VALUES (?,?,DEFAULT),(DEFAULT,?,?)", planned.SQL)
		assertArgsEqual(t, planned.Args, []interface{}{1, 2, 3, 4})
	})

	t.Run("forced column list fills with NULL", func(t *testing.T) {
		planned, err := CompileInsertMany(point, rows, WithInsertColumns("x", "y", "z"))
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO `points` (`x`,`y`,`z`) VALUES (?,?,NULL),(NULL,?,?)", planned.SQL)
	})

	t.Run("postgres returns generated keys", func(t *testing.T) {
		planned, err := CompileInsertMany(point, rows, WithPlatform(&platform.Postgres{}))
		require.NoError(t, err)
		assert.Equal(t, `INSERT INTO "points" ("x","y","z") VALUES ($1,$2,DEFAULT),(DEFAULT,$3,$4) RETURNING "id"`, planned.SQL)
	})

	t.Run("no columns", func(t *testing.T) {
		planned, err := CompileInsertMany(point, []Row{{}, {}})
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO `points` (`id`) VALUES (DEFAULT),(DEFAULT)", planned.SQL)
		assert.Empty(t, planned.Args)
	})

	t.Run("unknown forced column", func(t *testing.T) {
		_, err := CompileInsertMany(point, rows, WithInsertColumns("w"))
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestCompileInsertMany_Relations(t *testing.T) {
	registry := fixtures.Library(t)
	book := registry.MustGet("Book")

	planned, err := CompileInsertMany(book, []Row{
		{"title": "A Wizard of Earthsea", "author": 1},
		{"title": "The Dispossessed", "author": map[string]interface{}{"id": 1, "name": "Le Guin"}, "editor": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `books` (`title`,`author_id`,`editor_id`) VALUES (?,?,DEFAULT),(?,?,?)", planned.SQL)
	assertArgsEqual(t, planned.Args, []interface{}{"A Wizard of Earthsea", 1, "The Dispossessed", 1, nil})
}

func TestCompileInsertMany_CompositeAndConversions(t *testing.T) {
	registry := fixtures.Store(t)

	t.Run("composite foreign key", func(t *testing.T) {
		line := registry.MustGet("OrderLine")
		planned, err := CompileInsertMany(line, []Row{{"sku": "A-1", "order": []interface{}{"oslo", 42}}})
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO `order_lines` (`sku`,`order_shop`,`order_number`) VALUES (?,?,?)", planned.SQL)
		assertArgsEqual(t, planned.Args, []interface{}{"A-1", "oslo", 42})
	})

	t.Run("shape mismatch", func(t *testing.T) {
		line := registry.MustGet("OrderLine")
		_, err := CompileInsertMany(line, []Row{{"sku": "A-1", "order": []interface{}{"oslo"}}})
		assert.ErrorIs(t, err, ErrShapeMismatch)

		_, err = CompileInsertMany(line, nil)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("embeddables and write conversion", func(t *testing.T) {
		customer := registry.MustGet("Customer")
		planned, err := CompileInsertMany(customer, []Row{{
			"name":        "Ada",
			"address":     map[string]interface{}{"city": "London"},
			"preferences": map[string]interface{}{"theme": "dark"},
			"token":       "0b7a4a4e-0000-4000-8000-000000000001",
			"shout":       "ignored",
		}})
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO `customers` (`name`,`address_city`,`preferences`,`token`) VALUES (?,?,?,UUID_TO_BIN(?))", planned.SQL)
		assertArgsEqual(t, planned.Args, []interface{}{"Ada", "London", `{"theme":"dark"}`, "0b7a4a4e-0000-4000-8000-000000000001"})
	})
}

func TestCompileInsertMany_SingleTableInheritance(t *testing.T) {
	registry := fixtures.Store(t)
	person := registry.MustGet("Person")

	planned, err := CompileInsertMany(person, []Row{
		{"kind": "employee", "name": "Grace", "code": "E1", "salary": 10},
		{"kind": "person", "name": "Linus", "code": "P1"},
		{"kind": "contractor", "name": "Ken", "code": "C1", "rate": 5},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"INSERT INTO `people` (`kind`,`name`,`person_code`,`employee_code`,`salary`,`rate`) VALUES "+
			"(?,?,NULL,?,?,DEFAULT),(?,?,?,NULL,DEFAULT,DEFAULT),(?,?,?,NULL,DEFAULT,?)",
		planned.SQL)
	assertArgsEqual(t, planned.Args, []interface{}{
		"employee", "Grace", "E1", 10,
		"person", "Linus", "P1",
		"contractor", "Ken", "C1", 5,
	})

	employee := registry.MustGet("Employee")
	planned, err = CompileInsertMany(employee, []Row{{"name": "Barbara", "code": "E2"}})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `people` (`kind`,`name`,`employee_code`) VALUES (?,?,?)", planned.SQL)
	assertArgsEqual(t, planned.Args, []interface{}{"employee", "Barbara", "E2"})
}

func TestCompileUpdateMany_CaseIsolation(t *testing.T) {
	point := fixtures.Load(t, pointModel).MustGet("Point")

	planned, err := CompileUpdateMany(point, []Row{
		{"id": 1, "x": 10, "y": 20},
		{"id": 2, "y": 30},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE `points` SET "+
			"`x` = CASE WHEN (`id` = ?) THEN ? ELSE `x` END, "+
			"`y` = CASE WHEN (`id` = ?) THEN ? WHEN (`id` = ?) THEN ? ELSE `y` END, "+
			"`updated_at` = CURRENT_TIMESTAMP(3) "+
			"WHERE (`id` = ? OR `id` = ?)",
		planned.SQL)
	assertArgsEqual(t, planned.Args, []interface{}{1, 10, 1, 20, 2, 30, 1, 2})
}

func TestCompileUpdateMany_WhereListAndReturning(t *testing.T) {
	registry := fixtures.Store(t)
	order := registry.MustGet("Order")

	planned, err := CompileUpdateMany(order,
		[]Row{{"placedAt": "2024-01-01 10:00:00"}, {"customer": 9}},
		[]Row{{"shop": "oslo", "number": 1}, {"shop": "rome", "number": 2}},
		WithPlatform(&platform.Postgres{}))
	require.NoError(t, err)
	assert.Equal(t,
		`UPDATE "orders" SET `+
			`"placed_at" = CASE WHEN ("number" = $1 AND "shop" = $2) THEN $3 ELSE "placed_at" END, `+
			`"customer_id" = CASE WHEN ("number" = $4 AND "shop" = $5) THEN $6 ELSE "customer_id" END `+
			`WHERE (("number" = $7 AND "shop" = $8) OR ("number" = $9 AND "shop" = $10)) `+
			`RETURNING "shop", "number"`,
		planned.SQL)
	assertArgsEqual(t, planned.Args, []interface{}{1, "oslo", "2024-01-01 10:00:00", 2, "rome", 9, 1, "oslo", 2, "rome"})
}

const deviceModel = `
entities:
  - name: Device
    table: devices
    properties:
      - {name: id, type: uuid, write_sql: "UUID_TO_BIN(?)"}
      - {name: name, type: string}
  - name: Badge
    table: badges
    properties:
      - {name: id, type: uuid}
      - {name: label, type: string}
`

func TestCompileUpdateMany_KeyWriteSQL(t *testing.T) {
	device := fixtures.Load(t, deviceModel).MustGet("Device")

	planned, err := CompileUpdateMany(device, []Row{
		{"id": "0b7a4a4e-0000-4000-8000-000000000001", "name": "router"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE `devices` SET `name` = CASE WHEN (`id` = UUID_TO_BIN(?)) THEN ? ELSE `name` END "+
			"WHERE (`id` = UUID_TO_BIN(?))",
		planned.SQL)
	assertArgsEqual(t, planned.Args, []interface{}{
		"0b7a4a4e-0000-4000-8000-000000000001", "router", "0b7a4a4e-0000-4000-8000-000000000001",
	})
}

func TestCompileMutations_BinaryUUID(t *testing.T) {
	badge := fixtures.Load(t, deviceModel).MustGet("Badge")
	id := "0B7A4A4E-0000-4000-8000-000000000001"
	raw := []byte{0x0b, 0x7a, 0x4a, 0x4e, 0x00, 0x00, 0x40, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}

	t.Run("mysql writes bytes", func(t *testing.T) {
		planned, err := CompileInsertMany(badge, []Row{{"id": id, "label": "gold"}})
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO `badges` (`id`,`label`) VALUES (?,?)", planned.SQL)
		assert.Equal(t, []interface{}{raw, "gold"}, planned.Args)

		planned, err = CompileUpdateMany(badge, []Row{{"id": id, "label": "silver"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{raw, "silver", raw}, planned.Args)
	})

	t.Run("postgres keeps text", func(t *testing.T) {
		planned, err := CompileInsertMany(badge, []Row{{"id": id, "label": "gold"}}, WithPlatform(&platform.Postgres{}))
		require.NoError(t, err)
		assert.Equal(t, []interface{}{id, "gold"}, planned.Args)
	})

	t.Run("malformed uuid", func(t *testing.T) {
		_, err := CompileInsertMany(badge, []Row{{"id": "nope", "label": "gold"}})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestCompileUpdateMany_Errors(t *testing.T) {
	registry := fixtures.Store(t)
	customer := registry.MustGet("Customer")

	_, err := CompileUpdateMany(customer, []Row{{"id": 1, "name": "x"}}, []Row{})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = CompileUpdateMany(customer, []Row{{"name": "x"}}, nil)
	assert.ErrorIs(t, err, ErrNoPrimaryKey)

	planned, err := CompileUpdateMany(customer, []Row{{"id": 1, "name": "x"}}, nil)
	require.NoError(t, err)
	assert.Contains(t, planned.SQL, "`version` = `version` + 1")
}

func TestReturningColumns(t *testing.T) {
	customer := fixtures.Store(t).MustGet("Customer")
	assert.Equal(t, `"id", "version"`, returningColumns(&platform.Postgres{}, customer, true))
	assert.Equal(t, `"id"`, returningColumns(&platform.Postgres{}, customer, false))
}
