package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/metadata"
	"relgraph/internal/testutil/fixtures"
)

func TestPlanAndCompileFind_OneToMany(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")

	compiled, err := PlanAndCompileFind(author, FindOptions{
		Populate: ParsePopulate([]string{"books"}),
		OrderBy:  []OrderHint{{Path: "name"}},
	})
	require.NoError(t, err)
	assertSQLMatches(t, compiled.SQL,
		"SELECT `e0`.`id`, `e0`.`name`, `e1`.`id` AS `e1__id`, `e1`.`title` AS `e1__title`, "+
			"`e1`.`author_id` AS `e1__author_id`, `e1`.`editor_id` AS `e1__editor_id` "+
			"FROM `authors` AS `e0` LEFT JOIN `books` AS `e1` ON `e0`.`id` = `e1`.`author_id` "+
			"ORDER BY `e0`.`name` ASC")
	assert.Empty(t, compiled.Args)
	assert.Equal(t, []string{"id", "name", "e1__id", "e1__title", "e1__author_id", "e1__editor_id"}, compiled.Projection.Keys)
}

func TestPlanAndCompileFind_MandatoryToOne(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")

	compiled, err := PlanAndCompileFind(book, FindOptions{
		Populate: ParsePopulate([]string{"author"}),
		Fields:   []string{"title", "author.name"},
	})
	require.NoError(t, err)
	assertSQLMatches(t, compiled.SQL,
		"SELECT `e0`.`id`, `e0`.`title`, `e0`.`author_id`, `e1`.`id` AS `e1__id`, `e1`.`name` AS `e1__name` "+
			"FROM `books` AS `e0` INNER JOIN `authors` AS `e1` ON `e0`.`author_id` = `e1`.`id`")
}

func TestPlanAndCompileFind_ManyToMany(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")

	t.Run("full", func(t *testing.T) {
		compiled, err := PlanAndCompileFind(book, FindOptions{
			Populate: ParsePopulate([]string{"tags"}),
			Fields:   []string{"title"},
		})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`title`, `e1`.`book_id` AS `e1__book_id`, `e1`.`tag_id` AS `e1__tag_id`, "+
				"`e2`.`id` AS `e2__id`, `e2`.`label` AS `e2__label` "+
				"FROM `books` AS `e0` LEFT JOIN `book_tags` AS `e1` ON `e0`.`id` = `e1`.`book_id` "+
				"LEFT JOIN `tags` AS `e2` ON `e1`.`tag_id` = `e2`.`id` "+
				"ORDER BY `e1`.`id` ASC")
	})

	t.Run("ref reads only the junction table", func(t *testing.T) {
		compiled, err := PlanAndCompileFind(book, FindOptions{
			Populate: ParsePopulate([]string{"tags:ref"}),
			Fields:   []string{"title"},
		})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`title`, `e1`.`book_id` AS `e1__book_id`, `e1`.`tag_id` AS `e1__tag_id` "+
				"FROM `books` AS `e0` LEFT JOIN `book_tags` AS `e1` ON `e0`.`id` = `e1`.`book_id` "+
				"ORDER BY `e1`.`id` ASC")
	})
}

func TestPlanAndCompileFind_PopulateWhereInJoin(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")

	compiled, err := PlanAndCompileFind(author, FindOptions{
		Populate: []PopulateHint{{Field: "books", Where: Filter{{Path: "title", Op: "like", Value: "Earth%"}}}},
		Fields:   []string{"name", "books.title"},
		Where:    Filter{{Path: "id", Op: "gt", Value: 3}},
	})
	require.NoError(t, err)
	assertSQLMatches(t, compiled.SQL,
		"SELECT `e0`.`id`, `e0`.`name`, `e1`.`id` AS `e1__id`, `e1`.`title` AS `e1__title` "+
			"FROM `authors` AS `e0` INNER JOIN `books` AS `e1` ON `e0`.`id` = `e1`.`author_id` AND (`e1`.`title` LIKE ?) "+
			"WHERE (`e0`.`id` > ?)")
	assertArgsEqual(t, compiled.Args, []interface{}{"Earth%", 3})
}

func TestPlanAndCompileFind_FilterJoins(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")

	compiled, err := PlanAndCompileFind(author, FindOptions{
		Populate: ParsePopulate([]string{"books"}),
		Fields:   []string{"name", "books.title"},
		Where:    Filter{{Path: "books.tags.label", Op: "eq", Value: "sf"}},
	})
	require.NoError(t, err)
	assertSQLMatches(t, compiled.SQL,
		"SELECT `e0`.`id`, `e0`.`name`, `e1`.`id` AS `e1__id`, `e1`.`title` AS `e1__title` "+
			"FROM `authors` AS `e0` "+
			"LEFT JOIN `books` AS `e1` ON `e0`.`id` = `e1`.`author_id` "+
			"LEFT JOIN `books` AS `e2` ON `e0`.`id` = `e2`.`author_id` "+
			"LEFT JOIN `book_tags` AS `e3` ON `e2`.`id` = `e3`.`book_id` "+
			"LEFT JOIN `tags` AS `e4` ON `e3`.`tag_id` = `e4`.`id` "+
			"WHERE (`e4`.`label` = ?)")
	assertArgsEqual(t, compiled.Args, []interface{}{"sf"})

	filter, ok := compiled.Plan.Aliases.Lookup("[filter]books")
	require.True(t, ok)
	assert.True(t, filter.FilterOnly)
}

func TestPlanAndCompileFind_LimitAppliesToRoots(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")

	compiled, err := PlanAndCompileFind(author, FindOptions{
		Populate: ParsePopulate([]string{"books"}),
		Fields:   []string{"name", "books.title"},
		Where:    Filter{{Path: "name", Op: "like", Value: "A%"}},
		OrderBy:  []OrderHint{{Path: "name"}, {Path: "books.title"}},
		Limit:    10,
		Offset:   20,
	})
	require.NoError(t, err)
	assertSQLMatches(t, compiled.SQL,
		"SELECT `e0`.`id`, `e0`.`name`, `e1`.`id` AS `e1__id`, `e1`.`title` AS `e1__title` "+
			"FROM `authors` AS `e0` LEFT JOIN `books` AS `e1` ON `e0`.`id` = `e1`.`author_id` "+
			"WHERE `e0`.`id` IN (SELECT `e0_page`.`id` FROM ("+
			"SELECT `e0`.`id` FROM `authors` AS `e0` WHERE (`e0`.`name` LIKE ?) GROUP BY `e0`.`id` "+
			"ORDER BY `e0`.`name` ASC LIMIT 10 OFFSET 20) AS `e0_page`) "+
			"ORDER BY `e0`.`name` ASC, `e1`.`title` ASC")
	assertArgsEqual(t, compiled.Args, []interface{}{"A%"})
}

func TestPlanAndCompileFind_LimitWithoutToMany(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")

	compiled, err := PlanAndCompileFind(book, FindOptions{
		Fields: []string{"title"},
		Offset: 5,
	})
	require.NoError(t, err)
	assertSQLMatches(t, compiled.SQL,
		"SELECT `e0`.`id`, `e0`.`title` FROM `books` AS `e0` LIMIT 9223372036854775807 OFFSET 5")

	_, err = PlanAndCompileFind(book, FindOptions{Limit: -1})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPlanAndCompileFind_ParentKey(t *testing.T) {
	registry := fixtures.Library(t)
	book := registry.MustGet("Book")
	tag := registry.MustGet("Tag")
	author := registry.MustGet("Author")

	t.Run("one-to-many by foreign key", func(t *testing.T) {
		books, _ := author.Property("books")
		key, err := SelectInKey(books, []ParentTuple{{Values: []interface{}{1}}, {Values: []interface{}{2}}})
		require.NoError(t, err)

		compiled, err := PlanAndCompileFind(book, FindOptions{Fields: []string{"title"}, Parent: key})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`title`, `e0`.`author_id` AS `__batch_parent_id` "+
				"FROM `books` AS `e0` WHERE `e0`.`author_id` IN (?,?)")
		assertArgsEqual(t, compiled.Args, []interface{}{1, 2})
	})

	t.Run("many-to-many through the junction table", func(t *testing.T) {
		tags, _ := book.Property("tags")
		key, err := SelectInKey(tags, []ParentTuple{{Values: []interface{}{7}}})
		require.NoError(t, err)

		compiled, err := PlanAndCompileFind(tag, FindOptions{Parent: key})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`label`, `e0_pivot`.`book_id` AS `__batch_parent_id` "+
				"FROM `tags` AS `e0` INNER JOIN `book_tags` AS `e0_pivot` ON `e0_pivot`.`tag_id` = `e0`.`id` "+
				"WHERE `e0_pivot`.`book_id` IN (?) ORDER BY `e0_pivot`.`id` ASC")
	})

	t.Run("limit is rejected", func(t *testing.T) {
		books, _ := author.Property("books")
		key, err := SelectInKey(books, []ParentTuple{{Values: []interface{}{1}}})
		require.NoError(t, err)
		_, err = PlanAndCompileFind(book, FindOptions{Parent: key, Limit: 1})
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestPlanAndCompileFind_StoreModel(t *testing.T) {
	registry := fixtures.Store(t)

	t.Run("embeddables formulas and conversions", func(t *testing.T) {
		customer := registry.MustGet("Customer")
		compiled, err := PlanAndCompileFind(customer, FindOptions{})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`name`, `e0`.`address_street`, `e0`.`address_city`, `e0`.`preferences`, "+
				"`e0`.`born_on`, BIN_TO_UUID(`e0`.`token`) AS `token`, UPPER(`e0`.name) AS `shout`, `e0`.`version` "+
				"FROM `customers` AS `e0`")
	})

	t.Run("narrowed embeddable and lazy field", func(t *testing.T) {
		customer := registry.MustGet("Customer")
		compiled, err := PlanAndCompileFind(customer, FindOptions{Fields: []string{"address.city", "notes"}})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`address_city`, `e0`.`notes` FROM `customers` AS `e0`")
	})

	t.Run("composite keys", func(t *testing.T) {
		line := registry.MustGet("OrderLine")
		compiled, err := PlanAndCompileFind(line, FindOptions{Populate: ParsePopulate([]string{"order"})})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`sku`, `e0`.`order_shop`, `e0`.`order_number`, "+
				"`e1`.`shop` AS `e1__shop`, `e1`.`number` AS `e1__number`, `e1`.`placed_at` AS `e1__placed_at`, "+
				"`e1`.`customer_id` AS `e1__customer_id` "+
				"FROM `order_lines` AS `e0` INNER JOIN `orders` AS `e1` "+
				"ON `e0`.`order_shop` = `e1`.`shop` AND `e0`.`order_number` = `e1`.`number`")
	})

	t.Run("composite key paging", func(t *testing.T) {
		order := registry.MustGet("Order")
		compiled, err := PlanAndCompileFind(order, FindOptions{
			Populate: ParsePopulate([]string{"lines"}),
			Fields:   []string{"placedAt", "lines.sku"},
			Limit:    5,
		})
		require.NoError(t, err)
		assert.Contains(t, normalizeSQL(compiled.SQL),
			"WHERE (`e0`.`shop`, `e0`.`number`) IN (SELECT `e0_page`.`shop`, `e0_page`.`number` FROM (SELECT `e0`.`shop`, `e0`.`number` FROM `orders` AS `e0` GROUP BY `e0`.`shop`, `e0`.`number` LIMIT 5) AS `e0_page`)")
	})

	t.Run("single table inheritance", func(t *testing.T) {
		employee := registry.MustGet("Employee")
		compiled, err := PlanAndCompileFind(employee, FindOptions{})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`kind`, `e0`.`name`, `e0`.`employee_code`, `e0`.`person_code`, `e0`.`salary` "+
				"FROM `people` AS `e0` WHERE `e0`.`kind` = ?")
		assertArgsEqual(t, compiled.Args, []interface{}{"employee"})

		person := registry.MustGet("Person")
		compiled, err = PlanAndCompileFind(person, FindOptions{})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`kind`, `e0`.`name`, `e0`.`person_code`, `e0`.`employee_code`, `e0`.`salary`, `e0`.`rate` "+
				"FROM `people` AS `e0`")
	})

	t.Run("converted filter", func(t *testing.T) {
		customer := registry.MustGet("Customer")
		compiled, err := PlanAndCompileFind(customer, FindOptions{
			Fields: []string{"name"},
			Where:  Filter{{Path: "token", Op: "eq", Value: "0b7a4a4e-0000-4000-8000-000000000001"}, {Path: "address.city", Op: "in", Value: []interface{}{"Oslo", "Rome"}}},
		})
		require.NoError(t, err)
		assertSQLMatches(t, compiled.SQL,
			"SELECT `e0`.`id`, `e0`.`name` FROM `customers` AS `e0` "+
				"WHERE (`e0`.`token` = UUID_TO_BIN(?) AND `e0`.`address_city` IN (?,?))")
	})
}

func TestPlanAndCompileFind_SelectInPruning(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")

	compiled, err := PlanAndCompileFind(author, FindOptions{
		Populate: ParsePopulate([]string{"books.tags"}),
	}, WithStrategy(metadata.StrategySelectIn))
	require.NoError(t, err)
	assertSQLMatches(t, compiled.SQL, "SELECT `e0`.`id`, `e0`.`name` FROM `authors` AS `e0`")
	require.Len(t, compiled.Plan.SelectIn, 1)
	assert.Equal(t, "books", compiled.Plan.SelectIn[0].Path)
}
