package finder

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/dbexec"
	"relgraph/internal/materializer"
	"relgraph/internal/metadata"
	"relgraph/internal/planner"
	"relgraph/internal/platform"
	"relgraph/internal/testutil/fixtures"
)

func newMockFinder(t *testing.T, opts ...Option) (*Finder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(dbexec.NewStandardExecutor(db), opts...), mock
}

func TestFind_JoinedOneToMany(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")
	f, mock := newMockFinder(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT `e0`.`id`, `e0`.`name`, `e1`.`id` AS `e1__id`, `e1`.`title` AS `e1__title`, " +
			"`e1`.`author_id` AS `e1__author_id`, `e1`.`editor_id` AS `e1__editor_id` " +
			"FROM `authors` AS `e0` LEFT JOIN `books` AS `e1` ON `e0`.`id` = `e1`.`author_id`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "e1__id", "e1__title", "e1__author_id", "e1__editor_id"}).
			AddRow(int64(1), "Ann", int64(10), "Dune", int64(1), nil).
			AddRow(int64(1), "Ann", int64(11), "Emma", int64(1), nil).
			AddRow(int64(2), "Bob", nil, nil, nil, nil))

	nodes, err := f.Find(context.Background(), author, planner.FindOptions{
		Populate: planner.ParsePopulate([]string{"books"}),
	})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "Ann", nodes[0]["name"])
	assert.Len(t, nodes[0]["books"], 2)
	assert.Equal(t, []interface{}{}, nodes[1]["books"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFind_SelectInOneToMany(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")
	f, mock := newMockFinder(t, WithStrategy(metadata.StrategySelectIn))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `e0`.`id`, `e0`.`name` FROM `authors` AS `e0`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "Ann").
			AddRow(int64(2), "Bob").
			AddRow(int64(3), "Cy"))
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT `e0`.`id`, `e0`.`title`, `e0`.`author_id`, `e0`.`editor_id`, `e0`.`author_id` AS `__batch_parent_id` " +
			"FROM `books` AS `e0` WHERE `e0`.`author_id` IN (?,?,?)")).
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author_id", "editor_id", "__batch_parent_id"}).
			AddRow(int64(10), "Dune", int64(1), nil, int64(1)).
			AddRow(int64(12), "Kindred", int64(2), int64(1), int64(2)).
			AddRow(int64(11), "Emma", int64(1), nil, int64(1)))

	nodes, err := f.Find(context.Background(), author, planner.FindOptions{
		Populate: planner.ParsePopulate([]string{"books"}),
	})
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, []interface{}{
		materializer.Node{"id": int64(10), "title": "Dune", "author": int64(1), "editor": nil},
		materializer.Node{"id": int64(11), "title": "Emma", "author": int64(1), "editor": nil},
	}, nodes[0]["books"])
	assert.Equal(t, []interface{}{
		materializer.Node{"id": int64(12), "title": "Kindred", "author": int64(2), "editor": int64(1)},
	}, nodes[1]["books"])
	assert.Equal(t, []interface{}{}, nodes[2]["books"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFind_SelectInManyToManySharedTargets(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")
	f, mock := newMockFinder(t, WithStrategy(metadata.StrategySelectIn))

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT `e0`.`id`, `e0`.`title`, `e0`.`author_id`, `e0`.`editor_id` FROM `books` AS `e0`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author_id", "editor_id"}).
			AddRow(int64(10), "Dune", int64(1), nil).
			AddRow(int64(11), "Emma", int64(1), nil))
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT `e0`.`id`, `e0`.`label`, `e0_pivot`.`book_id` AS `__batch_parent_id` " +
			"FROM `tags` AS `e0` INNER JOIN `book_tags` AS `e0_pivot` ON `e0_pivot`.`tag_id` = `e0`.`id` " +
			"WHERE `e0_pivot`.`book_id` IN (?,?) ORDER BY `e0_pivot`.`id` ASC")).
		WithArgs(int64(10), int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "label", "__batch_parent_id"}).
			AddRow(int64(5), "classic", int64(10)).
			AddRow(int64(6), "space", int64(10)).
			AddRow(int64(5), "classic", int64(11)))

	nodes, err := f.Find(context.Background(), book, planner.FindOptions{
		Populate: planner.ParsePopulate([]string{"tags"}),
	})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, []interface{}{
		materializer.Node{"id": int64(5), "label": "classic"},
		materializer.Node{"id": int64(6), "label": "space"},
	}, nodes[0]["tags"])
	assert.Equal(t, []interface{}{
		materializer.Node{"id": int64(5), "label": "classic"},
	}, nodes[1]["tags"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFind_SelectInSkipsQueryWithoutParents(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")
	f, mock := newMockFinder(t, WithStrategy(metadata.StrategySelectIn))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `e0`.`id`, `e0`.`name` FROM `authors` AS `e0`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

	nodes, err := f.Find(context.Background(), author, planner.FindOptions{
		Populate: planner.ParsePopulate([]string{"books"}),
	})
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFind_Errors(t *testing.T) {
	author := fixtures.Library(t).MustGet("Author")

	t.Run("unknown populate is a configuration error", func(t *testing.T) {
		f, mock := newMockFinder(t)
		_, err := f.Find(context.Background(), author, planner.FindOptions{
			Populate: planner.ParsePopulate([]string{"publisher"}),
		})
		assert.ErrorIs(t, err, planner.ErrConfiguration)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver errors pass through", func(t *testing.T) {
		f, mock := newMockFinder(t)
		boom := errors.New("connection reset")
		mock.ExpectQuery("SELECT").WillReturnError(boom)
		_, err := f.Find(context.Background(), author, planner.FindOptions{})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("plan limits", func(t *testing.T) {
		f, _ := newMockFinder(t, WithLimits(planner.PlanLimits{MaxDepth: 1}))
		_, err := f.Find(context.Background(), author, planner.FindOptions{
			Populate: planner.ParsePopulate([]string{"books.tags"}),
		})
		assert.ErrorIs(t, err, planner.ErrConfiguration)
	})
}

func TestInsertMany(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")
	f, mock := newMockFinder(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `books` (`title`,`author_id`) VALUES (?,?),(?,?)")).
		WithArgs("Dune", 1, "Emma", 2).
		WillReturnResult(sqlmock.NewResult(40, 2))

	result, err := f.InsertMany(context.Background(), book, []planner.Row{
		{"title": "Dune", "author": 1},
		{"title": "Emma", "author": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowsAffected)
	assert.Equal(t, int64(40), result.LastInsertID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMany_PostgresReturning(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")
	f, mock := newMockFinder(t, WithPlatform(&platform.Postgres{}))

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "books" ("title","author_id") VALUES ($1,$2) RETURNING "id"`)).
		WithArgs("Dune", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	result, err := f.InsertMany(context.Background(), book, []planner.Row{{"title": "Dune", "author": 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowsAffected)
	assert.Equal(t, []dbexec.FlatRow{{"id": int64(7)}}, result.Returned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMany(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")
	f, mock := newMockFinder(t)

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE `books` SET `title` = CASE WHEN (`id` = ?) THEN ? WHEN (`id` = ?) THEN ? ELSE `title` END " +
			"WHERE (`id` = ? OR `id` = ?)")).
		WithArgs(10, "Dune", 11, "Emma", 10, 11).
		WillReturnResult(sqlmock.NewResult(0, 2))

	result, err := f.UpdateMany(context.Background(), book, []planner.Row{
		{"id": 10, "title": "Dune"},
		{"id": 11, "title": "Emma"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowsAffected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncPivot(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")
	tags, _ := book.Property("tags")

	t.Run("reordering replaces membership in one transaction", func(t *testing.T) {
		f, mock := newMockFinder(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `book_tags` WHERE `book_id` = ?")).
			WithArgs(int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `book_tags` (`book_id`,`tag_id`) VALUES (?,?),(?,?)")).
			WithArgs(int64(10), int64(6), int64(10), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		diff, err := f.SyncPivot(context.Background(), tags, []interface{}{int64(10)},
			[]interface{}{int64(6), int64(5)}, []interface{}{int64(5), int64(6)})
		require.NoError(t, err)
		assert.True(t, diff.Replace)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unchanged collection writes nothing", func(t *testing.T) {
		f, mock := newMockFinder(t)
		diff, err := f.SyncPivot(context.Background(), tags, []interface{}{int64(10)},
			[]interface{}{int64(5)}, []interface{}{int64(5)})
		require.NoError(t, err)
		assert.True(t, diff.Empty())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure rolls back", func(t *testing.T) {
		f, mock := newMockFinder(t)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM").WillReturnError(errors.New("lock wait timeout"))
		mock.ExpectRollback()

		_, err := f.SyncPivot(context.Background(), tags, []interface{}{int64(10)},
			[]interface{}{int64(6)}, []interface{}{int64(5)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "book_tags")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestColumnValue(t *testing.T) {
	book := fixtures.Library(t).MustGet("Book")

	v, ok := columnValue(materializer.Node{"author": int64(3)}, book, "author_id")
	require.True(t, ok)
	assert.Equal(t, int64(3), v)

	v, ok = columnValue(materializer.Node{"author": materializer.Node{"id": int64(4)}}, book, "author_id")
	require.True(t, ok)
	assert.Equal(t, int64(4), v)

	_, ok = columnValue(materializer.Node{"title": "x"}, book, "author_id")
	assert.False(t, ok)
}
