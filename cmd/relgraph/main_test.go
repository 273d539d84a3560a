package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/planner"
	"relgraph/internal/testutil/fixtures"
)

func TestParseWhere(t *testing.T) {
	filter, err := parseWhere(`[{"path": "name", "op": "like", "value": "A%"}, {path: books.title, value: Dune}]`)
	require.NoError(t, err)
	assert.Equal(t, planner.Filter{
		{Path: "name", Op: "like", Value: "A%"},
		{Path: "books.title", Op: "eq", Value: "Dune"},
	}, filter)

	filter, err = parseWhere("  ")
	require.NoError(t, err)
	assert.Nil(t, filter)

	_, err = parseWhere(`[{op: eq, value: 1}]`)
	assert.Error(t, err)

	_, err = parseWhere(`{not a list`)
	assert.Error(t, err)
}

func TestParseOrder(t *testing.T) {
	hints, err := parseOrder([]string{"name:desc", " id ", ""})
	require.NoError(t, err)
	assert.Equal(t, []planner.OrderHint{
		{Path: "name", Direction: "DESC"},
		{Path: "id", Direction: "ASC"},
	}, hints)

	_, err = parseOrder([]string{"name:sideways"})
	assert.ErrorIs(t, err, planner.ErrConfiguration)
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &out))
	assert.Contains(t, out.String(), "relgraph dev")
}

func TestRun_RequiresEntity(t *testing.T) {
	err := run(nil, &bytes.Buffer{})
	assert.EqualError(t, err, "--entity is required")
}

func TestRun_DryRunPrintsSQL(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	modelPath := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(modelPath, []byte(fixtures.LibraryModel), 0o600))

	var out bytes.Buffer
	err := run([]string{
		"--model.file", modelPath,
		"--observability.logging.level", "error",
		"--entity", "Author",
		"--populate", "books",
		"--order", "name",
	}, &out)
	require.NoError(t, err)

	var printed struct {
		SQL string `json:"sql"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t,
		"SELECT `e0`.`id`, `e0`.`name`, `e1`.`id` AS `e1__id`, `e1`.`title` AS `e1__title`, "+
			"`e1`.`author_id` AS `e1__author_id`, `e1`.`editor_id` AS `e1__editor_id` "+
			"FROM `authors` AS `e0` LEFT JOIN `books` AS `e1` ON `e0`.`id` = `e1`.`author_id` "+
			"ORDER BY `e0`.`name` ASC",
		printed.SQL)
}

func TestRun_UnknownEntity(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	modelPath := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(modelPath, []byte(fixtures.LibraryModel), 0o600))

	err := run([]string{"--model.file", modelPath, "--entity", "Publisher"}, &bytes.Buffer{})
	assert.Error(t, err)
}
