package platform

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	p, err := New("", "")
	require.NoError(t, err)
	assert.Equal(t, "mysql", p.Name())
	assert.Equal(t, DefaultTimezone, p.Timezone())

	p, err = New("PostgreSQL", "+02:00")
	require.NoError(t, err)
	assert.Equal(t, "postgres", p.Name())
	assert.Equal(t, "+02:00", p.Timezone())

	_, err = New("oracle", "")
	assert.Error(t, err)
}

func TestMySQL(t *testing.T) {
	p := &MySQL{}
	assert.Equal(t, "`books`", p.QuoteIdentifier("books"))
	assert.Equal(t, "1", p.BooleanLiteral(true))
	assert.Equal(t, "0", p.BooleanLiteral(false))
	assert.False(t, p.SupportsReturning())
	assert.True(t, p.SupportsDefaultKeyword())
	assert.Equal(t, sq.Question, p.PlaceholderFormat())
	assert.Equal(t, "binary", p.UUIDStorageType())

	lit, err := p.JSONLiteral(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, `CAST('{"a":1}' AS JSON)`, lit)
}

func TestPostgres(t *testing.T) {
	p := &Postgres{}
	assert.Equal(t, `"books"`, p.QuoteIdentifier("books"))
	assert.Equal(t, "true", p.BooleanLiteral(true))
	assert.True(t, p.SupportsReturning())
	assert.Equal(t, sq.Dollar, p.PlaceholderFormat())
	assert.Equal(t, "uuid", p.UUIDStorageType())

	lit, err := p.JSONLiteral([]string{"it's"})
	require.NoError(t, err)
	assert.Equal(t, `'["it''s"]'::jsonb`, lit)
}
