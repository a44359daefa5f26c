package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/core/apperror"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
)

func testMetamodel(t *testing.T) *metadata.Metamodel {
	t.Helper()
	mm, err := metadata.NewMetamodel(&metadata.EntityType{
		Name:    "Document",
		Table:   "documents",
		ID:      &metadata.EntityAttribute{Name: "id", Column: "id", Type: metadata.TypeInt64},
		Version: &metadata.EntityAttribute{Name: "version", Column: "version", Type: metadata.TypeInt64},
		Attributes: []*metadata.EntityAttribute{
			{Name: "title", Column: "title", Kind: metadata.EntityBasic, Type: metadata.TypeString},
			{Name: "address", Kind: metadata.EntityEmbedded, Components: []*metadata.EntityAttribute{
				{Name: "city", Column: "address_city", Kind: metadata.EntityBasic, Type: metadata.TypeString},
			}},
			{Name: "tags", Kind: metadata.EntityCollection, Type: metadata.TypeString,
				JoinTable: &metadata.JoinTable{Table: "document_tags", OwnerColumn: "document_id", ElementColumn: "tag", IndexColumn: "position"}},
			{Name: "labels", Kind: metadata.EntityMap, Type: metadata.TypeString, KeyType: metadata.TypeString,
				JoinTable: &metadata.JoinTable{Table: "document_labels", OwnerColumn: "document_id", ElementColumn: "label", KeyColumn: "lang"}},
		},
	})
	require.NoError(t, err)
	return mm
}

func TestCompiler_UpdateStatement(t *testing.T) {
	c, err := NewCompiler(testMetamodel(t), Postgres, 0)
	require.NoError(t, err)

	var b persistence.UpdateBuilder
	b.Set("title", "title")
	b.Set("address.city", "address_city")
	b.Set("version", persistence.ParamNextVersion)
	stmt := b.Build("Document", "id", "version")

	q, err := c.Compile(stmt)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE documents SET title = $1, address_city = $2, version = $3 WHERE id = $4 AND version = $5", q.SQL)
	assert.Equal(t, []string{"title", "address_city", persistence.ParamNextVersion, persistence.ParamID, persistence.ParamVersion}, q.Names)

	args, err := q.Bind(persistence.Params{
		"title": "a", "address_city": "b",
		persistence.ParamNextVersion: int64(3), persistence.ParamID: int64(7), persistence.ParamVersion: int64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", int64(3), int64(7), int64(2)}, args)

	again, err := c.Compile(b.Build("Document", "id", "version"))
	require.NoError(t, err)
	assert.Same(t, q, again)
}

func TestCompiler_BindMissingParameter(t *testing.T) {
	c, err := NewCompiler(testMetamodel(t), SQLite, 0)
	require.NoError(t, err)

	var b persistence.UpdateBuilder
	b.Set("title", "title")
	q, err := c.Compile(b.Build("Document", "id", ""))
	require.NoError(t, err)
	assert.Equal(t, "UPDATE documents SET title = ? WHERE id = ?", q.SQL)

	_, err = q.Bind(persistence.Params{"title": "x"})
	require.Error(t, err)
}

func TestCompiler_CollectionStatements(t *testing.T) {
	c, err := NewCompiler(testMetamodel(t), Postgres, 0)
	require.NoError(t, err)

	tests := []struct {
		name  string
		stmt  *persistence.CollectionStatement
		sql   string
		names []string
	}{
		{
			name:  "indexed insert",
			stmt:  &persistence.CollectionStatement{Op: persistence.OpInsert, EntityName: "Document", Attribute: "tags", Indexed: true},
			sql:   "INSERT INTO document_tags (document_id,position,tag) VALUES ($1,$2,$3)",
			names: []string{persistence.ParamOwner, persistence.ParamIndex, persistence.ParamElement},
		},
		{
			name:  "keyed update",
			stmt:  &persistence.CollectionStatement{Op: persistence.OpUpdateKey, EntityName: "Document", Attribute: "labels", Keyed: true},
			sql:   "UPDATE document_labels SET label = $1 WHERE document_id = $2 AND lang = $3",
			names: []string{persistence.ParamElement, persistence.ParamOwner, persistence.ParamKey},
		},
		{
			name:  "shift",
			stmt:  &persistence.CollectionStatement{Op: persistence.OpShiftIndex, EntityName: "Document", Attribute: "tags", Indexed: true},
			sql:   "UPDATE document_tags SET position = position + $1 WHERE document_id = $2 AND position >= $3",
			names: []string{persistence.ParamDelta, persistence.ParamOwner, persistence.ParamIndex},
		},
		{
			name:  "delete all",
			stmt:  &persistence.CollectionStatement{Op: persistence.OpDeleteAll, EntityName: "Document", Attribute: "tags", Indexed: true},
			sql:   "DELETE FROM document_tags WHERE document_id = $1",
			names: []string{persistence.ParamOwner},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := c.Compile(tt.stmt)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, q.SQL)
			assert.Equal(t, tt.names, q.Names)
		})
	}
}

func TestCompiler_UnknownMapping(t *testing.T) {
	c, err := NewCompiler(testMetamodel(t), Postgres, 0)
	require.NoError(t, err)

	var b persistence.UpdateBuilder
	b.Set("missing", "missing")
	_, err = c.Compile(b.Build("Document", "id", ""))
	assert.True(t, apperror.IsConfiguration(err))

	_, err = c.Compile(&persistence.CollectionStatement{Op: persistence.OpInsert, EntityName: "Document", Attribute: "title"})
	assert.True(t, apperror.IsConfiguration(err))
}

func TestDialect_LockSuffix(t *testing.T) {
	assert.Equal(t, "FOR UPDATE", Postgres.LockSuffix(metadata.LockModePessimisticWrite))
	assert.Equal(t, "FOR SHARE", Postgres.LockSuffix(metadata.LockModePessimisticRead))
	assert.Empty(t, Postgres.LockSuffix(metadata.LockModeOptimistic))
	assert.Empty(t, SQLite.LockSuffix(metadata.LockModePessimisticWrite))
}
