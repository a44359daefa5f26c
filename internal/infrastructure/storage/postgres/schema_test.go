package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/domain/receipt"
)

func TestSchema(t *testing.T) {
	m, err := receipt.New()
	require.NoError(t, err)

	stmts := schema(m.Metamodel)
	require.Len(t, stmts, 6)
	assert.Contains(t, stmts, "CREATE TABLE IF NOT EXISTS counterparties (id UUID PRIMARY KEY, version BIGINT NOT NULL DEFAULT 1, name TEXT, inn TEXT)")
	assert.Contains(t, stmts, "CREATE TABLE IF NOT EXISTS goods_receipt_tags (receipt_id BIGINT NOT NULL REFERENCES goods_receipts ON DELETE CASCADE, tag TEXT)")
	assert.Contains(t, stmts, "CREATE TABLE IF NOT EXISTS goods_receipt_properties (receipt_id BIGINT NOT NULL REFERENCES goods_receipts ON DELETE CASCADE, name TEXT NOT NULL, value TEXT)")
	assert.Contains(t, stmts, "CREATE TABLE IF NOT EXISTS goods_receipt_lines (id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY, version BIGINT NOT NULL DEFAULT 1, product TEXT, quantity BIGINT, receipt_id BIGINT)")

	var receipts string
	for _, s := range stmts {
		if strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS goods_receipts (") {
			receipts = s
		}
	}
	assert.Contains(t, receipts, "total NUMERIC")
	assert.Contains(t, receipts, "supplier_id UUID")
	assert.Contains(t, receipts, "delivery_street TEXT, delivery_city TEXT")
}

func TestColumnType(t *testing.T) {
	assert.Equal(t, "JSONB", columnType("json"))
	assert.Equal(t, "TIMESTAMPTZ", columnType("time"))
	assert.Equal(t, "TEXT", columnType("unknown"))
}
