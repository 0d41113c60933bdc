package repository

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pgBindParamLimit = 65535

func makeUpsertRows(n int) []ProductUpsert {
	rows := make([]ProductUpsert, n)
	for i := range rows {
		rows[i] = ProductUpsert{SKU: fmt.Sprintf("sku-%d", i), Name: fmt.Sprintf("Product %d", i)}
	}
	return rows
}

func TestUpsertChunksSplitLargeBatches(t *testing.T) {
	assert.Empty(t, upsertChunks(nil))

	chunks := upsertChunks(makeUpsertRows(3))
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 3)

	chunks = upsertChunks(makeUpsertRows(maxUpsertRows))
	require.Len(t, chunks, 1)

	// The largest ingestion batch is 20000 rows; it must split into
	// statements that each fit under the bind-parameter cap.
	chunks = upsertChunks(makeUpsertRows(20_000))
	require.Len(t, chunks, 4)
	total := 0
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk)*upsertBindsPerRow, pgBindParamLimit)
		total += len(chunk)
	}
	assert.Equal(t, 20_000, total)

	chunks = upsertChunks(makeUpsertRows(maxUpsertRows + 1))
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], maxUpsertRows)
	assert.Len(t, chunks[1], 1)
}

func TestBuildUpsertSQLStaysUnderBindLimit(t *testing.T) {
	r := NewProductRepository(nil)
	sql, args, err := r.buildUpsertSQL(makeUpsertRows(maxUpsertRows))
	require.NoError(t, err)

	assert.Equal(t, maxUpsertRows*upsertBindsPerRow, len(args))
	assert.LessOrEqual(t, len(args), pgBindParamLimit)
	assert.Contains(t, sql, "ON CONFLICT (sku) DO UPDATE")
	assert.Contains(t, sql, "(xmax = 0) AS inserted")
}
