package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	// Use in-memory database for testing
	store, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) VectorStore {
		return setupTestDB(t)
	})
}

func TestMigrations(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	v, err := SchemaVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)

	// Re-applying is a no-op
	require.NoError(t, ApplyMigrations(ctx, store.db))

	require.NoError(t, RollbackMigration(ctx, store.db))
	v, err = SchemaVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	require.NoError(t, ApplyMigrations(ctx, store.db))
	v, err = SchemaVersion(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vectors.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	seed(t, store)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer store.Close()

	info, err := store.GetCollectionInfo(ctx, testCollection)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.PointsCount)
	assert.True(t, info.Sparse)

	hits, err := store.Search(ctx, testCollection, SearchQuery{Text: "Server", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestSQLiteFullTextFollowsUpdates(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	seed(t, store)

	replaced := testPoint("00000000-0000-0000-0000-000000000001", "a.go", "func loadSettings() {}", 1, 0, 0)
	_, err := store.UpsertPoints(ctx, testCollection, []types.Point{replaced})
	require.NoError(t, err)

	hits, err := store.Search(ctx, testCollection, SearchQuery{Text: "parseConfig", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.Search(ctx, testCollection, SearchQuery{Text: "loadSettings", Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, replaced.ID, hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.Less(t, hits[0].Score, 1.0)

	require.NoError(t, store.DeletePoints(ctx, testCollection, ByFile("a.go")))
	hits, err = store.Search(ctx, testCollection, SearchQuery{Text: "loadSettings", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSQLiteLexicalFilter(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	seed(t, store)

	hits, err := store.Search(ctx, testCollection, SearchQuery{
		Text:   "func",
		Limit:  10,
		Filter: Match(types.PayloadFilePath, "b.go").And(types.PayloadLanguage, "go"),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "00000000-0000-0000-0000-000000000004", hits[0].ID)
}

func TestSQLiteRejectsBadFilterKey(t *testing.T) {
	store := setupTestDB(t)
	seed(t, store)

	_, err := store.Count(context.Background(), testCollection, Match("x') OR 1=1 --", "y"))
	assert.ErrorIs(t, err, types.ErrStoreOperation)
}
