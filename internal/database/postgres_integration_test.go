package database

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TABS_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("TABS_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestPostgresAlbumAtomicity(t *testing.T) {
	db, err := NewPostgres(postgresTestDSN(t))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	// Unique telegram id per run so the test can share a database.
	u, err := db.UpsertUser(ctx, time.Now().UnixNano(), "pg", "PG")
	require.NoError(t, err)
	folder, err := db.CreateFolder(ctx, u.ID, "pg-folder")
	require.NoError(t, err)

	group := fmt.Sprintf("pg-%d", time.Now().UnixNano())
	var ids []int64
	for i := int64(1); i <= 3; i++ {
		it := model.Item{OwnerID: u.ID, SourceMessageID: i, GroupID: &group, MediaKind: model.MediaPhoto}
		id, err := db.InsertItem(ctx, &it)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err = db.InsertItem(ctx, &model.Item{OwnerID: u.ID, SourceMessageID: 1})
	require.ErrorIs(t, err, model.ErrConstraintViolation)

	moved, err := db.UpdateFolder(ctx, u.ID, ids[1:2], &folder.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, moved)

	require.NoError(t, db.DeleteFolder(ctx, u.ID, folder.ID))
	inbox, err := db.ListItems(ctx, u.ID, nil)
	require.NoError(t, err)
	assert.Len(t, inbox, 3)

	deleted, err := db.DeleteItems(ctx, u.ID, ids[:1])
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)
}

func TestPostgresConcurrentSiblingInsert(t *testing.T) {
	db, err := NewPostgres(postgresTestDSN(t))
	require.NoError(t, err)
	defer db.Close()

	u, err := db.UpsertUser(context.Background(), time.Now().UnixNano(), "pg-race", "PG")
	require.NoError(t, err)

	raceSiblingsAgainstMoves(t, db, u.ID, 50)
	raceSiblingsAgainstDeletes(t, db, u.ID, 50)
}
