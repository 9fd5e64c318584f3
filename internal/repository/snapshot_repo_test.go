package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/ims-sync/internal/models"
)

func setupSnapshotDB(t *testing.T) SnapshotRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	repo := NewSnapshotRepository(db)
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func TestSnapshotRepositoryRoundTripsConfirmedMessages(t *testing.T) {
	repo := setupSnapshotDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	messages := []models.Message{
		{ClientID: "k1", ID: "m1", ConversationID: "c1", SenderID: "a", Text: "one", State: models.MessageStateConfirmed, SeenBy: datatypes.JSONSlice[string]{}, CreatedAt: base},
		{ClientID: "k2", ConversationID: "c1", SenderID: "a", Text: "pending", State: models.MessageStatePending, CreatedAt: base.Add(time.Second)},
		{ClientID: "k3", ID: "m3", ConversationID: "c1", SenderID: "b", Text: "three", State: models.MessageStateConfirmed, SeenBy: datatypes.JSONSlice[string]{"a"}, CreatedAt: base.Add(2 * time.Second)},
		{ClientID: "k4", ID: "m4", ConversationID: "c2", SenderID: "b", Text: "other", State: models.MessageStateConfirmed, CreatedAt: base},
	}
	require.NoError(t, repo.SaveMessages(ctx, "c1", messages))

	loaded, err := repo.LoadMessages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "m1", loaded[0].ID)
	require.Equal(t, "m3", loaded[1].ID)
	require.True(t, loaded[1].SeenByUser("a"))

	messages[0].SeenBy = datatypes.JSONSlice[string]{"b"}
	require.NoError(t, repo.SaveMessages(ctx, "c1", messages))

	loaded, err = repo.LoadMessages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.True(t, loaded[0].SeenByUser("b"))
}

func TestSnapshotRepositoryConversationsCarryLastMessage(t *testing.T) {
	repo := setupSnapshotDB(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SaveMessages(ctx, "c1", []models.Message{
		{ClientID: "m9", ID: "m9", ConversationID: "c1", SenderID: "a", Text: "latest", State: models.MessageStateConfirmed, CreatedAt: now},
	}))
	require.NoError(t, repo.SaveConversations(ctx, []models.Conversation{
		{ID: "c1", Participants: datatypes.JSONSlice[string]{"a", "b"}, LastMessageID: "m9", UpdatedAt: now},
		{ID: "c2", Participants: datatypes.JSONSlice[string]{"a", "c"}, UpdatedAt: now.Add(-time.Hour)},
	}))

	conversations, err := repo.LoadConversations(ctx)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	require.Equal(t, "c1", conversations[0].ID)
	require.NotNil(t, conversations[0].LastMessage)
	require.Equal(t, "latest", conversations[0].LastMessage.Text)
	require.Nil(t, conversations[1].LastMessage)

	require.NoError(t, repo.Clear(ctx))
	conversations, err = repo.LoadConversations(ctx)
	require.NoError(t, err)
	require.Empty(t, conversations)
}
