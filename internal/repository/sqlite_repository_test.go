package repository_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/database"
	"relaychat/internal/model"
	"relaychat/internal/repository"
)

func setupSQLiteRepository(t *testing.T) repository.Repository {
	t.Helper()
	db, err := database.InitDB(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return repository.NewSQLiteRepository(db)
}

func newConversation(id string, at time.Time) *model.Conversation {
	return &model.Conversation{ID: id, Title: "Title " + id, CreatedAt: at, UpdatedAt: at}
}

func TestSQLiteRepository_ConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := setupSQLiteRepository(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	// ARRANGE
	require.NoError(t, repo.CreateConversation(ctx, newConversation("old", base)))
	require.NoError(t, repo.CreateConversation(ctx, newConversation("new", base.Add(time.Minute))))

	// ACT: a message in "old" makes it the most recently active.
	msg := &model.Message{
		ID: "m1", Role: model.RoleUser, Content: "Hi", Status: model.StatusComplete,
		CreatedAt: base.Add(2 * time.Minute),
	}
	require.NoError(t, repo.AddMessage(ctx, msg, "old"))

	// ASSERT
	list, err := repo.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "old", list[0].ID)
	assert.Equal(t, 1, list[0].MessageCount)
	assert.Equal(t, "new", list[1].ID)
	assert.Equal(t, 0, list[1].MessageCount)

	got, err := repo.GetConversation(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "Title old", got.Title)
	assert.True(t, got.UpdatedAt.Equal(base.Add(2*time.Minute)))

	require.NoError(t, repo.UpdateConversationTitle(ctx, "old", "Renamed"))
	got, err = repo.GetConversation(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	require.NoError(t, repo.DeleteConversation(ctx, "old"))
	_, err = repo.GetConversation(ctx, "old")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	msgs, err := repo.GetMessages(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLiteRepository_TouchConversation(t *testing.T) {
	ctx := context.Background()
	repo := setupSQLiteRepository(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateConversation(ctx, newConversation("recent", base)))
	require.NoError(t, repo.CreateConversation(ctx, newConversation("imported", base.Add(time.Minute))))

	// ARRANGE: an old message pulls the activity time back.
	old := &model.Message{ID: "m1", Role: model.RoleUser, Content: "Hi", Status: model.StatusComplete, CreatedAt: base.Add(-24 * time.Hour)}
	require.NoError(t, repo.AddMessage(ctx, old, "imported"))

	// ACT
	require.NoError(t, repo.TouchConversation(ctx, "imported", base.Add(time.Hour)))

	// ASSERT
	list, err := repo.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "imported", list[0].ID)
	assert.True(t, list[0].UpdatedAt.Equal(base.Add(time.Hour)))

	assert.ErrorIs(t, repo.TouchConversation(ctx, "missing", base), repository.ErrNotFound)
}

func TestSQLiteRepository_MessagesKeepOrderAndUpdates(t *testing.T) {
	ctx := context.Background()
	repo := setupSQLiteRepository(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateConversation(ctx, newConversation("c1", base)))

	user := &model.Message{ID: "u1", Role: model.RoleUser, Content: "Hi", Status: model.StatusComplete, CreatedAt: base.Add(time.Nanosecond)}
	reply := &model.Message{ID: "a1", Role: model.RoleAssistant, Content: "", Status: model.StatusStreaming, CreatedAt: base.Add(2 * time.Nanosecond)}
	require.NoError(t, repo.AddMessage(ctx, user, "c1"))
	require.NoError(t, repo.AddMessage(ctx, reply, "c1"))

	errText := "SyntaxError"
	reply.Content = "Here is the result"
	reply.Status = model.StatusComplete
	reply.Attachments = []model.Attachment{{
		Type: model.AttachmentCodeExecution, Language: "python", Code: "print(", Error: &errText, Simulated: true,
	}}
	require.NoError(t, repo.UpdateMessage(ctx, reply, "c1"))

	msgs, err := repo.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.Equal(t, "a1", msgs[1].ID)
	assert.Equal(t, "Here is the result", msgs[1].Content)
	assert.Equal(t, model.StatusComplete, msgs[1].Status)
	require.Len(t, msgs[1].Attachments, 1)
	assert.Equal(t, "SyntaxError", *msgs[1].Attachments[0].Error)
	assert.True(t, msgs[1].CreatedAt.Equal(reply.CreatedAt))
}

func TestSQLiteRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := setupSQLiteRepository(t)

	_, err := repo.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.ErrorIs(t, repo.UpdateConversationTitle(ctx, "missing", "x"), repository.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteConversation(ctx, "missing"), repository.ErrNotFound)

	msg := &model.Message{ID: "m1", Role: model.RoleUser, Content: "Hi", Status: model.StatusComplete, CreatedAt: time.Now()}
	assert.ErrorIs(t, repo.AddMessage(ctx, msg, "missing"), repository.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateMessage(ctx, msg, "missing"), repository.ErrNotFound)

	list, err := repo.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
