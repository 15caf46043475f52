package conversation_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/conversation"
	app_errors "relaychat/internal/errors"
	"relaychat/internal/model"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("msg-%d", n)
	}
}

func newState() *conversation.State {
	return conversation.NewState("conv-1", conversation.WithIDGenerator(sequentialIDs()))
}

func TestState_UserThenStreamedReply(t *testing.T) {
	s := newState()

	user, err := s.AppendUserMessage("Hi")
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, user.Role)
	assert.Equal(t, model.StatusComplete, user.Status)

	reply, err := s.BeginAssistantMessage()
	require.NoError(t, err)
	assert.Equal(t, model.StatusStreaming, reply.Status)
	assert.Empty(t, reply.Content)

	require.NoError(t, s.AppendDelta(reply.ID, "He"))
	require.NoError(t, s.AppendDelta(reply.ID, "llo"))
	final, err := s.Finalize(reply.ID)
	require.NoError(t, err)

	assert.Equal(t, "Hello", final.Content)
	assert.Equal(t, model.StatusComplete, final.Status)
	_, active := s.Active()
	assert.False(t, active)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, "Hello", msgs[1].Content)
}

func TestState_DeltasConcatenateInOrder(t *testing.T) {
	s := newState()
	reply, err := s.BeginAssistantMessage()
	require.NoError(t, err)

	deltas := []string{"a", "", "bc", " ", "däf", "\n", "g"}
	want := ""
	for _, d := range deltas {
		require.NoError(t, s.AppendDelta(reply.ID, d))
		want += d

		// Content only grows while streaming.
		m, ok := s.Message(reply.ID)
		require.True(t, ok)
		assert.Equal(t, want, m.Content)
	}
}

func TestState_SingleInFlightReply(t *testing.T) {
	s := newState()
	first, err := s.BeginAssistantMessage()
	require.NoError(t, err)

	_, err = s.BeginAssistantMessage()
	assert.ErrorIs(t, err, app_errors.ErrConcurrentTurn)

	_, err = s.AppendUserMessage("another question")
	assert.ErrorIs(t, err, app_errors.ErrConcurrentTurn)

	_, err = s.AppendAssistantMessage("tool result")
	assert.ErrorIs(t, err, app_errors.ErrConcurrentTurn)

	_, err = s.Finalize(first.ID)
	require.NoError(t, err)

	_, err = s.BeginAssistantMessage()
	assert.NoError(t, err)
}

func TestState_ConcurrentBeginOnlyOneWins(t *testing.T) {
	s := conversation.NewState("conv-1")

	var wg sync.WaitGroup
	results := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.BeginAssistantMessage()
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, app_errors.ErrConcurrentTurn)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestState_RejectsEmptyUserText(t *testing.T) {
	s := newState()

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := s.AppendUserMessage(text)
		assert.ErrorIs(t, err, app_errors.ErrValidation)
	}
	assert.Empty(t, s.Messages())
}

func TestState_UnknownOrFinalizedMessage(t *testing.T) {
	s := newState()
	user, err := s.AppendUserMessage("Hi")
	require.NoError(t, err)

	assert.ErrorIs(t, s.AppendDelta("nope", "x"), app_errors.ErrUnknownMessage)
	assert.ErrorIs(t, s.AppendDelta(user.ID, "x"), app_errors.ErrUnknownMessage)

	reply, err := s.BeginAssistantMessage()
	require.NoError(t, err)
	_, err = s.Finalize(reply.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, s.AppendDelta(reply.ID, "late"), app_errors.ErrUnknownMessage)
	_, err = s.Finalize(reply.ID)
	assert.ErrorIs(t, err, app_errors.ErrUnknownMessage)
	_, err = s.Fail(reply.ID, "boom")
	assert.ErrorIs(t, err, app_errors.ErrUnknownMessage)
}

func TestState_Fail(t *testing.T) {
	t.Run("Empty content is replaced by the reason", func(t *testing.T) {
		s := newState()
		reply, err := s.BeginAssistantMessage()
		require.NoError(t, err)

		failed, err := s.Fail(reply.ID, "Sorry")
		require.NoError(t, err)
		assert.Equal(t, "Sorry", failed.Content)
		assert.Equal(t, model.StatusFailed, failed.Status)
		_, active := s.Active()
		assert.False(t, active)
	})

	t.Run("Partial content is kept", func(t *testing.T) {
		s := newState()
		reply, err := s.BeginAssistantMessage()
		require.NoError(t, err)
		require.NoError(t, s.AppendDelta(reply.ID, "Hel"))

		failed, err := s.Fail(reply.ID, "Sorry")
		require.NoError(t, err)
		assert.Equal(t, "Hel\n\nSorry", failed.Content)
	})
}

func TestState_Attach(t *testing.T) {
	s := newState()
	reply, err := s.BeginAssistantMessage()
	require.NoError(t, err)

	img := model.Attachment{Type: model.AttachmentImage, ImageURL: "data:image/png;base64,AAA"}
	_, err = s.Attach(reply.ID, img)
	assert.ErrorIs(t, err, app_errors.ErrUnknownMessage)

	_, err = s.Finalize(reply.ID)
	require.NoError(t, err)
	m, err := s.Attach(reply.ID, img)
	require.NoError(t, err)
	require.Len(t, m.Attachments, 1)

	// Snapshots are copies.
	m.Attachments[0].ImageURL = "changed"
	stored, _ := s.Message(reply.ID)
	assert.Equal(t, img.ImageURL, stored.Attachments[0].ImageURL)
}

func TestState_StrictlyIncreasingTimestamps(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := conversation.NewState("conv-1", conversation.WithClock(func() time.Time { return fixed }))

	_, err := s.AppendUserMessage("a")
	require.NoError(t, err)
	reply, err := s.BeginAssistantMessage()
	require.NoError(t, err)
	_, err = s.Finalize(reply.ID)
	require.NoError(t, err)
	_, err = s.AppendUserMessage("b")
	require.NoError(t, err)

	msgs := s.Messages()
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}
}

func TestState_History(t *testing.T) {
	s := newState()
	_, err := s.AppendUserMessage("first")
	require.NoError(t, err)
	reply, err := s.BeginAssistantMessage()
	require.NoError(t, err)
	_, err = s.Fail(reply.ID, "Sorry")
	require.NoError(t, err)
	_, err = s.AppendUserMessage("second")
	require.NoError(t, err)
	inflight, err := s.BeginAssistantMessage()
	require.NoError(t, err)
	require.NoError(t, s.AppendDelta(inflight.ID, "partial"))

	assert.Equal(t, []model.ChatMessage{
		{Role: model.RoleUser, Content: "first"},
		{Role: model.RoleUser, Content: "second"},
	}, s.History())
}

func TestRestore(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	persisted := []model.Message{
		{ID: "u1", Role: model.RoleUser, Content: "Hi", Status: model.StatusComplete, CreatedAt: base},
		{ID: "a1", Role: model.RoleAssistant, Content: "Hel", Status: model.StatusStreaming, CreatedAt: base.Add(time.Second)},
	}

	s, repaired := conversation.Restore("conv-1", persisted, conversation.WithClock(func() time.Time { return base }))

	require.Len(t, repaired, 1)
	assert.Equal(t, "a1", repaired[0].ID)
	assert.Equal(t, model.StatusFailed, repaired[0].Status)
	assert.Equal(t, "Hel\n\n"+conversation.InterruptedNotice, repaired[0].Content)

	_, active := s.Active()
	assert.False(t, active)

	// New messages sort after everything restored even with a stale clock.
	next, err := s.AppendUserMessage("again")
	require.NoError(t, err)
	assert.True(t, next.CreatedAt.After(persisted[1].CreatedAt))
}
