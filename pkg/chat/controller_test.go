package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/artifacts"
	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/search"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

func setupController(t *testing.T, llm llms.LLM) (*Controller, store.Store) {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()

	st, err := store.NewSQLStore(config.StoreConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
		MaxIdle:  1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := llms.NewStaticRegistry()
	for _, spec := range cfg.Models.Catalog {
		require.NoError(t, reg.RegisterModel(spec, llm))
	}

	augmenter := search.NewAugmenter(search.NewClient(config.SearchConfig{}))
	artifactSvc := artifacts.NewServiceWithHandlers(st, artifacts.NewRegistry())

	return NewController(cfg, st, reg, augmenter, artifactSvc), st
}

func TestRunTurnCreatesChatAndPersists(t *testing.T) {
	llm := &scriptedLLM{responses: [][]llms.StreamChunk{
		textChunks("Hi ", "there."),
	}}
	ctrl, st := setupController(t, llm)
	rec := stream.NewRecorder()
	ctx := context.Background()

	err := ctrl.RunTurn(ctx, TurnRequest{
		ChatID:        "c1",
		UserID:        "u1",
		Message:       protocol.NewUserMessage("c1", "hello"),
		SelectedModel: "chat-model-small",
	}, rec)
	require.NoError(t, err)

	chat, err := st.GetChat(ctx, "c1")
	require.NoError(t, err, "chat was not created")
	assert.NotEmpty(t, chat.Title)

	msgs, err := st.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2, "expected user and assistant messages persisted")
	assert.Equal(t, protocol.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there.", msgs[1].Text())

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventFinish, events[len(events)-1].Type, "turn must end with a finish event")
}

func TestRunTurnDowngradesUnentitled(t *testing.T) {
	llm := &scriptedLLM{responses: [][]llms.StreamChunk{
		textChunks("ok"),
	}}
	ctrl, st := setupController(t, llm)
	rec := stream.NewRecorder()
	ctx := context.Background()

	err := ctrl.RunTurn(ctx, TurnRequest{
		ChatID:        "c1",
		UserID:        "u1", // unknown user, treated as unentitled
		Message:       protocol.NewUserMessage("c1", "hello"),
		SelectedModel: "chat-model-large",
	}, rec)
	require.NoError(t, err)

	downgraded := false
	for _, e := range rec.OfType(stream.EventData) {
		if e.Data.Kind == stream.DataModelDowngraded {
			downgraded = true
		}
	}
	assert.True(t, downgraded, "expected a model-downgraded data event")

	// The notice is part of the transcript, between the user message
	// and the assistant reply.
	msgs, err := st.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, protocol.RoleSystem, msgs[1].Role)
	assert.Contains(t, msgs[1].Text(), "a different model is answering")
	assert.Equal(t, protocol.RoleAssistant, msgs[2].Role)
}

func TestRunTurnEntitledKeepsPaidModel(t *testing.T) {
	llm := &scriptedLLM{responses: [][]llms.StreamChunk{
		textChunks("ok"),
	}}
	ctrl, st := setupController(t, llm)
	ctx := context.Background()

	require.NoError(t, st.UpsertUser(ctx, store.User{ID: "u1", SubscriptionStatus: store.SubscriptionActive}))

	rec := stream.NewRecorder()
	err := ctrl.RunTurn(ctx, TurnRequest{
		ChatID:        "c1",
		UserID:        "u1",
		Message:       protocol.NewUserMessage("c1", "hello"),
		SelectedModel: "chat-model-large",
	}, rec)
	require.NoError(t, err)

	for _, e := range rec.OfType(stream.EventData) {
		assert.NotEqual(t, stream.DataModelDowngraded, e.Data.Kind, "entitled user must not be downgraded")
	}
}

func TestRunTurnRejectsForeignChat(t *testing.T) {
	llm := &scriptedLLM{responses: [][]llms.StreamChunk{
		textChunks("first"),
		textChunks("second"),
	}}
	ctrl, _ := setupController(t, llm)
	ctx := context.Background()

	require.NoError(t, ctrl.RunTurn(ctx, TurnRequest{
		ChatID:        "c1",
		UserID:        "owner",
		Message:       protocol.NewUserMessage("c1", "mine"),
		SelectedModel: "chat-model-small",
	}, stream.NewRecorder()))

	err := ctrl.RunTurn(ctx, TurnRequest{
		ChatID:        "c1",
		UserID:        "intruder",
		Message:       protocol.NewUserMessage("c1", "not mine"),
		SelectedModel: "chat-model-small",
	}, stream.NewRecorder())
	assert.ErrorIs(t, err, ErrChatOwnership)
}

func TestRunTurnRejectsEmptyMessage(t *testing.T) {
	ctrl, _ := setupController(t, &scriptedLLM{})

	err := ctrl.RunTurn(context.Background(), TurnRequest{
		ChatID:  "c1",
		UserID:  "u1",
		Message: protocol.NewMessage("c1", protocol.RoleUser),
	}, stream.NewRecorder())
	assert.Error(t, err, "expected error for empty message")
}
