// Package chat orchestrates conversation turns: entitlement-gated model
// selection, optional search augmentation, the model/tool loop and
// persistence of the resulting messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/pkg/access"
	"github.com/loomhq/loom/pkg/artifacts"
	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/observability"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/search"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
	"github.com/loomhq/loom/pkg/tools"
)

// ErrChatOwnership is returned when a caller addresses a chat belonging
// to another user.
var ErrChatOwnership = errors.New("chat belongs to another user")

// TurnRequest is one chat turn.
type TurnRequest struct {
	ChatID        string
	UserID        string
	Message       protocol.Message
	SelectedModel string
	SearchEnabled bool

	// System is an optional caller-supplied prompt extension.
	System string
}

// Controller runs chat turns.
type Controller struct {
	cfg       *config.Config
	store     store.Store
	llms      *llms.Registry
	gate      *access.Gate
	augmenter *search.Augmenter
	artifacts *artifacts.Service
	logger    *slog.Logger
}

func NewController(cfg *config.Config, st store.Store, llmReg *llms.Registry, augmenter *search.Augmenter, artifactSvc *artifacts.Service) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     st,
		llms:      llmReg,
		gate:      access.NewGate(cfg),
		augmenter: augmenter,
		artifacts: artifactSvc,
		logger:    slog.Default().With("component", "chat"),
	}
}

// RunTurn executes one turn, pushing every event to the sink and
// finishing with a finish event. The returned error covers failures
// that prevented the turn from producing a response; tool and search
// failures surface as events instead.
func (c *Controller) RunTurn(ctx context.Context, req TurnRequest, sink stream.Sink) error {
	start := time.Now()

	tracer := observability.GetTracer("loom.chat")
	ctx, span := tracer.Start(ctx, observability.SpanTurn,
		trace.WithAttributes(attribute.String(observability.AttrChatID, req.ChatID)),
	)
	defer span.End()

	if req.ChatID == "" || req.Message.Text() == "" {
		return fmt.Errorf("chat ID and message text are required")
	}

	user := c.resolveUser(ctx, req.UserID)
	decision := c.gate.Resolve(req.SelectedModel, user.Entitled())
	span.SetAttributes(attribute.String(observability.AttrLLMModel, decision.ModelID))

	llm, ok := c.llms.Get(decision.ModelID)
	if !ok {
		return fmt.Errorf("model not available: %s", decision.ModelID)
	}
	spec, _ := c.llms.Spec(decision.ModelID)

	if decision.Downgraded {
		sink.Push(stream.Data(stream.DataModelDowngraded, map[string]any{
			"requested": decision.Requested,
			"model":     decision.ModelID,
		}))
	}

	history, err := c.prepareChat(ctx, req, user, sink)
	if err != nil {
		c.recordTurn(span, decision.ModelID, "error", start, err)
		return err
	}

	// The downgrade notice is part of the transcript, not just the
	// prompt: it is persisted before generation and the model sees it
	// as a system message.
	if decision.Downgraded {
		notice := protocol.NewSystemMessage(req.ChatID, downgradedNote)
		if err := c.store.AppendMessages(ctx, req.ChatID, []protocol.Message{notice}); err != nil {
			c.logger.Warn("failed to persist downgrade notice", "chat", req.ChatID, "error", err)
		}
		history = append(history, notice)
	}

	prompt := systemPrompt(req.System, spec.Reasoning)
	if req.SearchEnabled {
		prompt = c.augmenter.Augment(ctx, prompt, req.Message.Text(), sink)
	}

	var dispatcher *tools.Dispatcher
	if !spec.Reasoning {
		dispatcher, err = c.buildDispatcher()
		if err != nil {
			c.recordTurn(span, decision.ModelID, "error", start, err)
			return fmt.Errorf("failed to assemble tools: %w", err)
		}
	}

	turn := tools.Turn{UserID: user.ID, ChatID: req.ChatID, Sink: sink}
	mux := NewMultiplexer(llm, dispatcher, c.cfg.Chat.MaxToolSteps)

	produced, err := mux.Run(ctx, prompt, trimHistory(history, c.cfg.Chat.HistoryTokenBudget), turn, sink)

	// Whatever was produced before a failure is still worth keeping.
	c.persistProduced(ctx, req.ChatID, produced)

	if err != nil {
		c.recordTurn(span, decision.ModelID, "error", start, err)
		return err
	}

	sink.Push(stream.Finish())
	c.recordTurn(span, decision.ModelID, "ok", start, nil)
	return nil
}

// resolveUser loads the caller's account, treating unknown callers as
// the guest user with an inactive subscription.
func (c *Controller) resolveUser(ctx context.Context, userID string) store.User {
	if userID == "" {
		userID = store.GuestUserID
	}

	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("failed to load user, treating as guest", "user", userID, "error", err)
		}
		return store.User{ID: userID, SubscriptionStatus: store.SubscriptionInactive}
	}
	return user
}

// prepareChat loads or creates the chat, persists the incoming user
// message and returns the full history including it. Persistence
// failures degrade to an unpersisted turn rather than failing it.
func (c *Controller) prepareChat(ctx context.Context, req TurnRequest, user store.User, sink stream.Sink) ([]protocol.Message, error) {
	chat, err := c.store.GetChat(ctx, req.ChatID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		title := c.deriveTitle(ctx, req.Message.Text())
		chat = store.Chat{
			ID:        req.ChatID,
			UserID:    user.ID,
			Title:     title,
			CreatedAt: time.Now().UTC(),
		}
		if err := c.store.CreateChat(ctx, chat); err != nil {
			return nil, fmt.Errorf("failed to create chat: %w", err)
		}
		sink.Push(stream.Data(stream.DataChatTitle, title))

	case err != nil:
		return nil, fmt.Errorf("failed to load chat: %w", err)

	case chat.UserID != user.ID:
		return nil, ErrChatOwnership
	}

	history, err := c.store.ListMessages(ctx, req.ChatID)
	if err != nil {
		c.logger.Warn("failed to load history, continuing with current message only",
			"chat", req.ChatID, "error", err)
		history = nil
	}

	msg := req.Message
	msg.ChatID = req.ChatID
	if err := c.store.AppendMessages(ctx, req.ChatID, []protocol.Message{msg}); err != nil {
		c.logger.Warn("failed to persist user message", "chat", req.ChatID, "error", err)
	}

	return append(history, msg), nil
}

func (c *Controller) deriveTitle(ctx context.Context, userText string) string {
	llm, ok := c.llms.Get(c.cfg.Chat.TitleModel)
	if !ok {
		return sanitizeTitle(userText)
	}
	return generateTitle(ctx, llm, userText)
}

func (c *Controller) buildDispatcher() (*tools.Dispatcher, error) {
	artifactLLM, ok := c.llms.Get(c.cfg.Artifacts.Model)
	if !ok {
		return nil, fmt.Errorf("artifact model not in catalog: %s", c.cfg.Artifacts.Model)
	}

	weather, err := tools.NewWeatherTool()
	if err != nil {
		return nil, err
	}
	createDoc, err := tools.NewCreateDocumentTool(c.artifacts)
	if err != nil {
		return nil, err
	}
	updateDoc, err := tools.NewUpdateDocumentTool(c.artifacts)
	if err != nil {
		return nil, err
	}
	suggest, err := tools.NewRequestSuggestionsTool(c.store, artifactLLM)
	if err != nil {
		return nil, err
	}

	return tools.NewDispatcher(weather, createDoc, updateDoc, suggest)
}

// persistProduced sanitizes and saves turn output. Messages that are
// empty after sanitization are dropped.
func (c *Controller) persistProduced(ctx context.Context, chatID string, produced []protocol.Message) {
	keep := protocol.SanitizeAll(produced)
	if len(keep) == 0 {
		return
	}

	if err := c.store.AppendMessages(ctx, chatID, keep); err != nil {
		c.logger.Error("failed to persist turn messages", "chat", chatID, "error", err)
	}
}

func (c *Controller) recordTurn(span trace.Span, model, state string, start time.Time, err error) {
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordTurn(model, state)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "success")
	c.logger.Debug("turn completed", "model", model, "duration", time.Since(start))
}
