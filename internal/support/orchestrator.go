package support

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/ai"
	"github.com/xaenox/helpdesk-bot/internal/conversation"
	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/ranking"
	"github.com/xaenox/helpdesk-bot/internal/registry"
	"github.com/xaenox/helpdesk-bot/internal/session"
)

const (
	categoryPrefix = "category:"
	productPrefix  = "product:"
)

// Deps are the collaborators of the orchestrator
type Deps struct {
	Corpus    Corpus
	Ranker    ranking.Ranker
	Completer ai.Completer
	Sessions  *session.Store
	Contexts  *conversation.Manager
	Channels  *registry.Registry
}

// Orchestrator is the single entry point for chat adapters
type Orchestrator struct {
	config    Config
	corpus    Corpus
	ranker    ranking.Ranker
	completer ai.Completer
	sessions  *session.Store
	contexts  *conversation.Manager
	channels  *registry.Registry
	logger    *zap.Logger
}

func NewOrchestrator(config Config, deps Deps, logger *zap.Logger) *Orchestrator {
	config.defaults()
	return &Orchestrator{
		config:    config,
		corpus:    deps.Corpus,
		ranker:    deps.Ranker,
		completer: deps.Completer,
		sessions:  deps.Sessions,
		contexts:  deps.Contexts,
		channels:  deps.Channels,
		logger:    logger,
	}
}

// contextKey maps a conversation onto its AI memory. Personal chats share
// one memory per user, threads get their own.
func contextKey(key SessionKey) conversation.Key {
	if key.ThreadID == "" {
		return conversation.KeyFor(conversation.ScopePersonal, key.UserID, "", "")
	}
	return conversation.KeyFor(conversation.ScopeThread, key.UserID, key.TenantID+"/"+key.ChannelID, key.ThreadID)
}

// inScope reports whether the bot serves the conversation. Personal
// conversations are served tenant-wide unless RestrictDirectMessages is set;
// everything else needs an active channel registration.
func (o *Orchestrator) inScope(ctx context.Context, key SessionKey) (bool, error) {
	if key.ThreadID == "" && !o.config.RestrictDirectMessages {
		return true, nil
	}
	return o.channels.IsActive(ctx, key.TenantID, key.ChannelID)
}

func (o *Orchestrator) degraded(requestID string) Outcome {
	return Outcome{Kind: OutcomeDegraded, Reply: o.config.Messages.Degraded, RequestID: requestID}
}

// HandleInboundMessage runs one user message through the support flow
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, msg InboundMessage) (Outcome, error) {
	requestID := uuid.NewString()
	log := o.logger.With(
		zap.String("request_id", requestID),
		zap.String("user_id", msg.UserID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("channel_id", msg.ChannelID))

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Outcome{Kind: OutcomeIgnored, RequestID: requestID}, nil
	}

	key := msg.Key()
	served, err := o.inScope(ctx, key)
	if err != nil {
		log.Error("Channel registry unavailable", zap.Error(err))
		return o.degraded(requestID), nil
	}
	if !served {
		log.Debug("Message from unregistered channel")
		return Outcome{Kind: OutcomeOutOfScope, RequestID: requestID}, nil
	}

	sess, err := o.sessions.Get(ctx, key)
	if err != nil {
		log.Error("Session store unavailable", zap.Error(err))
		return o.degraded(requestID), nil
	}
	if sess.EscalatedToHuman || sess.State == models.StateEscalated {
		log.Debug("Conversation is with a human agent, staying silent")
		return Outcome{Kind: OutcomeIgnored, RequestID: requestID}, nil
	}

	if o.wantsHuman(text) {
		if _, err := o.sessions.Apply(ctx, key, session.EventEscalate, ""); err != nil {
			log.Error("Failed to escalate conversation", zap.Error(err))
			return o.degraded(requestID), nil
		}
		log.Info("Conversation escalated to a human agent")
		return Outcome{Kind: OutcomeEscalated, Reply: o.config.Messages.Handoff, RequestID: requestID}, nil
	}

	if sess.SelectedProduct == "" {
		prompt := o.TopicPrompt()
		if sess.TopicCategory != "" {
			prompt = o.productPrompt(ctx, key)
		}
		return Outcome{Kind: OutcomeSelectionRequired, Prompt: &prompt, RequestID: requestID}, nil
	}

	snapshot, err := o.corpus.Snapshot()
	if err != nil {
		log.Warn("Help content not available", zap.Error(err))
		return o.degraded(requestID), nil
	}

	result, err := o.ranker.Rank(ctx, text, snapshot, o.config.ContentTokenBudget)
	if err != nil {
		log.Warn("Content ranking failed, answering without articles", zap.Error(err))
		result = nil
	}

	product, ok := o.config.product(sess.SelectedProduct)
	if !ok {
		product = models.Product{Key: sess.SelectedProduct, Name: sess.SelectedProduct}
	}

	convKey := contextKey(key)
	o.contexts.SetSystemPrompt(convKey, buildSystemPrompt(product, sess, result))
	if err := o.contexts.AppendUser(convKey, text); err != nil {
		return Outcome{}, fmt.Errorf("failed to record user turn: %w", err)
	}
	history, err := o.contexts.History(convKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read conversation history: %w", err)
	}

	completion, err := o.completer.Complete(ctx, history)
	if err != nil {
		log.Warn("AI completion failed", zap.Error(err))
		completion = ai.Completion{}
	}
	confidence := completion.EffectiveConfidence()

	outcome := Outcome{
		Kind:       OutcomeAnswered,
		Reply:      completion.Text,
		Confidence: confidence,
		RequestID:  requestID,
	}
	if result != nil {
		outcome.Categories = result.Categories
	}
	if confidence < o.config.ConfidenceThreshold {
		outcome.Kind = OutcomeLowConfidence
		outcome.Reply = o.config.Messages.LowConfidence
	}

	if err := o.contexts.AppendAssistant(convKey, outcome.Reply); err != nil {
		log.Warn("Failed to record assistant turn", zap.Error(err))
	}

	if sess.State != models.StateAIActive {
		if _, err := o.sessions.Apply(ctx, key, session.EventActivate, ""); err != nil {
			log.Warn("Failed to activate session", zap.Error(err))
		}
	} else if err := o.sessions.Touch(ctx, key); err != nil {
		log.Warn("Failed to touch session", zap.Error(err))
	}

	log.Info("Message answered",
		zap.String("outcome", string(outcome.Kind)),
		zap.Float64("confidence", confidence),
		zap.Int("articles", articleCount(result)))
	return outcome, nil
}

func articleCount(result *ranking.Result) int {
	if result == nil {
		return 0
	}
	return len(result.Documents)
}

func (o *Orchestrator) wantsHuman(text string) bool {
	for _, phrase := range o.config.EscalationPhrases {
		if containsPhrase(text, phrase) {
			return true
		}
	}
	return false
}

// TopicPrompt lists every category to choose from
func (o *Orchestrator) TopicPrompt() Prompt {
	options := make([]Option, 0, len(models.Categories))
	for _, c := range models.Categories {
		options = append(options, Option{Key: categoryPrefix + string(c), Label: c.Title()})
	}
	return Prompt{Text: o.config.Messages.TopicPrompt, Options: options}
}

// productPrompt lists the products the conversation's channel serves
func (o *Orchestrator) productPrompt(ctx context.Context, key SessionKey) Prompt {
	reg, err := o.channels.Get(ctx, key.TenantID, key.ChannelID)
	options := make([]Option, 0, len(o.config.Products))
	for _, p := range o.config.Products {
		if err == nil && !reg.AllowsProduct(p.Key) {
			continue
		}
		options = append(options, Option{Key: productPrefix + p.Key, Label: p.Name})
	}
	return Prompt{Text: o.config.Messages.ProductPrompt, Options: options}
}

// HandleTopicSelection applies a category or product choice. Keys come from
// prompt options; bare keys are tried as a category first.
func (o *Orchestrator) HandleTopicSelection(ctx context.Context, key SessionKey, selection string) (Prompt, error) {
	served, err := o.inScope(ctx, key)
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to check channel %s: %w", key.ChannelID, err)
	}
	if !served {
		return Prompt{}, fmt.Errorf("%w: channel %s", ErrOutOfScope, key.ChannelID)
	}

	selection = strings.TrimSpace(selection)
	switch {
	case strings.HasPrefix(selection, categoryPrefix):
		return o.selectCategory(ctx, key, strings.TrimPrefix(selection, categoryPrefix))
	case strings.HasPrefix(selection, productPrefix):
		return o.selectProduct(ctx, key, strings.TrimPrefix(selection, productPrefix))
	}
	if _, err := models.ParseCategory(selection); err == nil {
		return o.selectCategory(ctx, key, selection)
	}
	return o.selectProduct(ctx, key, selection)
}

func (o *Orchestrator) selectCategory(ctx context.Context, key SessionKey, raw string) (Prompt, error) {
	category, err := models.ParseCategory(raw)
	if err != nil {
		return Prompt{}, fmt.Errorf("%w: category %q", ErrUnknownSelection, raw)
	}
	if _, err := o.sessions.Apply(ctx, key, session.EventSelectCategory, string(category)); err != nil {
		return Prompt{}, err
	}

	prompt := o.productPrompt(ctx, key)
	prompt.Text = fmt.Sprintf(o.config.Messages.CategorySelected, category.Title()) + " " + prompt.Text
	return prompt, nil
}

func (o *Orchestrator) selectProduct(ctx context.Context, key SessionKey, raw string) (Prompt, error) {
	product, ok := o.config.product(raw)
	if !ok {
		return Prompt{}, fmt.Errorf("%w: product %q", ErrUnknownSelection, raw)
	}
	if reg, err := o.channels.Get(ctx, key.TenantID, key.ChannelID); err == nil && !reg.AllowsProduct(product.Key) {
		return Prompt{}, fmt.Errorf("%w: product %q not served in this channel", ErrUnknownSelection, raw)
	}

	prev, err := o.sessions.Get(ctx, key)
	if err != nil {
		return Prompt{}, err
	}
	if _, err := o.sessions.Apply(ctx, key, session.EventSelectProduct, product.Key); err != nil {
		return Prompt{}, err
	}
	if prev.SelectedProduct != "" {
		// a new product starts a fresh conversation
		o.contexts.Clear(contextKey(key))
	}

	o.logger.Info("Product selected",
		zap.String("user_id", key.UserID),
		zap.String("product", product.Key))
	return Prompt{Text: fmt.Sprintf(o.config.Messages.ProductSelected, product.Name)}, nil
}

// HandleEscalationCommand hands the conversation to a human, or gives it
// back to the assistant when enable is false
func (o *Orchestrator) HandleEscalationCommand(ctx context.Context, key SessionKey, enable bool) (Outcome, error) {
	requestID := uuid.NewString()

	served, err := o.inScope(ctx, key)
	if err != nil {
		o.logger.Error("Channel registry unavailable", zap.String("request_id", requestID), zap.Error(err))
		return o.degraded(requestID), nil
	}
	if !served {
		return Outcome{Kind: OutcomeOutOfScope, RequestID: requestID}, nil
	}

	if enable {
		if _, err := o.sessions.Apply(ctx, key, session.EventEscalate, ""); err != nil {
			o.logger.Error("Failed to escalate conversation", zap.String("request_id", requestID), zap.Error(err))
			return o.degraded(requestID), nil
		}
		return Outcome{Kind: OutcomeEscalated, Reply: o.config.Messages.Handoff, RequestID: requestID}, nil
	}

	sess, err := o.sessions.Apply(ctx, key, session.EventResume, "")
	if errors.Is(err, session.ErrInvalidTransition) {
		return Outcome{Kind: OutcomeIgnored, Reply: o.config.Messages.NoActiveHandoff, RequestID: requestID}, nil
	}
	if err != nil {
		o.logger.Error("Failed to resume conversation", zap.String("request_id", requestID), zap.Error(err))
		return o.degraded(requestID), nil
	}

	if !sess.CanAnswer() {
		prompt := o.TopicPrompt()
		if sess.TopicCategory != "" {
			prompt = o.productPrompt(ctx, key)
		}
		return Outcome{Kind: OutcomeSelectionRequired, Reply: o.config.Messages.Resumed, Prompt: &prompt, RequestID: requestID}, nil
	}
	return Outcome{Kind: OutcomeResumed, Reply: o.config.Messages.Resumed, RequestID: requestID}, nil
}

// CloseConversation forgets the session and the AI memory of a conversation
func (o *Orchestrator) CloseConversation(ctx context.Context, key SessionKey) error {
	if err := o.sessions.Clear(ctx, key); err != nil {
		return err
	}
	o.contexts.Clear(contextKey(key))
	return nil
}
