package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/content"
	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/registry"
	"github.com/xaenox/helpdesk-bot/internal/support"
)

// Sender is the part of the Telegram API the bot writes through
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Support is the engine boundary the bot talks to
type Support interface {
	HandleInboundMessage(ctx context.Context, msg support.InboundMessage) (support.Outcome, error)
	HandleTopicSelection(ctx context.Context, key support.SessionKey, selection string) (support.Prompt, error)
	HandleEscalationCommand(ctx context.Context, key support.SessionKey, enable bool) (support.Outcome, error)
	CloseConversation(ctx context.Context, key support.SessionKey) error
	TopicPrompt() support.Prompt
}

// Admin is the operator boundary reachable through admin commands
type Admin interface {
	AddChannel(ctx context.Context, tenant, channel string, meta registry.Metadata) (models.ChannelRegistration, error)
	RemoveChannel(ctx context.Context, tenant, channel string) error
	ListChannels(ctx context.Context, tenant string) ([]models.ChannelRegistration, error)
	CorpusStatus() content.Status
	RefreshCorpus(ctx context.Context) error
}

type Config struct {
	Token    string
	TenantID string
	AdminIDs []int64
	Timeout  int
}

type Bot struct {
	api      *tgbotapi.BotAPI
	sender   Sender
	support  Support
	admin    Admin
	tenant   string
	admins   map[int64]struct{}
	timeout  int
	logger   *zap.Logger
	inflight sync.WaitGroup
}

func New(config Config, engine Support, admin Admin, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(config.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newBot(api, config, engine, admin, logger)
	b.api = api
	return b, nil
}

func newBot(sender Sender, config Config, engine Support, admin Admin, logger *zap.Logger) *Bot {
	admins := make(map[int64]struct{}, len(config.AdminIDs))
	for _, id := range config.AdminIDs {
		admins[id] = struct{}{}
	}
	if config.Timeout <= 0 {
		config.Timeout = 60
	}
	return &Bot{
		sender:  sender,
		support: engine,
		admin:   admin,
		tenant:  config.TenantID,
		admins:  admins,
		timeout: config.Timeout,
		logger:  logger,
	}
}

// Start polls for updates until ctx is cancelled, handling each update in
// its own goroutine
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.timeout

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.inflight.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				b.inflight.Wait()
				return nil
			}
			b.inflight.Add(1)
			go func() {
				defer b.inflight.Done()
				b.handleUpdate(ctx, update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) sessionKey(chat *tgbotapi.Chat, from *tgbotapi.User) support.SessionKey {
	key := support.SessionKey{
		UserID:    strconv.FormatInt(from.ID, 10),
		TenantID:  b.tenant,
		ChannelID: strconv.FormatInt(chat.ID, 10),
	}
	// group chats keep one conversation per member
	if !chat.IsPrivate() {
		key.ThreadID = key.ChannelID
	}
	return key
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || message.Chat == nil {
		return
	}
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	text := message.Text
	if message.Caption != "" {
		text = message.Caption
	}

	key := b.sessionKey(message.Chat, message.From)
	outcome, err := b.support.HandleInboundMessage(ctx, support.InboundMessage{
		UserID:    key.UserID,
		TenantID:  key.TenantID,
		ChannelID: key.ChannelID,
		ThreadID:  key.ThreadID,
		Text:      text,
	})
	if err != nil {
		b.logger.Error("Failed to handle message",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, something went wrong. Please try again.")
		return
	}

	b.sendOutcome(message.Chat.ID, message.MessageID, outcome)
}

func (b *Bot) sendOutcome(chatID int64, replyToID int, outcome support.Outcome) {
	if outcome.Kind.Silent() {
		return
	}
	if outcome.Reply != "" {
		msg := tgbotapi.NewMessage(chatID, outcome.Reply)
		msg.ReplyToMessageID = replyToID
		b.send(msg)
	}
	if outcome.Prompt != nil {
		b.sendPrompt(chatID, *outcome.Prompt)
	}
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if _, err := b.sender.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Warn("Failed to answer callback", zap.Error(err))
	}
	if query.Message == nil || query.Message.Chat == nil || query.From == nil {
		return
	}
	chatID := query.Message.Chat.ID

	prompt, err := b.support.HandleTopicSelection(ctx, b.sessionKey(query.Message.Chat, query.From), query.Data)
	if errors.Is(err, support.ErrOutOfScope) {
		b.logger.Debug("Selection from unserved chat", zap.Int64("chat_id", chatID))
		return
	}
	if errors.Is(err, support.ErrUnknownSelection) {
		b.sendMessage(chatID, "That option is not available. Use /start to pick again.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to apply selection",
			zap.Error(err),
			zap.String("selection", query.Data),
			zap.Int64("user_id", query.From.ID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't save your choice. Please try again.")
		return
	}
	b.sendPrompt(chatID, prompt)
}

func (b *Bot) sendPrompt(chatID int64, prompt support.Prompt) {
	msg := tgbotapi.NewMessage(chatID, prompt.Text)
	if len(prompt.Options) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(prompt.Options))
		for _, opt := range prompt.Options {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(opt.Label, opt.Key),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	b.send(msg)
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", msg.ChatID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, "⚠️ "+text))
}

func (b *Bot) isAdmin(userID int64) bool {
	_, ok := b.admins[userID]
	return ok
}

func escapeMarkdown(text string) string {
	specialChars := []string{"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
