package bot

import (
	"context"
	"fmt"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/content"
	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/registry"
	"github.com/xaenox/helpdesk-bot/internal/support"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type mockSupport struct {
	mock.Mock
}

func (m *mockSupport) HandleInboundMessage(ctx context.Context, msg support.InboundMessage) (support.Outcome, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(support.Outcome), args.Error(1)
}

func (m *mockSupport) HandleTopicSelection(ctx context.Context, key support.SessionKey, selection string) (support.Prompt, error) {
	args := m.Called(ctx, key, selection)
	return args.Get(0).(support.Prompt), args.Error(1)
}

func (m *mockSupport) HandleEscalationCommand(ctx context.Context, key support.SessionKey, enable bool) (support.Outcome, error) {
	args := m.Called(ctx, key, enable)
	return args.Get(0).(support.Outcome), args.Error(1)
}

func (m *mockSupport) CloseConversation(ctx context.Context, key support.SessionKey) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockSupport) TopicPrompt() support.Prompt {
	return m.Called().Get(0).(support.Prompt)
}

type mockAdmin struct {
	mock.Mock
}

func (m *mockAdmin) AddChannel(ctx context.Context, tenant, channel string, meta registry.Metadata) (models.ChannelRegistration, error) {
	args := m.Called(ctx, tenant, channel, meta)
	return args.Get(0).(models.ChannelRegistration), args.Error(1)
}

func (m *mockAdmin) RemoveChannel(ctx context.Context, tenant, channel string) error {
	return m.Called(ctx, tenant, channel).Error(0)
}

func (m *mockAdmin) ListChannels(ctx context.Context, tenant string) ([]models.ChannelRegistration, error) {
	args := m.Called(ctx, tenant)
	return args.Get(0).([]models.ChannelRegistration), args.Error(1)
}

func (m *mockAdmin) CorpusStatus() content.Status {
	return m.Called().Get(0).(content.Status)
}

func (m *mockAdmin) RefreshCorpus(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

const (
	adminID = int64(1)
	userID  = int64(42)
)

func newTestBot() (*Bot, *fakeSender, *mockSupport, *mockAdmin) {
	sender := &fakeSender{}
	engine := &mockSupport{}
	admin := &mockAdmin{}
	b := newBot(sender, Config{TenantID: "acme", AdminIDs: []int64{adminID}}, engine, admin, zap.NewNop())
	return b, sender, engine, admin
}

func privateMessage(from int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: from},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Text:      text,
	}
}

func command(from int64, text string) *tgbotapi.Message {
	msg := privateMessage(from, text)
	name := text
	for i, r := range text {
		if r == ' ' {
			name = text[:i]
			break
		}
	}
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}}
	return msg
}

func TestBot_MessageIsAnsweredAsReply(t *testing.T) {
	b, sender, engine, _ := newTestBot()
	engine.On("HandleInboundMessage", mock.Anything, support.InboundMessage{
		UserID: "42", TenantID: "acme", ChannelID: "42", Text: "how do I reset my password",
	}).Return(support.Outcome{Kind: support.OutcomeAnswered, Reply: "Use the reset link."}, nil)

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: privateMessage(userID, "how do I reset my password")})

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Use the reset link.", sender.sent[0].Text)
	assert.Equal(t, 7, sender.sent[0].ReplyToMessageID)
	engine.AssertExpectations(t)
}

func TestBot_GroupMessagesUseThreadScope(t *testing.T) {
	b, _, engine, _ := newTestBot()
	msg := privateMessage(userID, "hello")
	msg.Chat = &tgbotapi.Chat{ID: -100, Type: "supergroup"}

	engine.On("HandleInboundMessage", mock.Anything, support.InboundMessage{
		UserID: "42", TenantID: "acme", ChannelID: "-100", ThreadID: "-100", Text: "hello",
	}).Return(support.Outcome{Kind: support.OutcomeOutOfScope}, nil)

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: msg})
	engine.AssertExpectations(t)
}

func TestBot_SilentOutcomesSendNothing(t *testing.T) {
	for _, kind := range []support.OutcomeKind{support.OutcomeIgnored, support.OutcomeOutOfScope} {
		t.Run(string(kind), func(t *testing.T) {
			b, sender, engine, _ := newTestBot()
			engine.On("HandleInboundMessage", mock.Anything, mock.Anything).
				Return(support.Outcome{Kind: kind}, nil)

			b.handleUpdate(context.Background(), tgbotapi.Update{Message: privateMessage(userID, "anyone?")})
			assert.Empty(t, sender.sent)
		})
	}
}

func TestBot_SelectionPromptHasKeyboard(t *testing.T) {
	b, sender, engine, _ := newTestBot()
	prompt := support.Prompt{Text: "Pick a topic", Options: []support.Option{
		{Key: "category:faq", Label: "Faq"},
		{Key: "category:billing", Label: "Billing"},
	}}
	engine.On("HandleInboundMessage", mock.Anything, mock.Anything).
		Return(support.Outcome{Kind: support.OutcomeSelectionRequired, Prompt: &prompt}, nil)

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: privateMessage(userID, "hi")})

	require.Len(t, sender.sent, 1)
	markup, ok := sender.sent[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 2)
	require.NotNil(t, markup.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, "category:billing", *markup.InlineKeyboard[1][0].CallbackData)
}

func TestBot_CallbackAppliesSelection(t *testing.T) {
	b, sender, engine, _ := newTestBot()
	key := support.SessionKey{UserID: "42", TenantID: "acme", ChannelID: "42"}
	engine.On("HandleTopicSelection", mock.Anything, key, "product:widget").
		Return(support.Prompt{Text: "Got it, Widget Pro."}, nil)
	engine.On("HandleTopicSelection", mock.Anything, key, "product:gone").
		Return(support.Prompt{}, fmt.Errorf("%w: product", support.ErrUnknownSelection))

	query := &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: userID},
		Message: privateMessage(userID, "Pick a product"),
		Data:    "product:widget",
	}
	b.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: query})

	query.Data = "product:gone"
	b.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: query})

	assert.Len(t, sender.requests, 2, "every callback is answered")
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "Got it, Widget Pro.", sender.sent[0].Text)
	assert.Contains(t, sender.sent[1].Text, "not available")
}

func TestBot_UnservedChatStaysSilent(t *testing.T) {
	b, sender, engine, _ := newTestBot()
	key := support.SessionKey{UserID: "42", TenantID: "acme", ChannelID: "-100", ThreadID: "-100"}
	engine.On("HandleTopicSelection", mock.Anything, key, "category:faq").
		Return(support.Prompt{}, fmt.Errorf("%w: channel -100", support.ErrOutOfScope))
	engine.On("HandleEscalationCommand", mock.Anything, key, true).
		Return(support.Outcome{Kind: support.OutcomeOutOfScope}, nil)

	group := &tgbotapi.Chat{ID: -100, Type: "supergroup"}
	msg := privateMessage(userID, "Pick a topic")
	msg.Chat = group
	b.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb1", From: &tgbotapi.User{ID: userID}, Message: msg, Data: "category:faq",
	}})

	cmd := command(userID, "/human")
	cmd.Chat = group
	b.handleUpdate(context.Background(), tgbotapi.Update{Message: cmd})

	assert.Len(t, sender.requests, 1, "the callback is still answered")
	assert.Empty(t, sender.sent)
	engine.AssertExpectations(t)
}

func TestBot_EscalationCommands(t *testing.T) {
	b, sender, engine, _ := newTestBot()
	key := support.SessionKey{UserID: "42", TenantID: "acme", ChannelID: "42"}
	engine.On("HandleEscalationCommand", mock.Anything, key, true).
		Return(support.Outcome{Kind: support.OutcomeEscalated, Reply: "A human will reply."}, nil)
	engine.On("HandleEscalationCommand", mock.Anything, key, false).
		Return(support.Outcome{Kind: support.OutcomeResumed, Reply: "Back."}, nil)

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: command(userID, "/human")})
	b.handleUpdate(context.Background(), tgbotapi.Update{Message: command(userID, "/resume")})

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "A human will reply.", sender.sent[0].Text)
	assert.Equal(t, "Back.", sender.sent[1].Text)
	engine.AssertExpectations(t)
}

func TestBot_StartSendsTopics(t *testing.T) {
	b, sender, engine, _ := newTestBot()
	engine.On("TopicPrompt").Return(support.Prompt{Text: "Pick", Options: []support.Option{{Key: "category:faq", Label: "Faq"}}})

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: command(userID, "/start")})

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Pick", sender.sent[0].Text)
	assert.NotNil(t, sender.sent[0].ReplyMarkup)
}

func TestBot_AdminCommandsAreGated(t *testing.T) {
	b, sender, _, admin := newTestBot()

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: command(userID, "/addchannel")})

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Text, "administrators")
	admin.AssertNotCalled(t, "AddChannel", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBot_AdminAddChannel(t *testing.T) {
	b, sender, _, admin := newTestBot()
	admin.On("AddChannel", mock.Anything, "acme", "-100", registry.Metadata{DisplayName: "Help desk"}).
		Return(models.ChannelRegistration{TenantID: "acme", ChannelID: "-100", Active: true}, nil)

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: command(adminID, "/addchannel -100 Help desk")})

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Text, "-100")
	admin.AssertExpectations(t)
}

func TestBot_AdminStatus(t *testing.T) {
	b, sender, _, admin := newTestBot()
	admin.On("CorpusStatus").Return(content.Status{
		Initialized: true,
		Total:       3,
		Counts:      map[models.Category]int{models.CategoryFAQ: 3},
	})

	b.handleUpdate(context.Background(), tgbotapi.Update{Message: command(adminID, "/status")})

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "MarkdownV2", sender.sent[0].ParseMode)
	assert.Contains(t, sender.sent[0].Text, "3 articles")
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\.c\!`, escapeMarkdown("a_b.c!"))
}
