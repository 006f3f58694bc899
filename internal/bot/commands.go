package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/registry"
)

const helpText = `Available commands:
/start - Pick a topic and product
/human - Talk to a human agent
/resume - Hand the conversation back to the assistant
/close - Forget this conversation
/help - Show this help message

Just send your question once a product is selected.`

const adminHelpText = `

Admin commands:
/status - Help content status
/refresh - Crawl the help center now
/channels - List registered chats
/addchannel [chat id] [name] - Serve a chat (default: this one)
/removechannel [chat id] - Stop serving a chat`

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	key := b.sessionKey(message.Chat, message.From)

	switch message.Command() {
	case "start":
		b.sendPrompt(message.Chat.ID, b.support.TopicPrompt())
	case "help":
		text := helpText
		if b.isAdmin(message.From.ID) {
			text += adminHelpText
		}
		b.sendMessage(message.Chat.ID, text)
	case "human":
		b.handleEscalation(ctx, message, true)
	case "resume":
		b.handleEscalation(ctx, message, false)
	case "close":
		if err := b.support.CloseConversation(ctx, key); err != nil {
			b.logger.Error("Failed to close conversation",
				zap.Error(err),
				zap.Int64("user_id", message.From.ID))
			b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't close the conversation.")
			return
		}
		b.sendMessage(message.Chat.ID, "Conversation closed. Use /start to begin a new one.")
	case "status", "refresh", "channels", "addchannel", "removechannel":
		if !b.isAdmin(message.From.ID) {
			b.sendMessage(message.Chat.ID, "This command is for administrators.")
			return
		}
		b.handleAdminCommand(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleEscalation(ctx context.Context, message *tgbotapi.Message, enable bool) {
	outcome, err := b.support.HandleEscalationCommand(ctx, b.sessionKey(message.Chat, message.From), enable)
	if err != nil {
		b.logger.Error("Failed to change escalation",
			zap.Error(err),
			zap.Bool("enable", enable),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, something went wrong. Please try again.")
		return
	}
	if outcome.Kind.Silent() && outcome.Reply == "" {
		return
	}
	if outcome.Reply != "" {
		b.sendMessage(message.Chat.ID, outcome.Reply)
	}
	if outcome.Prompt != nil {
		b.sendPrompt(message.Chat.ID, *outcome.Prompt)
	}
}

func (b *Bot) handleAdminCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	args := strings.Fields(message.CommandArguments())
	target := fmt.Sprintf("%d", chatID)
	if len(args) > 0 {
		target = args[0]
	}

	switch message.Command() {
	case "status":
		b.sendStatus(chatID)

	case "refresh":
		b.sendMessage(chatID, "Crawling the help center...")
		if err := b.admin.RefreshCorpus(ctx); err != nil {
			b.sendErrorMessage(chatID, "Refresh failed: "+err.Error())
			return
		}
		b.sendStatus(chatID)

	case "channels":
		list, err := b.admin.ListChannels(ctx, b.tenant)
		if err != nil {
			b.logger.Error("Failed to list channels", zap.Error(err))
			b.sendErrorMessage(chatID, "Sorry, failed to retrieve the channel list.")
			return
		}
		b.sendChannels(chatID, list)

	case "addchannel":
		meta := registry.Metadata{}
		if len(args) > 1 {
			meta.DisplayName = strings.Join(args[1:], " ")
		} else if target == fmt.Sprintf("%d", chatID) {
			meta.DisplayName = message.Chat.Title
		}
		reg, err := b.admin.AddChannel(ctx, b.tenant, target, meta)
		if err != nil {
			b.sendErrorMessage(chatID, "Failed to register chat: "+err.Error())
			return
		}
		b.sendMessage(chatID, fmt.Sprintf("Chat %s is now served.", reg.ChannelID))

	case "removechannel":
		if err := b.admin.RemoveChannel(ctx, b.tenant, target); err != nil {
			b.sendErrorMessage(chatID, "Failed to remove chat: "+err.Error())
			return
		}
		b.sendMessage(chatID, fmt.Sprintf("Chat %s is no longer served.", target))
	}
}

func (b *Bot) sendStatus(chatID int64) {
	status := b.admin.CorpusStatus()

	response := "*Help content*\n"
	if !status.Initialized {
		response += escapeMarkdown("Not loaded yet.") + "\n"
	} else {
		response += escapeMarkdown(fmt.Sprintf("%d articles, refreshed %s",
			status.Total, status.LastRefreshed.Format(time.RFC822))) + "\n"
		for _, c := range models.Categories {
			response += escapeMarkdown(fmt.Sprintf("%s: %d", c.Title(), status.Counts[c])) + "\n"
		}
	}
	if status.Refreshing {
		response += "_" + escapeMarkdown("refresh in progress") + "_\n"
	}
	if status.LastError != "" {
		response += escapeMarkdown("Last error: "+status.LastError) + "\n"
	}

	msg := tgbotapi.NewMessage(chatID, response)
	msg.ParseMode = "MarkdownV2"
	b.send(msg)
}

func (b *Bot) sendChannels(chatID int64, list []models.ChannelRegistration) {
	if len(list) == 0 {
		b.sendMessage(chatID, "No chats are registered yet.")
		return
	}

	response := "*Registered chats:*\n"
	for _, reg := range list {
		state := "active"
		if !reg.Active {
			state = "inactive"
		}
		line := fmt.Sprintf("%s %s (%s)", reg.ChannelID, reg.DisplayName, state)
		response += escapeMarkdown(strings.Join(strings.Fields(line), " ")) + "\n"
	}

	msg := tgbotapi.NewMessage(chatID, response)
	msg.ParseMode = "MarkdownV2"
	b.send(msg)
}
