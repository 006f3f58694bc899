// Package ai wraps the OpenAI API behind the completion and embedding
// capabilities the support engine needs.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

var ErrEmptyResponse = errors.New("empty completion response")

// Completion is the outcome of one AI call. Confidence is nil when the
// model did not report one.
type Completion struct {
	IsValid    bool
	Text       string
	Confidence *float64
}

// EffectiveConfidence is the reported confidence, or 0 when the completion
// is invalid or carries none
func (c Completion) EffectiveConfidence() float64 {
	if !c.IsValid || c.Confidence == nil {
		return 0
	}
	return *c.Confidence
}

// Completer answers a conversation
type Completer interface {
	Complete(ctx context.Context, messages []models.Message) (Completion, error)
}

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float64
}

type structuredAnswer struct {
	Answer     string   `json:"answer"`
	Confidence *float64 `json:"confidence"`
}

const answerFormat = `Reply with a JSON object of this exact structure:
{
    "answer": "the reply shown to the user",
    "confidence": 0.0
}
confidence is a number between 0 and 1 saying how well the provided help content supports the answer.`

// OpenAICompleter asks a chat model for a structured answer with a
// self-reported confidence
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAICompleter(config Config, logger *zap.Logger) *OpenAICompleter {
	return &OpenAICompleter{
		client:      newClient(config),
		model:       config.Model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		logger:      logger,
	}
}

func newClient(config Config) *openai.Client {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

func (c *OpenAICompleter) Complete(ctx context.Context, messages []models.Message) (Completion, error) {
	chat := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	for _, msg := range messages {
		chat = append(chat, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	chat = append(chat, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: answerFormat,
	})

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    chat,
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		},
	)
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrEmptyResponse
	}

	return c.parse(resp.Choices[0].Message.Content), nil
}

// parse reads the structured answer. Anything that is not the expected JSON
// object becomes an invalid completion carrying the raw text.
func (c *OpenAICompleter) parse(content string) Completion {
	response := strings.TrimSpace(content)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	var answer structuredAnswer
	if err := json.Unmarshal([]byte(response), &answer); err != nil {
		c.logger.Warn("Failed to parse completion response",
			zap.Error(err),
			zap.String("response", content))
		return Completion{IsValid: false, Text: strings.TrimSpace(content)}
	}
	if strings.TrimSpace(answer.Answer) == "" {
		return Completion{IsValid: false, Confidence: answer.Confidence}
	}

	if answer.Confidence != nil {
		v := *answer.Confidence
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		answer.Confidence = &v
	}
	return Completion{
		IsValid:    true,
		Text:       strings.TrimSpace(answer.Answer),
		Confidence: answer.Confidence,
	}
}
