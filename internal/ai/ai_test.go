package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

func fakeOpenAI(t *testing.T, handler http.HandlerFunc) Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return Config{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-test"}
}

func chatResponse(content string) map[string]interface{} {
	return map[string]interface{}{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-test",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	}
}

func TestOpenAICompleter_Complete(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	config := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse(`{"answer": "Click forgot password.", "confidence": 0.83}`))
	})
	c := NewOpenAICompleter(config, zap.NewNop())

	completion, err := c.Complete(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "You are a support assistant."},
		{Role: models.RoleUser, Content: "How do I reset my password?"},
	})
	require.NoError(t, err)

	assert.True(t, completion.IsValid)
	assert.Equal(t, "Click forgot password.", completion.Text)
	require.NotNil(t, completion.Confidence)
	assert.InDelta(t, 0.83, *completion.Confidence, 1e-9)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Contains(t, got.Messages[2].Content, `"confidence"`)
}

func TestOpenAICompleter_APIError(t *testing.T) {
	config := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit"}}`))
	})
	c := NewOpenAICompleter(config, zap.NewNop())

	completion, err := c.Complete(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}})
	assert.Error(t, err)
	assert.Equal(t, 0.0, completion.EffectiveConfidence())
}

func TestOpenAICompleter_Parse(t *testing.T) {
	c := NewOpenAICompleter(Config{}, zap.NewNop())

	tests := []struct {
		name       string
		content    string
		valid      bool
		text       string
		confidence float64
	}{
		{"structured", `{"answer":"ok","confidence":0.7}`, true, "ok", 0.7},
		{"fenced", "```json\n{\"answer\":\"ok\",\"confidence\":0.9}\n```", true, "ok", 0.9},
		{"missing confidence", `{"answer":"ok"}`, true, "ok", 0},
		{"clamped", `{"answer":"ok","confidence":7}`, true, "ok", 1},
		{"empty answer", `{"answer":"","confidence":0.9}`, false, "", 0},
		{"plain text", "Sure, just click reset.", false, "Sure, just click reset.", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.parse(tt.content)
			assert.Equal(t, tt.valid, got.IsValid)
			assert.Equal(t, tt.text, got.Text)
			assert.InDelta(t, tt.confidence, got.EffectiveConfidence(), 1e-9)
		})
	}
}

func TestCompletion_EffectiveConfidence(t *testing.T) {
	high := 0.9
	assert.Equal(t, 0.9, Completion{IsValid: true, Confidence: &high}.EffectiveConfidence())
	assert.Equal(t, 0.0, Completion{IsValid: false, Confidence: &high}.EffectiveConfidence())
	assert.Equal(t, 0.0, Completion{IsValid: true}.EffectiveConfidence())
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	config := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		// answer in reverse order to check index handling
		data := make([]map[string]interface{}, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len(req.Input[i])), 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	})
	e := NewOpenAIEmbedder(config, zap.NewNop())

	vecs, err := e.Embed(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 1}, vecs[0])
	assert.Equal(t, []float32{3, 1}, vecs[1])
}
