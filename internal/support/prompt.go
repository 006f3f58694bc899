package support

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/ranking"
)

const systemPromptTemplate = `You are the support assistant of %s. Answer questions about %s using only the help center articles below.

RULES:
- Only use facts stated in the articles
- Don't add outside knowledge or guess
- If the articles don't cover the question, say so and set a low confidence
- Keep answers short: 2-5 sentences, steps as a numbered list
- Mention the article title you used

TOPIC: %s

ARTICLES:
%s`

const noArticles = "(no matching articles)"

func buildSystemPrompt(product models.Product, sess models.Session, result *ranking.Result) string {
	topic := "any"
	if sess.TopicCategory != "" {
		topic = sess.TopicCategory.Title()
	}
	name := product.Name
	if name == "" {
		name = product.Key
	}

	var articles strings.Builder
	if result != nil {
		for i, d := range result.Documents {
			fmt.Fprintf(&articles, "[%d] %s (%s)\n%s\n\n", i+1, d.Title, d.Category.Title(), d.Body)
		}
	}
	body := strings.TrimSpace(articles.String())
	if body == "" {
		body = noArticles
	}

	return fmt.Sprintf(systemPromptTemplate, name, name, topic, body)
}

// containsPhrase reports whether phrase occurs in text on word boundaries,
// ignoring case and punctuation
func containsPhrase(text, phrase string) bool {
	t := " " + strings.Join(words(text), " ") + " "
	p := strings.Join(words(phrase), " ")
	if p == "" {
		return false
	}
	return strings.Contains(t, " "+p+" ")
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
