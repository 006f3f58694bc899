// Package ranking selects the part of the corpus worth sending to the AI
// for a query, bounded by a token budget.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

const (
	StrategyLexical   = "lexical"
	StrategyEmbedding = "embedding"
)

var ErrUnknownStrategy = errors.New("unknown ranking strategy")

// Scored is a document together with the score that placed it
type Scored struct {
	models.Document
	Score float64
}

// Result is the ordered, budget-bounded selection for one query
type Result struct {
	Documents  []Scored
	Categories []models.Category
	Fallback   bool
	Tokens     int
}

// Ranker picks whole documents from a snapshot for a query without ever
// exceeding tokenBudget in total.
type Ranker interface {
	Rank(ctx context.Context, query string, snapshot *models.Snapshot, tokenBudget int) (*Result, error)
}

type Config struct {
	Strategy      string
	Weights       Weights
	TopCategories int
	Profiles      map[models.Category]Profile
	Fallback      []models.Category
	Products      []models.Product
	Embedding     EmbeddingConfig
}

// New builds the ranker selected by config.Strategy
func New(config Config, embedder Embedder, vectors *VectorCache, logger *zap.Logger) (Ranker, error) {
	switch strings.ToLower(config.Strategy) {
	case "", StrategyLexical:
		return NewLexical(config), nil
	case StrategyEmbedding:
		if embedder == nil {
			return nil, fmt.Errorf("embedding strategy needs an embedder")
		}
		return NewEmbedding(config.Embedding, embedder, vectors, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, config.Strategy)
	}
}

// fill accumulates candidates in order until the next one would not fit.
// Documents are never truncated.
func fill(candidates []Scored, budget int) ([]Scored, int) {
	var out []Scored
	total := 0
	for _, c := range candidates {
		if total+c.EstimatedTokens > budget {
			break
		}
		total += c.EstimatedTokens
		out = append(out, c)
	}
	return out, total
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"can": {}, "do": {}, "does": {}, "for": {}, "from": {}, "how": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "our": {}, "please": {}, "so": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "we": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// normalize lower-cases text and collapses everything that is not a letter
// or digit into single spaces.
func normalize(text string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteRune(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// queryTerms returns the distinct meaningful terms of a query in order
func queryTerms(normalized string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, t := range strings.Fields(normalized) {
		if len([]rune(t)) < 2 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}

// containsPhrase reports whether phrase appears in text on word boundaries.
// Both arguments must already be normalized.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}
