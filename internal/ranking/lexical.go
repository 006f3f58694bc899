package ranking

import (
	"context"
	"sort"
	"strings"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

// Weights are the lexical scoring constants
type Weights struct {
	CategoryKeyword float64
	ProductMention  float64
	TitleTerm       float64
	BodyTerm        float64
	ExactPhrase     float64
}

func DefaultWeights() Weights {
	return Weights{
		CategoryKeyword: 2,
		ProductMention:  3,
		TitleTerm:       3,
		BodyTerm:        1,
		ExactPhrase:     5,
	}
}

// DefaultFallback is used when no category matches a query
var DefaultFallback = []models.Category{
	models.CategoryGettingStarted,
	models.CategoryFAQ,
	models.CategoryTroubleshooting,
}

// Lexical scores categories by keyword overlap and documents by term overlap
type Lexical struct {
	weights  Weights
	top      int
	profiles map[models.Category]Profile
	fallback []models.Category
	products []models.Product
}

func NewLexical(config Config) *Lexical {
	l := &Lexical{
		weights:  config.Weights,
		top:      config.TopCategories,
		profiles: config.Profiles,
		fallback: config.Fallback,
		products: config.Products,
	}
	if l.weights == (Weights{}) {
		l.weights = DefaultWeights()
	}
	if l.top <= 0 {
		l.top = 3
	}
	if l.profiles == nil {
		l.profiles = DefaultProfiles()
	}
	if len(l.fallback) == 0 {
		l.fallback = DefaultFallback
	}
	return l
}

type categoryScore struct {
	category models.Category
	score    float64
}

func (l *Lexical) Rank(ctx context.Context, query string, snapshot *models.Snapshot, tokenBudget int) (*Result, error) {
	q := normalize(query)
	terms := queryTerms(q)

	selected := l.selectCategories(q)
	if len(selected) == 0 {
		return l.rankFallback(snapshot, tokenBudget), nil
	}

	var candidates []Scored
	for _, c := range selected {
		candidates = append(candidates, l.scoreDocuments(snapshot.Bucket(c), q, terms)...)
	}
	docs, tokens := fill(candidates, tokenBudget)

	return &Result{
		Documents:  docs,
		Categories: selected,
		Tokens:     tokens,
	}, nil
}

// selectCategories returns up to l.top categories scoring above zero, best
// first, keeping declaration order between equal scores.
func (l *Lexical) selectCategories(q string) []models.Category {
	mentioned := l.mentionedProducts(q)

	scores := make([]categoryScore, 0, len(models.Categories))
	for _, c := range models.Categories {
		profile := l.profiles[c]
		score := 0.0
		for _, kw := range profile.Keywords {
			if containsPhrase(q, normalize(kw)) {
				score += l.weights.CategoryKeyword
			}
		}
		for _, p := range mentioned {
			if profile.coversProduct(p) {
				score += l.weights.ProductMention
			}
		}
		if score > 0 {
			scores = append(scores, categoryScore{category: c, score: score})
		}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})
	if len(scores) > l.top {
		scores = scores[:l.top]
	}

	out := make([]models.Category, len(scores))
	for i, s := range scores {
		out[i] = s.category
	}
	return out
}

func (l *Lexical) mentionedProducts(q string) []string {
	var keys []string
	for _, p := range l.products {
		for _, name := range p.Names() {
			if containsPhrase(q, normalize(name)) {
				keys = append(keys, p.Key)
				break
			}
		}
	}
	return keys
}

// scoreDocuments scores one bucket and sorts it best first. Equal scores
// keep the bucket's discovery order.
func (l *Lexical) scoreDocuments(docs []models.Document, q string, terms []string) []Scored {
	scored := make([]Scored, len(docs))
	for i, d := range docs {
		title := strings.ToLower(d.Title)
		body := normalize(d.Body)

		score := 0.0
		for _, t := range terms {
			if strings.Contains(title, t) {
				score += l.weights.TitleTerm
			}
			if strings.Contains(body, t) {
				score += l.weights.BodyTerm
			}
		}
		if q != "" && strings.Contains(body, q) {
			score += l.weights.ExactPhrase
		}
		scored[i] = Scored{Document: d, Score: score}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

func (l *Lexical) rankFallback(snapshot *models.Snapshot, tokenBudget int) *Result {
	var candidates []Scored
	for _, c := range l.fallback {
		for _, d := range snapshot.Bucket(c) {
			candidates = append(candidates, Scored{Document: d})
		}
	}
	docs, tokens := fill(candidates, tokenBudget)
	return &Result{
		Documents:  docs,
		Categories: l.fallback,
		Fallback:   true,
		Tokens:     tokens,
	}
}
