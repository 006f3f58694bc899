package models

import (
	"fmt"
	"strings"
	"time"
)

// Category is a fixed, pre-declared topic bucket of the help corpus
type Category string

const (
	CategoryGettingStarted  Category = "getting_started"
	CategoryFAQ             Category = "faq"
	CategoryTroubleshooting Category = "troubleshooting"
	CategoryAccount         Category = "account"
	CategoryBilling         Category = "billing"
	CategoryIntegrations    Category = "integrations"
	CategoryProducts        Category = "products"
)

// Categories lists every declared category in declaration order.
// Ranking ties are broken by this order.
var Categories = []Category{
	CategoryGettingStarted,
	CategoryFAQ,
	CategoryTroubleshooting,
	CategoryAccount,
	CategoryBilling,
	CategoryIntegrations,
	CategoryProducts,
}

// ParseCategory maps a key onto a declared category
func ParseCategory(key string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(key)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", key)
}

// Title returns a human readable label for the category
func (c Category) Title() string {
	words := strings.Split(string(c), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Document is one retrievable unit of help content
type Document struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Body            string    `json:"body"`
	Category        Category  `json:"category"`
	EstimatedTokens int       `json:"estimated_tokens"`
	Media           []string  `json:"media,omitempty"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// NewDocument builds a document and derives its token estimate from the body
func NewDocument(id, title, body string, category Category, media []string) Document {
	return Document{
		ID:              id,
		Title:           title,
		Body:            body,
		Category:        category,
		EstimatedTokens: EstimateTokens(body),
		Media:           media,
		FetchedAt:       time.Now(),
	}
}

// Snapshot is a complete view of the corpus at one point in time.
// A snapshot is never mutated after it has been published.
type Snapshot struct {
	Buckets     map[Category][]Document `json:"buckets"`
	RefreshedAt time.Time               `json:"refreshed_at"`
}

// Bucket returns the documents of one category
func (s *Snapshot) Bucket(c Category) []Document {
	if s == nil {
		return nil
	}
	return s.Buckets[c]
}

// Counts returns the number of documents per category
func (s *Snapshot) Counts() map[Category]int {
	counts := make(map[Category]int, len(Categories))
	if s == nil {
		return counts
	}
	for c, docs := range s.Buckets {
		counts[c] = len(docs)
	}
	return counts
}

// Total returns the number of documents in the snapshot
func (s *Snapshot) Total() int {
	total := 0
	for _, n := range s.Counts() {
		total += n
	}
	return total
}
