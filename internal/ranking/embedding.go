package ranking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/storage"
)

// Embedder turns texts into vectors, one per text, in order
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type EmbeddingConfig struct {
	TopK          int
	MinSimilarity float64
	MaxInputRunes int
}

// VectorCache keeps computed vectors in the KV store keyed by the SHA-256
// of the embedded text, so unchanged documents are embedded once.
type VectorCache struct {
	store  storage.Store
	prefix string
	logger *zap.Logger
}

func NewVectorCache(store storage.Store, prefix string, logger *zap.Logger) *VectorCache {
	if prefix == "" {
		prefix = "emb:"
	}
	return &VectorCache{store: store, prefix: prefix, logger: logger}
}

func (v *VectorCache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return v.prefix + hex.EncodeToString(sum[:])
}

// Vectors returns one vector per text, embedding only cache misses
func (v *VectorCache) Vectors(ctx context.Context, embedder Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []int

	for i, text := range texts {
		if v == nil || v.store == nil {
			missing = append(missing, i)
			continue
		}
		raw, err := v.store.Get(ctx, v.key(text))
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				v.logger.Warn("Vector cache read failed", zap.Error(err))
			}
			missing = append(missing, i)
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			v.logger.Warn("Discarding unreadable cached vector", zap.Error(err))
			missing = append(missing, i)
			continue
		}
		out[i] = vec
	}

	if len(missing) == 0 {
		return out, nil
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}
	vectors, err := embedder.Embed(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(batch), err)
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}

	for j, i := range missing {
		out[i] = vectors[j]
		if v == nil || v.store == nil {
			continue
		}
		data, err := json.Marshal(vectors[j])
		if err != nil {
			continue
		}
		if err := v.store.Set(ctx, v.key(texts[i]), string(data)); err != nil {
			v.logger.Warn("Vector cache write failed", zap.Error(err))
		}
	}
	return out, nil
}

// EmbeddingRanker ranks every document of the snapshot by cosine similarity
// to the query and keeps the top K that fit the budget.
type EmbeddingRanker struct {
	config   EmbeddingConfig
	embedder Embedder
	vectors  *VectorCache
	logger   *zap.Logger
}

func NewEmbedding(config EmbeddingConfig, embedder Embedder, vectors *VectorCache, logger *zap.Logger) *EmbeddingRanker {
	if config.TopK <= 0 {
		config.TopK = 8
	}
	if config.MaxInputRunes <= 0 {
		config.MaxInputRunes = 8000
	}
	return &EmbeddingRanker{
		config:   config,
		embedder: embedder,
		vectors:  vectors,
		logger:   logger,
	}
}

func (r *EmbeddingRanker) Rank(ctx context.Context, query string, snapshot *models.Snapshot, tokenBudget int) (*Result, error) {
	var docs []models.Document
	for _, c := range models.Categories {
		docs = append(docs, snapshot.Bucket(c)...)
	}
	if len(docs) == 0 {
		return &Result{}, nil
	}

	texts := make([]string, 0, len(docs)+1)
	texts = append(texts, query)
	for _, d := range docs {
		texts = append(texts, r.documentText(d))
	}

	vectors, err := r.vectors.Vectors(ctx, r.embedder, texts)
	if err != nil {
		return nil, err
	}

	queryVec := vectors[0]
	scored := make([]Scored, 0, len(docs))
	for i, d := range docs {
		sim := cosineSimilarity(queryVec, vectors[i+1])
		if sim < r.config.MinSimilarity {
			continue
		}
		scored = append(scored, Scored{Document: d, Score: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > r.config.TopK {
		scored = scored[:r.config.TopK]
	}

	selected, tokens := fill(scored, tokenBudget)

	var categories []models.Category
	seen := make(map[models.Category]struct{})
	for _, s := range selected {
		if _, ok := seen[s.Category]; !ok {
			seen[s.Category] = struct{}{}
			categories = append(categories, s.Category)
		}
	}

	return &Result{
		Documents:  selected,
		Categories: categories,
		Tokens:     tokens,
	}, nil
}

func (r *EmbeddingRanker) documentText(d models.Document) string {
	text := d.Title + "\n" + d.Body
	runes := []rune(text)
	if len(runes) > r.config.MaxInputRunes {
		text = string(runes[:r.config.MaxInputRunes])
	}
	return text
}

// cosineSimilarity calculates the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0.0 || normB == 0.0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
