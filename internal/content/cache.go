// Package content crawls the help center, sorts its articles into the
// declared category buckets and serves immutable corpus snapshots.
package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

var (
	// ErrUninitialized means no refresh has ever succeeded
	ErrUninitialized = errors.New("content cache not initialized")
	// ErrUnknownCategory means the key is not a declared category
	ErrUnknownCategory = errors.New("unknown category")
	// ErrRefreshFailed means no category source could be crawled
	ErrRefreshFailed = errors.New("corpus refresh failed")
)

// Source is the entry page of one category bucket
type Source struct {
	Category models.Category
	URL      string
}

type Config struct {
	Sources                []Source
	RefreshInterval        time.Duration
	CheckInterval          time.Duration
	FetchTimeout           time.Duration
	MaxArticlesPerCategory int
	MinContentLength       int
	MaxConcurrentFetches   int
	UserAgent              string
}

func (c *Config) defaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Hour
	}
	if c.CheckInterval > c.RefreshInterval {
		c.CheckInterval = c.RefreshInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MaxArticlesPerCategory <= 0 {
		c.MaxArticlesPerCategory = 20
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = 200
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = 4
	}
}

type Option func(*Cache)

// WithFetcher replaces the HTTP fetcher
func WithFetcher(f Fetcher) Option {
	return func(c *Cache) {
		c.fetcher = f
	}
}

// WithHTTPClient makes the default fetcher use client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		c.fetcher = NewHTTPFetcher(client, c.config.FetchTimeout, c.config.UserAgent)
	}
}

// Status is the read-only view of the cache exposed to administrators
type Status struct {
	Initialized   bool
	Refreshing    bool
	LastRefreshed time.Time
	LastError     string
	Counts        map[models.Category]int
	Total         int
}

// Cache owns the corpus. Readers get the current snapshot without waiting
// on the network; a refresh builds the next snapshot aside and swaps it in.
type Cache struct {
	config  Config
	fetcher Fetcher
	logger  *zap.Logger

	snapshot   atomic.Pointer[models.Snapshot]
	refreshing atomic.Bool
	group      singleflight.Group

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(config Config, logger *zap.Logger, opts ...Option) (*Cache, error) {
	config.defaults()

	seen := make(map[models.Category]struct{})
	for _, src := range config.Sources {
		if _, err := models.ParseCategory(string(src.Category)); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, src.Category)
		}
		if _, dup := seen[src.Category]; dup {
			return nil, fmt.Errorf("duplicate source for category %q", src.Category)
		}
		seen[src.Category] = struct{}{}
		u, err := url.Parse(src.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid source url %q for category %q", src.URL, src.Category)
		}
	}

	c := &Cache{
		config: config,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = NewHTTPFetcher(nil, config.FetchTimeout, config.UserAgent)
	}
	return c, nil
}

// Snapshot returns the live snapshot
func (c *Cache) Snapshot() (*models.Snapshot, error) {
	snap := c.snapshot.Load()
	if snap == nil {
		return nil, ErrUninitialized
	}
	return snap, nil
}

// Category returns the documents of one bucket of the live snapshot
func (c *Cache) Category(key models.Category) ([]models.Document, error) {
	if _, err := models.ParseCategory(string(key)); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, key)
	}
	snap, err := c.Snapshot()
	if err != nil {
		return nil, err
	}
	docs := snap.Bucket(key)
	out := make([]models.Document, len(docs))
	copy(out, docs)
	return out, nil
}

// Refresh crawls every source now. Concurrent callers share the refresh
// already in flight instead of starting another one.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, shared := c.group.Do("refresh", func() (interface{}, error) {
		return nil, c.refresh(ctx)
	})
	if shared {
		c.logger.Debug("Joined in-flight corpus refresh")
	}
	return err
}

// RefreshIfStale refreshes only when the live snapshot is older than the
// refresh interval or missing.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	if snap := c.snapshot.Load(); snap != nil && time.Since(snap.RefreshedAt) < c.config.RefreshInterval {
		return nil
	}
	return c.Refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) error {
	c.refreshing.Store(true)
	defer c.refreshing.Store(false)

	started := time.Now()
	prev := c.snapshot.Load()
	buckets := make(map[models.Category][]models.Document, len(c.config.Sources))
	failed := 0

	for _, src := range c.config.Sources {
		docs, err := c.crawlCategory(ctx, src)
		if err != nil {
			failed++
			// a failed source keeps serving its last good bucket
			stale := prev.Bucket(src.Category)
			if stale != nil {
				buckets[src.Category] = stale
			}
			c.logger.Warn("Failed to crawl category, keeping stale bucket",
				zap.Error(err),
				zap.String("category", string(src.Category)),
				zap.String("url", src.URL),
				zap.Int("stale_documents", len(stale)))
			continue
		}
		buckets[src.Category] = docs
	}

	if err := ctx.Err(); err != nil {
		c.setLastErr(err)
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if len(c.config.Sources) > 0 && failed == len(c.config.Sources) {
		err := fmt.Errorf("%w: all %d category sources failed", ErrRefreshFailed, failed)
		c.setLastErr(err)
		c.logger.Error("Corpus refresh failed, keeping previous snapshot", zap.Error(err))
		return err
	}

	snap := &models.Snapshot{
		Buckets:     buckets,
		RefreshedAt: time.Now(),
	}
	c.snapshot.Store(snap)
	c.setLastErr(nil)

	c.logger.Info("Corpus refreshed",
		zap.Int("documents", snap.Total()),
		zap.Int("failed_categories", failed),
		zap.Duration("took", time.Since(started)))
	return nil
}

func (c *Cache) crawlCategory(ctx context.Context, src Source) ([]models.Document, error) {
	page, base, err := c.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	links := extractLinks(page, base, c.config.MaxArticlesPerCategory)

	// Indexed by link position so the bucket keeps discovery order
	results := make([]*models.Document, len(links))

	var g errgroup.Group
	g.SetLimit(c.config.MaxConcurrentFetches)
	for i, link := range links {
		i, link := i, link
		g.Go(func() error {
			doc, pageURL, err := c.fetcher.Fetch(ctx, link)
			if err != nil {
				c.logger.Warn("Skipping article",
					zap.Error(err),
					zap.String("category", string(src.Category)),
					zap.String("url", link))
				return nil
			}
			a := extractArticle(doc, pageURL)
			if utf8.RuneCountInString(a.Body) < c.config.MinContentLength {
				c.logger.Debug("Discarding short article",
					zap.String("url", link),
					zap.Int("length", utf8.RuneCountInString(a.Body)))
				return nil
			}
			d := models.NewDocument(link, a.Title, a.Body, src.Category, a.Media)
			results[i] = &d
			return nil
		})
	}
	_ = g.Wait()

	docs := make([]models.Document, 0, len(results))
	for _, d := range results {
		if d != nil {
			docs = append(docs, *d)
		}
	}
	return docs, nil
}

func (c *Cache) setLastErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// Status reports what the admin console shows about the corpus
func (c *Cache) Status() Status {
	c.mu.Lock()
	lastErr := c.lastErr
	c.mu.Unlock()

	st := Status{
		Refreshing: c.refreshing.Load(),
		Counts:     map[models.Category]int{},
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if snap := c.snapshot.Load(); snap != nil {
		st.Initialized = true
		st.LastRefreshed = snap.RefreshedAt
		st.Counts = snap.Counts()
		st.Total = snap.Total()
	}
	return st
}

// Start crawls once and then keeps the corpus fresh until Close is called
// or ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("Initial corpus crawl failed", zap.Error(err))
	}

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshIfStale(ctx); err != nil {
				c.logger.Error("Scheduled corpus refresh failed", zap.Error(err))
			}
		}
	}
}

// Close stops the refresh loop and waits for it to exit
func (c *Cache) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
