// Package registry tracks which chat channels of each tenant the bot serves.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/storage"
)

var (
	ErrNotRegistered = errors.New("channel not registered")
	ErrInvalidKey    = errors.New("tenant and channel ids are required")
)

const (
	keyPrefix = "registry:"
	keySuffix = ":channels"
)

func tenantKey(tenant string) string {
	return keyPrefix + tenant + keySuffix
}

func tenantFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) || !strings.HasSuffix(key, keySuffix) {
		return "", false
	}
	tenant := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), keySuffix)
	return tenant, tenant != ""
}

// Metadata is the editable part of a registration. Empty fields are left
// unchanged by Edit.
type Metadata struct {
	DisplayName       string
	AllowedProducts   []string
	SupplementalLinks []string
	Active            *bool
}

type Config struct {
	PollInterval time.Duration
}

// Registry stores registrations as JSON values in one hash per tenant and
// answers reads from an in-process cache kept fresh by a poller.
type Registry struct {
	kv     storage.Store
	cache  *Cache
	config Config
	logger *zap.Logger
	loads  singleflight.Group
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(kv storage.Store, config Config, logger *zap.Logger) *Registry {
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	return &Registry{
		kv:     kv,
		cache:  NewCache(),
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// IsActive reports whether the channel is registered and active. Warm reads
// are served from the cache; the first read of a tenant loads it.
func (r *Registry) IsActive(ctx context.Context, tenant, channel string) (bool, error) {
	reg, found, err := r.lookup(ctx, tenant, channel)
	if err != nil {
		return false, err
	}
	return found && reg.Active, nil
}

// Get returns the registration of one channel
func (r *Registry) Get(ctx context.Context, tenant, channel string) (models.ChannelRegistration, error) {
	reg, found, err := r.lookup(ctx, tenant, channel)
	if err != nil {
		return models.ChannelRegistration{}, err
	}
	if !found {
		return models.ChannelRegistration{}, fmt.Errorf("%w: %s/%s", ErrNotRegistered, tenant, channel)
	}
	return reg, nil
}

func (r *Registry) lookup(ctx context.Context, tenant, channel string) (models.ChannelRegistration, bool, error) {
	if reg, loaded, found := r.cache.Lookup(tenant, channel); loaded {
		return reg, found, nil
	}
	all, err := r.loadTenant(ctx, tenant)
	if err != nil {
		return models.ChannelRegistration{}, false, err
	}
	reg, loaded, found := r.cache.Lookup(tenant, channel)
	if !loaded {
		// a concurrent write kept the load out of the cache
		reg, found = all[channel]
	}
	return reg, found, nil
}

// loadTenant reads every registration of a tenant and reconciles the cache.
// Concurrent loads of one tenant share a single store read.
func (r *Registry) loadTenant(ctx context.Context, tenant string) (map[string]models.ChannelRegistration, error) {
	v, err, _ := r.loads.Do(tenant, func() (interface{}, error) {
		gen := r.cache.Generation(tenant)
		raw, err := r.kv.HGetAll(ctx, tenantKey(tenant))
		if err != nil {
			return nil, fmt.Errorf("failed to load channels of %s: %w", tenant, err)
		}
		all := make(map[string]models.ChannelRegistration, len(raw))
		for channel, value := range raw {
			var reg models.ChannelRegistration
			if err := json.Unmarshal([]byte(value), &reg); err != nil {
				r.logger.Warn("Skipping unreadable channel registration",
					zap.String("tenant", tenant),
					zap.String("channel", channel),
					zap.Error(err))
				continue
			}
			all[channel] = reg
		}
		if !r.cache.Reconcile(tenant, all, gen) {
			r.logger.Debug("Skipping stale registry load",
				zap.String("tenant", tenant))
		}
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]models.ChannelRegistration), nil
}

// Add registers a channel, or re-registers it keeping its original AddedAt
func (r *Registry) Add(ctx context.Context, tenant, channel string, meta Metadata) (models.ChannelRegistration, error) {
	if tenant == "" || channel == "" {
		return models.ChannelRegistration{}, ErrInvalidKey
	}

	reg := models.ChannelRegistration{
		TenantID:  tenant,
		ChannelID: channel,
		AddedAt:   r.now().UTC(),
		Active:    true,
	}
	if existing, err := r.read(ctx, tenant, channel); err == nil {
		reg.AddedAt = existing.AddedAt
	} else if !errors.Is(err, ErrNotRegistered) {
		return models.ChannelRegistration{}, err
	}
	reg = merge(reg, meta)

	if err := r.write(ctx, reg); err != nil {
		return models.ChannelRegistration{}, err
	}
	r.logger.Info("Channel registered",
		zap.String("tenant", tenant),
		zap.String("channel", channel))
	return reg, nil
}

// Edit changes the metadata of a registered channel
func (r *Registry) Edit(ctx context.Context, tenant, channel string, meta Metadata) (models.ChannelRegistration, error) {
	existing, err := r.read(ctx, tenant, channel)
	if err != nil {
		return models.ChannelRegistration{}, err
	}
	reg := merge(existing, meta)
	if err := r.write(ctx, reg); err != nil {
		return models.ChannelRegistration{}, err
	}
	return reg, nil
}

func (r *Registry) Remove(ctx context.Context, tenant, channel string) error {
	if _, err := r.read(ctx, tenant, channel); err != nil {
		return err
	}
	if err := r.kv.HDel(ctx, tenantKey(tenant), channel); err != nil {
		return fmt.Errorf("failed to remove channel %s/%s: %w", tenant, channel, err)
	}
	r.cache.Invalidate(tenant, channel, nil)
	r.logger.Info("Channel removed",
		zap.String("tenant", tenant),
		zap.String("channel", channel))
	return nil
}

// ListDetails reads every registration of a tenant from the store, sorted
// by channel id
func (r *Registry) ListDetails(ctx context.Context, tenant string) ([]models.ChannelRegistration, error) {
	all, err := r.loadTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChannelRegistration, 0, len(all))
	for _, reg := range all {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChannelID < out[j].ChannelID
	})
	return out, nil
}

func (r *Registry) read(ctx context.Context, tenant, channel string) (models.ChannelRegistration, error) {
	raw, err := r.kv.HGet(ctx, tenantKey(tenant), channel)
	if errors.Is(err, storage.ErrNotFound) {
		return models.ChannelRegistration{}, fmt.Errorf("%w: %s/%s", ErrNotRegistered, tenant, channel)
	}
	if err != nil {
		return models.ChannelRegistration{}, fmt.Errorf("failed to read channel %s/%s: %w", tenant, channel, err)
	}
	var reg models.ChannelRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		r.logger.Warn("Unreadable channel registration treated as missing",
			zap.String("tenant", tenant),
			zap.String("channel", channel),
			zap.Error(err))
		return models.ChannelRegistration{}, fmt.Errorf("%w: %s/%s", ErrNotRegistered, tenant, channel)
	}
	return reg, nil
}

func (r *Registry) write(ctx context.Context, reg models.ChannelRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if err := r.kv.HSet(ctx, tenantKey(reg.TenantID), reg.ChannelID, string(data)); err != nil {
		return fmt.Errorf("failed to store channel %s/%s: %w", reg.TenantID, reg.ChannelID, err)
	}
	r.cache.Invalidate(reg.TenantID, reg.ChannelID, &reg)
	return nil
}

func merge(reg models.ChannelRegistration, meta Metadata) models.ChannelRegistration {
	if meta.DisplayName != "" {
		reg.DisplayName = meta.DisplayName
	}
	if meta.AllowedProducts != nil {
		reg.AllowedProducts = meta.AllowedProducts
	}
	if meta.SupplementalLinks != nil {
		reg.SupplementalLinks = meta.SupplementalLinks
	}
	if meta.Active != nil {
		reg.Active = *meta.Active
	}
	return reg
}

// Sync reconciles every tenant found in the store, and empties cached
// tenants whose hash disappeared.
func (r *Registry) Sync(ctx context.Context) error {
	cached := r.cache.Tenants()
	gens := make(map[string]uint64, len(cached))
	for _, tenant := range cached {
		gens[tenant] = r.cache.Generation(tenant)
	}

	keys, err := r.kv.Scan(ctx, tenantKey("*"))
	if err != nil {
		return fmt.Errorf("failed to scan registry: %w", err)
	}

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		tenant, ok := tenantFromKey(key)
		if !ok {
			continue
		}
		seen[tenant] = struct{}{}
		if _, err := r.loadTenant(ctx, tenant); err != nil {
			r.logger.Warn("Registry reconcile failed",
				zap.String("tenant", tenant),
				zap.Error(err))
		}
	}

	for _, tenant := range cached {
		if _, ok := seen[tenant]; !ok {
			r.cache.Reconcile(tenant, nil, gens[tenant])
		}
	}
	return nil
}

// Start launches the poller. It is a no-op when already running.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.poll(ctx, r.done)
}

func (r *Registry) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil {
				r.logger.Warn("Registry poll failed", zap.Error(err))
			}
		}
	}
}

// Close stops the poller and waits for it to exit
func (r *Registry) Close() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
