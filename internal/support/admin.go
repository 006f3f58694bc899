package support

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/content"
	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/registry"
)

// Admin is the operator surface: channel registration and corpus control
type Admin struct {
	products []models.Product
	corpus   Corpus
	channels *registry.Registry
	logger   *zap.Logger
}

func NewAdmin(products []models.Product, corpus Corpus, channels *registry.Registry, logger *zap.Logger) *Admin {
	return &Admin{
		products: products,
		corpus:   corpus,
		channels: channels,
		logger:   logger,
	}
}

func (a *Admin) checkProducts(keys []string) error {
	for _, k := range keys {
		known := false
		for _, p := range a.products {
			if p.Key == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: product %q", ErrUnknownSelection, k)
		}
	}
	return nil
}

func (a *Admin) AddChannel(ctx context.Context, tenant, channel string, meta registry.Metadata) (models.ChannelRegistration, error) {
	if err := a.checkProducts(meta.AllowedProducts); err != nil {
		return models.ChannelRegistration{}, err
	}
	return a.channels.Add(ctx, tenant, channel, meta)
}

func (a *Admin) EditChannel(ctx context.Context, tenant, channel string, meta registry.Metadata) (models.ChannelRegistration, error) {
	if err := a.checkProducts(meta.AllowedProducts); err != nil {
		return models.ChannelRegistration{}, err
	}
	return a.channels.Edit(ctx, tenant, channel, meta)
}

func (a *Admin) RemoveChannel(ctx context.Context, tenant, channel string) error {
	return a.channels.Remove(ctx, tenant, channel)
}

func (a *Admin) ListChannels(ctx context.Context, tenant string) ([]models.ChannelRegistration, error) {
	return a.channels.ListDetails(ctx, tenant)
}

func (a *Admin) CorpusStatus() content.Status {
	return a.corpus.Status()
}

// RefreshCorpus forces a crawl and waits for it
func (a *Admin) RefreshCorpus(ctx context.Context) error {
	a.logger.Info("Corpus refresh requested")
	if err := a.corpus.Refresh(ctx); err != nil {
		return fmt.Errorf("corpus refresh failed: %w", err)
	}
	return nil
}
