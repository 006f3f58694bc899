package support

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/helpdesk-bot/internal/registry"
)

func TestAdmin_Channels(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.admin.AddChannel(ctx, "acme", "C2", registry.Metadata{AllowedProducts: []string{"unknown"}})
	assert.ErrorIs(t, err, ErrUnknownSelection)

	reg, err := f.admin.AddChannel(ctx, "acme", "C2", registry.Metadata{DisplayName: "Billing desk"})
	require.NoError(t, err)
	assert.True(t, reg.Active)

	out, err := f.o.HandleInboundMessage(ctx, InboundMessage{UserID: "u", TenantID: "acme", ChannelID: "C2", ThreadID: "T1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSelectionRequired, out.Kind, "served right after registration")

	reg, err = f.admin.EditChannel(ctx, "acme", "C2", registry.Metadata{AllowedProducts: []string{"gadget"}})
	require.NoError(t, err)
	assert.Equal(t, "Billing desk", reg.DisplayName)

	list, err := f.admin.ListChannels(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, f.admin.RemoveChannel(ctx, "acme", "C2"))
	out, err = f.o.HandleInboundMessage(ctx, InboundMessage{UserID: "u", TenantID: "acme", ChannelID: "C2", ThreadID: "T1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutOfScope, out.Kind)
}

func TestAdmin_Corpus(t *testing.T) {
	f := newFixture(t, nil, nil)

	status := f.admin.CorpusStatus()
	assert.True(t, status.Initialized)
	assert.Equal(t, 2, status.Total)

	require.NoError(t, f.admin.RefreshCorpus(context.Background()))
	assert.Equal(t, 1, f.corpus.refreshes)

	f.corpus.refreshErr = errors.New("all sources failed")
	assert.Error(t, f.admin.RefreshCorpus(context.Background()))
}
