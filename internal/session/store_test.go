package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/storage"
)

var testKey = Key{UserID: "42", TenantID: "acme", ChannelID: "C1", ThreadID: "T1"}

func backends(t *testing.T) map[string]storage.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]storage.Store{
		"memory": storage.NewMemoryStorage(),
		"redis":  storage.NewRedisStorageFromClient(client, "hd:", 0, zap.NewNop()),
	}
}

func TestStore_GetUnseenKeyReturnsDefault(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(kv, zap.NewNop())

			sess, err := s.Get(context.Background(), testKey)
			require.NoError(t, err)
			assert.Equal(t, models.DefaultSession(), sess)
		})
	}
}

func TestStore_SetMergesOntoPersistedState(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(kv, zap.NewNop())

			category := models.CategoryBilling
			state := models.StateCategorySelected
			_, err := s.Set(ctx, testKey, Patch{State: &state, TopicCategory: &category})
			require.NoError(t, err)

			product := "widget"
			_, err = s.Set(ctx, testKey, Patch{SelectedProduct: &product})
			require.NoError(t, err)

			sess, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, models.StateCategorySelected, sess.State)
			assert.Equal(t, models.CategoryBilling, sess.TopicCategory)
			assert.Equal(t, "widget", sess.SelectedProduct)
		})
	}
}

func TestStore_ApplyTransitions(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(kv, zap.NewNop())

			_, err := s.Apply(ctx, testKey, EventActivate, "")
			assert.ErrorIs(t, err, ErrNoProduct)

			_, err = s.Apply(ctx, testKey, EventSelectProduct, "widget")
			require.NoError(t, err)
			sess, err := s.Apply(ctx, testKey, EventActivate, "")
			require.NoError(t, err)
			assert.Equal(t, models.StateAIActive, sess.State)

			sess, err = s.Apply(ctx, testKey, EventEscalate, "")
			require.NoError(t, err)
			assert.True(t, sess.EscalatedToHuman)

			persisted, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, models.StateEscalated, persisted.State)
			assert.Equal(t, "widget", persisted.SelectedProduct)
		})
	}
}

func TestStore_RejectedTransitionKeepsRecord(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryStorage(), zap.NewNop())

	_, err := s.Apply(ctx, testKey, EventSelectProduct, "widget")
	require.NoError(t, err)
	_, err = s.Apply(ctx, testKey, EventResume, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sess, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, models.StateProductSelected, sess.State)
}

func TestStore_CorruptRecordIsDiscarded(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(kv, zap.NewNop())
			require.NoError(t, kv.Set(ctx, "session:"+testKey.String(), "{not json"))

			sess, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, models.DefaultSession(), sess)

			_, err = kv.Get(ctx, "session:"+testKey.String())
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestStore_RecordWithoutStateKeepsFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want models.Session
	}{
		{
			name: "escalated",
			raw:  `{"selected_product":"widget","escalated_to_human":true}`,
			want: models.Session{State: models.StateEscalated, SelectedProduct: "widget", EscalatedToHuman: true},
		},
		{
			name: "product selected",
			raw:  `{"topic_category":"billing","selected_product":"widget"}`,
			want: models.Session{State: models.StateAIActive, TopicCategory: models.CategoryBilling, SelectedProduct: "widget"},
		},
		{
			name: "category only",
			raw:  `{"state":"BOGUS","topic_category":"faq"}`,
			want: models.Session{State: models.StateCategorySelected, TopicCategory: models.CategoryFAQ},
		},
		{
			name: "empty object",
			raw:  `{}`,
			want: models.DefaultSession(),
		},
	}
	for name, kv := range backends(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				ctx := context.Background()
				s := NewStore(kv, zap.NewNop())
				require.NoError(t, kv.Set(ctx, "session:"+testKey.String(), tt.raw))

				sess, err := s.Get(ctx, testKey)
				require.NoError(t, err)
				assert.Equal(t, tt.want, sess)

				_, err = kv.Get(ctx, "session:"+testKey.String())
				assert.NoError(t, err, "record is kept")
			})
		}
	}
}

func TestStore_EscalationSurvivesPatchOnStatelessRecord(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	s := NewStore(kv, zap.NewNop())
	require.NoError(t, kv.Set(ctx, "session:"+testKey.String(), `{"selected_product":"widget","escalated_to_human":true}`))

	require.NoError(t, s.Touch(ctx, testKey))

	sess, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, models.StateEscalated, sess.State)
	assert.True(t, sess.EscalatedToHuman)
	assert.Equal(t, "widget", sess.SelectedProduct)
}

func TestStore_UpdateOverCorruptRecord(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	s := NewStore(kv, zap.NewNop())
	require.NoError(t, kv.Set(ctx, "session:"+testKey.String(), `{"state":""}`))

	sess, err := s.Apply(ctx, testKey, EventSelectCategory, "faq")
	require.NoError(t, err)
	assert.Equal(t, models.StateCategorySelected, sess.State)
}

func TestStore_TouchAndClear(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryStorage(), zap.NewNop())
	fixed := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Touch(ctx, testKey))
	sess, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, models.StateNew, sess.State)
	assert.True(t, fixed.Equal(sess.LastActivityAt))

	require.NoError(t, s.Clear(ctx, testKey))
	sess, err = s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, sess.LastActivityAt.IsZero())
}

func TestStore_KeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryStorage(), zap.NewNop())
	other := testKey
	other.ThreadID = "T2"

	_, err := s.Apply(ctx, testKey, EventEscalate, "")
	require.NoError(t, err)

	sess, err := s.Get(ctx, other)
	require.NoError(t, err)
	assert.False(t, sess.EscalatedToHuman)
}

func TestStore_ConcurrentPatchesDoNotLoseFields(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(kv, zap.NewNop())

			var wg sync.WaitGroup
			errs := make(chan error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				category := models.CategoryFAQ
				_, err := s.Set(ctx, testKey, Patch{TopicCategory: &category})
				errs <- err
			}()
			go func() {
				defer wg.Done()
				product := "widget"
				_, err := s.Set(ctx, testKey, Patch{SelectedProduct: &product})
				errs <- err
			}()
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			sess, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, models.CategoryFAQ, sess.TopicCategory)
			assert.Equal(t, "widget", sess.SelectedProduct)
		})
	}
}
