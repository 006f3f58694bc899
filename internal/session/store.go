// Package session persists the routing state of each support conversation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/storage"
)

const keyPrefix = "session:"

// Key identifies one conversation. Personal conversations leave ThreadID
// empty.
type Key struct {
	UserID    string
	TenantID  string
	ChannelID string
	ThreadID  string
}

func (k Key) String() string {
	return strings.Join([]string{k.TenantID, k.ChannelID, k.ThreadID, k.UserID}, ":")
}

// Patch is a partial session update. Nil fields keep their persisted value.
type Patch struct {
	State            *models.SessionState
	TopicCategory    *models.Category
	SelectedProduct  *string
	EscalatedToHuman *bool
	LastActivityAt   *time.Time
}

func (p Patch) apply(s models.Session) models.Session {
	if p.State != nil {
		s.State = *p.State
	}
	if p.TopicCategory != nil {
		s.TopicCategory = *p.TopicCategory
	}
	if p.SelectedProduct != nil {
		s.SelectedProduct = *p.SelectedProduct
	}
	if p.EscalatedToHuman != nil {
		s.EscalatedToHuman = *p.EscalatedToHuman
	}
	if p.LastActivityAt != nil {
		s.LastActivityAt = *p.LastActivityAt
	}
	return s
}

// Store keeps one JSON session record per conversation key
type Store struct {
	kv     storage.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(kv storage.Store, logger *zap.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) recordKey(key Key) string {
	return keyPrefix + key.String()
}

// Get returns the persisted session or the default state when none exists
func (s *Store) Get(ctx context.Context, key Key) (models.Session, error) {
	raw, err := s.kv.Get(ctx, s.recordKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return models.DefaultSession(), nil
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	return s.decode(ctx, key, raw, true), nil
}

// Set merges patch onto the persisted session in one atomic update
func (s *Store) Set(ctx context.Context, key Key, patch Patch) (models.Session, error) {
	return s.update(ctx, key, func(current models.Session) (models.Session, error) {
		return patch.apply(current), nil
	})
}

// Apply runs a state transition atomically against the persisted session
func (s *Store) Apply(ctx context.Context, key Key, ev Event, arg string) (models.Session, error) {
	return s.update(ctx, key, func(current models.Session) (models.Session, error) {
		return Transition(current, ev, arg, s.now())
	})
}

// Touch records activity without changing the state
func (s *Store) Touch(ctx context.Context, key Key) error {
	now := s.now()
	_, err := s.Set(ctx, key, Patch{LastActivityAt: &now})
	return err
}

func (s *Store) Clear(ctx context.Context, key Key) error {
	if err := s.kv.Delete(ctx, s.recordKey(key)); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", key, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, key Key, fn func(models.Session) (models.Session, error)) (models.Session, error) {
	var result models.Session
	_, err := s.kv.Update(ctx, s.recordKey(key), func(current string, exists bool) (string, error) {
		sess := models.DefaultSession()
		if exists {
			sess = s.decode(ctx, key, current, false)
		}
		next, err := fn(sess)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("failed to marshal session: %w", err)
		}
		result = next
		return string(data), nil
	})
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to update session %s: %w", key, err)
	}
	return result, nil
}

// decode parses a stored record onto the default state. A record missing its
// state gets one derived from its fields. Only unparseable JSON is replaced by
// the default state; when discard is set it is also deleted from the store.
func (s *Store) decode(ctx context.Context, key Key, raw string, discard bool) models.Session {
	sess := models.DefaultSession()
	sess.State = ""
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.logger.Warn("Discarding unreadable session record",
			zap.String("key", key.String()),
			zap.Error(err))

		if discard {
			if err := s.kv.Delete(ctx, s.recordKey(key)); err != nil {
				s.logger.Warn("Failed to delete unreadable session record", zap.Error(err))
			}
		}
		return models.DefaultSession()
	}

	if !knownState(sess.State) {
		derived := inferState(sess)
		s.logger.Warn("Session record has no usable state, deriving it",
			zap.String("key", key.String()),
			zap.String("stored", string(sess.State)),
			zap.String("derived", string(derived)))
		sess.State = derived
	}
	return sess
}

func knownState(st models.SessionState) bool {
	switch st {
	case models.StateNew, models.StateCategorySelected, models.StateProductSelected,
		models.StateAIActive, models.StateEscalated:
		return true
	}
	return false
}

func inferState(sess models.Session) models.SessionState {
	if sess.EscalatedToHuman {
		return models.StateEscalated
	}
	return deepestState(sess)
}
