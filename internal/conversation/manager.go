// Package conversation keeps the rolling, token-budgeted message history
// sent to the AI for each conversation.
package conversation

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

var ErrNotInitialized = errors.New("conversation context not initialized")

// Scope selects which identifier space a key lives in
type Scope int

const (
	// ScopeThread keys memory by user, parent scope and sub scope
	ScopeThread Scope = iota
	// ScopePersonal keys memory by user alone, shared across channels
	ScopePersonal
)

// Key identifies one conversation context
type Key string

// KeyFor builds a key in the given scope. Parent and sub scope are ignored
// for personal memory.
func KeyFor(scope Scope, userID, parentScope, subScope string) Key {
	if scope == ScopePersonal {
		return Key("personal:" + userID)
	}
	return Key(strings.Join([]string{"thread", userID, parentScope, subScope}, ":"))
}

type Config struct {
	TokenBudget int
	Window      int
	IdleTTL     time.Duration
}

type entry struct {
	messages []models.Message
	tokens   int
}

// Manager owns every conversation context. Contexts expire after IdleTTL
// without activity, independently of session state.
type Manager struct {
	config Config
	mu     sync.Mutex
	cache  *cache.Cache
	logger *zap.Logger
}

func NewManager(config Config, logger *zap.Logger) *Manager {
	if config.TokenBudget <= 0 {
		config.TokenBudget = 3000
	}
	if config.Window <= 0 {
		config.Window = 10
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 24 * time.Hour
	}
	cleanup := config.IdleTTL / 4
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &Manager{
		config: config,
		cache:  cache.New(config.IdleTTL, cleanup),
		logger: logger,
	}
}

func (m *Manager) load(key Key) (*entry, bool) {
	if x, found := m.cache.Get(string(key)); found {
		return x.(*entry), true
	}
	return nil, false
}

func (m *Manager) save(key Key, c *entry) {
	m.cache.Set(string(key), c, cache.DefaultExpiration)
}

// Initialize creates the context with its system prompt. It does nothing
// when the context already exists.
func (m *Manager) Initialize(key Key, systemPrompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.load(key); found {
		return
	}
	m.save(key, newContext(systemPrompt))
}

// SetSystemPrompt replaces message 0, creating the context when missing
func (m *Manager) SetSystemPrompt(key Key, systemPrompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, found := m.load(key)
	if !found {
		m.save(key, newContext(systemPrompt))
		return
	}
	c.messages[0].Content = systemPrompt
	c.tokens = estimate(c.messages)
	m.truncate(key, c)
	m.save(key, c)
}

func (m *Manager) AppendUser(key Key, text string) error {
	return m.append(key, models.RoleUser, text)
}

func (m *Manager) AppendAssistant(key Key, text string) error {
	return m.append(key, models.RoleAssistant, text)
}

func (m *Manager) append(key Key, role models.Role, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, found := m.load(key)
	if !found {
		return ErrNotInitialized
	}
	c.messages = append(c.messages, models.Message{Role: role, Content: text})
	c.tokens = estimate(c.messages)
	m.truncate(key, c)
	m.save(key, c)
	return nil
}

// truncate keeps the system message and the last Window messages once the
// context is over budget. Nothing is summarized or reordered.
func (m *Manager) truncate(key Key, c *entry) {
	if c.tokens <= m.config.TokenBudget {
		return
	}
	rest := c.messages[1:]
	if len(rest) <= m.config.Window {
		return
	}

	kept := make([]models.Message, 0, m.config.Window+1)
	kept = append(kept, c.messages[0])
	kept = append(kept, rest[len(rest)-m.config.Window:]...)

	m.logger.Debug("Truncated conversation context",
		zap.String("key", string(key)),
		zap.Int("dropped", len(c.messages)-len(kept)),
		zap.Int("tokens_before", c.tokens))

	c.messages = kept
	c.tokens = estimate(kept)
}

// History returns a copy of the context's messages, system message first
func (m *Manager) History(key Key) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, found := m.load(key)
	if !found {
		return nil, ErrNotInitialized
	}
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out, nil
}

// Tokens returns the current token estimate of a context
func (m *Manager) Tokens(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, found := m.load(key); found {
		return c.tokens
	}
	return 0
}

func (m *Manager) Clear(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(string(key))
}

func newContext(systemPrompt string) *entry {
	msgs := []models.Message{{Role: models.RoleSystem, Content: systemPrompt}}
	return &entry{messages: msgs, tokens: estimate(msgs)}
}

// estimate applies ceil(chars/4) to the concatenation of all bodies
func estimate(msgs []models.Message) int {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(msg.Content)
	}
	return models.EstimateTokens(b.String())
}
