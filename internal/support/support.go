// Package support routes inbound chat messages through session state,
// content retrieval and the AI capability.
package support

import (
	"context"
	"errors"

	"github.com/xaenox/helpdesk-bot/internal/content"
	"github.com/xaenox/helpdesk-bot/internal/models"
	"github.com/xaenox/helpdesk-bot/internal/session"
)

var (
	ErrUnknownSelection = errors.New("unknown selection")
	// ErrOutOfScope is returned for commands from a chat the bot does not serve
	ErrOutOfScope = errors.New("conversation out of scope")
)

// OutcomeKind tells the chat adapter what happened to a message
type OutcomeKind string

const (
	OutcomeAnswered          OutcomeKind = "answered"
	OutcomeLowConfidence     OutcomeKind = "low_confidence"
	OutcomeIgnored           OutcomeKind = "ignored"
	OutcomeOutOfScope        OutcomeKind = "out_of_scope"
	OutcomeSelectionRequired OutcomeKind = "selection_required"
	OutcomeEscalated         OutcomeKind = "escalated"
	OutcomeResumed           OutcomeKind = "resumed"
	OutcomeDegraded          OutcomeKind = "degraded"
)

// Silent reports whether the adapter should send nothing back
func (k OutcomeKind) Silent() bool {
	return k == OutcomeIgnored || k == OutcomeOutOfScope
}

// InboundMessage is everything the engine needs from a chat platform.
// ThreadID is empty for personal conversations.
type InboundMessage struct {
	UserID    string
	TenantID  string
	ChannelID string
	ThreadID  string
	Text      string
}

// SessionKey identifies the conversation a command applies to
type SessionKey = session.Key

// Key returns the session key of the message's conversation
func (m InboundMessage) Key() SessionKey {
	return SessionKey{
		UserID:    m.UserID,
		TenantID:  m.TenantID,
		ChannelID: m.ChannelID,
		ThreadID:  m.ThreadID,
	}
}

// Option is one choice of a selection prompt
type Option struct {
	Key   string
	Label string
}

// Prompt is a message with optional choices for the user
type Prompt struct {
	Text    string
	Options []Option
}

// Outcome is the result of handling one inbound message or command
type Outcome struct {
	Kind       OutcomeKind
	Reply      string
	Prompt     *Prompt
	Confidence float64
	Categories []models.Category
	RequestID  string
}

// Corpus is the read side of the help content cache plus its admin hooks
type Corpus interface {
	Snapshot() (*models.Snapshot, error)
	Status() content.Status
	Refresh(ctx context.Context) error
}

type Messages struct {
	TopicPrompt      string
	ProductPrompt    string
	ProductSelected  string
	Handoff          string
	Resumed          string
	LowConfidence    string
	Degraded         string
	NoActiveHandoff  string
	CategorySelected string
}

func DefaultMessages() Messages {
	return Messages{
		TopicPrompt:      "What do you need help with? Pick a topic.",
		ProductPrompt:    "Which product is this about?",
		ProductSelected:  "Got it, %s. Ask your question.",
		Handoff:          "I've passed your conversation to our support team. A human agent will reply here.",
		Resumed:          "The assistant is back. Ask your question.",
		LowConfidence:    "I'm not sure about this one. Try rephrasing, or type /human to reach our support team.",
		Degraded:         "Support is temporarily unavailable. Please try again in a few minutes.",
		NoActiveHandoff:  "This conversation is not with a human agent.",
		CategorySelected: "Topic: %s.",
	}
}

// DefaultEscalationPhrases are multi-word so ordinary wording such as
// "human-readable" does not end the automated conversation
func DefaultEscalationPhrases() []string {
	return []string{
		"talk to a human",
		"speak to a human",
		"human agent",
		"real person",
		"live agent",
		"talk to support",
	}
}

type Config struct {
	ConfidenceThreshold float64
	ContentTokenBudget  int
	EscalationPhrases   []string
	Products            []models.Product
	Messages            Messages

	// RestrictDirectMessages limits personal conversations to registered
	// channels. By default they are served for the whole tenant.
	RestrictDirectMessages bool
}

func (c *Config) defaults() {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.ContentTokenBudget <= 0 {
		c.ContentTokenBudget = 2000
	}
	if len(c.EscalationPhrases) == 0 {
		c.EscalationPhrases = DefaultEscalationPhrases()
	}

	d := DefaultMessages()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&c.Messages.TopicPrompt, d.TopicPrompt)
	fill(&c.Messages.ProductPrompt, d.ProductPrompt)
	fill(&c.Messages.ProductSelected, d.ProductSelected)
	fill(&c.Messages.Handoff, d.Handoff)
	fill(&c.Messages.Resumed, d.Resumed)
	fill(&c.Messages.LowConfidence, d.LowConfidence)
	fill(&c.Messages.Degraded, d.Degraded)
	fill(&c.Messages.NoActiveHandoff, d.NoActiveHandoff)
	fill(&c.Messages.CategorySelected, d.CategorySelected)
}

func (c Config) product(key string) (models.Product, bool) {
	for _, p := range c.Products {
		if p.Key == key {
			return p, true
		}
	}
	return models.Product{}, false
}
