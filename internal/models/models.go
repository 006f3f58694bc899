package models

import (
	"time"
	"unicode/utf8"
)

// Role tags a message in a conversation context
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a conversation context
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SessionState is the position of a conversation in the support flow
type SessionState string

const (
	StateNew              SessionState = "NEW"
	StateCategorySelected SessionState = "CATEGORY_SELECTED"
	StateProductSelected  SessionState = "PRODUCT_SELECTED"
	StateAIActive         SessionState = "AI_ACTIVE"
	StateEscalated        SessionState = "ESCALATED"
)

// Session is the persisted routing state of one (user, scope) conversation
type Session struct {
	State            SessionState `json:"state"`
	TopicCategory    Category     `json:"topic_category,omitempty"`
	SelectedProduct  string       `json:"selected_product,omitempty"`
	EscalatedToHuman bool         `json:"escalated_to_human"`
	LastActivityAt   time.Time    `json:"last_activity_at"`
}

// DefaultSession returns the state of a conversation nobody has touched yet
func DefaultSession() Session {
	return Session{State: StateNew}
}

// CanAnswer reports whether automated answers may be produced for the session
func (s Session) CanAnswer() bool {
	return !s.EscalatedToHuman && s.SelectedProduct != ""
}

// EstimateTokens approximates the token count of text as ceil(runes/4)
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
