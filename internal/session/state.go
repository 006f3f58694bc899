package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

// Event drives a session from one state to the next
type Event string

const (
	EventSelectCategory Event = "select_category"
	EventSelectProduct  Event = "select_product"
	EventActivate       Event = "activate"
	EventEscalate       Event = "escalate"
	EventResume         Event = "resume"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNoProduct         = errors.New("no product selected")
)

// Transition returns the session that results from applying ev to s.
// arg carries the category or product key for the selection events.
func Transition(s models.Session, ev Event, arg string, now time.Time) (models.Session, error) {
	switch ev {
	case EventSelectCategory:
		if s.State == models.StateEscalated {
			return s, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, ev, s.State)
		}
		c, err := models.ParseCategory(arg)
		if err != nil {
			return s, err
		}
		s.TopicCategory = c
		if s.State == models.StateNew {
			s.State = models.StateCategorySelected
		}

	case EventSelectProduct:
		if arg == "" {
			return s, ErrNoProduct
		}
		s.SelectedProduct = arg
		s.EscalatedToHuman = false
		s.State = models.StateProductSelected

	case EventActivate:
		if s.State == models.StateEscalated || s.EscalatedToHuman {
			return s, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, ev, s.State)
		}
		if s.SelectedProduct == "" {
			return s, ErrNoProduct
		}
		s.State = models.StateAIActive

	case EventEscalate:
		s.State = models.StateEscalated
		s.EscalatedToHuman = true

	case EventResume:
		if s.State != models.StateEscalated {
			return s, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, ev, s.State)
		}
		s.EscalatedToHuman = false
		s.State = deepestState(s)

	default:
		return s, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
	}

	s.LastActivityAt = now
	return s, nil
}

func deepestState(s models.Session) models.SessionState {
	switch {
	case s.SelectedProduct != "":
		return models.StateAIActive
	case s.TopicCategory != "":
		return models.StateCategorySelected
	default:
		return models.StateNew
	}
}
