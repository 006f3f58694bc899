package ranking

import (
	"strings"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

// AllProducts in Profile.Products makes a category match every product
const AllProducts = "*"

// Profile is the small keyword list a category is recognised by
type Profile struct {
	Keywords []string
	Products []string
}

func (p Profile) coversProduct(key string) bool {
	for _, k := range p.Products {
		if k == AllProducts || strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// DefaultProfiles returns the built-in keyword lists
func DefaultProfiles() map[models.Category]Profile {
	return map[models.Category]Profile{
		models.CategoryGettingStarted: {
			Keywords: []string{"start", "started", "setup", "set up", "install", "onboarding", "first steps", "begin", "tutorial"},
		},
		models.CategoryFAQ: {
			Keywords: []string{"faq", "question", "can i", "is it possible", "difference", "limit", "limits"},
		},
		models.CategoryTroubleshooting: {
			Keywords: []string{"error", "password", "reset", "broken", "not working", "crash", "fail", "failed", "bug", "issue", "problem", "login"},
		},
		models.CategoryAccount: {
			Keywords: []string{"account", "profile", "email", "username", "delete account", "two factor", "2fa", "settings"},
		},
		models.CategoryBilling: {
			Keywords: []string{"billing", "invoice", "payment", "refund", "price", "pricing", "subscription", "plan", "charge", "card"},
		},
		models.CategoryIntegrations: {
			Keywords: []string{"integration", "integrate", "api", "webhook", "plugin", "connect", "sync", "export", "import"},
		},
		models.CategoryProducts: {
			Keywords: []string{"feature", "features", "product", "version", "release"},
			Products: []string{AllProducts},
		},
	}
}

// MergeProfiles overlays configured keyword lists on the defaults.
// A configured category replaces the default list for that category.
func MergeProfiles(overrides map[models.Category]Profile) map[models.Category]Profile {
	profiles := DefaultProfiles()
	for c, p := range overrides {
		profiles[c] = p
	}
	return profiles
}
