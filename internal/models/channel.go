package models

import (
	"strings"
	"time"
)

// ChannelRegistration marks a chat channel of a tenant as served by the bot
type ChannelRegistration struct {
	TenantID          string    `json:"tenant_id"`
	ChannelID         string    `json:"channel_id"`
	DisplayName       string    `json:"display_name"`
	AllowedProducts   []string  `json:"allowed_products,omitempty"`
	SupplementalLinks []string  `json:"supplemental_links,omitempty"`
	AddedAt           time.Time `json:"added_at"`
	Active            bool      `json:"active"`
}

// AllowsProduct reports whether the channel serves the product.
// An empty allow-list serves every product.
func (r ChannelRegistration) AllowsProduct(key string) bool {
	if len(r.AllowedProducts) == 0 {
		return true
	}
	for _, p := range r.AllowedProducts {
		if strings.EqualFold(p, key) {
			return true
		}
	}
	return false
}

// Product is one entry of the configured product catalog
type Product struct {
	Key     string   `json:"key" mapstructure:"key"`
	Name    string   `json:"name" mapstructure:"name"`
	Aliases []string `json:"aliases,omitempty" mapstructure:"aliases"`
}

// Names returns the lower-cased name and aliases used to detect mentions
func (p Product) Names() []string {
	names := make([]string, 0, len(p.Aliases)+1)
	if p.Name != "" {
		names = append(names, strings.ToLower(p.Name))
	}
	for _, a := range p.Aliases {
		if a != "" {
			names = append(names, strings.ToLower(a))
		}
	}
	return names
}
