// Package routing resolves a provider channel (the WhatsApp phone-number id)
// to the host that owns it.
package routing

import (
	"context"
	"errors"

	"github.com/airhost/airhost-gateway/internal/config"
	"github.com/airhost/airhost-gateway/internal/whatsapp"
)

// ErrRouteNotFound is returned when no route exists for a channel and no
// default route is configured.
var ErrRouteNotFound = errors.New("route not found")

// Route binds a channel to its tenant.
type Route struct {
	ChannelID        string `json:"channel_id" yaml:"channel_id"`
	HostID           string `json:"host_id" yaml:"host_id"`
	PropertyID       string `json:"property_id,omitempty" yaml:"property_id"`
	WelcomeEnabled   bool   `json:"welcome_enabled" yaml:"welcome_enabled"`
	WelcomeTemplate  string `json:"welcome_template,omitempty" yaml:"welcome_template"`
	TemplateLanguage string `json:"template_language,omitempty" yaml:"template_language"`
	AccessToken      string `json:"-" yaml:"access_token"`
	Instructions     string `json:"instructions,omitempty" yaml:"instructions"`
}

// Language is the template language to send the welcome message in.
func (r *Route) Language() string {
	return whatsapp.TemplateLanguage(r.Template(), r.TemplateLanguage)
}

// Template is the welcome template name, hello_world when unset.
func (r *Route) Template() string {
	if r.WelcomeTemplate == "" {
		return whatsapp.HelloWorldTemplate
	}
	return r.WelcomeTemplate
}

// Resolver looks up the route for a channel.
type Resolver interface {
	Resolve(ctx context.Context, channelID string) (*Route, error)
}

// Store is a writable route table.
type Store interface {
	Resolver
	Get(ctx context.Context, channelID string) (*Route, error)
	List(ctx context.Context) ([]*Route, error)
	Upsert(ctx context.Context, r *Route) error
	Close()
}

// DefaultFromConfig builds the fallback route. It returns nil when no default
// host is configured.
func DefaultFromConfig(d config.DefaultRoute) *Route {
	if d.HostID == "" {
		return nil
	}
	return &Route{
		HostID:           d.HostID,
		PropertyID:       d.PropertyID,
		WelcomeEnabled:   d.WelcomeEnabled,
		WelcomeTemplate:  d.WelcomeTemplate,
		TemplateLanguage: d.TemplateLanguage,
		Instructions:     d.Instructions,
	}
}

// fallback returns a copy of def bound to channelID, or ErrRouteNotFound.
func fallback(def *Route, channelID string) (*Route, error) {
	if def == nil {
		return nil, ErrRouteNotFound
	}
	r := *def
	r.ChannelID = channelID
	return &r, nil
}
