// Package orgconfig supplies the per-organization assistant configuration a
// call session needs: instructions, voice, greeting and fallback contact.
package orgconfig

import (
	"context"
	"errors"
	"fmt"
)

// Defaults applied to configurations that leave these fields empty.
const (
	DefaultVoice         = "alloy"
	DefaultAssistantName = "Clara"
)

// ErrNotFound is returned when the organization has no assistant configured.
var ErrNotFound = errors.New("orgconfig: organization not found")

// Config is the assistant configuration for one organization. Instructions is
// an opaque prompt produced upstream.
type Config struct {
	OrganizationID   string `json:"organization_id" yaml:"organization_id"`
	OrganizationName string `json:"organization_name" yaml:"organization_name"`
	AssistantName    string `json:"assistant_name" yaml:"assistant_name"`
	Voice            string `json:"voice" yaml:"voice"`
	Instructions     string `json:"instructions" yaml:"instructions"`
	Greeting         string `json:"greeting" yaml:"greeting"`
	FallbackNumber   string `json:"fallback_number" yaml:"fallback_number"`
	// PhoneNumber is the inbound number routed to this organization.
	PhoneNumber string `json:"phone_number,omitempty" yaml:"phone_number,omitempty"`
}

// WithDefaults returns c with empty voice and assistant name filled in.
func (c Config) WithDefaults() Config {
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.AssistantName == "" {
		c.AssistantName = DefaultAssistantName
	}
	return c
}

// DefaultGreeting is spoken when the organization has no greeting configured.
func (c Config) DefaultGreeting() string {
	if c.Greeting != "" {
		return c.Greeting
	}
	if c.OrganizationName == "" {
		return "Hello"
	}
	return fmt.Sprintf("Thank you for calling %s. How can I help you today?", c.OrganizationName)
}

// Provider fetches configurations.
type Provider interface {
	// Get returns the configuration for orgID or ErrNotFound.
	Get(ctx context.Context, orgID string) (Config, error)
	// LookupByNumber returns the configuration of the organization that owns
	// the dialed number or ErrNotFound.
	LookupByNumber(ctx context.Context, number string) (Config, error)
}
