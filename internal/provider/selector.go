package provider

import (
	"errors"
	"fmt"

	"github.com/isabell-ah/satsjar/internal/domain"
)

var ErrFallbackDisabled = errors.New("provider fallback is disabled")

// Selector is resolved once at startup and never mutated. Switching the
// active provider is a redeploy, not a runtime operation.
type Selector struct {
	clients         map[domain.Provider]Client
	active          domain.Provider
	fallbackEnabled bool
}

type SelectorConfig struct {
	Active domain.Provider
	// FallbackEnabled lets invoice creation retry on the other provider
	// when the active one is unavailable. The funds then land in a
	// different wallet than the customer's usual one.
	FallbackEnabled bool
}

func NewSelector(cfg SelectorConfig, clients ...Client) (*Selector, error) {
	s := &Selector{
		clients:         make(map[domain.Provider]Client, len(clients)),
		active:          cfg.Active,
		fallbackEnabled: cfg.FallbackEnabled,
	}
	for _, c := range clients {
		if _, dup := s.clients[c.Kind()]; dup {
			return nil, fmt.Errorf("provider %s registered twice", c.Kind())
		}
		s.clients[c.Kind()] = c
	}
	if _, ok := s.clients[cfg.Active]; !ok {
		return nil, fmt.Errorf("active provider %q is not configured", cfg.Active)
	}
	return s, nil
}

func (s *Selector) ActiveKind() domain.Provider { return s.active }

// Active returns the client new invoices are minted with.
func (s *Selector) Active() Client { return s.clients[s.active] }

// Client returns the client for an already-issued invoice, independent of
// which provider is currently active.
func (s *Selector) Client(kind domain.Provider) (Client, error) {
	c, ok := s.clients[kind]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", kind)
	}
	return c, nil
}

func (s *Selector) FallbackEnabled() bool { return s.fallbackEnabled }

// Fallback returns the secondary client. It fails unless fallback was
// explicitly enabled and a second provider is configured.
func (s *Selector) Fallback() (Client, error) {
	if !s.fallbackEnabled {
		return nil, ErrFallbackDisabled
	}
	for _, kind := range domain.Providers {
		if kind == s.active {
			continue
		}
		if c, ok := s.clients[kind]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no secondary provider configured", ErrFallbackDisabled)
}
