// Package identity supplies the local user identity the mediator operates
// for. A provider announces login and logout transitions on the event bus;
// the mediator's Initialize/Terminate lifecycle is bound to those events at
// startup. Two providers exist: a static one for fixed deployments and
// tests, and an HTTP connector that authenticates against an identity
// service.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
)

// Provider is a source of the local user identity.
type Provider interface {
	// Start runs the provider until ctx is cancelled. Login and logout
	// transitions are published on the event bus.
	Start(ctx context.Context) error

	// LocalUserID returns the logged-in user id, or "" when logged out.
	LocalUserID() string

	// IsLoggedIn reports whether a local user is currently logged in.
	IsLoggedIn() bool
}

// StaticProvider serves a fixed user id from configuration. It logs in
// immediately on start and logs out when the context ends.
type StaticProvider struct {
	mu       sync.RWMutex
	cfg      *config.Config
	bus      *events.EventBus
	userID   string
	loggedIn bool
}

// NewStaticProvider creates a provider that serves cfg's static user id.
func NewStaticProvider(cfg *config.Config, bus *events.EventBus) *StaticProvider {
	return &StaticProvider{cfg: cfg, bus: bus}
}

// Start publishes the login immediately, then blocks until ctx is cancelled
// and publishes the logout.
func (p *StaticProvider) Start(ctx context.Context) error {
	userID := p.cfg.GetMediatorData().StaticUserID
	if userID == "" {
		return fmt.Errorf("static identity mode requires idp_static_user_id to be set")
	}

	p.mu.Lock()
	p.userID = userID
	p.loggedIn = true
	p.mu.Unlock()

	log.Info().Str("local_user", userID).Msg("static identity logged in")
	p.bus.Emit(ctx, events.Event{
		Type:    events.EventUserLoggedIn,
		Source:  "identity",
		Payload: events.IdentityPayload{LocalUserID: userID},
	})

	<-ctx.Done()

	p.mu.Lock()
	p.loggedIn = false
	p.mu.Unlock()

	p.bus.Emit(context.Background(), events.Event{
		Type:    events.EventUserLoggedOut,
		Source:  "identity",
		Payload: events.IdentityPayload{LocalUserID: userID},
	})
	return nil
}

// LocalUserID implements Provider.
func (p *StaticProvider) LocalUserID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.loggedIn {
		return ""
	}
	return p.userID
}

// IsLoggedIn implements Provider.
func (p *StaticProvider) IsLoggedIn() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loggedIn
}
