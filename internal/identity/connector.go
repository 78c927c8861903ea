package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
)

const (
	loginPath         = "/v1/session/login"
	refreshPath       = "/v1/session/refresh"
	authRetryInterval = 30 * time.Second
	authMaxRetries    = 5
)

// Connector authenticates against an HTTP identity service and keeps the
// session alive. A successful login publishes logged_in with the user id the
// service assigned; a failed refresh publishes logged_out and re-enters the
// login loop.
type Connector struct {
	mu sync.RWMutex

	cfg    *config.Config
	bus    *events.EventBus
	client *http.Client

	userID       string
	sessionToken string
	loggedIn     bool
	lastAuthTime time.Time
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID       string `json:"user_id"`
	SessionToken string `json:"session_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// NewConnector creates an identity connector from cfg's idp settings.
func NewConnector(cfg *config.Config, bus *events.EventBus) *Connector {
	return &Connector{
		cfg: cfg,
		bus: bus,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// Start logs in and keeps the session refreshed until ctx is cancelled.
// Login failures are retried a few times before giving up; a session lost
// later drops back to the login loop.
func (c *Connector) Start(ctx context.Context) error {
	log.Info().Str("provider", c.baseURL()).Msg("connecting to identity service")

	for {
		select {
		case <-ctx.Done():
			c.logout(ctx)
			return nil
		default:
		}

		if err := c.loginWithRetries(ctx); err != nil {
			return err
		}

		if err := c.keepAlive(ctx); err != nil {
			return err
		}
		// Session was lost. Loop back to a fresh login.
	}
}

func (c *Connector) loginWithRetries(ctx context.Context) error {
	retries := 0
	for {
		err := c.authenticate(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		retries++
		if retries >= authMaxRetries {
			return fmt.Errorf("identity login failed after %d retries: %w", authMaxRetries, err)
		}
		log.Warn().Err(err).Int("retry", retries).Msg("identity login failed, retrying")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(authRetryInterval):
		}
	}
}

// keepAlive refreshes the session periodically. Returns nil when the
// session is lost (caller re-logins) and only errors on context teardown.
func (c *Connector) keepAlive(ctx context.Context) error {
	interval := time.Duration(c.cfg.GetMediatorData().RefreshIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logout(ctx)
			return fmt.Errorf("identity connector stopping: %w", ctx.Err())
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("session refresh failed, logging out")
				c.logout(ctx)
				return nil
			}
		}
	}
}

// authenticate performs one login round trip and publishes logged_in.
func (c *Connector) authenticate(ctx context.Context) error {
	mediatorData := c.cfg.GetMediatorData()

	payload, err := json.Marshal(loginRequest{
		Login:    mediatorData.Login,
		Password: mediatorData.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	resp, err := c.post(ctx, loginPath, payload, "")
	if err != nil {
		return err
	}

	var login loginResponse
	if err := json.Unmarshal(resp, &login); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}
	if login.UserID == "" {
		return fmt.Errorf("identity service returned no user id")
	}

	c.mu.Lock()
	c.userID = login.UserID
	c.sessionToken = login.SessionToken
	c.loggedIn = true
	c.lastAuthTime = time.Now()
	c.mu.Unlock()

	log.Info().
		Str("local_user", login.UserID).
		Int("expires_in", login.ExpiresIn).
		Msg("logged in to identity service")

	c.bus.Emit(ctx, events.Event{
		Type:    events.EventUserLoggedIn,
		Source:  "identity",
		Payload: events.IdentityPayload{LocalUserID: login.UserID},
	})
	return nil
}

// refresh extends the current session.
func (c *Connector) refresh(ctx context.Context) error {
	c.mu.RLock()
	token := c.sessionToken
	c.mu.RUnlock()

	if token == "" {
		return fmt.Errorf("no session to refresh")
	}

	resp, err := c.post(ctx, refreshPath, []byte(`{}`), token)
	if err != nil {
		return err
	}

	var login loginResponse
	if err := json.Unmarshal(resp, &login); err != nil {
		return fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if login.SessionToken != "" {
		c.mu.Lock()
		c.sessionToken = login.SessionToken
		c.lastAuthTime = time.Now()
		c.mu.Unlock()
	}
	return nil
}

// logout clears the session state and publishes logged_out once.
func (c *Connector) logout(ctx context.Context) {
	c.mu.Lock()
	wasLoggedIn := c.loggedIn
	userID := c.userID
	c.userID = ""
	c.sessionToken = ""
	c.loggedIn = false
	c.mu.Unlock()

	if !wasLoggedIn {
		return
	}

	log.Info().Str("local_user", userID).Msg("logged out of identity service")
	c.bus.Emit(context.Background(), events.Event{
		Type:    events.EventUserLoggedOut,
		Source:  "identity",
		Payload: events.IdentityPayload{LocalUserID: userID},
	})
}

func (c *Connector) post(ctx context.Context, path string, body []byte, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity service returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// baseURL returns the identity service base URL, defaulting the scheme and
// stripping trailing slashes.
func (c *Connector) baseURL() string {
	url := c.cfg.GetMediatorData().ProviderURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return strings.TrimRight(url, "/")
}

// LocalUserID implements Provider.
func (c *Connector) LocalUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loggedIn {
		return ""
	}
	return c.userID
}

// IsLoggedIn implements Provider.
func (c *Connector) IsLoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggedIn
}

// SessionToken returns the current session token, empty when logged out.
func (c *Connector) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}
