package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/path-worker/internal/gameapi"
)

// RefreshLeeway is how close to expiry an access token may get before it is refreshed
const RefreshLeeway = 30 * time.Second

// Authenticator is the subset of the game client used for credentials
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*gameapi.LoginResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*gameapi.RefreshResponse, error)
}

// Manager implements gameapi.TokenSource on top of a FileStore
type Manager struct {
	mu    sync.Mutex
	api   Authenticator
	store *FileStore
	now   func() time.Time
}

var _ gameapi.TokenSource = (*Manager)(nil)

// NewManager creates a token manager. api must not itself authenticate
// through this manager.
func NewManager(api Authenticator, store *FileStore) *Manager {
	return &Manager{api: api, store: store, now: time.Now}
}

// Login authenticates and persists the returned tokens
func (m *Manager) Login(ctx context.Context, email, password string) (*Tokens, error) {
	resp, err := m.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}

	t := Tokens{UserID: resp.ID, AccessToken: resp.JWT, RefreshToken: resp.RefreshToken}
	if err := m.store.Save(t); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", resp.ID).Msg("Logged in to game server")
	return &t, nil
}

// Logout forgets the stored tokens
func (m *Manager) Logout() error {
	return m.store.Clear()
}

// LoggedIn reports whether an access token is stored
func (m *Manager) LoggedIn() bool {
	t, err := m.store.Load()
	return err == nil && t != nil && t.AccessToken != ""
}

// AccessToken returns the current access token, refreshing it first when it
// is about to expire. No stored token yields an empty string.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.Load()
	if err != nil {
		return "", err
	}
	if t == nil || t.AccessToken == "" {
		return "", nil
	}

	if !NeedsRefresh(t.AccessToken, m.now(), RefreshLeeway) {
		return t.AccessToken, nil
	}
	if t.RefreshToken == "" {
		log.Warn().Msg("Access token is expiring and no refresh token is stored")
		return t.AccessToken, nil
	}

	resp, err := m.api.Refresh(ctx, t.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}

	refreshed := Tokens{UserID: t.UserID, AccessToken: resp.JWT, RefreshToken: resp.RefreshToken}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = t.RefreshToken
	}
	if err := m.store.Save(refreshed); err != nil {
		return "", err
	}

	log.Debug().Msg("Refreshed game server access token")
	return refreshed.AccessToken, nil
}

// NeedsRefresh reports whether the JWT expires within leeway of now. Tokens
// without a readable exp claim are used as-is.
func NeedsRefresh(token string, now time.Time, leeway time.Duration) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Add(leeway).Before(claims.ExpiresAt.Time)
}
