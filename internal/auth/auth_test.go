package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/path-worker/internal/gameapi"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

type fakeAuthAPI struct {
	refreshCalls int
	refreshErr   error
	refreshResp  *gameapi.RefreshResponse
	gotRefresh   string
}

func (f *fakeAuthAPI) Login(_ context.Context, email, _ string) (*gameapi.LoginResponse, error) {
	return &gameapi.LoginResponse{ID: email, JWT: "access", RefreshToken: "refresh"}, nil
}

func (f *fakeAuthAPI) Refresh(_ context.Context, refreshToken string) (*gameapi.RefreshResponse, error) {
	f.refreshCalls++
	f.gotRefresh = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshResp, nil
}

func TestFileStore_SaveLoadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	s := NewFileStore(path)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, s.Save(Tokens{UserID: "u1", AccessToken: "a", RefreshToken: "r"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// a fresh store reads what was persisted
	loaded, err = NewFileStore(path).Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "a", loaded.AccessToken)
	assert.Equal(t, "r", loaded.RefreshToken)

	require.NoError(t, s.Clear())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, s.Clear())
}

func TestFileStore_InMemory(t *testing.T) {
	s := NewFileStore("")
	require.NoError(t, s.Save(Tokens{AccessToken: "a"}))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.AccessToken)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}

func TestNeedsRefresh(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected bool
	}{
		{"expires in an hour", signedToken(t, fixedNow.Add(time.Hour)), false},
		{"expires in 10 seconds", signedToken(t, fixedNow.Add(10*time.Second)), true},
		{"already expired", signedToken(t, fixedNow.Add(-time.Minute)), true},
		{"not a jwt", "opaque-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NeedsRefresh(tt.token, fixedNow, RefreshLeeway))
		})
	}
}

func TestManager_NoTokens(t *testing.T) {
	m := NewManager(&fakeAuthAPI{}, NewFileStore(""))

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.False(t, m.LoggedIn())
}

func TestManager_Login(t *testing.T) {
	store := NewFileStore("")
	m := NewManager(&fakeAuthAPI{}, store)

	tokens, err := m.Login(context.Background(), "user@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "access", tokens.AccessToken)
	assert.True(t, m.LoggedIn())

	require.NoError(t, m.Logout())
	assert.False(t, m.LoggedIn())
}

func TestManager_ValidTokenIsNotRefreshed(t *testing.T) {
	api := &fakeAuthAPI{}
	store := NewFileStore("")
	valid := signedToken(t, fixedNow.Add(time.Hour))
	require.NoError(t, store.Save(Tokens{AccessToken: valid, RefreshToken: "r"}))

	m := NewManager(api, store)
	m.now = func() time.Time { return fixedNow }

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, valid, token)
	assert.Zero(t, api.refreshCalls)
}

func TestManager_RefreshesExpiringToken(t *testing.T) {
	api := &fakeAuthAPI{refreshResp: &gameapi.RefreshResponse{JWT: "new-access", RefreshToken: "new-refresh"}}
	store := NewFileStore("")
	require.NoError(t, store.Save(Tokens{
		UserID:       "u1",
		AccessToken:  signedToken(t, fixedNow.Add(5*time.Second)),
		RefreshToken: "old-refresh",
	}))

	m := NewManager(api, store)
	m.now = func() time.Time { return fixedNow }

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, "old-refresh", api.gotRefresh)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
	assert.Equal(t, "u1", stored.UserID)
}

func TestManager_RefreshFailure(t *testing.T) {
	api := &fakeAuthAPI{refreshErr: errors.New("refresh token revoked")}
	store := NewFileStore("")
	require.NoError(t, store.Save(Tokens{
		AccessToken:  signedToken(t, fixedNow.Add(-time.Minute)),
		RefreshToken: "r",
	}))

	m := NewManager(api, store)
	m.now = func() time.Time { return fixedNow }

	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")
}
