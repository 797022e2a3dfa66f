package credstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

func testToken() gmailer.Token {
	return gmailer.Token{
		AccessToken:       "access",
		RefreshToken:      "refresh",
		Scope:             "https://www.googleapis.com/auth/gmail.send",
		TokenType:         "Bearer",
		ExpiryEpochMillis: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

type failingBackend struct {
	saves int
}

func (b *failingBackend) Name() string { return "failing" }

func (b *failingBackend) Load(context.Context) (gmailer.Token, error) {
	return gmailer.Token{}, errors.New("connection refused")
}

func (b *failingBackend) Save(context.Context, gmailer.Token) error {
	b.saves++
	return errors.New("disk full")
}

func TestStore_NoTokenIsAbsent(t *testing.T) {
	identity, err := LoadClientIdentity(IdentitySource{ClientID: "abc", ClientSecret: "xyz", RedirectURI: "https://x/cb"})
	require.NoError(t, err)
	require.Equal(t, "https://x/cb", identity.RedirectURI)

	store := New(NewFileBackend(filepath.Join(t.TempDir(), "token.json")))
	_, ok := store.LoadToken(context.Background())
	require.False(t, ok)
}

func TestStore_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	store := New(NewFileBackend(path))
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, testToken()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, ok := store.LoadToken(ctx)
	require.True(t, ok)
	require.Equal(t, testToken(), got)

	replaced := testToken()
	replaced.AccessToken = "access-2"
	replaced.RefreshToken = ""
	require.NoError(t, store.SaveToken(ctx, replaced))

	got, ok = store.LoadToken(ctx)
	require.True(t, ok)
	require.Equal(t, replaced, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")
}

func TestStore_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, New(NewFileBackend(path)).SaveToken(context.Background(), testToken()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"access_token": "access",
		"refresh_token": "refresh",
		"scope": "https://www.googleapis.com/auth/gmail.send",
		"token_type": "Bearer",
		"expiry_date": 1893456000000
	}`, string(data))
}

func TestStore_UnusableStateIsAbsent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed json", content: `{"access_token":`},
		{name: "partial token", content: `{"access_token":"a","token_type":"","scope":"s","expiry_date":1}`},
		{name: "empty object", content: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "token.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, ok := New(NewFileBackend(path)).LoadToken(context.Background())
			require.False(t, ok)
		})
	}

	t.Run("backend error", func(t *testing.T) {
		_, ok := New(&failingBackend{}).LoadToken(context.Background())
		require.False(t, ok)
	})
}

func TestStore_SaveRefusesPartialToken(t *testing.T) {
	mutations := map[string]func(*gmailer.Token){
		"empty access token": func(t *gmailer.Token) { t.AccessToken = "" },
		"empty token type":   func(t *gmailer.Token) { t.TokenType = "" },
		"empty scope":        func(t *gmailer.Token) { t.Scope = "" },
		"no expiry":          func(t *gmailer.Token) { t.ExpiryEpochMillis = 0 },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "token.json")
			store := New(NewFileBackend(path))
			ctx := context.Background()
			require.NoError(t, store.SaveToken(ctx, testToken()))

			bad := testToken()
			mutate(&bad)
			err := store.SaveToken(ctx, bad)
			reason, ok := gmailer.ReasonOf(err)
			require.True(t, ok)
			require.Equal(t, gmailer.REASON_PERSISTENCE, reason)

			got, ok := store.LoadToken(ctx)
			require.True(t, ok)
			require.Equal(t, testToken(), got, "previous token untouched")
		})
	}
}

func TestStore_SaveFailureIsPersistenceError(t *testing.T) {
	backend := &failingBackend{}
	err := New(backend).SaveToken(context.Background(), testToken())

	reason, ok := gmailer.ReasonOf(err)
	require.True(t, ok)
	require.Equal(t, gmailer.REASON_PERSISTENCE, reason)
	require.Equal(t, 1, backend.saves)
}

func TestEnvBackend(t *testing.T) {
	env := map[string]string{}
	b := NewEnvBackend("")
	b.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	store := New(b)
	ctx := context.Background()

	_, ok := store.LoadToken(ctx)
	require.False(t, ok)

	env[DefaultTokenEnv] = `{"access_token":"access","refresh_token":"refresh","scope":"https://www.googleapis.com/auth/gmail.send","token_type":"Bearer","expiry_date":1893456000000}`
	got, ok := store.LoadToken(ctx)
	require.True(t, ok)
	require.Equal(t, testToken(), got)

	err := store.SaveToken(ctx, testToken())
	require.ErrorIs(t, err, ErrReadOnly)
	reason, _ := gmailer.ReasonOf(err)
	require.Equal(t, gmailer.REASON_PERSISTENCE, reason)
}

func TestBstoreBackend(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBstoreBackend(ctx, filepath.Join(t.TempDir(), "tokens.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	store := New(b)

	_, ok := store.LoadToken(ctx)
	require.False(t, ok)

	require.NoError(t, store.SaveToken(ctx, testToken()))
	got, ok := store.LoadToken(ctx)
	require.True(t, ok)
	require.Equal(t, testToken(), got)

	replaced := testToken()
	replaced.AccessToken = "access-2"
	require.NoError(t, store.SaveToken(ctx, replaced))
	got, ok = store.LoadToken(ctx)
	require.True(t, ok)
	require.Equal(t, "access-2", got.AccessToken)
}

func TestBstoreBackend_RejectsPartialRecord(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBstoreBackend(ctx, filepath.Join(t.TempDir(), "tokens.db"), "k")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	bad := testToken()
	bad.AccessToken = ""
	require.Error(t, b.Save(ctx, bad))

	_, err = b.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)
}
