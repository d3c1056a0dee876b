package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoad_FileNotFound(t *testing.T) {
	tok, meta, err := Load("/nonexistent/path/session.json")
	assert.Nil(t, tok)
	assert.Nil(t, meta)
	assert.NoError(t, err)
}

func TestSaveLoad_RoundTripWithPerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	original := &oauth2.Token{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		TokenType:    "Bearer",
		Expiry:       time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, Save(path, original, map[string]string{"email": "kim@example.org"}))

	tok, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "access-123", tok.AccessToken)
	assert.True(t, tok.Expiry.Equal(original.Expiry))
	assert.Equal(t, "kim@example.org", meta["email"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_Malformed(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), FilePerms))

	_, _, err := Load(garbage)
	assert.ErrorContains(t, err, "decoding")

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"token":{}}`), FilePerms))

	_, _, err = Load(empty)
	assert.ErrorContains(t, err, "no access token")
}

func TestSource_MissingAndExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	src := NewSource(path)

	_, err := src.Token()
	require.ErrorIs(t, err, ErrNoToken)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.nowFunc = func() time.Time { return now }

	require.NoError(t, Save(path, &oauth2.Token{AccessToken: "old", Expiry: now.Add(-time.Minute)}, nil))

	_, err = src.Token()
	require.ErrorIs(t, err, ErrExpired)

	// Rotated in place by the login flow: picked up on the next call.
	require.NoError(t, Save(path, &oauth2.Token{AccessToken: "fresh", Expiry: now.Add(time.Hour)}, nil))

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
}

func TestCached_ReusesValidToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, Save(path, &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}, nil))

	src := Cached(path)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)

	// The cached token is still valid, so removing the file has no effect.
	require.NoError(t, os.Remove(path))

	tok, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
}
