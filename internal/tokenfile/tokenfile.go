// Package tokenfile reads and writes the session token file: an OAuth2
// access token for the hosted backend plus cached account metadata (user id,
// email). The file is provisioned by the login flow; farmsync only reads it,
// re-reading when the cached token expires so an external refresher can
// rotate it in place.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// Errors returned by Source.
var (
	ErrNoToken = errors.New("tokenfile: no session token (log in first)")
	ErrExpired = errors.New("tokenfile: session token expired")
)

// File is the on-disk format for the session token.
type File struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Load reads a saved token file. Returns (nil, nil, nil) if the file does
// not exist.
func Load(path string) (*oauth2.Token, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil || tf.Token.AccessToken == "" {
		return nil, nil, fmt.Errorf("tokenfile: %s has no access token", path)
	}

	return tf.Token, tf.Meta, nil
}

// Save writes a token file atomically (write-to-temp + rename) with 0600
// permissions.
func Save(path string, tok *oauth2.Token, meta map[string]string) error {
	data, err := json.MarshalIndent(File{Token: tok, Meta: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Source is an oauth2.TokenSource that reads the token file on every call.
// Wrap it in oauth2.ReuseTokenSource to cache until expiry.
type Source struct {
	path    string
	mu      sync.Mutex
	nowFunc func() time.Time
}

// NewSource returns a Source for the token file at path.
func NewSource(path string) *Source {
	return &Source{path: path, nowFunc: time.Now}
}

// Token implements oauth2.TokenSource.
func (s *Source) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, _, err := Load(s.path)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, s.path)
	}

	if !tok.Expiry.IsZero() && !tok.Expiry.After(s.nowFunc()) {
		return nil, fmt.Errorf("%w at %s", ErrExpired, tok.Expiry.Format(time.RFC3339))
	}

	return tok, nil
}

// Cached returns a token source that re-reads path only when the previously
// loaded token has expired.
func Cached(path string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, NewSource(path))
}
