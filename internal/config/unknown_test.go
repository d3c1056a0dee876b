package config

import (
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeUnknown(t *testing.T, content string) error {
	t.Helper()

	md, err := toml.Decode(content, DefaultConfig())
	require.NoError(t, err)

	return checkUnknownKeys(&md)
}

func TestCheckUnknownKeys_NoneUnknown(t *testing.T) {
	assert.NoError(t, decodeUnknown(t, "[api]\nenabled = true\n"))
}

func TestCheckUnknownKeys_UnknownTableSuggestsOnce(t *testing.T) {
	err := decodeUnknown(t, "[remot]\nurl = \"https://x\"\napi_key = \"k\"\n")
	require.Error(t, err)

	assert.Contains(t, err.Error(), `unknown config table "remot", did you mean "remote"?`)
	assert.Equal(t, 1, countLines(err.Error()), "keys under an unknown table are not reported separately")
}

func TestCheckUnknownKeys_NoSuggestionWhenFar(t *testing.T) {
	err := decodeUnknown(t, "[sync]\nzzzzzzzzzz = 1\n")
	require.Error(t, err)
	assert.Equal(t, `unknown config key "sync.zzzzzzzzzz"`, err.Error())
}

func TestCheckUnknownKeys_TopLevelKey(t *testing.T) {
	err := decodeUnknown(t, "urll = \"x\"\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config table "urll"`)
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"listen", "listen", 0},
		{"listn", "listen", 1},
		{"kitten", "sitting", 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func countLines(s string) int {
	n := 1

	for _, r := range s {
		if r == '\n' {
			n++
		}
	}

	return n
}
