package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.URL = "https://farm.example.com/rest/v1"
	cfg.Remote.APIKey = "super-secret"
	cfg.API.AllowOrigins = []string{"http://a", "http://b"}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, &buf))

	out := buf.String()
	for _, section := range []string{"[remote]", "[sync]", "[storage]", "[api]", "[logging]", "[network]"} {
		assert.Contains(t, out, section)
	}

	assert.Contains(t, out, `"https://farm.example.com/rest/v1"`)
	assert.Contains(t, out, Redacted)
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, `allow_origins = ["http://a", "http://b"]`)
	assert.Contains(t, out, `poll_interval      = "5m"`)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	assert.EqualError(t, RenderEffective(DefaultConfig(), failWriter{}), "disk full")
}
