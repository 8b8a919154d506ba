package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadParsesServerAndClientSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sellia.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ExampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sellia.example.com", cfg.Server.BaseDomain)
	assert.True(t, cfg.Server.RequireAuth)
	assert.Equal(t, "your-master-key", cfg.Server.MasterKey)
	assert.True(t, cfg.Server.RateLimitEnabled)

	assert.Equal(t, "https://sellia.example.com", cfg.Client.Server)
	assert.Equal(t, "your-api-key", cfg.Client.APIKey)
	assert.Equal(t, "http://localhost:3000", cfg.Client.Target)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/sellia.yaml")
	assert.Error(t, err)
}

func TestServerConfigValidate(t *testing.T) {
	valid := ServerConfig{Port: 8080, PublicURL: "https://example.com"}
	assert.NoError(t, valid.Validate())

	bad := ServerConfig{Port: 70000}
	assert.Error(t, bad.Validate())

	mismatchedTLS := ServerConfig{TLSCert: "/tmp/cert.pem"}
	assert.Error(t, mismatchedTLS.Validate())

	requiresAuthWithoutKey := ServerConfig{RequireAuth: true}
	assert.Error(t, requiresAuthWithoutKey.Validate())

	requiresAuthWithKey := ServerConfig{RequireAuth: true, MasterKey: "k"}
	assert.NoError(t, requiresAuthWithKey.Validate())
}

func TestClientConfigValidate(t *testing.T) {
	valid := ClientConfig{Server: "https://example.com", Target: "http://localhost:3000"}
	assert.NoError(t, valid.Validate())

	badScheme := ClientConfig{Server: "ftp://example.com"}
	assert.Error(t, badScheme.Validate())

	badRoute := ClientConfig{Routes: []Route{{Pattern: "", Target: "http://localhost:3000"}}}
	assert.Error(t, badRoute.Validate())

	wildcardRoute := ClientConfig{Routes: []Route{{Pattern: "/api/*", Target: "http://localhost:3000"}}}
	assert.NoError(t, wildcardRoute.Validate())
}

func TestExampleConfigIsWellFormedYAML(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(ExampleConfig), &cfg))
}
