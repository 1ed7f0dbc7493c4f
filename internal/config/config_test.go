package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
  forwardHeaders: [Authorization]
graphql:
  staleFallback: false
transport:
  kind: nats
  timeout: 500ms
discovery:
  kind: nats
pubsub:
  nats: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "/graphql", cfg.Server.Path)
	require.Equal(t, []string{"Authorization"}, cfg.Server.ForwardHeaders)
	require.False(t, cfg.GraphQL.StaleFallback)
	require.Equal(t, 8, cfg.GraphQL.LoaderConcurrency)
	require.Equal(t, 500*time.Millisecond, cfg.Transport.Timeout)
	require.Equal(t, "nats", cfg.Discovery.Kind)
	require.True(t, cfg.UsesNATS())
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.GraphQL.StaleFallback)
	require.False(t, cfg.UsesNATS())
}

func TestValidate(t *testing.T) {
	for name, doc := range map[string]string{
		"transport": "transport: {kind: carrier-pigeon}",
		"discovery": "discovery: {kind: dns}",
		"dir":       "discovery: {dir: ''}",
		"path":      "server: {path: graphql}",
		"yaml":      "server: [",
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			require.Error(t, Parse([]byte(doc), &cfg))
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
