package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/epoch"
)

const sampleConfig = `
metrics:
  enabled: true
resources:
  - name: r0
    node_id: 0
    primary: true
    net:
      secret: woodpecker
      two_primaries: false
      after_sb_0pri: discard-zero-changes
    sync:
      rate: 80M
    volumes:
      - volume: 0
        device: /dev/vdb
        meta_dir: /var/lib/replimesh/r0
    peers:
      - node_id: 1
        local_addr: 10.0.0.1:7788
        peer_addr: 10.0.0.2:7788
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replimesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9742", cfg.Metrics.Listen)

	rc := cfg.Resources[0]
	assert.Equal(t, "C", rc.Net.Protocol)
	assert.Equal(t, "sha256", rc.Net.Algorithm)
	assert.Equal(t, "flush", rc.Ordering)
	assert.Equal(t, "discard-zero-changes", rc.Net.AfterSB0p)
	assert.Equal(t, "disconnect", rc.Net.AfterSB1p)
	assert.Equal(t, "10s", rc.Net.PingInt)
}

func TestOptionsTranslation(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	opts := cfg.Resources[0].Options()
	assert.True(t, opts.Primary)
	assert.Equal(t, uint32(3), opts.WireProtocol)
	assert.Equal(t, "woodpecker", opts.Secret)
	assert.Equal(t, epoch.OrderBdevFlush, opts.Ordering)
	assert.Equal(t, 10*time.Second, opts.PingInt)
	// 80M/s in KiB/s
	assert.Equal(t, uint32(80<<10), opts.ResyncRate)
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.Resources[0].Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Resources[0].Net.Protocol = "D" },
			wantErr: "invalid protocol",
		},
		{
			name:    "bad ordering",
			mutate:  func(c *Config) { c.Resources[0].Ordering = "fsync" },
			wantErr: "invalid ordering",
		},
		{
			name:    "bad policy",
			mutate:  func(c *Config) { c.Resources[0].Net.AfterSB0p = "panic" },
			wantErr: "unknown split-brain policy",
		},
		{
			name:    "self peer",
			mutate:  func(c *Config) { c.Resources[0].Peers[0].NodeID = 0 },
			wantErr: "collides with our own",
		},
		{
			name:    "bad peer address",
			mutate:  func(c *Config) { c.Resources[0].Peers[0].PeerAddr = "10.0.0.2" },
			wantErr: "invalid address",
		},
		{
			name:    "no volumes",
			mutate:  func(c *Config) { c.Resources[0].Volumes = nil },
			wantErr: "at least one volume",
		},
		{
			name: "duplicate resource",
			mutate: func(c *Config) {
				c.Resources = append(c.Resources, c.Resources[0])
			},
			wantErr: "configured twice",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleConfig))
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
