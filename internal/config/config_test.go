package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "flowscope.yaml")
	require.NoError(t, os.WriteFile(p, []byte("offline:\n  pcap_path: /tmp/x.pcap\n"), 0o644))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.pcap", cfg.Offline.PcapPath)
	assert.Equal(t, 100, cfg.Conntrack.MaxOutOfOrder)
	assert.Equal(t, 1000, cfg.Conntrack.TimeoutResolutionMs)
}

func TestValidateRequiresSource(t *testing.T) {
	cfg := &Config{}
	cfg.Conntrack.TimeoutResolutionMs = 1000
	cfg.Conntrack.TCPInactivityMs = 5000
	assert.Error(t, cfg.Validate())

	cfg.Offline.PcapPath = "/tmp/a.pcap"
	assert.NoError(t, cfg.Validate())

	cfg.Online.Interface = "eth0"
	assert.Error(t, cfg.Validate())
}
