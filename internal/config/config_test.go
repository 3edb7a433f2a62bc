package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flasharr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
credentials:
  - id: acc-1
    base_url: https://host.example/api
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, 1, cfg.MinSegments)
	require.Equal(t, 16, cfg.MaxSegments)
	require.Equal(t, int64(16*1024*1024), cfg.SegmentThresholdByte)
	require.True(t, cfg.DedupSubmissions)
	require.Len(t, cfg.Credentials, 1)
	require.Equal(t, 4, cfg.Credentials[0].MaxConnection)
	require.Equal(t, 1, cfg.Credentials[0].Priority)
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	path := writeConfig(t, "port: \"9000\"\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadClampsSegmentRange(t *testing.T) {
	path := writeConfig(t, `
credentials:
  - id: acc-1
    base_url: https://host.example/api
min_segments: 8
max_segments: 4
segments_per_download: 20
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8, cfg.MinSegments)
	require.Equal(t, 8, cfg.MaxSegments)
	require.Equal(t, 8, cfg.SegmentsPerDownload)
}
