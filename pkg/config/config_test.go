package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mpedm/pkg/gpu"
)

var envVars = []string{
	"MPEDM_TAU", "MPEDM_EMAX", "MPEDM_TP", "MPEDM_KERNEL", "MPEDM_MIN_WEIGHT",
	"MPEDM_WORKERS", "MPEDM_THREADS",
	"MPEDM_INPUT", "MPEDM_DATASET", "MPEDM_SHEET",
	"MPEDM_S3_REGION", "MPEDM_S3_ENDPOINT", "MPEDM_S3_PATH_STYLE",
	"MPEDM_S3_ACCESS_KEY_ID", "MPEDM_S3_SECRET_ACCESS_KEY",
	"MPEDM_OUTPUT", "MPEDM_OUTPUT_FORMAT", "MPEDM_HALF_PRECISION",
	"MPEDM_LISTEN", "MPEDM_MASTER", "MPEDM_CHUNK_SIZE", "MPEDM_LOCAL_WORKERS",
	"MPEDM_GPU_BACKEND", "MPEDM_GPU_ENABLED", "MPEDM_GPU_DEVICE",
	"MPEDM_GPU_HOST_DEVICES", "MPEDM_GPU_MAX_MEMORY_MB", "MPEDM_GPU_FALLBACK",
	"MPEDM_LOG_LEVEL", "MPEDM_LOG_FORMAT", "MPEDM_METRICS_ENABLED",
}

// clearEnvVars unsets every MPEDM_ variable for the test and restores
// them afterwards, including values a .env file loads.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnvVars(t)
	t.Chdir(t.TempDir())

	cfg := LoadFromEnv()

	if cfg.Analysis.Tau != 1 {
		t.Errorf("expected tau 1, got %d", cfg.Analysis.Tau)
	}
	if cfg.Analysis.MaxE != 20 {
		t.Errorf("expected emax 20, got %d", cfg.Analysis.MaxE)
	}
	if cfg.Analysis.Tp != 1 {
		t.Errorf("expected Tp 1, got %d", cfg.Analysis.Tp)
	}
	if cfg.Analysis.Kernel != "cpu" {
		t.Errorf("expected kernel cpu, got %q", cfg.Analysis.Kernel)
	}
	assert.Equal(t, "/values", cfg.Input.Dataset)
	assert.Equal(t, FormatBadger, cfg.Output.Format)
	assert.Equal(t, ":7700", cfg.Cluster.Listen)
	assert.Equal(t, 1, cfg.Cluster.ChunkSize)
	assert.False(t, cfg.GPU.Enabled)
	assert.Equal(t, -1, cfg.GPU.DeviceID)
	assert.True(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_CustomValues(t *testing.T) {
	clearEnvVars(t)
	t.Chdir(t.TempDir())
	t.Setenv("MPEDM_TAU", "3")
	t.Setenv("MPEDM_EMAX", "12")
	t.Setenv("MPEDM_KERNEL", "multigpu")
	t.Setenv("MPEDM_MIN_WEIGHT", "0.001")
	t.Setenv("MPEDM_OUTPUT", "/tmp/out.db")
	t.Setenv("MPEDM_OUTPUT_FORMAT", "sqlite")
	t.Setenv("MPEDM_HALF_PRECISION", "yes")
	t.Setenv("MPEDM_CHUNK_SIZE", "8")
	t.Setenv("MPEDM_GPU_BACKEND", "host")
	t.Setenv("MPEDM_GPU_HOST_DEVICES", "4")
	t.Setenv("MPEDM_METRICS_ENABLED", "false")

	cfg := LoadFromEnv()

	assert.Equal(t, 3, cfg.Analysis.Tau)
	assert.Equal(t, 12, cfg.Analysis.MaxE)
	assert.Equal(t, "multigpu", cfg.Analysis.Kernel)
	assert.InDelta(t, 0.001, cfg.Analysis.MinWeight, 1e-12)
	assert.Equal(t, "/tmp/out.db", cfg.Output.Path)
	assert.Equal(t, FormatSQLite, cfg.Output.Format)
	assert.True(t, cfg.Output.HalfPrecision)
	assert.Equal(t, 8, cfg.Cluster.ChunkSize)
	assert.True(t, cfg.GPU.Enabled)
	assert.Equal(t, gpu.BackendHost, cfg.GPU.PreferredBackend)
	assert.Equal(t, 4, cfg.GPU.HostDevices)
	assert.False(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_BadNumbersKeepDefaults(t *testing.T) {
	clearEnvVars(t)
	t.Chdir(t.TempDir())
	t.Setenv("MPEDM_TAU", "two")
	t.Setenv("MPEDM_MIN_WEIGHT", "tiny")

	cfg := LoadFromEnv()
	assert.Equal(t, 1, cfg.Analysis.Tau)
	assert.InDelta(t, 1e-6, cfg.Analysis.MinWeight, 1e-12)
}

func TestLoadFromEnv_DotEnv(t *testing.T) {
	clearEnvVars(t)
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MPEDM_EMAX=7\nMPEDM_TAU=2\n"), 0o644))
	// Variables already set win over the file.
	t.Setenv("MPEDM_TAU", "5")

	cfg := LoadFromEnv()
	assert.Equal(t, 7, cfg.Analysis.MaxE)
	assert.Equal(t, 5, cfg.Analysis.Tau)
}

func TestLoadFromFile(t *testing.T) {
	clearEnvVars(t)
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "mpedm.yaml")
	yaml := `
analysis:
  tau: 2
  emax: 9
  kernel: gpu
  workers: 3
input:
  path: s3://bucket/series.csv
  s3:
    region: eu-west-1
    use_path_style: true
output:
  path: ./results.db
  format: sqlite
cluster:
  master: ws://10.0.0.1:7700/ws
  chunk_size: 4
gpu:
  enabled: true
  backend: host
  host_devices: 2
  max_memory_mb: 512
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("MPEDM_EMAX", "11")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Analysis.Tau)
	assert.Equal(t, 11, cfg.Analysis.MaxE, "environment overrides the file")
	assert.Equal(t, "gpu", cfg.Analysis.Kernel)
	assert.Equal(t, 3, cfg.Analysis.Workers)
	assert.Equal(t, 1, cfg.Analysis.Tp, "untouched default")
	assert.Equal(t, "s3://bucket/series.csv", cfg.Input.Path)
	assert.Equal(t, "eu-west-1", cfg.Input.S3.Region)
	assert.True(t, cfg.Input.S3.UsePathStyle)
	assert.Equal(t, FormatSQLite, cfg.Output.Format)
	assert.Equal(t, "ws://10.0.0.1:7700/ws", cfg.Cluster.Master)
	assert.Equal(t, 4, cfg.Cluster.ChunkSize)
	assert.True(t, cfg.GPU.Enabled)
	assert.Equal(t, gpu.BackendHost, cfg.GPU.PreferredBackend)
	assert.Equal(t, 2, cfg.GPU.HostDevices)
	assert.Equal(t, 512, cfg.GPU.MaxMemoryMB)
	assert.Equal(t, -1, cfg.GPU.DeviceID, "gpu defaults survive a partial section")
	assert.False(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_Missing(t *testing.T) {
	clearEnvVars(t)
	t.Chdir(t.TempDir())
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Analysis.MaxE)

	cfg, err = LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Analysis.Tau)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	clearEnvVars(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("analysis: [1, 2"), 0o644))
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"tau zero", func(c *Config) { c.Analysis.Tau = 0 }, "invalid tau"},
		{"emax zero", func(c *Config) { c.Analysis.MaxE = 0 }, "invalid emax"},
		{"Tp zero", func(c *Config) { c.Analysis.Tp = 0 }, "invalid Tp"},
		{"unknown kernel", func(c *Config) { c.Analysis.Kernel = "tpu" }, "unknown kernel"},
		{"negative weight", func(c *Config) { c.Analysis.MinWeight = -1 }, "min weight"},
		{"negative workers", func(c *Config) { c.Analysis.Workers = -2 }, "worker counts"},
		{"bad format", func(c *Config) { c.Output.Format = "hdf5" }, "output format"},
		{"chunk zero", func(c *Config) { c.Cluster.ChunkSize = 0 }, "chunk size"},
		{"no local workers", func(c *Config) { c.Cluster.LocalWorkers = 0 }, "local worker"},
		{"bad backend", func(c *Config) { c.GPU.PreferredBackend = "cuda" }, "gpu backend"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := LoadDefaults()
	cfg.Input.Path = "data.csv"
	cfg.Input.S3.SecretAccessKey = "hunter2"

	s := cfg.String()
	assert.True(t, strings.HasPrefix(s, "Config{"))
	assert.Contains(t, s, "data.csv")
	assert.Contains(t, s, "MaxE: 20")
	assert.NotContains(t, s, "hunter2")
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	assert.Equal(t, "", FindConfigFile())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "mpedm.yaml"), []byte("analysis:\n  tau: 1\n"), 0o644))
	assert.Equal(t, "mpedm.yaml", FindConfigFile())
}
