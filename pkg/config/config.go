// Package config handles mpedm configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--tau, --emax, --kernel, etc.)
//  2. Environment variables (MPEDM_*)
//  3. Config file (mpedm.yaml)
//  4. Built-in defaults
//
// A .env file in the working directory is loaded into the environment
// first; variables already set win over it.
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Printf("E up to %d, tau %d\n", cfg.Analysis.MaxE, cfg.Analysis.Tau)
//
// Environment Variables (all use MPEDM_ prefix):
//
// Analysis:
//   - MPEDM_TAU=1
//   - MPEDM_EMAX=20
//   - MPEDM_TP=1
//   - MPEDM_KERNEL="cpu" | "gpu" | "multigpu"
//   - MPEDM_MIN_WEIGHT=1e-6
//   - MPEDM_WORKERS=0 (columns in flight, 0 = NumCPU)
//
// Input/Output:
//   - MPEDM_INPUT, MPEDM_DATASET, MPEDM_SHEET
//   - MPEDM_OUTPUT, MPEDM_OUTPUT_FORMAT="badger" | "sqlite", MPEDM_HALF_PRECISION
//   - MPEDM_S3_REGION, MPEDM_S3_ENDPOINT, MPEDM_S3_PATH_STYLE
//
// Cluster:
//   - MPEDM_LISTEN=":7700", MPEDM_MASTER="ws://host:7700/ws"
//   - MPEDM_CHUNK_SIZE=1, MPEDM_LOCAL_WORKERS=4
//
// Accelerators:
//   - MPEDM_GPU_BACKEND="vulkan" | "host" | "none"
//   - MPEDM_GPU_DEVICE=-1, MPEDM_GPU_HOST_DEVICES=1, MPEDM_GPU_MAX_MEMORY_MB=0
//
// Logging:
//   - MPEDM_LOG_LEVEL="info"
//   - MPEDM_LOG_FORMAT="auto" | "text" | "json"
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/mpedm/pkg/gpu"
	"github.com/orneryd/mpedm/pkg/knn"
)

// Config holds all mpedm configuration.
//
// Configuration is organized into logical sections:
//   - Analysis: embedding and cross-mapping parameters
//   - Input: where series are read from
//   - Output: where results are written
//   - Cluster: master/worker settings
//   - GPU: accelerator devices
//   - Logging, Metrics
type Config struct {
	Analysis AnalysisConfig
	Input    InputConfig
	Output   OutputConfig
	Cluster  ClusterConfig
	GPU      gpu.Config
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// AnalysisConfig holds the parameters of both phases.
type AnalysisConfig struct {
	// Tau is the lag between embedding coordinates
	Tau int
	// MaxE is the largest embedding dimension tried
	MaxE int
	// Tp is the prediction horizon of the embedding phase
	Tp int
	// Kernel is cpu, gpu or multigpu
	Kernel string
	// MinWeight floors the normalized neighbour weights
	MinWeight float64
	// Workers is the number of columns processed at once (0 = NumCPU)
	Workers int
	// Threads bounds the goroutines used inside one call (0 = NumCPU)
	Threads int
}

// InputConfig locates the dataset.
type InputConfig struct {
	Path string
	// Dataset inside an array container
	Dataset string
	// Sheet inside a workbook
	Sheet string
	S3    S3Config
}

// S3Config configures s3:// inputs. Credentials come from the default AWS
// chain unless set.
type S3Config struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// OutputConfig selects the result sink.
type OutputConfig struct {
	Path string
	// Format is badger (array container) or sqlite
	Format string
	// HalfPrecision stores the score matrix as float16
	HalfPrecision bool
}

// ClusterConfig holds master/worker settings.
type ClusterConfig struct {
	// Listen is the master's HTTP address
	Listen string
	// Master is the websocket URL workers dial
	Master string
	// ChunkSize is the number of series per task
	ChunkSize int
	// LocalWorkers is the pool size of the local command
	LocalWorkers int
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string
	// Format is auto (text on a terminal, JSON otherwise), text or json
	Format string
}

// MetricsConfig toggles the /metrics endpoint on the master.
type MetricsConfig struct {
	Enabled bool
}

// Output formats.
const (
	FormatBadger = "badger"
	FormatSQLite = "sqlite"
)

// LoadDefaults returns a Config with all built-in defaults.
// This is the base configuration before any overrides are applied.
//
// Precedence (lowest to highest):
//  1. Built-in defaults (this function)
//  2. Config file (YAML)
//  3. Environment variables
//  4. Command-line flags (applied in main.go)
func LoadDefaults() *Config {
	cfg := &Config{}

	cfg.Analysis.Tau = 1
	cfg.Analysis.MaxE = 20
	cfg.Analysis.Tp = 1
	cfg.Analysis.Kernel = string(knn.KindCPU)
	cfg.Analysis.MinWeight = 1e-6

	cfg.Input.Dataset = "/values"

	cfg.Output.Format = FormatBadger

	cfg.Cluster.Listen = ":7700"
	cfg.Cluster.ChunkSize = 1
	cfg.Cluster.LocalWorkers = 4

	cfg.GPU = *gpu.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "auto"

	cfg.Metrics.Enabled = true
	return cfg
}

// LoadFromEnv returns the defaults with environment overrides applied.
func LoadFromEnv() *Config {
	cfg := LoadDefaults()
	applyEnvVars(cfg)
	return cfg
}

// ApplyEnvVars applies environment variable overrides to an existing config.
// A .env file in the working directory is loaded first.
func ApplyEnvVars(cfg *Config) {
	applyEnvVars(cfg)
}

func applyEnvVars(cfg *Config) {
	// Missing .env is the common case.
	_ = godotenv.Load()

	// Analysis
	cfg.Analysis.Tau = getEnvInt("MPEDM_TAU", cfg.Analysis.Tau)
	cfg.Analysis.MaxE = getEnvInt("MPEDM_EMAX", cfg.Analysis.MaxE)
	cfg.Analysis.Tp = getEnvInt("MPEDM_TP", cfg.Analysis.Tp)
	cfg.Analysis.Kernel = getEnv("MPEDM_KERNEL", cfg.Analysis.Kernel)
	cfg.Analysis.MinWeight = getEnvFloat("MPEDM_MIN_WEIGHT", cfg.Analysis.MinWeight)
	cfg.Analysis.Workers = getEnvInt("MPEDM_WORKERS", cfg.Analysis.Workers)
	cfg.Analysis.Threads = getEnvInt("MPEDM_THREADS", cfg.Analysis.Threads)

	// Input
	cfg.Input.Path = getEnv("MPEDM_INPUT", cfg.Input.Path)
	cfg.Input.Dataset = getEnv("MPEDM_DATASET", cfg.Input.Dataset)
	cfg.Input.Sheet = getEnv("MPEDM_SHEET", cfg.Input.Sheet)
	cfg.Input.S3.Region = getEnv("MPEDM_S3_REGION", cfg.Input.S3.Region)
	cfg.Input.S3.Endpoint = getEnv("MPEDM_S3_ENDPOINT", cfg.Input.S3.Endpoint)
	cfg.Input.S3.UsePathStyle = getEnvBool("MPEDM_S3_PATH_STYLE", cfg.Input.S3.UsePathStyle)
	cfg.Input.S3.AccessKeyID = getEnv("MPEDM_S3_ACCESS_KEY_ID", cfg.Input.S3.AccessKeyID)
	cfg.Input.S3.SecretAccessKey = getEnv("MPEDM_S3_SECRET_ACCESS_KEY", cfg.Input.S3.SecretAccessKey)

	// Output
	cfg.Output.Path = getEnv("MPEDM_OUTPUT", cfg.Output.Path)
	cfg.Output.Format = getEnv("MPEDM_OUTPUT_FORMAT", cfg.Output.Format)
	cfg.Output.HalfPrecision = getEnvBool("MPEDM_HALF_PRECISION", cfg.Output.HalfPrecision)

	// Cluster
	cfg.Cluster.Listen = getEnv("MPEDM_LISTEN", cfg.Cluster.Listen)
	cfg.Cluster.Master = getEnv("MPEDM_MASTER", cfg.Cluster.Master)
	cfg.Cluster.ChunkSize = getEnvInt("MPEDM_CHUNK_SIZE", cfg.Cluster.ChunkSize)
	cfg.Cluster.LocalWorkers = getEnvInt("MPEDM_LOCAL_WORKERS", cfg.Cluster.LocalWorkers)

	// GPU
	if v := getEnv("MPEDM_GPU_BACKEND", ""); v != "" {
		cfg.GPU.PreferredBackend = gpu.Backend(strings.ToLower(v))
		cfg.GPU.Enabled = cfg.GPU.PreferredBackend != gpu.BackendNone
	}
	cfg.GPU.Enabled = getEnvBool("MPEDM_GPU_ENABLED", cfg.GPU.Enabled)
	cfg.GPU.DeviceID = getEnvInt("MPEDM_GPU_DEVICE", cfg.GPU.DeviceID)
	cfg.GPU.HostDevices = getEnvInt("MPEDM_GPU_HOST_DEVICES", cfg.GPU.HostDevices)
	cfg.GPU.MaxMemoryMB = getEnvInt("MPEDM_GPU_MAX_MEMORY_MB", cfg.GPU.MaxMemoryMB)
	cfg.GPU.FallbackOnError = getEnvBool("MPEDM_GPU_FALLBACK", cfg.GPU.FallbackOnError)

	// Logging and metrics
	cfg.Logging.Level = getEnv("MPEDM_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("MPEDM_LOG_FORMAT", cfg.Logging.Format)
	cfg.Metrics.Enabled = getEnvBool("MPEDM_METRICS_ENABLED", cfg.Metrics.Enabled)
}

// YAMLConfig represents the YAML configuration file structure.
// Zero values leave the defaults untouched.
type YAMLConfig struct {
	Analysis struct {
		Tau       int     `yaml:"tau"`
		MaxE      int     `yaml:"emax"`
		Tp        int     `yaml:"tp"`
		Kernel    string  `yaml:"kernel"`
		MinWeight float64 `yaml:"min_weight"`
		Workers   int     `yaml:"workers"`
		Threads   int     `yaml:"threads"`
	} `yaml:"analysis"`

	Input struct {
		Path    string `yaml:"path"`
		Dataset string `yaml:"dataset"`
		Sheet   string `yaml:"sheet"`
		S3      struct {
			Region       string `yaml:"region"`
			Endpoint     string `yaml:"endpoint"`
			UsePathStyle bool   `yaml:"use_path_style"`
		} `yaml:"s3"`
	} `yaml:"input"`

	Output struct {
		Path          string `yaml:"path"`
		Format        string `yaml:"format"`
		HalfPrecision bool   `yaml:"half_precision"`
	} `yaml:"output"`

	Cluster struct {
		Listen       string `yaml:"listen"`
		Master       string `yaml:"master"`
		ChunkSize    int    `yaml:"chunk_size"`
		LocalWorkers int    `yaml:"local_workers"`
	} `yaml:"cluster"`

	// GPU reuses the accelerator config's own yaml tags.
	GPU *gpu.Config `yaml:"gpu"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// LoadFromFile loads configuration with proper precedence:
//  1. Built-in defaults (lowest priority)
//  2. YAML config file
//  3. Environment variables (highest priority before CLI flags)
//
// A missing file is not an error. Example YAML:
//
//	analysis:
//	  tau: 2
//	  emax: 12
//	  kernel: multigpu
//	output:
//	  path: ./results
//	  format: sqlite
//	gpu:
//	  enabled: true
//	  backend: vulkan
func LoadFromFile(configPath string) (*Config, error) {
	cfg := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := applyYAML(cfg, data); err != nil {
				return nil, err
			}
		}
	}

	applyEnvVars(cfg)
	return cfg, nil
}

func applyYAML(cfg *Config, data []byte) error {
	y := YAMLConfig{GPU: &cfg.GPU}
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Analysis ===
	if y.Analysis.Tau != 0 {
		cfg.Analysis.Tau = y.Analysis.Tau
	}
	if y.Analysis.MaxE != 0 {
		cfg.Analysis.MaxE = y.Analysis.MaxE
	}
	if y.Analysis.Tp != 0 {
		cfg.Analysis.Tp = y.Analysis.Tp
	}
	if y.Analysis.Kernel != "" {
		cfg.Analysis.Kernel = y.Analysis.Kernel
	}
	if y.Analysis.MinWeight != 0 {
		cfg.Analysis.MinWeight = y.Analysis.MinWeight
	}
	if y.Analysis.Workers != 0 {
		cfg.Analysis.Workers = y.Analysis.Workers
	}
	if y.Analysis.Threads != 0 {
		cfg.Analysis.Threads = y.Analysis.Threads
	}

	// === Input ===
	if y.Input.Path != "" {
		cfg.Input.Path = y.Input.Path
	}
	if y.Input.Dataset != "" {
		cfg.Input.Dataset = y.Input.Dataset
	}
	if y.Input.Sheet != "" {
		cfg.Input.Sheet = y.Input.Sheet
	}
	if y.Input.S3.Region != "" {
		cfg.Input.S3.Region = y.Input.S3.Region
	}
	if y.Input.S3.Endpoint != "" {
		cfg.Input.S3.Endpoint = y.Input.S3.Endpoint
	}
	if y.Input.S3.UsePathStyle {
		cfg.Input.S3.UsePathStyle = true
	}

	// === Output ===
	if y.Output.Path != "" {
		cfg.Output.Path = y.Output.Path
	}
	if y.Output.Format != "" {
		cfg.Output.Format = y.Output.Format
	}
	if y.Output.HalfPrecision {
		cfg.Output.HalfPrecision = true
	}

	// === Cluster ===
	if y.Cluster.Listen != "" {
		cfg.Cluster.Listen = y.Cluster.Listen
	}
	if y.Cluster.Master != "" {
		cfg.Cluster.Master = y.Cluster.Master
	}
	if y.Cluster.ChunkSize != 0 {
		cfg.Cluster.ChunkSize = y.Cluster.ChunkSize
	}
	if y.Cluster.LocalWorkers != 0 {
		cfg.Cluster.LocalWorkers = y.Cluster.LocalWorkers
	}

	// === Logging and metrics ===
	if y.Logging.Level != "" {
		cfg.Logging.Level = y.Logging.Level
	}
	if y.Logging.Format != "" {
		cfg.Logging.Format = y.Logging.Format
	}
	if y.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *y.Metrics.Enabled
	}
	return nil
}

// Validate checks the configuration for logical errors and invalid values.
func (c *Config) Validate() error {
	if c.Analysis.Tau < 1 {
		return fmt.Errorf("invalid tau: %d (must be >= 1)", c.Analysis.Tau)
	}
	if c.Analysis.MaxE < 1 {
		return fmt.Errorf("invalid emax: %d (must be >= 1)", c.Analysis.MaxE)
	}
	if c.Analysis.Tp < 1 {
		return fmt.Errorf("invalid Tp: %d (must be >= 1)", c.Analysis.Tp)
	}
	if _, err := knn.ParseKind(c.Analysis.Kernel); err != nil {
		return err
	}
	if c.Analysis.MinWeight < 0 {
		return fmt.Errorf("invalid min weight: %g", c.Analysis.MinWeight)
	}
	if c.Analysis.Workers < 0 || c.Analysis.Threads < 0 {
		return fmt.Errorf("invalid worker counts: workers=%d threads=%d", c.Analysis.Workers, c.Analysis.Threads)
	}
	switch c.Output.Format {
	case FormatBadger, FormatSQLite:
	default:
		return fmt.Errorf("invalid output format: %q (want %s or %s)", c.Output.Format, FormatBadger, FormatSQLite)
	}
	if c.Cluster.ChunkSize < 1 {
		return fmt.Errorf("invalid chunk size: %d (must be >= 1)", c.Cluster.ChunkSize)
	}
	if c.Cluster.LocalWorkers < 1 {
		return fmt.Errorf("invalid local worker count: %d", c.Cluster.LocalWorkers)
	}
	switch c.GPU.PreferredBackend {
	case "", gpu.BackendNone, gpu.BackendVulkan, gpu.BackendHost:
	default:
		return fmt.Errorf("invalid gpu backend: %q", c.GPU.PreferredBackend)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// String returns a safe string representation of the Config. S3
// credentials are never included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Tau: %d, MaxE: %d, Tp: %d, Kernel: %s, Input: %s, Output: %s (%s), Chunk: %d, GPU: %v/%s}",
		c.Analysis.Tau, c.Analysis.MaxE, c.Analysis.Tp, c.Analysis.Kernel,
		c.Input.Path, c.Output.Path, c.Output.Format,
		c.Cluster.ChunkSize,
		c.GPU.Enabled, c.GPU.PreferredBackend,
	)
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. Current working directory (mpedm.yaml)
//  2. ~/.mpedm/config.yaml
//  3. ~/.config/mpedm/config.yaml (XDG)
func FindConfigFile() string {
	candidates := []string{"mpedm.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".mpedm", "config.yaml"),
			filepath.Join(home, ".config", "mpedm", "config.yaml"),
		)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}
