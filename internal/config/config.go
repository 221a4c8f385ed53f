package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "OFFGRID_DOCAI_"

// Config holds runtime configuration
type Config struct {
	// Model storage
	ModelsDir    string `yaml:"models_dir" json:"models_dir"`
	ManifestPath string `yaml:"manifest_path" json:"manifest_path"` // defaults to <models_dir>/manifest.json
	DataDir      string `yaml:"data_dir" json:"data_dir"`           // sqlite history lives here

	// Backend selection: "onnx" or "mock"
	Backend         string `yaml:"backend" json:"backend"`
	ONNXLibraryPath string `yaml:"onnx_library_path" json:"onnx_library_path"`
	NumThreads      int    `yaml:"num_threads" json:"num_threads"` // 0 = let the backend decide

	// Resource limits
	CacheBudgetMB            int64   `yaml:"cache_budget_mb" json:"cache_budget_mb"`
	MinFreeMemoryMB          uint64  `yaml:"min_free_memory_mb" json:"min_free_memory_mb"`
	PressureThresholdPercent float64 `yaml:"pressure_threshold_percent" json:"pressure_threshold_percent"`
	PressureCheckIntervalSec int     `yaml:"pressure_check_interval_sec" json:"pressure_check_interval_sec"`
	DefaultModelSizeMB       int64   `yaml:"default_model_size_mb" json:"default_model_size_mb"` // used when the manifest omits a size
	InferenceTimeoutMs       int     `yaml:"inference_timeout_ms" json:"inference_timeout_ms"`

	// Heuristic fallback tuning
	ZScoreThreshold            float64 `yaml:"zscore_threshold" json:"zscore_threshold"`
	HeuristicConfidenceCeiling float64 `yaml:"heuristic_confidence_ceiling" json:"heuristic_confidence_ceiling"`

	// Model updates
	UpdateBaseURL          string `yaml:"update_base_url" json:"update_base_url"`
	UpdateToken            string `yaml:"update_token" json:"-"`
	UpdateTimeoutSec       int    `yaml:"update_timeout_sec" json:"update_timeout_sec"`
	DownloadTimeoutSec     int    `yaml:"download_timeout_sec" json:"download_timeout_sec"`
	UpdateMaxDownloadMB    int64  `yaml:"update_max_download_mb" json:"update_max_download_mb"`
	UpdateValidateChecksum bool   `yaml:"update_validate_checksum" json:"update_validate_checksum"`
	UpdateBackup           bool   `yaml:"update_backup" json:"update_backup"`
	UpdateRetryAttempts    uint   `yaml:"update_retry_attempts" json:"update_retry_attempts"`
	UpdateCheckIntervalMin int    `yaml:"update_check_interval_min" json:"update_check_interval_min"` // 0 disables the background check

	// Disk maintenance of the models dir
	MinFreeDiskMB          uint64 `yaml:"min_free_disk_mb" json:"min_free_disk_mb"`
	KeepBackups            int    `yaml:"keep_backups" json:"keep_backups"`
	DiskCleanupIntervalMin int    `yaml:"disk_cleanup_interval_min" json:"disk_cleanup_interval_min"`

	// Performance monitoring
	MonitoringEnabled     bool                         `yaml:"monitoring_enabled" json:"monitoring_enabled"`
	RegressionIntervalMin int                          `yaml:"regression_interval_min" json:"regression_interval_min"`
	BenchmarkIterations   int                          `yaml:"benchmark_iterations" json:"benchmark_iterations"`
	RegressionThresholds  map[string]RegressionSetting `yaml:"regression_thresholds" json:"regression_thresholds"`

	// A/B testing
	ABMinSampleSize       int     `yaml:"ab_min_sample_size" json:"ab_min_sample_size"`
	ABConfidenceThreshold float64 `yaml:"ab_confidence_threshold" json:"ab_confidence_threshold"`

	// Logging
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`
}

// RegressionSetting is the on-disk form of a per-kind regression threshold.
type RegressionSetting struct {
	MaxInferenceMs  float64 `yaml:"max_inference_ms" json:"max_inference_ms"`
	MaxMemoryMB     float64 `yaml:"max_memory_mb" json:"max_memory_mb"`
	MinSuccessRate  float64 `yaml:"min_success_rate" json:"min_success_rate"`
	MinCacheHitRate float64 `yaml:"min_cache_hit_rate" json:"min_cache_hit_rate"`
}

func defaultBaseDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".offgrid-docai")
}

// Defaults returns a config populated with built-in defaults only.
func Defaults() *Config {
	base := defaultBaseDir()
	cfg := &Config{
		ModelsDir:                  filepath.Join(base, "models"),
		DataDir:                    base,
		Backend:                    "onnx",
		CacheBudgetMB:              200,
		MinFreeMemoryMB:            256,
		PressureThresholdPercent:   90,
		PressureCheckIntervalSec:   15,
		DefaultModelSizeMB:         50,
		InferenceTimeoutMs:         5000,
		ZScoreThreshold:            2.0,
		HeuristicConfidenceCeiling: 0.8,
		UpdateTimeoutSec:           30,
		DownloadTimeoutSec:         600,
		UpdateMaxDownloadMB:        500,
		UpdateValidateChecksum:     true,
		UpdateBackup:               true,
		UpdateRetryAttempts:        3,
		UpdateCheckIntervalMin:     0,
		MinFreeDiskMB:              512,
		KeepBackups:                2,
		DiskCleanupIntervalMin:     60,
		MonitoringEnabled:          true,
		RegressionIntervalMin:      60,
		BenchmarkIterations:        5,
		ABMinSampleSize:            30,
		ABConfidenceThreshold:      0.95,
		LogLevel:                   "info",
	}
	return cfg
}

// LoadConfig loads configuration from defaults and environment variables
func LoadConfig() *Config {
	cfg := Defaults()
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// Validate validates the configuration and creates the directories it names
func (c *Config) Validate() error {
	switch c.Backend {
	case "onnx", "mock":
	default:
		return fmt.Errorf("unsupported backend %q (use onnx or mock)", c.Backend)
	}
	if c.CacheBudgetMB <= 0 {
		return fmt.Errorf("cache_budget_mb must be positive, got %d", c.CacheBudgetMB)
	}
	if c.HeuristicConfidenceCeiling <= 0 || c.HeuristicConfidenceCeiling > 0.8 {
		return fmt.Errorf("heuristic_confidence_ceiling must be in (0, 0.8], got %.2f", c.HeuristicConfidenceCeiling)
	}
	for kind, th := range c.RegressionThresholds {
		if th.MinSuccessRate < 0 || th.MinSuccessRate > 1 {
			return fmt.Errorf("regression threshold for %s: min_success_rate out of range", kind)
		}
	}
	if err := os.MkdirAll(c.ModelsDir, 0755); err != nil {
		return fmt.Errorf("failed to create models dir: %w", err)
	}
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decode over the defaults so omitted keys keep their default values.
	cfg := Defaults()

	ext := filepath.Ext(path)
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// SaveToFile saves configuration to a YAML or JSON file
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	ext := filepath.Ext(path)
	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
	} else if ext == ".json" {
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
	} else {
		return fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadWithPriority loads config with priority: env > file > defaults
func LoadWithPriority(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		base := defaultBaseDir()
		candidates := []string{
			filepath.Join(base, "config.yaml"),
			filepath.Join(base, "config.yml"),
			filepath.Join(base, "config.json"),
			"docai.yaml",
			"docai.yml",
			"docai.json",
		}

		for _, path := range candidates {
			if _, statErr := os.Stat(path); statErr == nil {
				cfg, err = LoadFromFile(path)
				if err != nil {
					return nil, err
				}
				break
			}
		}

		if cfg == nil {
			cfg = Defaults()
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return cfg, nil
}

// applyDefaults fills derived or zeroed fields
func (c *Config) applyDefaults() {
	d := Defaults()
	if c.ModelsDir == "" {
		c.ModelsDir = d.ModelsDir
	}
	if c.ManifestPath == "" {
		c.ManifestPath = filepath.Join(c.ModelsDir, "manifest.json")
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.CacheBudgetMB == 0 {
		c.CacheBudgetMB = d.CacheBudgetMB
	}
	if c.PressureThresholdPercent <= 0 {
		c.PressureThresholdPercent = d.PressureThresholdPercent
	}
	if c.PressureCheckIntervalSec <= 0 {
		c.PressureCheckIntervalSec = d.PressureCheckIntervalSec
	}
	if c.DefaultModelSizeMB <= 0 {
		c.DefaultModelSizeMB = d.DefaultModelSizeMB
	}
	if c.InferenceTimeoutMs <= 0 {
		c.InferenceTimeoutMs = d.InferenceTimeoutMs
	}
	if c.ZScoreThreshold <= 0 {
		c.ZScoreThreshold = d.ZScoreThreshold
	}
	if c.HeuristicConfidenceCeiling == 0 {
		c.HeuristicConfidenceCeiling = d.HeuristicConfidenceCeiling
	}
	if c.UpdateTimeoutSec <= 0 {
		c.UpdateTimeoutSec = d.UpdateTimeoutSec
	}
	if c.DownloadTimeoutSec <= 0 {
		c.DownloadTimeoutSec = d.DownloadTimeoutSec
	}
	if c.UpdateMaxDownloadMB <= 0 {
		c.UpdateMaxDownloadMB = d.UpdateMaxDownloadMB
	}
	if c.UpdateRetryAttempts == 0 {
		c.UpdateRetryAttempts = d.UpdateRetryAttempts
	}
	if c.KeepBackups <= 0 {
		c.KeepBackups = d.KeepBackups
	}
	if c.DiskCleanupIntervalMin <= 0 {
		c.DiskCleanupIntervalMin = d.DiskCleanupIntervalMin
	}
	if c.RegressionIntervalMin <= 0 {
		c.RegressionIntervalMin = d.RegressionIntervalMin
	}
	if c.BenchmarkIterations <= 0 {
		c.BenchmarkIterations = d.BenchmarkIterations
	}
	if c.ABMinSampleSize <= 0 {
		c.ABMinSampleSize = d.ABMinSampleSize
	}
	if c.ABConfidenceThreshold <= 0 {
		c.ABConfidenceThreshold = d.ABConfidenceThreshold
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// applyEnvOverrides overrides config with OFFGRID_DOCAI_* environment variables
func (c *Config) applyEnvOverrides() {
	if dir := getEnv("MODELS_DIR", ""); dir != "" {
		c.ModelsDir = dir
	}
	if manifest := getEnv("MANIFEST_PATH", ""); manifest != "" {
		c.ManifestPath = manifest
	}
	if dir := getEnv("DATA_DIR", ""); dir != "" {
		c.DataDir = dir
	}
	if backend := getEnv("BACKEND", ""); backend != "" {
		c.Backend = backend
	}
	if lib := getEnv("ONNX_LIBRARY_PATH", ""); lib != "" {
		c.ONNXLibraryPath = lib
	}
	if threads := getEnvInt("NUM_THREADS", 0); threads != 0 {
		c.NumThreads = threads
	}
	if budget := getEnvInt("CACHE_BUDGET_MB", 0); budget != 0 {
		c.CacheBudgetMB = int64(budget)
	}
	if free := getEnvInt("MIN_FREE_MEMORY_MB", -1); free >= 0 {
		c.MinFreeMemoryMB = uint64(free)
	}
	if pct := getEnvFloat("PRESSURE_THRESHOLD_PERCENT", 0); pct != 0 {
		c.PressureThresholdPercent = pct
	}
	if timeout := getEnvInt("INFERENCE_TIMEOUT_MS", 0); timeout != 0 {
		c.InferenceTimeoutMs = timeout
	}
	if z := getEnvFloat("ZSCORE_THRESHOLD", 0); z != 0 {
		c.ZScoreThreshold = z
	}
	if url := getEnv("UPDATE_BASE_URL", ""); url != "" {
		c.UpdateBaseURL = url
	}
	if token := getEnv("UPDATE_TOKEN", ""); token != "" {
		c.UpdateToken = token
	}
	if timeout := getEnvInt("UPDATE_TIMEOUT_SEC", 0); timeout != 0 {
		c.UpdateTimeoutSec = timeout
	}
	if maxMB := getEnvInt("UPDATE_MAX_DOWNLOAD_MB", 0); maxMB != 0 {
		c.UpdateMaxDownloadMB = int64(maxMB)
	}
	if v := os.Getenv(envPrefix + "UPDATE_VALIDATE_CHECKSUM"); v != "" {
		c.UpdateValidateChecksum = getEnvBool("UPDATE_VALIDATE_CHECKSUM", true)
	}
	if v := os.Getenv(envPrefix + "UPDATE_BACKUP"); v != "" {
		c.UpdateBackup = getEnvBool("UPDATE_BACKUP", true)
	}
	if interval := getEnvInt("UPDATE_CHECK_INTERVAL_MIN", -1); interval >= 0 {
		c.UpdateCheckIntervalMin = interval
	}
	if free := getEnvInt("MIN_FREE_DISK_MB", -1); free >= 0 {
		c.MinFreeDiskMB = uint64(free)
	}
	if keep := getEnvInt("KEEP_BACKUPS", 0); keep != 0 {
		c.KeepBackups = keep
	}
	if v := os.Getenv(envPrefix + "MONITORING_ENABLED"); v != "" {
		c.MonitoringEnabled = getEnvBool("MONITORING_ENABLED", true)
	}
	if interval := getEnvInt("REGRESSION_INTERVAL_MIN", 0); interval != 0 {
		c.RegressionIntervalMin = interval
	}
	if iterations := getEnvInt("BENCHMARK_ITERATIONS", 0); iterations != 0 {
		c.BenchmarkIterations = iterations
	}
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		c.LogLevel = level
	}
	if v := os.Getenv(envPrefix + "LOG_JSON"); v != "" {
		c.LogJSON = getEnvBool("LOG_JSON", false)
	}
}

// CacheBudgetBytes returns the model cache budget in bytes.
func (c *Config) CacheBudgetBytes() int64 { return c.CacheBudgetMB * 1024 * 1024 }

// DefaultModelSizeBytes returns the size estimate used for manifest entries without a size.
func (c *Config) DefaultModelSizeBytes() int64 { return c.DefaultModelSizeMB * 1024 * 1024 }

// MaxDownloadBytes returns the update download size cap.
func (c *Config) MaxDownloadBytes() int64 { return c.UpdateMaxDownloadMB * 1024 * 1024 }

func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutMs) * time.Millisecond
}

func (c *Config) UpdateTimeout() time.Duration {
	return time.Duration(c.UpdateTimeoutSec) * time.Second
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSec) * time.Second
}

func (c *Config) UpdateCheckInterval() time.Duration {
	return time.Duration(c.UpdateCheckIntervalMin) * time.Minute
}

func (c *Config) RegressionInterval() time.Duration {
	return time.Duration(c.RegressionIntervalMin) * time.Minute
}

func (c *Config) DiskCleanupInterval() time.Duration {
	return time.Duration(c.DiskCleanupIntervalMin) * time.Minute
}

func (c *Config) PressureCheckInterval() time.Duration {
	return time.Duration(c.PressureCheckIntervalSec) * time.Second
}
