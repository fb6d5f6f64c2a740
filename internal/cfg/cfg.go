package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"precept-serve/internal/common"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	ModelPath      string
	DescriptorPath string
	Transformed    bool
	Backend        string
	PythonPath     string
	ScriptTimeout  time.Duration
	Watch          bool

	ListenPort     int
	RequestTimeout time.Duration
	CacheSize      int
	DriftWindow    int // 0 disables input drift tracking
	DriftThreshold float64

	DataPath string

	LogLevel  string
	LogFormat string
	LogFile   string
}

type ConfigFile struct {
	Model struct {
		Path          string `yaml:"path"`
		Descriptor    string `yaml:"descriptor"`
		Transformed   bool   `yaml:"transformed"`
		Backend       string `yaml:"backend"`
		PythonPath    string `yaml:"pythonPath"`
		ScriptTimeout string `yaml:"scriptTimeout"`
		Watch         bool   `yaml:"watch"`
	} `yaml:"model"`

	Server struct {
		Port           *int    `yaml:"port"`
		RequestTimeout string  `yaml:"requestTimeout"`
		CacheSize      *int    `yaml:"cacheSize"`
		DriftWindow    *int    `yaml:"driftWindow"` // 0 disables drift tracking
		DriftThreshold float64 `yaml:"driftThreshold"`
	} `yaml:"server"`

	System struct {
		DataPath string `yaml:"dataPath"`
	} `yaml:"system"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
}

const (
	defaultScriptTimeout  = 10 * time.Second
	defaultRequestTimeout = 5 * time.Second
	defaultDataPath       = "data"
)

var validBackends = map[string]bool{"": true, "native": true, "script": true}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	scriptTimeout, err := parseDurationOr(config.Model.ScriptTimeout, defaultScriptTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("model.scriptTimeout: %w", err)
	}
	requestTimeout, err := parseDurationOr(config.Server.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("server.requestTimeout: %w", err)
	}

	// Relative artifact paths in the file are resolved against its directory
	base := filepath.Dir(path)

	settings := Settings{
		ModelPath:      getEnvOrDefault(common.EnvModelPath, resolve(base, orDefault(config.Model.Path, common.DefaultModelPath))),
		DescriptorPath: getEnvOrDefault(common.EnvDescriptorPath, resolve(base, orDefault(config.Model.Descriptor, common.DefaultDescriptorPath))),
		Transformed:    getBoolFromEnvOrConfig(common.EnvTransformed, config.Model.Transformed),
		Backend:        getEnvOrDefault(common.EnvBackend, config.Model.Backend),
		PythonPath:     getEnvOrDefault(common.EnvPythonPath, config.Model.PythonPath),
		ScriptTimeout:  getDurationOrDefault(common.EnvScriptTimeout, scriptTimeout),
		Watch:          getBoolFromEnvOrConfig(common.EnvWatch, config.Model.Watch),
		ListenPort:     getIntFromEnvOrConfig(common.EnvListenPort, config.Server.Port, common.DefaultListenPort),
		RequestTimeout: getDurationOrDefault(common.EnvRequestTimeout, requestTimeout),
		CacheSize:      getIntFromEnvOrConfig(common.EnvCacheSize, config.Server.CacheSize, common.DefaultCacheSize),
		DriftWindow:    getIntFromEnvOrConfig(common.EnvDriftWindow, config.Server.DriftWindow, common.DefaultDriftWindow),
		DriftThreshold: getFloatFromEnvOrConfig(common.EnvDriftThreshold, config.Server.DriftThreshold, common.DefaultDriftThreshold),
		DataPath:       getEnvOrDefault(common.EnvDataPath, resolve(base, orDefault(config.System.DataPath, defaultDataPath))),
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, orDefault(config.Logging.Level, common.DefaultLogLevel)),
		LogFormat:      getEnvOrDefault(common.EnvLogFormat, orDefault(config.Logging.Format, common.DefaultLogFormat)),
		LogFile:        getEnvOrDefault(common.EnvLogFile, config.Logging.File),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ModelPath:      getEnvOrDefault(common.EnvModelPath, common.DefaultModelPath),
		DescriptorPath: getEnvOrDefault(common.EnvDescriptorPath, common.DefaultDescriptorPath),
		Transformed:    getBoolOrDefault(common.EnvTransformed, false),
		Backend:        os.Getenv(common.EnvBackend),
		PythonPath:     os.Getenv(common.EnvPythonPath), // optional
		ScriptTimeout:  getDurationOrDefault(common.EnvScriptTimeout, defaultScriptTimeout),
		Watch:          getBoolOrDefault(common.EnvWatch, false),
		ListenPort:     getIntOrDefault(common.EnvListenPort, common.DefaultListenPort),
		RequestTimeout: getDurationOrDefault(common.EnvRequestTimeout, defaultRequestTimeout),
		CacheSize:      getIntOrDefault(common.EnvCacheSize, common.DefaultCacheSize),
		DriftWindow:    getIntOrDefault(common.EnvDriftWindow, common.DefaultDriftWindow),
		DriftThreshold: getFloatOrDefault(common.EnvDriftThreshold, common.DefaultDriftThreshold),
		DataPath:       getEnvOrDefault(common.EnvDataPath, defaultDataPath),
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:      getEnvOrDefault(common.EnvLogFormat, common.DefaultLogFormat),
		LogFile:        os.Getenv(common.EnvLogFile),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// getIntFromEnvOrConfig prefers the environment, then an explicitly set
// config value (zero included), then the default.
func getIntFromEnvOrConfig(key string, configValue *int, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != nil {
		return *configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

func parseDurationOr(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// validateSettings performs range checks on configuration values
func validateSettings(settings *Settings) error {
	if settings.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if settings.DescriptorPath == "" {
		return fmt.Errorf("descriptor path cannot be empty")
	}
	if !validBackends[settings.Backend] {
		return fmt.Errorf("model backend must be one of native, script or empty, got %q", settings.Backend)
	}

	if settings.ListenPort < common.MinListenPort || settings.ListenPort > common.MaxListenPort {
		return fmt.Errorf("listen port must be between %d and %d, got %d", common.MinListenPort, common.MaxListenPort, settings.ListenPort)
	}
	if settings.CacheSize < 0 || settings.CacheSize > common.MaxCacheSize {
		return fmt.Errorf("cache size must be between 0 and %d, got %d", common.MaxCacheSize, settings.CacheSize)
	}
	if settings.DriftWindow < 0 || settings.DriftWindow > common.MaxDriftWindow {
		return fmt.Errorf("drift window must be between 0 and %d, got %d", common.MaxDriftWindow, settings.DriftWindow)
	}
	if settings.DriftThreshold <= 0 || settings.DriftThreshold > 10 {
		return fmt.Errorf("drift threshold must be in (0, 10], got %v", settings.DriftThreshold)
	}

	if settings.ScriptTimeout < 100*time.Millisecond || settings.ScriptTimeout > 5*time.Minute {
		return fmt.Errorf("script timeout must be between 100ms and 5m, got %v", settings.ScriptTimeout)
	}
	if settings.RequestTimeout < 100*time.Millisecond || settings.RequestTimeout > time.Minute {
		return fmt.Errorf("request timeout must be between 100ms and 1m, got %v", settings.RequestTimeout)
	}

	switch strings.ToLower(settings.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of trace, debug, info, warn, error, got %q", settings.LogLevel)
	}
	switch settings.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", settings.LogFormat)
	}

	return nil
}
