package common

// Environment variable keys
const (
	EnvConfigFile     = "CONFIG_FILE"
	EnvModelPath      = "MODEL_PATH"
	EnvDescriptorPath = "DESCRIPTOR_PATH"
	EnvTransformed    = "TRANSFORMED"
	EnvListenPort     = "LISTEN_PORT"
	EnvDataPath       = "DATA_PATH"
	EnvCacheSize      = "CACHE_SIZE"
	EnvScriptTimeout  = "SCRIPT_TIMEOUT"
	EnvPythonPath     = "PYTHON_PATH"
	EnvWatch          = "WATCH_MODEL"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
	EnvLogFile        = "LOG_FILE"
	EnvRequestTimeout = "REQUEST_TIMEOUT"
	EnvBackend        = "MODEL_BACKEND"
	EnvDriftWindow    = "DRIFT_WINDOW"
	EnvDriftThreshold = "DRIFT_THRESHOLD"
)

// Configuration defaults
const (
	DefaultModelPath      = "models/model.ffn"
	DefaultDescriptorPath = "models/model.yml"
	DefaultListenPort     = 8090
	DefaultCacheSize      = 0
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
	DefaultDriftWindow    = 500
	DefaultDriftThreshold = 0.2
)

// Descriptor trafo types
const (
	TrafoBox  = "box"
	TrafoNone = "none"
)

// Validation constants
const (
	MinListenPort  = 1024
	MaxListenPort  = 65535
	MaxCacheSize   = 1_000_000
	MaxDriftWindow = 100_000
)
