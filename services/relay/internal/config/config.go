package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with RELAY_CONFIG.
const ConfigPath = "config.yaml"

// ProviderConfig holds one LLM vendor's credentials and tuning.
type ProviderConfig struct {
	APIKey     string `yaml:"apiKey"`
	BaseURL    string `yaml:"baseURL"`
	Model      string `yaml:"model"`
	ImageModel string `yaml:"imageModel"`
	MaxTokens  int    `yaml:"maxTokens"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	EncryptionKey string `yaml:"encryptionKey"`

	StoreBackend    string `yaml:"storeBackend"`
	QueueBackend    string `yaml:"queueBackend"`
	QueuePrefix     string `yaml:"queuePrefix"`
	FailedJobPolicy string `yaml:"failedJobPolicy"`
	MaxAttempts     int    `yaml:"maxAttempts"`
	WorkerPollSecs  int    `yaml:"workerPollSeconds"`

	OutboundSpacingMs int `yaml:"outboundSpacingMs"`

	QuotaCeiling  int64  `yaml:"quotaCeiling"`
	ImageCost     int64  `yaml:"imageCost"`
	UsageBucket   string `yaml:"usageBucket"`
	ResetSchedule string `yaml:"resetSchedule"`

	InboundRateLimit      int `yaml:"inboundRateLimit"`
	InboundRateWindowSecs int `yaml:"inboundRateWindowSeconds"`

	ImageProvider string                    `yaml:"imageProvider"`
	Providers     map[string]ProviderConfig `yaml:"providers"`

	SMSTransport        string `yaml:"smsTransport"`
	SignalWireSpaceURL  string `yaml:"signalwireSpaceURL"`
	SignalWireProjectID string `yaml:"signalwireProjectID"`
	SignalWireAPIToken  string `yaml:"signalwireAPIToken"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	OpsTokenSecret string `yaml:"opsTokenSecret"`
}

var providerNames = []string{"claude", "chatgpt", "deepseek", "gemini", "grok"}

// ResolvePath returns RELAY_CONFIG when set, else ConfigPath.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.Port, "RELAY_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.EncryptionKey, "RELAY_ENCRYPTION_KEY")
	setString(&cfg.StoreBackend, "RELAY_STORE_BACKEND")
	setString(&cfg.QueueBackend, "RELAY_QUEUE_BACKEND")
	setString(&cfg.FailedJobPolicy, "RELAY_FAILED_JOB_POLICY")
	setInt(&cfg.MaxAttempts, "RELAY_MAX_ATTEMPTS")
	setInt(&cfg.WorkerPollSecs, "RELAY_WORKER_POLL_SECONDS")
	setInt(&cfg.OutboundSpacingMs, "RELAY_OUTBOUND_SPACING_MS")
	setInt64(&cfg.QuotaCeiling, "RELAY_QUOTA_CEILING")
	setInt64(&cfg.ImageCost, "RELAY_IMAGE_COST")
	setString(&cfg.UsageBucket, "RELAY_USAGE_BUCKET")
	setString(&cfg.ResetSchedule, "RELAY_RESET_SCHEDULE")
	setInt(&cfg.InboundRateLimit, "RELAY_INBOUND_RATE_LIMIT")
	setInt(&cfg.InboundRateWindowSecs, "RELAY_INBOUND_RATE_WINDOW_SECONDS")
	setString(&cfg.ImageProvider, "RELAY_IMAGE_PROVIDER")
	setString(&cfg.SMSTransport, "RELAY_SMS_TRANSPORT")
	setString(&cfg.SignalWireSpaceURL, "SIGNALWIRE_SPACE_URL")
	setString(&cfg.SignalWireProjectID, "SIGNALWIRE_PROJECT_ID")
	setString(&cfg.SignalWireAPIToken, "SIGNALWIRE_API_TOKEN")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	setString(&cfg.OpsTokenSecret, "RELAY_OPS_TOKEN_SECRET")

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range providerNames {
		p := cfg.Providers[name]
		prefix := strings.ToUpper(name)
		setString(&p.APIKey, prefix+"_API_KEY")
		setString(&p.BaseURL, prefix+"_BASE_URL")
		setString(&p.Model, prefix+"_MODEL")
		if p != (ProviderConfig{}) {
			cfg.Providers[name] = p
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "postgres"
	}
	if cfg.QueueBackend == "" {
		cfg.QueueBackend = "postgres"
	}
	if cfg.FailedJobPolicy == "" {
		cfg.FailedJobPolicy = "keep"
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WorkerPollSecs == 0 {
		cfg.WorkerPollSecs = 5
	}
	if cfg.OutboundSpacingMs == 0 {
		cfg.OutboundSpacingMs = 1000
	}
	if cfg.QuotaCeiling == 0 {
		cfg.QuotaCeiling = 7500
	}
	if cfg.ImageCost == 0 {
		cfg.ImageCost = 150
	}
	if cfg.UsageBucket == "" {
		cfg.UsageBucket = "day"
	}
	if cfg.ResetSchedule == "" {
		cfg.ResetSchedule = "0 0 * * *"
	}
	if cfg.InboundRateWindowSecs == 0 {
		cfg.InboundRateWindowSecs = 60
	}
	if cfg.ImageProvider == "" {
		cfg.ImageProvider = "chatgpt"
	}
	if cfg.SMSTransport == "" {
		cfg.SMSTransport = "signalwire"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or RELAY_PORT)")
	}
	if len(cfg.EncryptionKey) < 16 {
		return errors.New("config: encryptionKey must be at least 16 characters (set in config.yaml or RELAY_ENCRYPTION_KEY)")
	}
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeBackend postgres (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: storeBackend must be postgres or memory, got %q", cfg.StoreBackend)
	}
	switch cfg.QueueBackend {
	case "postgres":
		if cfg.StoreBackend != "postgres" {
			return errors.New("config: queueBackend postgres requires storeBackend postgres")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for queueBackend redis (set in config.yaml or REDIS_ADDR)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: queueBackend must be postgres, redis or memory, got %q", cfg.QueueBackend)
	}
	switch cfg.FailedJobPolicy {
	case "keep":
	case "retry":
		if cfg.MaxAttempts < 1 {
			return errors.New("config: maxAttempts must be >= 1 when failedJobPolicy is retry (set in config.yaml or RELAY_MAX_ATTEMPTS)")
		}
	default:
		return fmt.Errorf("config: failedJobPolicy must be keep or retry, got %q", cfg.FailedJobPolicy)
	}
	if cfg.WorkerPollSecs < 0 || cfg.OutboundSpacingMs < 0 {
		return errors.New("config: workerPollSeconds and outboundSpacingMs must not be negative")
	}
	if cfg.QuotaCeiling < 0 || cfg.ImageCost < 0 {
		return errors.New("config: quotaCeiling and imageCost must not be negative")
	}
	if cfg.UsageBucket != "day" && cfg.UsageBucket != "hour" {
		return fmt.Errorf("config: usageBucket must be day or hour, got %q", cfg.UsageBucket)
	}
	if cfg.InboundRateLimit < 0 {
		return errors.New("config: inboundRateLimit must not be negative (set in config.yaml or RELAY_INBOUND_RATE_LIMIT)")
	}
	if cfg.InboundRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when inboundRateLimit is set (set in config.yaml or REDIS_ADDR)")
	}
	configured := 0
	for name, p := range cfg.Providers {
		if !knownProvider(name) {
			return fmt.Errorf("config: unknown provider %q under providers", name)
		}
		if p.APIKey != "" {
			configured++
		}
		if p.MaxTokens < 0 {
			return fmt.Errorf("config: providers.%s.maxTokens must not be negative", name)
		}
	}
	if configured == 0 {
		return errors.New("config: at least one providers.<name>.apiKey is required (set in config.yaml or <NAME>_API_KEY)")
	}
	if !knownProvider(cfg.ImageProvider) {
		return fmt.Errorf("config: imageProvider %q is not a known provider", cfg.ImageProvider)
	}
	switch cfg.SMSTransport {
	case "signalwire":
		if cfg.SignalWireSpaceURL == "" || cfg.SignalWireProjectID == "" || cfg.SignalWireAPIToken == "" {
			return errors.New("config: signalwireSpaceURL, signalwireProjectID and signalwireAPIToken are required (set in config.yaml or SIGNALWIRE_SPACE_URL, SIGNALWIRE_PROJECT_ID, SIGNALWIRE_API_TOKEN)")
		}
	case "log":
	default:
		return fmt.Errorf("config: smsTransport must be signalwire or log, got %q", cfg.SMSTransport)
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minioAccessKey, minioSecretKey and minioBucket are required with minioEndpoint (set in config.yaml or MINIO_*)")
	}
	if cfg.OpsTokenSecret != "" && len(cfg.OpsTokenSecret) < 32 {
		return errors.New("config: opsTokenSecret must be at least 32 characters (set in config.yaml or RELAY_OPS_TOKEN_SECRET)")
	}
	return nil
}

func knownProvider(name string) bool {
	for _, p := range providerNames {
		if p == name {
			return true
		}
	}
	return false
}
