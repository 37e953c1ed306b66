package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CONFIG_PATH.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	TrustedProxies []string `yaml:"trustedProxies"`

	DatabaseURL string `yaml:"databaseURL"`

	StorageBackend string `yaml:"storageBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	S3Region       string `yaml:"s3Region"`
	S3Endpoint     string `yaml:"s3Endpoint"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3PathStyle    bool   `yaml:"s3PathStyle"`

	LLMProvider       string `yaml:"llmProvider"`
	LLMModel          string `yaml:"llmModel"`
	LLMAPIKey         string `yaml:"llmAPIKey"`
	LLMBaseURL        string `yaml:"llmBaseURL"`
	LLMMaxTokens      int    `yaml:"llmMaxTokens"`
	LLMTimeoutSeconds int    `yaml:"llmTimeoutSeconds"`
	RetryBaseDelayMs  int    `yaml:"retryBaseDelayMs"`
	PromptConcurrency int    `yaml:"promptConcurrency"`
	AnswerConcurrency int    `yaml:"answerConcurrency"`
	DisablePdftotext  bool   `yaml:"disablePdftotext"`

	JWTSecret        string `yaml:"jwtSecret"`
	JWTJWKSURL       string `yaml:"jwtJwksURL"`
	JWTIssuer        string `yaml:"jwtIssuer"`
	JWTAudience      string `yaml:"jwtAudience"`
	JWTLeewaySeconds int    `yaml:"jwtLeewaySeconds"`

	RedisAddr                string `yaml:"redisAddr"`
	RedisPassword            string `yaml:"redisPassword"`
	QueueName                string `yaml:"queueName"`
	AsyncGeneration          bool   `yaml:"asyncGeneration"`
	UploadRateLimitPerMinute int    `yaml:"uploadRateLimitPerMinute"`
	MaxUploadBytes           int64  `yaml:"maxUploadBytes"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`
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
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.S3AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.S3SecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("LLM_RETRY_BASE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryBaseDelayMs = n
		}
	}
	if v := os.Getenv("EXAMPILOT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("EXAMPILOT_JWT_JWKS_URL"); v != "" {
		cfg.JWTJWKSURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("EXAMPILOT_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("EXAMPILOT_ASYNC_GENERATION"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.AsyncGeneration = enabled
		}
	}
	if v := os.Getenv("EXAMPILOT_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("EXAMPILOT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "", "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio storage backend")
		}
	case "s3":
		if cfg.S3Bucket == "" || cfg.S3Region == "" {
			return errors.New("config: s3Bucket and s3Region are required for the s3 storage backend")
		}
	default:
		return fmt.Errorf("config: storageBackend %q is not supported (minio, s3)", cfg.StorageBackend)
	}
	if err := validateLLM(cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMBaseURL); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" && strings.TrimSpace(cfg.JWTJWKSURL) == "" {
		return errors.New("config: user auth requires jwtSecret or jwtJwksURL (EXAMPILOT_JWT_SECRET / EXAMPILOT_JWT_JWKS_URL)")
	}
	if cfg.AsyncGeneration && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when asyncGeneration=true")
	}
	if cfg.UploadRateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when uploadRateLimitPerMinute > 0")
	}
	if cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: uploadRateLimitPerMinute must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.PromptConcurrency < 0 || cfg.AnswerConcurrency < 0 {
		return errors.New("config: promptConcurrency and answerConcurrency must be >= 0")
	}
	return nil
}

func validateLLM(provider, apiKey, baseURL string) error {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai", "anthropic", "gemini":
		if strings.TrimSpace(apiKey) == "" {
			return errors.New("config: llmAPIKey is required (set in config.yaml or LLM_API_KEY)")
		}
	case "openai-compatible":
		if strings.TrimSpace(baseURL) == "" {
			return errors.New("config: llmBaseURL is required for openai-compatible providers")
		}
	case "":
		return errors.New("config: llmProvider is required (openai, anthropic, gemini, openai-compatible)")
	default:
		return fmt.Errorf("config: llmProvider %q is not supported", provider)
	}
	return nil
}
