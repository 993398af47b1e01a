package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"lingochat/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const DefaultPath = "configs/config.yaml"

const (
	SpeechProviderOpenAI    = "openai"
	SpeechProviderSpeechKit = "speechkit"
)

type Config struct {
	Debug bool `yaml:"debug" env:"DEBUG" env-default:"false"`

	HTTP struct {
		Addr        string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
		WaitTimeout time.Duration `yaml:"wait_timeout" env:"HTTP_WAIT_TIMEOUT" env-default:"10s"`
	} `yaml:"http"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
		JWKSURL   string `yaml:"jwks_url" env:"AUTH_JWKS_URL"`
	} `yaml:"auth"`

	Postgres struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"postgres"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	} `yaml:"s3"`

	Redis struct {
		Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string        `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
		TTL      time.Duration `yaml:"ttl" env:"REDIS_TTL" env-default:"24h"`
	} `yaml:"redis"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	OpenAI struct {
		APIKey    string        `yaml:"api_key" env:"OPENAI_API_KEY"`
		BaseURL   string        `yaml:"base_url" env:"OPENAI_BASE_URL"`
		ChatModel string        `yaml:"chat_model" env:"OPENAI_CHAT_MODEL" env-default:"gpt-4o-mini"`
		STTModel  string        `yaml:"stt_model" env:"OPENAI_STT_MODEL" env-default:"whisper-1"`
		TTSModel  string        `yaml:"tts_model" env:"OPENAI_TTS_MODEL" env-default:"tts-1"`
		TTSVoice  string        `yaml:"tts_voice" env:"OPENAI_TTS_VOICE" env-default:"alloy"`
		Timeout   time.Duration `yaml:"timeout" env:"OPENAI_TIMEOUT" env-default:"60s"`
	} `yaml:"openai"`

	SpeechKit struct {
		FolderID string `yaml:"folder_id" env:"YANDEX_FOLDER_ID"`
		APIKey   string `yaml:"api_key" env:"YANDEX_API_KEY"`
		Language string `yaml:"language" env:"YANDEX_LANGUAGE" env-default:"ru-RU"`
		Voice    string `yaml:"voice" env:"YANDEX_VOICE" env-default:"alena"`
	} `yaml:"speechkit"`

	Speech struct {
		Provider string `yaml:"provider" env:"SPEECH_PROVIDER" env-default:"openai"`
	} `yaml:"speech"`

	Queue struct {
		DataDir       string        `yaml:"data_dir" env:"QUEUE_DATA_DIR" env-default:"./data"`
		Disabled      bool          `yaml:"disabled" env:"QUEUE_PERSISTENCE_DISABLED" env-default:"false"`
		MaxBytes      int64         `yaml:"max_bytes" env:"QUEUE_MAX_BYTES" env-default:"67108864"`
		RetryInterval time.Duration `yaml:"retry_interval" env:"QUEUE_RETRY_INTERVAL" env-default:"30s"`
		MaxAttempts   int           `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS" env-default:"4"`
		CallTimeout   time.Duration `yaml:"call_timeout" env:"QUEUE_CALL_TIMEOUT" env-default:"20s"`
		ProbeAddr     string        `yaml:"probe_addr" env:"QUEUE_PROBE_ADDR" env-default:"api.openai.com:443"`
		ProbeInterval time.Duration `yaml:"probe_interval" env:"QUEUE_PROBE_INTERVAL" env-default:"15s"`
	} `yaml:"queue"`

	Pipeline struct {
		Concurrency    int           `yaml:"concurrency" env:"PIPELINE_CONCURRENCY" env-default:"4"`
		SynthRate      int           `yaml:"synth_rate" env:"PIPELINE_SYNTH_RATE" env-default:"10"`
		ServiceTimeout time.Duration `yaml:"service_timeout" env:"PIPELINE_SERVICE_TIMEOUT" env-default:"60s"`
	} `yaml:"pipeline"`

	Worker struct {
		Concurrency int `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"4"`
	} `yaml:"worker"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"METRICS_ENABLED" env-default:"true"`
	} `yaml:"metrics"`
}

// LoadConfig reads the YAML file at CONFIG_PATH (or DefaultPath) and applies
// environment overrides. A missing file is not an error.
func LoadConfig() (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read env: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully", zap.String("speech_provider", cfg.Speech.Provider))
	return &cfg, nil
}

// Validate checks values that would make the service misbehave silently
func (c *Config) Validate() error {
	switch c.Speech.Provider {
	case SpeechProviderOpenAI, SpeechProviderSpeechKit:
	default:
		return fmt.Errorf("speech.provider must be %q or %q, got %q",
			SpeechProviderOpenAI, SpeechProviderSpeechKit, c.Speech.Provider)
	}
	if c.Queue.RetryInterval <= 0 {
		return errors.New("queue.retry_interval must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Queue.CallTimeout <= 0 {
		return errors.New("queue.call_timeout must be positive")
	}
	if c.Pipeline.Concurrency < 1 {
		return errors.New("pipeline.concurrency must be at least 1")
	}
	if c.Pipeline.SynthRate < 1 {
		return errors.New("pipeline.synth_rate must be at least 1")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be at least 1")
	}
	return nil
}
