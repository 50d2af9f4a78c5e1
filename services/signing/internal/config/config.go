package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location; SIGNFLOW_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := strings.TrimSpace(os.Getenv("SIGNFLOW_CONFIG")); v != "" {
		ConfigPath = v
	}
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioRegion    string `yaml:"minioRegion"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	QueueStream      string `yaml:"queueStream"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxRetries  int    `yaml:"queueMaxRetries"`
	SealMaxRetries   int    `yaml:"sealMaxRetries"`

	PublicRateLimitPerMinute int  `yaml:"publicRateLimitPerMinute"`
	RateLimitFailOpen        bool `yaml:"rateLimitFailOpen"`

	PublicBaseURL  string `yaml:"publicBaseURL"`
	ContractPrefix string `yaml:"contractPrefix"`
	LegalBasis     string `yaml:"legalBasis"`
	WatermarkText  string `yaml:"watermarkText"`

	DocumentTokenTTL string `yaml:"documentTokenTTL"`
	SignTokenTTL     string `yaml:"signTokenTTL"`
	PresignExpiry    string `yaml:"presignExpiry"`
	ResealInterval   string `yaml:"resealInterval"`
	MaxUploadBytes   int64  `yaml:"maxUploadBytes"`

	AuthJWKSURL       string `yaml:"authJwksURL"`
	AuthPublicKeyPath string `yaml:"authPublicKeyPath"`
	JWTIssuer         string `yaml:"jwtIssuer"`
	JWTAudience       string `yaml:"jwtAudience"`
	JWTLeeway         string `yaml:"jwtLeeway"`

	OpsJWTPublicKeyPath    string   `yaml:"opsJwtPublicKeyPath"`
	OpsJWTKeyID            string   `yaml:"opsJwtKeyId"`
	OpsJWTVerifyPublicKeys string   `yaml:"opsJwtVerifyPublicKeys"`
	OpsJWTAllowedIssuers   []string `yaml:"opsJwtAllowedIssuers"`

	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	MailFrom     string `yaml:"mailFrom"`
	AMQPURL      string `yaml:"amqpURL"`
	AMQPQueue    string `yaml:"amqpQueue"`

	CORSOrigins    []string `yaml:"corsOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to ConfigPath).
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
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setString(&cfg.MinioRegion, "MINIO_REGION")
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&cfg.ContractPrefix, "SIGNFLOW_CONTRACT_PREFIX")
	setString(&cfg.AuthJWKSURL, "AUTH_JWKS_URL")
	setString(&cfg.AuthPublicKeyPath, "AUTH_PUBLIC_KEY_PATH")
	setString(&cfg.OpsJWTPublicKeyPath, "OPS_JWT_PUBLIC_KEY_PATH")
	setString(&cfg.SMTPHost, "SMTP_HOST")
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	setString(&cfg.SMTPUsername, "SMTP_USERNAME")
	setString(&cfg.SMTPPassword, "SMTP_PASSWORD")
	setString(&cfg.MailFrom, "SMTP_FROM")
	setString(&cfg.AMQPURL, "AMQP_URL")
	if v := os.Getenv("SIGNFLOW_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("SIGNFLOW_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("SIGNFLOW_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "signflow:jobs"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.PublicRateLimitPerMinute <= 0 {
		cfg.PublicRateLimitPerMinute = 30
	}
	if cfg.ContractPrefix == "" {
		cfg.ContractPrefix = "CTR"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.ResealInterval == "" {
		cfg.ResealInterval = "10m"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
		return errors.New("config: minio credentials are required (set in config.yaml or MINIO_ACCESS_KEY/MINIO_SECRET_KEY)")
	}
	if cfg.PublicBaseURL == "" {
		return errors.New("config: publicBaseURL is required (set in config.yaml or PUBLIC_BASE_URL)")
	}
	if !strings.HasPrefix(cfg.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return errors.New("config: publicBaseURL must be an http(s) URL")
	}
	if cfg.AuthJWKSURL == "" && cfg.AuthPublicKeyPath == "" {
		return errors.New("config: authJwksURL or authPublicKeyPath is required")
	}
	if cfg.SMTPHost != "" && cfg.AMQPURL != "" {
		return errors.New("config: configure either smtpHost or amqpURL, not both")
	}
	if cfg.SMTPHost != "" && cfg.MailFrom == "" {
		return errors.New("config: mailFrom is required when smtpHost is set")
	}
	if (cfg.OpsJWTPublicKeyPath != "" || cfg.OpsJWTVerifyPublicKeys != "") && len(cfg.OpsJWTAllowedIssuers) == 0 {
		return errors.New("config: opsJwtAllowedIssuers is required when opsJwtPublicKeyPath is set")
	}
	for name, raw := range map[string]string{
		"documentTokenTTL": cfg.DocumentTokenTTL,
		"signTokenTTL":     cfg.SignTokenTTL,
		"presignExpiry":    cfg.PresignExpiry,
		"resealInterval":   cfg.ResealInterval,
		"jwtLeeway":        cfg.JWTLeeway,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration; empty yields zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: negative", name)
	}
	return dur, nil
}

// DurationOrZero parses a duration already checked by validateConfig.
// Blank or malformed input yields zero, which callers treat as "use the
// default".
func DurationOrZero(raw string) time.Duration {
	dur, _ := ParseDuration("", raw)
	return dur
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
