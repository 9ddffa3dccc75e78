package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration, loaded once at startup. The OTP
// core reads it but never mutates it.
type Config struct {
	Environment string

	Server  ServerConfig
	Logging LoggingConfig
	OTP     OTPConfig
	Store   StoreConfig
	Redis   RedisConfig
	SMTP    SMTPConfig
	SMS     SMSConfig
	Kafka   KafkaConfig
	IPRate  IPRateConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	CertFile     string
	KeyFile      string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// OTPConfig is the passcode policy.
type OTPConfig struct {
	Length         int
	Expiry         time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
	ThrottleWindow time.Duration
	ThrottleMax    int
	HashCost       int
	SweepInterval  time.Duration
	SendTimeout    time.Duration
}

type StoreConfig struct {
	// Backend selects the session store implementation: "memory" or "redis".
	Backend string
}

type RedisConfig struct {
	URL      string
	DB       int
	PoolSize int
}

type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromName    string
	FromAddress string
}

// SMSConfig points at a Twilio-compatible messaging API.
type SMSConfig struct {
	APIURL     string
	AccountSID string
	AuthToken  string
	FromNumber string
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type IPRateConfig struct {
	Window time.Duration
	Max    int
}

// LoadConfig reads configuration from the environment, with .env support
// for local development.
func LoadConfig() *Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 3000),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:     getEnv("SERVER_TLS_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_TLS_KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		OTP: OTPConfig{
			Length:         getEnvInt("OTP_LENGTH", 6),
			Expiry:         time.Duration(getEnvInt("OTP_EXPIRY_MINUTES", 5)) * time.Minute,
			MaxAttempts:    getEnvInt("MAX_OTP_ATTEMPTS", 3),
			ResendCooldown: time.Duration(getEnvInt("OTP_RESEND_COOLDOWN_SECONDS", 60)) * time.Second,
			ThrottleWindow: time.Duration(getEnvInt("OTP_THROTTLE_WINDOW_MINUTES", 5)) * time.Minute,
			ThrottleMax:    getEnvInt("OTP_THROTTLE_MAX", 3),
			HashCost:       getEnvInt("OTP_HASH_COST", 12),
			SweepInterval:  time.Duration(getEnvInt("OTP_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
			SendTimeout:    time.Duration(getEnvInt("OTP_SEND_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", "memory"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		SMTP: SMTPConfig{
			Host:        getEnv("SMTP_HOST", ""),
			Port:        getEnvInt("SMTP_PORT", 587),
			Username:    getEnv("SMTP_USERNAME", ""),
			Password:    getEnv("SMTP_PASSWORD", ""),
			FromName:    getEnv("EMAIL_FROM_NAME", "OTP Service"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		},
		SMS: SMSConfig{
			APIURL:     getEnv("SMS_API_URL", ""),
			AccountSID: getEnv("SMS_ACCOUNT_SID", ""),
			AuthToken:  getEnv("SMS_AUTH_TOKEN", ""),
			FromNumber: getEnv("SMS_FROM_NUMBER", ""),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvSlice("KAFKA_BROKERS"),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "otp-audit-events"),
		},
		IPRate: IPRateConfig{
			Window: time.Duration(getEnvInt("IP_RATE_LIMIT_WINDOW_MINUTES", 15)) * time.Minute,
			Max:    getEnvInt("IP_RATE_LIMIT_MAX", 10),
		},
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.OTP.Length <= 0 {
		return fmt.Errorf("OTP_LENGTH must be positive, got %d", c.OTP.Length)
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_OTP_ATTEMPTS must be positive, got %d", c.OTP.MaxAttempts)
	}
	if c.OTP.ThrottleMax <= 0 {
		return fmt.Errorf("OTP_THROTTLE_MAX must be positive, got %d", c.OTP.ThrottleMax)
	}
	if c.Store.Backend != "memory" && c.Store.Backend != "redis" {
		return fmt.Errorf("STORE_BACKEND must be memory or redis, got %q", c.Store.Backend)
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("TLS enabled but SERVER_TLS_CERT_FILE/SERVER_TLS_KEY_FILE not set")
	}
	if !c.EmailEnabled() && !c.SMSEnabled() {
		return fmt.Errorf("no delivery channel configured: set SMTP_HOST or SMS_ACCOUNT_SID")
	}
	return nil
}

// EmailEnabled reports whether the email channel can be served.
func (c *Config) EmailEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.FromAddress != ""
}

// SMSEnabled reports whether the SMS channel can be served. APIURL is
// optional; the notifier falls back to the Twilio endpoint.
func (c *Config) SMSEnabled() bool {
	return c.SMS.AccountSID != "" && c.SMS.AuthToken != "" && c.SMS.FromNumber != ""
}

// AuditEnabled reports whether audit events should go to Kafka.
func (c *Config) AuditEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var parts []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
