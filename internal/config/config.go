package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// Store settings
	StorePath string
	LogLevel  string

	// Pipeline settings
	PollInterval            time.Duration
	ContextWindowSize       int
	AutoConfidenceThreshold float64
	MaxAutoTurnsPerThread   int
	RetryMaxAttempts        int
	RetryBackoffBase        time.Duration
	CallTimeout             time.Duration
	MaxParallelThreads      int

	// Classifier settings
	GeminiAPIKey       string
	GeminiModel        string
	ProductOffer       string
	ProductDescription string

	// Operator notifications go to this address
	NotifyEmail string

	// Mailbox account
	Account AccountConfig
}

// AccountConfig holds the IMAP/SMTP settings for the campaign mailbox
type AccountConfig struct {
	FromName string
	Mailbox  string

	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
}

// LoadConfig loads configuration from the environment. A .env file in the
// working directory is applied first when present.
func LoadConfig() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		StorePath: getEnv("STORE_PATH", "/data/smartreach.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		PollInterval:            time.Duration(getEnvInt("POLL_INTERVAL_MINUTES", 15)) * time.Minute,
		ContextWindowSize:       getEnvInt("CONTEXT_WINDOW_SIZE", 5),
		AutoConfidenceThreshold: getEnvFloat("AUTO_CONFIDENCE_THRESHOLD", 0.8),
		MaxAutoTurnsPerThread:   getEnvInt("MAX_AUTO_TURNS_PER_THREAD", 2),
		RetryMaxAttempts:        getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBackoffBase:        time.Duration(getEnvInt("RETRY_BACKOFF_BASE_MS", 500)) * time.Millisecond,
		CallTimeout:             time.Duration(getEnvInt("CALL_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxParallelThreads:      getEnvInt("MAX_PARALLEL_THREADS", 4),

		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		ProductOffer:       getEnv("PRODUCT_OFFER", ""),
		ProductDescription: getEnv("PRODUCT_DESCRIPTION", ""),

		NotifyEmail: getEnv("NOTIFY_EMAIL", ""),
	}

	account, err := loadAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox account: %w", err)
	}
	cfg.Account = *account

	return cfg, nil
}

// loadAccount loads the mailbox account configuration from environment variables
func loadAccount() (*AccountConfig, error) {
	acc := &AccountConfig{
		FromName: getEnv("FROM_NAME", "Customer Service"),
		Mailbox:  getEnv("IMAP_MAILBOX", "INBOX"),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPUsername: getEnv("IMAP_USERNAME", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
	}

	if acc.IMAPHost == "" || acc.SMTPHost == "" {
		return nil, fmt.Errorf("IMAP_HOST and SMTP_HOST are required")
	}
	if acc.IMAPUsername == "" || acc.SMTPUsername == "" {
		return nil, fmt.Errorf("IMAP_USERNAME and SMTP_USERNAME are required")
	}
	if acc.IMAPPassword == "" || acc.SMTPPassword == "" {
		return nil, fmt.Errorf("IMAP_PASSWORD and SMTP_PASSWORD are required")
	}

	return acc, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets an environment variable as a float or returns a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// Validate validates the configuration. Any violation here is fatal at
// startup: the process refuses to run rather than misbehave later.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("STORE_PATH is required")
	}
	if c.PollInterval < time.Minute {
		return fmt.Errorf("POLL_INTERVAL_MINUTES must be at least 1")
	}
	if c.ContextWindowSize < 1 {
		return fmt.Errorf("CONTEXT_WINDOW_SIZE must be at least 1")
	}
	if c.AutoConfidenceThreshold < 0 || c.AutoConfidenceThreshold > 1 {
		return fmt.Errorf("AUTO_CONFIDENCE_THRESHOLD must be between 0.0 and 1.0")
	}
	if c.MaxAutoTurnsPerThread < 0 {
		return fmt.Errorf("MAX_AUTO_TURNS_PER_THREAD must not be negative")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("RETRY_BACKOFF_BASE_MS must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT_SECONDS must be positive")
	}
	if c.MaxParallelThreads < 1 {
		return fmt.Errorf("MAX_PARALLEL_THREADS must be at least 1")
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.NotifyEmail == "" {
		return fmt.Errorf("NOTIFY_EMAIL is required")
	}

	acc := &c.Account
	if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
		return fmt.Errorf("invalid IMAP_PORT")
	}
	if acc.SMTPPort < 1 || acc.SMTPPort > 65535 {
		return fmt.Errorf("invalid SMTP_PORT")
	}

	return nil
}
