package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the tutoring chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	Model           string
	MaxOutputTokens int
	ReasoningEffort string
	MaxResponses    int

	PromptsDir     string
	HintScriptPath string

	LLMMode       string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	MongoURI      string
	MongoDatabase string
	DatabaseURL   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "studybuddy"),
		Model:            envOrDefault("LLM_MODEL", "gpt-5"),
		MaxOutputTokens:  500,
		ReasoningEffort:  envOrDefault("LLM_REASONING_EFFORT", "minimal"),
		MaxResponses:     1000,
		PromptsDir:       envOrDefault("PROMPTS_DIR", "./prompts"),
		HintScriptPath:   envOrDefault("HINT_SCRIPT_PATH", "./prompts/solution.md"),
		LLMMode:          envOrDefault("LLM_MODE", "auto"),
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:    trimmedEnv("OPENAI_BASE_URL"),
		MongoURI:         trimmedEnv("MONGODB_CONNECTION_STRING"),
		MongoDatabase:    envOrDefault("MONGODB_DATABASE", "rabbitbot"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxOutputTokens, err = intFromEnv("LLM_MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxResponses, err = intFromEnv("APP_MAX_RESPONSES", cfg.MaxResponses)
	if err != nil {
		return Config{}, err
	}

	switch cfg.LLMMode {
	case "auto", "api", "mock":
	default:
		return Config{}, fmt.Errorf("LLM_MODE must be auto, api, or mock, got %q", cfg.LLMMode)
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MaxOutputTokens <= 0 {
		return Config{}, fmt.Errorf("LLM_MAX_OUTPUT_TOKENS must be positive")
	}
	if cfg.MaxResponses <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_RESPONSES must be positive")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("LLM_MODEL must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
