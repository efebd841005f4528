// Package config loads the runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment names with special behaviour.
const (
	EnvTest = "test" // deterministic in-process LLM provider
	EnvDev  = "dev"  // debug inspector enabled
)

// Settings is the flat runtime configuration. All durations come from
// *_S (seconds) environment variables.
type Settings struct {
	Env string

	// LLM provider
	LLMProviderName string
	LLMEndpoint     string
	LLMAPIKey       string
	LLMModel        string

	// Timeout profile
	LLMTimeout        time.Duration
	LLMConnectTimeout time.Duration
	LLMReadTimeout    time.Duration
	LLMWriteTimeout   time.Duration
	LLMPoolTimeout    time.Duration
	LLMTotalDeadline  time.Duration

	// Retries
	LLMMaxRetries           int
	LLMRetryAttemptsNetwork int

	// Circuit breaker
	LLMBreakerWindow        time.Duration
	LLMBreakerFailThreshold int
	LLMBreakerOpenFor       time.Duration

	// Idempotency
	StepIdempotencyTTL             time.Duration
	StepIdempotencyInProgressStale time.Duration

	// Prompts and narration
	PromptPlayMaxChars     int
	StoryNarrationLanguage string
	StoryDefaultLocale     string
	StoryFallbackLLM       bool
}

// Load reads settings from the environment, applying defaults.
func Load() (*Settings, error) {
	s := &Settings{
		Env:             getEnv("ENV", "dev"),
		LLMProviderName: getEnv("LLM_PROVIDER_NAME", "openai"),
		LLMEndpoint:     getEnv("LLM_ENDPOINT", "https://api.openai.com/v1"),
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		LLMModel:        getEnv("LLM_MODEL", "gpt-4o-mini"),

		StoryNarrationLanguage: getEnv("STORY_NARRATION_LANGUAGE", "en"),
		StoryDefaultLocale:     getEnv("STORY_DEFAULT_LOCALE", "en"),
	}

	var err error
	if s.LLMTimeout, err = getSeconds("LLM_TIMEOUT_S", 30); err != nil {
		return nil, err
	}
	if s.LLMConnectTimeout, err = getSeconds("LLM_CONNECT_TIMEOUT_S", 5); err != nil {
		return nil, err
	}
	if s.LLMReadTimeout, err = getSeconds("LLM_READ_TIMEOUT_S", 30); err != nil {
		return nil, err
	}
	if s.LLMWriteTimeout, err = getSeconds("LLM_WRITE_TIMEOUT_S", 10); err != nil {
		return nil, err
	}
	if s.LLMPoolTimeout, err = getSeconds("LLM_POOL_TIMEOUT_S", 5); err != nil {
		return nil, err
	}
	if s.LLMTotalDeadline, err = getSeconds("LLM_TOTAL_DEADLINE_S", 60); err != nil {
		return nil, err
	}
	if s.LLMBreakerWindow, err = getSeconds("LLM_CIRCUIT_BREAKER_WINDOW_S", 60); err != nil {
		return nil, err
	}
	if s.LLMBreakerOpenFor, err = getSeconds("LLM_CIRCUIT_BREAKER_OPEN_S", 30); err != nil {
		return nil, err
	}
	if s.StepIdempotencyTTL, err = getSeconds("STEP_IDEMPOTENCY_TTL_S", 24*3600); err != nil {
		return nil, err
	}
	if s.StepIdempotencyInProgressStale, err = getSeconds("STEP_IDEMPOTENCY_IN_PROGRESS_STALE_S", 120); err != nil {
		return nil, err
	}

	if s.LLMMaxRetries, err = getInt("LLM_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if s.LLMRetryAttemptsNetwork, err = getInt("LLM_RETRY_ATTEMPTS_NETWORK", 3); err != nil {
		return nil, err
	}
	if s.LLMBreakerFailThreshold, err = getInt("LLM_CIRCUIT_BREAKER_FAIL_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if s.PromptPlayMaxChars, err = getInt("LLM_PROMPT_PLAY_MAX_CHARS", 8000); err != nil {
		return nil, err
	}
	if s.StoryFallbackLLM, err = getBool("STORY_FALLBACK_LLM_ENABLED", true); err != nil {
		return nil, err
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.LLMMaxRetries < 1 {
		return fmt.Errorf("LLM_MAX_RETRIES must be >= 1, got %d", s.LLMMaxRetries)
	}
	if s.LLMRetryAttemptsNetwork < 1 {
		return fmt.Errorf("LLM_RETRY_ATTEMPTS_NETWORK must be >= 1, got %d", s.LLMRetryAttemptsNetwork)
	}
	if s.LLMBreakerFailThreshold < 1 {
		return fmt.Errorf("LLM_CIRCUIT_BREAKER_FAIL_THRESHOLD must be >= 1, got %d", s.LLMBreakerFailThreshold)
	}
	if s.PromptPlayMaxChars < 500 {
		return fmt.Errorf("LLM_PROMPT_PLAY_MAX_CHARS must be >= 500, got %d", s.PromptPlayMaxChars)
	}
	if s.LLMAPIKey == "" && s.Env != EnvTest && s.Env != EnvDev {
		return fmt.Errorf("LLM_API_KEY is required outside test/dev environments")
	}
	return nil
}

// IsTest reports whether the deterministic test provider is selected.
func (s *Settings) IsTest() bool { return s.Env == EnvTest }

// IsDev reports whether dev-only surfaces (debug inspector) are enabled.
func (s *Settings) IsDev() bool { return s.Env == EnvDev }

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getSeconds(key string, defaultSeconds int) (time.Duration, error) {
	n, err := getInt(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be >= 0, got %d", key, n)
	}
	return time.Duration(n) * time.Second, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
