package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", s.Env)
	assert.True(t, s.IsDev())
	assert.False(t, s.IsTest())

	assert.Equal(t, 30*time.Second, s.LLMTimeout)
	assert.Equal(t, 60*time.Second, s.LLMTotalDeadline)
	assert.Equal(t, 3, s.LLMMaxRetries)
	assert.Equal(t, 5, s.LLMBreakerFailThreshold)
	assert.Equal(t, 24*time.Hour, s.StepIdempotencyTTL)
	assert.Equal(t, 2*time.Minute, s.StepIdempotencyInProgressStale)
	assert.Equal(t, 8000, s.PromptPlayMaxChars)
	assert.True(t, s.StoryFallbackLLM)
	assert.Equal(t, "en", s.StoryNarrationLanguage)
}

func TestLoad_SecondsOverrides(t *testing.T) {
	t.Setenv("LLM_TIMEOUT_S", "7")
	t.Setenv("STEP_IDEMPOTENCY_TTL_S", "3600")
	t.Setenv("STORY_FALLBACK_LLM_ENABLED", "false")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7*time.Second, s.LLMTimeout)
	assert.Equal(t, time.Hour, s.StepIdempotencyTTL)
	assert.False(t, s.StoryFallbackLLM)
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "non-numeric seconds", key: "LLM_TIMEOUT_S", value: "soon"},
		{name: "negative seconds", key: "LLM_CIRCUIT_BREAKER_OPEN_S", value: "-5"},
		{name: "zero retries", key: "LLM_MAX_RETRIES", value: "0"},
		{name: "zero network retries", key: "LLM_RETRY_ATTEMPTS_NETWORK", value: "0"},
		{name: "zero breaker threshold", key: "LLM_CIRCUIT_BREAKER_FAIL_THRESHOLD", value: "0"},
		{name: "prompt budget too small", key: "LLM_PROMPT_PLAY_MAX_CHARS", value: "100"},
		{name: "bad bool", key: "STORY_FALLBACK_LLM_ENABLED", value: "sometimes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_APIKeyRequiredOutsideTestAndDev(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("LLM_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_API_KEY")

	t.Setenv("LLM_API_KEY", "sk-test-0000")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", s.Env)
}
