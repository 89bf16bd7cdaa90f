package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepstack/entitlements/pkg/config"
)

type webhookConfig struct {
	Secret string        `env:"TEST_WEBHOOK_SECRET" envDefault:"fallback"`
	MaxAge time.Duration `env:"TEST_WEBHOOK_MAX_AGE" envDefault:"5m"`
}

type requiredConfig struct {
	Value string `env:"TEST_REQUIRED_VALUE,required"`
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "whsec_abc")

	var cfg webhookConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "whsec_abc", cfg.Secret)
	assert.Equal(t, 5*time.Minute, cfg.MaxAge)
}

func TestLoad_CachesPerType(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "first")

	var first webhookConfig
	require.NoError(t, config.Load(&first))

	// A changed environment is not re-read for an already-loaded type.
	t.Setenv("TEST_WEBHOOK_SECRET", "second")
	var second webhookConfig
	require.NoError(t, config.Load(&second))
	assert.Equal(t, first.Secret, second.Secret)
}

func TestLoad_RequiredMissing(t *testing.T) {
	var cfg requiredConfig
	err := config.Load(&cfg)
	require.ErrorIs(t, err, config.ErrParsingConfig)
}

func TestLoad_NilPointer(t *testing.T) {
	err := config.Load[webhookConfig](nil)
	require.ErrorIs(t, err, config.ErrNilPointer)
}
