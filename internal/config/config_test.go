package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_DATABASE_URL", "postgres://localhost/gema")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, 5*time.Minute, cfg.DefinitionCacheTTL)
	require.Equal(t, time.Second, cfg.CountdownInterval)
	require.Equal(t, 10, cfg.SubmitRateLimit)
	require.Equal(t, 10, cfg.UploadMaxSizeMB)
	require.Equal(t, "gema:assessments", cfg.RealtimeChannel)
	require.False(t, cfg.CloudinaryEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_DATABASE_URL", "postgres://localhost/gema")
	t.Setenv("GEMA_APP_PORT", ":9090")
	t.Setenv("GEMA_NATS_URL", "nats://localhost:4222")
	t.Setenv("GEMA_DEFINITION_CACHE_TTL", "30s")
	t.Setenv("GEMA_COUNTDOWN_INTERVAL", "250ms")
	t.Setenv("GEMA_SUBMIT_RATE_LIMIT", "3")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	require.Equal(t, 30*time.Second, cfg.DefinitionCacheTTL)
	require.Equal(t, 250*time.Millisecond, cfg.CountdownInterval)
	require.Equal(t, 3, cfg.SubmitRateLimit)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "")
	t.Setenv("GEMA_DATABASE_URL", "postgres://localhost/gema")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_COUNTDOWN_INTERVAL", "soon")

	_, err = Load()
	require.ErrorContains(t, err, "countdown.interval")
}
