package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ADMIN_DATABASE_URL", "")
	t.Setenv("PORT", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 15*time.Minute, cfg.ProposalTTL)
	assert.Equal(t, 60*time.Second, cfg.APITimeout)
	assert.Equal(t, 10*time.Minute, cfg.ToolTimeout)
	// Without a dedicated admin DSN the app DSN is reused.
	assert.Equal(t, cfg.DatabaseURL, cfg.AdminDatabaseURL)
}

func TestLoadHonoursEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app@db/majel")
	t.Setenv("ADMIN_DATABASE_URL", "postgres://owner@db/majel")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("PROPOSAL_TTL_MINUTES", "5")

	cfg := Load()
	assert.Equal(t, "postgres://app@db/majel", cfg.DatabaseURL)
	assert.Equal(t, "postgres://owner@db/majel", cfg.AdminDatabaseURL)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, 5*time.Minute, cfg.ProposalTTL)
}
