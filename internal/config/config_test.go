package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Security:    DefaultSecurityConfig(),
		Sharding:    ShardingConfig{SessionShards: 16},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero session cap", func(c *Config) { c.Security.MaxSessionsPerUser = 0 }},
		{"negative token TTL", func(c *Config) { c.Security.TokenTTL = -1 }},
		{"weak PBKDF2", func(c *Config) { c.Security.PBKDF2Iterations = 500 }},
		{"bad AES key size", func(c *Config) { c.Security.DerivedKeyLength = 20 }},
		{"short salt", func(c *Config) { c.Security.SaltLength = 4 }},
		{"wrong IV size", func(c *Config) { c.Security.IVLength = 8 }},
		{"zero shards", func(c *Config) { c.Sharding.SessionShards = 0 }},
		{"kms without key id", func(c *Config) { c.KMS.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Environment = "production"
	assert.True(t, cfg.IsProduction())
}

func TestGetServerAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Server = ServerConfig{Host: "127.0.0.1", Port: 9090}
	assert.Equal(t, "127.0.0.1:9090", cfg.GetServerAddress())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitList("a:9092, b:9092"))
	assert.Empty(t, splitList(" , "))
}
