package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/jobq"
)

func TestLoadConfig_Defaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store)
	assert.Equal(t, jobq.DefaultConfig(), cfg.Engine)
	assert.Equal(t, "gemini-2.0-flash", cfg.Chat.Model)
	assert.EqualValues(t, 8192, cfg.Chat.MaxOutputTokens)
	assert.True(t, cfg.RunWorker)
	assert.False(t, cfg.Audit)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]func(v *viper.Viper){
		"unknown store":        func(v *viper.Viper) { v.Set("store", "etcd") },
		"postgres without dsn": func(v *viper.Viper) { v.Set("store", "postgres") },
		"zero concurrency":     func(v *viper.Viper) { v.Set("concurrency", 0) },
		"poll max below min":   func(v *viper.Viper) { v.Set("poll_max", time.Millisecond) },
		"no model":             func(v *viper.Viper) { v.Set("model_name", "") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			mutate(v)
			_, err := loadConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestDefaultConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobq.yaml")
	require.NoError(t, writeDefaultConfig(path, false))
	require.Error(t, writeDefaultConfig(path, false), "existing file must not be overwritten")
	require.NoError(t, writeDefaultConfig(path, true))

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, jobq.DefaultConfig(), cfg.Engine)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "store: \"redis\"")
}
