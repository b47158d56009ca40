package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func useConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	flagConfig = path
	t.Cleanup(func() { flagConfig = "" })
	for _, env := range []string{"CHATSYNC_BASE_URL", "CHATSYNC_TOKEN", "CHATSYNC_TRANSPORT",
		"CHATSYNC_WEBHOOK_SECRET", "CHATSYNC_VIEWER_ID", "CHATSYNC_LOG_LEVEL"} {
		t.Setenv(env, "")
	}
	return path
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	useConfigFile(t, "[server]\nbase_url = \"http://file\"\ntoken = \"file-token\"\n\n[engine]\nviewer_id = \"me\"\n")
	t.Setenv("CHATSYNC_TOKEN", "env-token")
	t.Setenv("CHATSYNC_LOG_LEVEL", "debug")

	cfg, err := readConfigFile()
	require.NoError(t, err)
	require.Equal(t, "file-token", cfg.Server.Token)

	applied := applyEnv(cfg)
	require.Equal(t, []string{"CHATSYNC_LOG_LEVEL", "CHATSYNC_TOKEN"}, applied)
	require.Equal(t, "env-token", cfg.Server.Token)
	require.Equal(t, "http://file", cfg.Server.BaseURL)
	require.Equal(t, "debug", cfg.Engine.LogLevel)
}

func TestConfigSet_DoesNotPersistOverrides(t *testing.T) {
	path := useConfigFile(t, "")
	t.Setenv("CHATSYNC_TOKEN", "env-token")

	require.NoError(t, configSetCmd.RunE(configSetCmd, []string{"engine.page_size", "50"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "page_size = 50")
	require.NotContains(t, string(data), "env-token")
}

func TestConfigSet_RejectsInvalidEngine(t *testing.T) {
	path := useConfigFile(t, "")

	err := configSetCmd.RunE(configSetCmd, []string{"engine.page_size", "500"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid [engine] section")
	require.NoFileExists(t, path)

	require.Error(t, configSetCmd.RunE(configSetCmd, []string{"engine.log_level", "loud"}))
	require.Error(t, configSetCmd.RunE(configSetCmd, []string{"engine.media_base_url", "not a url"}))
}

func TestConfig_Masked(t *testing.T) {
	cfg := Config{Server: ConfigServer{Token: "abcdefghwxyz", WebhookSecret: "short"}}
	m := cfg.masked()
	require.Equal(t, "abcd...wxyz", m.Server.Token)
	require.Equal(t, "*****", m.Server.WebhookSecret)
	require.Equal(t, "abcdefghwxyz", cfg.Server.Token, "the original is untouched")

	require.True(t, isSecret("server.token"))
	require.True(t, isSecret("server.webhook_secret"))
	require.False(t, isSecret("server.base_url"))
}
