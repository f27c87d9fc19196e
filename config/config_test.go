package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "wabridge.yml")
	content := "system:\n  workdir: " + dir + "\n" +
		"web:\n  port: 9000\n" +
		"whatsapp:\n  base_url: http://sessions:3000\n  api_key: secret-key\n  timeout_sec: 5\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	cfg := LoadConfig(file)

	require.Equal(t, 9000, cfg.Web.Port)
	require.Equal(t, "http://sessions:3000", cfg.WhatsApp.BaseURL)
	require.Equal(t, 5*time.Second, cfg.WhatsApp.Timeout())
	require.Equal(t, 300*time.Second, cfg.WhatsApp.QRTTL())
	require.Equal(t, 3, cfg.WhatsApp.MaxRetries)
	require.Equal(t, "@every 30s", cfg.WhatsApp.RetryJobSpec)
	require.Equal(t, "sqlite", cfg.Database.Type)
	require.Equal(t, filepath.Join(dir, "logs", "wabridge.log"), cfg.Logger.Filename)
	require.DirExists(t, cfg.GetDataDir())
	require.DirExists(t, cfg.GetLogDir())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WABRIDGE_SYSTEM_WORKER_DIR", dir)
	t.Setenv("WABRIDGE_WEB_PORT", "7000")
	t.Setenv("WABRIDGE_WA_MAX_RETRIES", "5")
	t.Setenv("WABRIDGE_WA_WEBHOOK_SECRET", "hook")
	t.Setenv("WABRIDGE_MAIL_ENABLED", "true")
	t.Setenv("WABRIDGE_MAIL_TO", "a@example.com,b@example.com")
	t.Setenv("WABRIDGE_DB_PORT", "not-a-number")

	cfg := LoadConfig(filepath.Join(dir, "missing.yml"))

	require.Equal(t, dir, cfg.System.Workdir)
	require.Equal(t, 7000, cfg.Web.Port)
	require.Equal(t, 5, cfg.WhatsApp.MaxRetries)
	require.Equal(t, "hook", cfg.WhatsApp.WebhookSecret)
	require.True(t, cfg.Notify.Mail.Enabled)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Notify.Mail.To)
	require.Equal(t, DefaultAppConfig.Database.Port, cfg.Database.Port)
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := *DefaultAppConfig
	cfg.WhatsApp.APIKey = "very-secret"
	cfg.Web.APIToken = "admin-token"

	out := cfg.String()
	require.False(t, strings.Contains(out, "very-secret"))
	require.False(t, strings.Contains(out, "admin-token"))
	require.Contains(t, out, "base_url: http://127.0.0.1:3000")
	require.Equal(t, "very-secret", cfg.WhatsApp.APIKey)
}
