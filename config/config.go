package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig system configuration
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig admin and webhook HTTP server
type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// APIToken protects the admin API with a bearer token when set
	APIToken string `yaml:"api_token" json:"-"`
}

// DBConfig database configuration, type is sqlite or postgres
type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// LogConfig logging configuration
type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// WhatsAppConfig remote session service and bridge tuning
type WhatsAppConfig struct {
	BaseURL           string `yaml:"base_url" json:"base_url"`
	APIKey            string `yaml:"api_key" json:"-"`
	WebhookSecret     string `yaml:"webhook_secret" json:"-"`
	TimeoutSec        int    `yaml:"timeout_sec" json:"timeout_sec"`
	QRTTLSec          int    `yaml:"qr_ttl_sec" json:"qr_ttl_sec"`
	MaxRetries        int    `yaml:"max_retries" json:"max_retries"`
	RetryBatchSize    int    `yaml:"retry_batch_size" json:"retry_batch_size"`
	RetryJobSpec      string `yaml:"retry_job_spec" json:"retry_job_spec"`
	BulkWorkers       int    `yaml:"bulk_workers" json:"bulk_workers"`
	BulkDelayMs       int    `yaml:"bulk_delay_ms" json:"bulk_delay_ms"`
	HealthIntervalSec int    `yaml:"health_interval_sec" json:"health_interval_sec"`
}

// Timeout per-command cutoff
func (c WhatsAppConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// QRTTL validity window of a pairing code
func (c WhatsAppConfig) QRTTL() time.Duration {
	return time.Duration(c.QRTTLSec) * time.Second
}

// BulkDelay default pacing between bulk dispatches
func (c WhatsAppConfig) BulkDelay() time.Duration {
	return time.Duration(c.BulkDelayMs) * time.Millisecond
}

// MailConfig SMTP notification sink
type MailConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"-"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
}

// NotifyConfig status-change notification sinks
type NotifyConfig struct {
	LogEnable bool       `yaml:"log_enable" json:"log_enable"`
	Mail      MailConfig `yaml:"mail" json:"mail"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DBConfig       `yaml:"database" json:"database"`
	Logger   LogConfig      `yaml:"logger" json:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" json:"whatsapp"`
	Notify   NotifyConfig   `yaml:"notify" json:"notify"`
}

// GetLogDir log directory under workdir
func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

// GetDataDir data directory under workdir
func (c *AppConfig) GetDataDir() string {
	return filepath.Join(c.System.Workdir, "data")
}

// String renders the config as yaml with secrets masked
func (c *AppConfig) String() string {
	masked := *c
	mask(&masked.Web.APIToken)
	mask(&masked.Database.Passwd)
	mask(&masked.WhatsApp.APIKey)
	mask(&masked.WhatsApp.WebhookSecret)
	mask(&masked.Notify.Mail.Password)
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return err.Error()
	}
	return string(data)
}

func mask(s *string) {
	if *s != "" {
		*s = "******"
	}
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WaBridge",
		Location: "Asia/Jakarta",
		Workdir:  "/var/wabridge",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DBConfig{
		Type:     "sqlite",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wabridge.db",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
		Debug:    false,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wabridge/logs/wabridge.log",
	},
	WhatsApp: WhatsAppConfig{
		BaseURL:           "http://127.0.0.1:3000",
		TimeoutSec:        30,
		QRTTLSec:          300,
		MaxRetries:        3,
		RetryBatchSize:    10,
		RetryJobSpec:      "@every 30s",
		BulkWorkers:       4,
		BulkDelayMs:       1000,
		HealthIntervalSec: 60,
	},
	Notify: NotifyConfig{
		LogEnable: true,
		Mail: MailConfig{
			Port: 587,
		},
	},
}

// LoadConfig reads cfile (yaml), falls back to defaults for every zero value
// and applies WABRIDGE_* environment overrides.
func LoadConfig(cfile string) *AppConfig {
	if cfile == "" {
		cfile = "wabridge.yml"
	}
	cfg := new(AppConfig)
	if data, err := os.ReadFile(cfile); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			panic(err)
		}
	} else {
		*cfg = *DefaultAppConfig
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	cfg.initDirs()
	return cfg
}

func (c *AppConfig) applyDefaults() {
	d := DefaultAppConfig
	setString(&c.System.Appid, d.System.Appid)
	setString(&c.System.Location, d.System.Location)
	setString(&c.System.Workdir, d.System.Workdir)
	setString(&c.Web.Host, d.Web.Host)
	setInt(&c.Web.Port, d.Web.Port)
	setString(&c.Database.Type, d.Database.Type)
	setString(&c.Database.Host, d.Database.Host)
	setInt(&c.Database.Port, d.Database.Port)
	setString(&c.Database.Name, d.Database.Name)
	setInt(&c.Database.MaxConn, d.Database.MaxConn)
	setInt(&c.Database.IdleConn, d.Database.IdleConn)
	setString(&c.Logger.Mode, d.Logger.Mode)
	setString(&c.Logger.Filename, filepath.Join(c.System.Workdir, "logs", "wabridge.log"))
	setString(&c.WhatsApp.BaseURL, d.WhatsApp.BaseURL)
	setInt(&c.WhatsApp.TimeoutSec, d.WhatsApp.TimeoutSec)
	setInt(&c.WhatsApp.QRTTLSec, d.WhatsApp.QRTTLSec)
	setInt(&c.WhatsApp.MaxRetries, d.WhatsApp.MaxRetries)
	setInt(&c.WhatsApp.RetryBatchSize, d.WhatsApp.RetryBatchSize)
	setString(&c.WhatsApp.RetryJobSpec, d.WhatsApp.RetryJobSpec)
	setInt(&c.WhatsApp.BulkWorkers, d.WhatsApp.BulkWorkers)
	setInt(&c.WhatsApp.BulkDelayMs, d.WhatsApp.BulkDelayMs)
	setInt(&c.WhatsApp.HealthIntervalSec, d.WhatsApp.HealthIntervalSec)
	setInt(&c.Notify.Mail.Port, d.Notify.Mail.Port)
}

func (c *AppConfig) applyEnv() {
	envString("WABRIDGE_SYSTEM_WORKER_DIR", &c.System.Workdir)
	envString("WABRIDGE_SYSTEM_LOCATION", &c.System.Location)
	envBool("WABRIDGE_SYSTEM_DEBUG", &c.System.Debug)
	envString("WABRIDGE_WEB_HOST", &c.Web.Host)
	envInt("WABRIDGE_WEB_PORT", &c.Web.Port)
	envString("WABRIDGE_WEB_API_TOKEN", &c.Web.APIToken)
	envString("WABRIDGE_DB_TYPE", &c.Database.Type)
	envString("WABRIDGE_DB_HOST", &c.Database.Host)
	envInt("WABRIDGE_DB_PORT", &c.Database.Port)
	envString("WABRIDGE_DB_NAME", &c.Database.Name)
	envString("WABRIDGE_DB_USER", &c.Database.User)
	envString("WABRIDGE_DB_PWD", &c.Database.Passwd)
	envBool("WABRIDGE_DB_DEBUG", &c.Database.Debug)
	envString("WABRIDGE_LOGGER_MODE", &c.Logger.Mode)
	envBool("WABRIDGE_LOGGER_FILE_ENABLE", &c.Logger.FileEnable)
	envString("WABRIDGE_WA_BASE_URL", &c.WhatsApp.BaseURL)
	envString("WABRIDGE_WA_API_KEY", &c.WhatsApp.APIKey)
	envString("WABRIDGE_WA_WEBHOOK_SECRET", &c.WhatsApp.WebhookSecret)
	envInt("WABRIDGE_WA_TIMEOUT_SEC", &c.WhatsApp.TimeoutSec)
	envInt("WABRIDGE_WA_MAX_RETRIES", &c.WhatsApp.MaxRetries)
	envInt("WABRIDGE_WA_RETRY_BATCH_SIZE", &c.WhatsApp.RetryBatchSize)
	envString("WABRIDGE_WA_RETRY_JOB_SPEC", &c.WhatsApp.RetryJobSpec)
	envBool("WABRIDGE_MAIL_ENABLED", &c.Notify.Mail.Enabled)
	envString("WABRIDGE_MAIL_HOST", &c.Notify.Mail.Host)
	envInt("WABRIDGE_MAIL_PORT", &c.Notify.Mail.Port)
	envString("WABRIDGE_MAIL_USERNAME", &c.Notify.Mail.Username)
	envString("WABRIDGE_MAIL_PASSWORD", &c.Notify.Mail.Password)
	envString("WABRIDGE_MAIL_FROM", &c.Notify.Mail.From)
	if v := strings.TrimSpace(os.Getenv("WABRIDGE_MAIL_TO")); v != "" {
		c.Notify.Mail.To = strings.Split(v, ",")
	}
}

func setString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

func envString(name string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := cast.ToIntE(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if b, err := cast.ToBoolE(v); err == nil {
			*dst = b
		}
	}
}
