package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trade-narrator/infrastructure/logger"
)

// ErrMissingSecret 缺少交易所凭证，进程不应启动
var ErrMissingSecret = errors.New("config: missing secret")

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env      string         `yaml:"env"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Storage  StorageConfig  `yaml:"storage"`
	Session  SessionConfig  `yaml:"session"`
	Notify   NotifyConfig   `yaml:"notify"`
	Report   ReportConfig   `yaml:"report"`
	Log      logger.Config  `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Journal  JournalConfig  `yaml:"journal"`
}

type ExchangeConfig struct {
	APIKey      string  `yaml:"apiKey"`
	SecretKey   string  `yaml:"secretKey"`
	Passphrase  string  `yaml:"passphrase"`
	RESTBaseURL string  `yaml:"restBaseURL"`
	WSURL       string  `yaml:"wsURL"`
	CashAsset   string  `yaml:"cashAsset"`
	RateLimit   float64 `yaml:"rateLimit"` // REST 每秒请求数
	RateBurst   int     `yaml:"rateBurst"`

	PriceTimeoutMs     int `yaml:"priceTimeoutMs"`
	PortfolioTimeoutMs int `yaml:"portfolioTimeoutMs"`
}

type StorageConfig struct {
	DataDir string `yaml:"dataDir"` // positions.json / trade_history.json 所在目录
}

// SessionConfig WS 会话参数，0 表示使用默认值。
type SessionConfig struct {
	PingIntervalSec   int `yaml:"pingIntervalSec"`
	ReconnectDelaySec int `yaml:"reconnectDelaySec"`
	ReadTimeoutSec    int `yaml:"readTimeoutSec"`
	LoginTimeoutSec   int `yaml:"loginTimeoutSec"`
	QueueSize         int `yaml:"queueSize"`
	DrainTimeoutSec   int `yaml:"drainTimeoutSec"`
}

type NotifyConfig struct {
	TelegramBotToken string `yaml:"telegramBotToken"`
	TargetChannelID  string `yaml:"targetChannelID"`
	ThrottleSeconds  int    `yaml:"throttleSeconds"` // 运维告警去重窗口
	TimeoutSec       int    `yaml:"timeoutSec"`
}

type ReportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Time    string `yaml:"time"` // HH:MM
	Zone    string `yaml:"zone"` // IANA 时区
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Read parses YAML from path without validation. An empty path yields an empty config.
func Read(path string) (AppConfig, error) {
	var cfg AppConfig
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)
	return cfg, Validate(cfg)
}

// ApplyEnv 用环境变量覆盖凭证与部署相关字段
func ApplyEnv(cfg *AppConfig) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"OKX_API_KEY", &cfg.Exchange.APIKey},
		{"OKX_API_SECRET_KEY", &cfg.Exchange.SecretKey},
		{"OKX_API_PASSPHRASE", &cfg.Exchange.Passphrase},
		{"TELEGRAM_BOT_TOKEN", &cfg.Notify.TelegramBotToken},
		{"TARGET_CHANNEL_ID", &cfg.Notify.TargetChannelID},
		{"REPORT_TIME_CET", &cfg.Report.Time},
		{"RENDER_DISK_MOUNT_PATH", &cfg.Storage.DataDir},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.key)); v != "" {
			*o.dst = v
		}
	}
	if os.Getenv("REPORT_TIME_CET") != "" {
		cfg.Report.Enabled = true
	}
}

// ApplyDefaults 填充未配置的可选字段
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Env == "" {
		cfg.Env = "prod"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "."
	}
	if cfg.Exchange.CashAsset == "" {
		cfg.Exchange.CashAsset = "USDT"
	}
	if cfg.Exchange.RateLimit <= 0 {
		cfg.Exchange.RateLimit = 10
	}
	if cfg.Exchange.RateBurst <= 0 {
		cfg.Exchange.RateBurst = 5
	}
	if cfg.Notify.ThrottleSeconds <= 0 {
		cfg.Notify.ThrottleSeconds = 300
	}
	if cfg.Report.Time == "" {
		cfg.Report.Time = "21:00"
	}
	if cfg.Report.Zone == "" {
		cfg.Report.Zone = "CET"
	}
	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		cfg.Journal.Path = cfg.Storage.DataDir + "/journal.db"
	}
}

// 会话未配置时使用的心跳与读超时
const (
	DefaultPingIntervalSec = 25
	DefaultReadTimeoutSec  = 60
)

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Exchange.APIKey == "" {
		return fmt.Errorf("%w: exchange.apiKey (or OKX_API_KEY)", ErrMissingSecret)
	}
	if cfg.Exchange.SecretKey == "" {
		return fmt.Errorf("%w: exchange.secretKey (or OKX_API_SECRET_KEY)", ErrMissingSecret)
	}
	if cfg.Exchange.Passphrase == "" {
		return fmt.Errorf("%w: exchange.passphrase (or OKX_API_PASSPHRASE)", ErrMissingSecret)
	}
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TargetChannelID == "" {
		return errors.New("notify.targetChannelID is required when telegramBotToken is set")
	}
	if cfg.Exchange.RateLimit < 0 || cfg.Exchange.RateBurst < 0 {
		return errors.New("exchange rate limits must be >= 0")
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	return ValidateReport(cfg.Report)
}

func validateSession(s SessionConfig) error {
	for name, v := range map[string]int{
		"pingIntervalSec":   s.PingIntervalSec,
		"reconnectDelaySec": s.ReconnectDelaySec,
		"readTimeoutSec":    s.ReadTimeoutSec,
		"loginTimeoutSec":   s.LoginTimeoutSec,
		"queueSize":         s.QueueSize,
		"drainTimeoutSec":   s.DrainTimeoutSec,
	} {
		if v < 0 {
			return fmt.Errorf("session.%s must be >= 0", name)
		}
	}
	// 未设置的值按会话默认值比较
	ping, read := s.PingIntervalSec, s.ReadTimeoutSec
	if ping == 0 {
		ping = DefaultPingIntervalSec
	}
	if read == 0 {
		read = DefaultReadTimeoutSec
	}
	if read <= ping {
		return fmt.Errorf("session.readTimeoutSec (%ds) must exceed pingIntervalSec (%ds)", read, ping)
	}
	return nil
}

// ValidateReport 校验日报时间与时区
func ValidateReport(r ReportConfig) error {
	if _, _, err := ParseClock(r.Time); err != nil {
		return fmt.Errorf("report.time: %w", err)
	}
	if r.Zone != "" {
		if _, err := time.LoadLocation(r.Zone); err != nil {
			return fmt.Errorf("report.zone %q: %w", r.Zone, err)
		}
	}
	return nil
}

// ParseClock 解析 HH:MM
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Seconds 将秒数配置转为 Duration，0 保持 0 以便下游使用默认值
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
