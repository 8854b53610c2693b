package infra

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"skyquery/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent identifies the crawler to the remote API
	DefaultUserAgent = "skyquery/1.0 (+https://github.com/skyquery)"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		BaseURL          string `yaml:"base_url"`
		PageTimeoutSec   int    `yaml:"page_timeout_sec"`
		MaxRetries       int    `yaml:"max_retries"`
		RetryBaseDelayMS int    `yaml:"retry_base_delay_ms"`
		PageWorkers      int    `yaml:"page_workers"`
		UserAgent        string `yaml:"user_agent"`
	} `yaml:"api"`

	Scheduler struct {
		IntervalSec           int     `yaml:"interval_sec"`
		CycleTimeoutSec       int     `yaml:"cycle_timeout_sec"`
		MaxDecodeFailureRatio float64 `yaml:"max_decode_failure_ratio"`
		DecodeWorkers         int     `yaml:"decode_workers"`
	} `yaml:"scheduler"`

	Index struct {
		UndercutMargin *int64 `yaml:"undercut_margin"` // nil: 1,000,000
		RetentionHours int    `yaml:"retention_hours"`
		BucketWidthSec int    `yaml:"bucket_width_sec"`
	} `yaml:"index"`

	Server struct {
		Addr         string   `yaml:"addr"`
		APIKey       string   `yaml:"api_key"`
		AdminAPIKey  string   `yaml:"admin_api_key"`
		MaxLimit     int      `yaml:"max_limit"`
		DefaultLimit int      `yaml:"default_limit"`
		Features     []string `yaml:"features"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite | mysql
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	features domain.FeatureSet
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "skyquery"
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.hypixel.net"
	}
	if c.API.PageTimeoutSec == 0 {
		c.API.PageTimeoutSec = 15
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = 3
	}
	if c.API.RetryBaseDelayMS == 0 {
		c.API.RetryBaseDelayMS = 1000
	}
	if c.API.PageWorkers == 0 {
		c.API.PageWorkers = 8
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = DefaultUserAgent
	}
	if c.Scheduler.IntervalSec == 0 {
		c.Scheduler.IntervalSec = 60
	}
	if c.Scheduler.CycleTimeoutSec == 0 {
		c.Scheduler.CycleTimeoutSec = 55
	}
	if c.Scheduler.MaxDecodeFailureRatio == 0 {
		c.Scheduler.MaxDecodeFailureRatio = 0.5
	}
	if c.Scheduler.DecodeWorkers == 0 {
		c.Scheduler.DecodeWorkers = runtime.NumCPU()
	}
	if c.Index.UndercutMargin == nil {
		margin := int64(1_000_000)
		c.Index.UndercutMargin = &margin
	}
	if c.Index.RetentionHours == 0 {
		c.Index.RetentionHours = 7 * 24
	}
	if c.Index.BucketWidthSec == 0 {
		c.Index.BucketWidthSec = 60
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxLimit == 0 {
		c.Server.MaxLimit = 500
	}
	if c.Server.DefaultLimit == 0 {
		c.Server.DefaultLimit = 1
	}
	if len(c.Server.Features) == 0 {
		c.Server.Features = []string{"ALL"}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Server.APIKey == "" {
		return &domain.ConfigError{Field: "server.api_key", Err: errors.New("api key is required")}
	}
	if c.Server.AdminAPIKey == "" {
		c.Server.AdminAPIKey = c.Server.APIKey
	}

	features, err := domain.ParseFeatures(c.Server.Features)
	if err != nil {
		return &domain.ConfigError{Field: "server.features", Err: err}
	}
	c.features = features

	if c.Scheduler.IntervalSec <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.Scheduler.CycleTimeoutSec <= 0 || c.Scheduler.CycleTimeoutSec > c.Scheduler.IntervalSec {
		return fmt.Errorf("cycle timeout must be positive and not exceed the interval")
	}
	if c.Scheduler.MaxDecodeFailureRatio <= 0 || c.Scheduler.MaxDecodeFailureRatio > 1 {
		return fmt.Errorf("max decode failure ratio must be in (0, 1]")
	}
	if c.API.PageWorkers <= 0 {
		return fmt.Errorf("page workers must be positive")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if !hasPrefix(c.API.BaseURL, "http://") && !hasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("invalid API base URL: %s", c.API.BaseURL)
	}
	if c.UndercutMargin() < 0 {
		return fmt.Errorf("undercut margin must not be negative")
	}
	if c.Index.BucketWidthSec <= 0 || c.Index.RetentionHours <= 0 {
		return fmt.Errorf("bucket width and retention must be positive")
	}
	if c.Server.MaxLimit < 0 || c.Server.DefaultLimit < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			return &domain.ConfigError{Field: "storage.dsn", Err: errors.New("mysql requires a dsn")}
		}
	default:
		return &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unsupported driver %q", c.Storage.Driver)}
	}

	return nil
}

// Features returns the enabled feature set. Valid after Validate.
func (c *Config) Features() domain.FeatureSet {
	return c.features
}

// Interval returns the fetch interval
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSec) * time.Second
}

// CycleTimeout returns the cycle deadline
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Scheduler.CycleTimeoutSec) * time.Second
}

// Retention returns the price history retention horizon
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Index.RetentionHours) * time.Hour
}

// UndercutMargin returns the minimum price drop that counts as an undercut
func (c *Config) UndercutMargin() int64 {
	if c.Index.UndercutMargin == nil {
		return 0
	}
	return *c.Index.UndercutMargin
}

// BucketWidth returns the finest price bucket width
func (c *Config) BucketWidth() time.Duration {
	return time.Duration(c.Index.BucketWidthSec) * time.Second
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("SKYQUERY_API_KEY"); key != "" {
		cfg.Server.APIKey = key
	}
	if key := os.Getenv("SKYQUERY_ADMIN_API_KEY"); key != "" {
		cfg.Server.AdminAPIKey = key
	}
	if addr := os.Getenv("SKYQUERY_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if features := os.Getenv("SKYQUERY_FEATURES"); features != "" {
		cfg.Server.Features = strings.Split(features, "+")
	}
	if driver := os.Getenv("SKYQUERY_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dsn := os.Getenv("SKYQUERY_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if url := os.Getenv("SKYQUERY_WEBHOOK_URL"); url != "" {
		cfg.Notify.WebhookURL = url
	}
}
