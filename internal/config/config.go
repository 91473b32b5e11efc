package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":8090"
	} `yaml:"http"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
		PingRetries  int           `yaml:"ping_retries"`
	} `yaml:"mysql"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	Avito struct {
		BaseURL     string        `yaml:"base_url"`
		TokenURL    string        `yaml:"token_url"`
		Timeout     time.Duration `yaml:"timeout"`
		TokenMargin time.Duration `yaml:"token_margin"` // refresh this early

		Retry struct {
			MaxAttempts   int           `yaml:"max_attempts"`
			Base          time.Duration `yaml:"base"`
			Cap           time.Duration `yaml:"cap"`
			RateLimitWait time.Duration `yaml:"rate_limit_wait"` // when no Retry-After header
		} `yaml:"retry"`
	} `yaml:"avito"`

	Sync struct {
		Interval        time.Duration `yaml:"interval"`
		PageSize        int           `yaml:"page_size"`
		MaxPages        int           `yaml:"max_pages"`
		MessagePageSize int           `yaml:"message_page_size"`
		ShopDelay       time.Duration `yaml:"shop_delay"`
		DetailLookup    bool          `yaml:"detail_lookup"`
	} `yaml:"sync"`

	Webhook struct {
		PublicURL       string        `yaml:"public_url"` // HTTPS callback advertised to Avito
		RegisterOnStart bool          `yaml:"register_on_start"`
		Kinds           []string      `yaml:"kinds"`
		DedupeTTL       time.Duration `yaml:"dedupe_ttl"`
	} `yaml:"webhook"`

	Tasks struct {
		QueueKey string        `yaml:"queue_key"`
		PopBlock time.Duration `yaml:"pop_block"`
	} `yaml:"tasks"`

	Sweep struct {
		TimerInterval        time.Duration `yaml:"timer_interval"`
		AutoCompleteAfter    time.Duration `yaml:"auto_complete_after"`
		AutoCompleteInterval time.Duration `yaml:"auto_complete_interval"`
	} `yaml:"sweep"`
}

// Load supports comma-separated config files: "-c common.yml,crm-sync.yml".
// Later files override earlier ones via successive unmarshal into the same struct.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,crm-sync.yml)")
	}

	var c Config
	paths := strings.Split(pathList, ",")
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":2112"
	}
	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = 25
	}
	if c.MySQL.MaxIdleConns <= 0 {
		c.MySQL.MaxIdleConns = 10
	}
	if c.MySQL.ConnMaxLife == 0 {
		c.MySQL.ConnMaxLife = 30 * time.Minute
	}
	if c.MySQL.ConnMaxIdle == 0 {
		c.MySQL.ConnMaxIdle = 5 * time.Minute
	}
	if c.MySQL.PingRetries <= 0 {
		c.MySQL.PingRetries = 3
	}

	if c.Avito.BaseURL == "" {
		c.Avito.BaseURL = "https://api.avito.ru"
	}
	if c.Avito.TokenURL == "" {
		c.Avito.TokenURL = c.Avito.BaseURL + "/token"
	}
	if c.Avito.Timeout == 0 {
		c.Avito.Timeout = 30 * time.Second
	}
	if c.Avito.TokenMargin == 0 {
		c.Avito.TokenMargin = 5 * time.Minute
	}
	if c.Avito.Retry.MaxAttempts <= 0 {
		c.Avito.Retry.MaxAttempts = 3
	}
	if c.Avito.Retry.Base == 0 {
		c.Avito.Retry.Base = 1 * time.Second
	}
	if c.Avito.Retry.Cap == 0 {
		c.Avito.Retry.Cap = 30 * time.Second
	}
	if c.Avito.Retry.RateLimitWait == 0 {
		c.Avito.Retry.RateLimitWait = 60 * time.Second
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 60 * time.Second
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > 100 {
		c.Sync.PageSize = 100
	}
	if c.Sync.MaxPages <= 0 {
		c.Sync.MaxPages = 10
	}
	if c.Sync.MessagePageSize <= 0 || c.Sync.MessagePageSize > 100 {
		c.Sync.MessagePageSize = 100
	}
	if c.Sync.ShopDelay == 0 {
		c.Sync.ShopDelay = 2 * time.Second
	}

	if len(c.Webhook.Kinds) == 0 {
		c.Webhook.Kinds = []string{"message", "chat"}
	}
	if c.Webhook.DedupeTTL == 0 {
		c.Webhook.DedupeTTL = 24 * time.Hour
	}

	if c.Tasks.QueueKey == "" {
		c.Tasks.QueueKey = "crm:tasks:sync"
	}
	if c.Tasks.PopBlock == 0 {
		c.Tasks.PopBlock = 5 * time.Second
	}

	if c.Sweep.TimerInterval == 0 {
		c.Sweep.TimerInterval = 5 * time.Minute
	}
	if c.Sweep.AutoCompleteAfter == 0 {
		c.Sweep.AutoCompleteAfter = 24 * time.Hour
	}
	if c.Sweep.AutoCompleteInterval == 0 {
		c.Sweep.AutoCompleteInterval = 1 * time.Hour
	}
}
