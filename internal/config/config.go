package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"quotewatch/internal/schedule"
)

var validate = validator.New()

// Duration decodes YAML strings like "30s" or bare integers (seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Server struct {
	Port            string   `yaml:"port" default:"8080"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type Log struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" default:"console" validate:"oneof=console json"`
}

// Instrument is one polled listing. Source selects the adapter, Symbol is
// the source-native symbol, Market the aggregator market-code prefix where
// the source needs one.
type Instrument struct {
	Source   string `yaml:"source" validate:"required,oneof=eastmoney sina yahoo"`
	Symbol   string `yaml:"symbol" validate:"required"`
	Market   string `yaml:"market"`
	Name     string `yaml:"name"`
	HoursKey string `yaml:"hours_key"`
}

type SourceLimits struct {
	MinRequestInterval Duration `yaml:"min_request_interval"`
	MaxRequestsPerMin  int      `yaml:"max_requests_per_minute"`
	Burst              int      `yaml:"burst" default:"1"`
	CacheTTL           Duration `yaml:"cache_ttl"`
	CacheMaxItems      int      `yaml:"cache_max_items" default:"1000"`
}

type Eastmoney struct {
	Endpoint string       `yaml:"endpoint"`
	Limits   SourceLimits `yaml:"limits"`
}

type Sina struct {
	Endpoint string       `yaml:"endpoint"`
	Limits   SourceLimits `yaml:"limits"`
}

type Yahoo struct {
	QuoteURL   string       `yaml:"quote_url"`
	InitialURL string       `yaml:"initial_url"`
	CrumbURL   string       `yaml:"crumb_url"`
	Limits     SourceLimits `yaml:"limits"`
}

type Config struct {
	Server Server `yaml:"server"`
	Log    Log    `yaml:"log"`

	// Refresh intervals in seconds, applied per the trading-hours table.
	TradeIntervalSec    int `yaml:"trade_interval_sec" default:"60" validate:"min=30,max=86400"`
	NonTradeIntervalSec int `yaml:"non_trade_interval_sec" default:"600" validate:"min=30,max=86400"`

	// TradingHours maps a market key to its windows, "HH:MM" pairs.
	// Windows may wrap midnight.
	TradingHours map[string][]Window `yaml:"trading_hours"`

	Instruments []Instrument `yaml:"instruments" validate:"min=1,dive"`

	Eastmoney Eastmoney `yaml:"eastmoney"`
	Sina      Sina      `yaml:"sina"`
	Yahoo     Yahoo     `yaml:"yahoo"`
}

type Window struct {
	Start string `yaml:"start" validate:"required"`
	End   string `yaml:"end" validate:"required"`
}

func (c *Config) TradeInterval() time.Duration {
	return time.Duration(c.TradeIntervalSec) * time.Second
}

func (c *Config) NonTradeInterval() time.Duration {
	return time.Duration(c.NonTradeIntervalSec) * time.Second
}

// HoursTable converts the YAML windows into the schedule table shape and
// validates every window.
func (c *Config) HoursTable() (schedule.Table, error) {
	t := make(schedule.Table, len(c.TradingHours))
	for key, windows := range c.TradingHours {
		ws := make([]schedule.Window, 0, len(windows))
		for _, w := range windows {
			ws = append(ws, schedule.Window{Start: w.Start, End: w.End})
		}
		t[key] = ws
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Load reads YAML config from path. If path is empty, config.yaml is used
// when present; otherwise pure defaults apply. Environment variables
// override select fields afterwards, and the result is validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(cfg)

	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if len(cfg.Instruments) == 0 {
		// A bare start still polls something sensible.
		cfg.Instruments = []Instrument{{Source: "eastmoney", Symbol: "000001", Market: "1", HoursKey: "cn"}}
	}
	if cfg.TradingHours == nil {
		cfg.TradingHours = defaultTradingHours()
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if _, err := cfg.HoursTable(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultTradingHours() map[string][]Window {
	return map[string][]Window{
		"cn": {{Start: "09:30", End: "11:30"}, {Start: "13:00", End: "15:00"}},
		"hk": {{Start: "09:30", End: "12:00"}, {Start: "13:00", End: "16:00"}},
		"us": {{Start: "21:30", End: "04:00"}},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if x := envInt("TRADE_INTERVAL_SEC"); x > 0 {
		cfg.TradeIntervalSec = x
	}
	if x := envInt("NON_TRADE_INTERVAL_SEC"); x > 0 {
		cfg.NonTradeIntervalSec = x
	}
	if v := os.Getenv("EASTMONEY_ENDPOINT"); v != "" {
		cfg.Eastmoney.Endpoint = v
	}
	if v := os.Getenv("SINA_ENDPOINT"); v != "" {
		cfg.Sina.Endpoint = v
	}
	if v := os.Getenv("YAHOO_QUOTE_URL"); v != "" {
		cfg.Yahoo.QuoteURL = v
	}
	// SYMBOLS=eastmoney:1.000001,yahoo:NQ=F replaces the instrument list.
	if v := os.Getenv("SYMBOLS"); v != "" {
		var insts []Instrument
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			src, rest, ok := strings.Cut(part, ":")
			if !ok {
				continue
			}
			market, symbol := "", rest
			if m, s, ok := strings.Cut(rest, "."); ok && src == "eastmoney" {
				market, symbol = m, s
			}
			insts = append(insts, Instrument{Source: src, Symbol: symbol, Market: market})
		}
		if len(insts) > 0 {
			cfg.Instruments = insts
		}
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	x, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return x
}
