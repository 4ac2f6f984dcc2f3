// Package config loads the herdsync client configuration from YAML with
// HERDSYNC_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverSQLite    = "sqlite"
	DriverRedis     = "redis"
	DriverBigcache  = "bigcache"
	DriverRistretto = "ristretto"
)

// Generation store backends.
const (
	GensLocal = "local"
	GensRedis = "redis"
)

type Config struct {
	Namespace string  `yaml:"namespace"`
	Offline   bool    `yaml:"offline"` // start with the connectivity signal down
	API       API     `yaml:"api"`
	Storage   Storage `yaml:"storage"`
	Codecs    Codecs  `yaml:"codecs"`
	Queue     Queue   `yaml:"queue"`
	Sync      Sync    `yaml:"sync"`
	Lineage   Lineage `yaml:"lineage"`
	Log       Log     `yaml:"log"`
	Hooks     Hooks   `yaml:"hooks"`
	Metrics   Metrics `yaml:"metrics"`
}

type API struct {
	BaseURL    string            `yaml:"base_url"`
	Timeout    time.Duration     `yaml:"timeout"`
	CSRFCookie string            `yaml:"csrf_cookie"`
	CSRFHeader string            `yaml:"csrf_header"`
	Headers    map[string]string `yaml:"headers"`
	// ProbeInterval drives the connectivity probe of long-running commands; 0 disables it.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type Storage struct {
	Driver        string        `yaml:"driver"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	EntryVersion  uint32        `yaml:"entry_version"`
	SQLite        SQLite        `yaml:"sqlite"`
	Redis         Redis         `yaml:"redis"`
	Bigcache      Bigcache      `yaml:"bigcache"`
	Ristretto     Ristretto     `yaml:"ristretto"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Bigcache struct {
	MaxMB int `yaml:"max_mb"`
}

type Ristretto struct {
	MaxCost int64 `yaml:"max_cost"`
}

// Codecs name the payload codec per persisted structure: json, cbor, msgpack or protobuf.
type Codecs struct {
	Queue   string `yaml:"queue"`
	Records string `yaml:"records"`
	Lineage string `yaml:"lineage"`
	// MaxPayloadBytes bounds every encoded payload; 0 disables the limit.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

type Queue struct {
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"` // 0 => retry on the next pass
	BackoffMax    time.Duration `yaml:"backoff_max"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type Sync struct {
	Resources     []string      `yaml:"resources"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RecordTTL     time.Duration `yaml:"record_ttl"`
	IDField       string        `yaml:"id_field"`
	ModifiedField string        `yaml:"modified_field"`
	Generations   string        `yaml:"generations"`
}

type Lineage struct {
	Entity string        `yaml:"entity"`
	TTL    time.Duration `yaml:"ttl"`
}

type Log struct {
	Driver string `yaml:"driver"` // zap, logrus, slog or none
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type Hooks struct {
	Log          bool `yaml:"log"` // sampled slog hooks
	AsyncWorkers int  `yaml:"async_workers"`
	AsyncQueue   int  `yaml:"async_queue"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"` // served by `herdsync run`; "" => not served
}

// Default returns a configuration that runs against a local SQLite file.
func Default() Config {
	return Config{
		Namespace: "herdsync",
		API: API{
			BaseURL:       "http://localhost:8000/api/",
			Timeout:       30 * time.Second,
			ProbeInterval: 15 * time.Second,
		},
		Storage: Storage{
			Driver:        DriverSQLite,
			SweepInterval: 10 * time.Minute,
			EntryVersion:  1,
			SQLite:        SQLite{Path: "herdsync.db"},
			Redis:         Redis{Addr: "localhost:6379"},
			Ristretto:     Ristretto{MaxCost: 64 << 20},
		},
		Codecs: Codecs{Queue: "json", Records: "json", Lineage: "msgpack"},
		Queue: Queue{
			MaxRetries:    3,
			BackoffMax:    5 * time.Minute,
			FlushInterval: time.Minute,
		},
		Sync: Sync{
			PollInterval:  30 * time.Second,
			IDField:       "id",
			ModifiedField: "updated_at",
			Generations:   GensLocal,
		},
		Lineage: Lineage{Entity: "animals", TTL: 10 * time.Minute},
		Log:     Log{Driver: "zap", Level: "info", Format: "text"},
		Metrics: Metrics{Namespace: "herdsync"},
	}
}

// Load reads path over Default, applies the process environment and validates.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is provided by user
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from HERDSYNC_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	flag := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}
	list := func(dst *[]string) func(string) error {
		return func(v string) error {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
			return nil
		}
	}

	vars := []struct {
		name string
		set  func(string) error
	}{
		{"HERDSYNC_NAMESPACE", str(&c.Namespace)},
		{"HERDSYNC_OFFLINE", flag(&c.Offline)},
		{"HERDSYNC_API_BASE_URL", str(&c.API.BaseURL)},
		{"HERDSYNC_API_TIMEOUT", dur(&c.API.Timeout)},
		{"HERDSYNC_STORAGE_DRIVER", str(&c.Storage.Driver)},
		{"HERDSYNC_SQLITE_PATH", str(&c.Storage.SQLite.Path)},
		{"HERDSYNC_REDIS_ADDR", str(&c.Storage.Redis.Addr)},
		{"HERDSYNC_REDIS_PASSWORD", str(&c.Storage.Redis.Password)},
		{"HERDSYNC_REDIS_DB", num(&c.Storage.Redis.DB)},
		{"HERDSYNC_QUEUE_MAX_RETRIES", num(&c.Queue.MaxRetries)},
		{"HERDSYNC_SYNC_RESOURCES", list(&c.Sync.Resources)},
		{"HERDSYNC_SYNC_POLL_INTERVAL", dur(&c.Sync.PollInterval)},
		{"HERDSYNC_LINEAGE_ENTITY", str(&c.Lineage.Entity)},
		{"HERDSYNC_LOG_DRIVER", str(&c.Log.Driver)},
		{"HERDSYNC_LOG_LEVEL", str(&c.Log.Level)},
		{"HERDSYNC_LOG_FORMAT", str(&c.Log.Format)},
		{"HERDSYNC_METRICS_ADDR", str(&c.Metrics.Addr)},
	}
	for _, v := range vars {
		raw, ok := lookup(v.name)
		if !ok {
			continue
		}
		if err := v.set(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("config: %s: %w", v.name, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.ContainsAny(c.Namespace, " \t\r\n:") || c.Namespace == "" {
		errs = append(errs, fmt.Errorf("namespace %q must be non-empty without spaces or colons", c.Namespace))
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverRedis, DriverBigcache, DriverRistretto:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite, redis, bigcache or ristretto", c.Storage.Driver))
	}
	for name, v := range map[string]string{"queue": c.Codecs.Queue, "records": c.Codecs.Records, "lineage": c.Codecs.Lineage} {
		switch v {
		case "", "json", "cbor", "msgpack", "protobuf":
		default:
			errs = append(errs, fmt.Errorf("codecs.%s %q: want json, cbor, msgpack or protobuf", name, v))
		}
	}
	switch c.Sync.Generations {
	case "", GensLocal:
	case GensRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("sync.generations redis needs storage.redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("sync.generations %q: want local or redis", c.Sync.Generations))
	}
	switch c.Log.Driver {
	case "zap", "logrus", "slog", "none", "":
	default:
		errs = append(errs, fmt.Errorf("log.driver %q: want zap, logrus, slog or none", c.Log.Driver))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must not be negative"))
	}
	if c.Queue.BackoffBase > 0 && c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, errors.New("queue.backoff_max must be >= queue.backoff_base"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
