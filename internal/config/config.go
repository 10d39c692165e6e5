// Package config loads relayd settings from defaults, an optional YAML or
// JSON file, RELAYD_* environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"streamrelay/internal/api"
	"streamrelay/internal/events"
	"streamrelay/internal/launcher"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/serverutil"
	"streamrelay/internal/store"
	"streamrelay/internal/supervisor"
)

// EnvPrefix namespaces environment overrides: http.addr is RELAYD_HTTP_ADDR.
const EnvPrefix = "RELAYD"

// EventLogDisabled turns the operational event log off when used as
// log.event-log.
const EventLogDisabled = "none"

const (
	ProfileDefault    = "default"
	ProfileLowLatency = "low-latency"
)

type Config struct {
	DataDir    string           `mapstructure:"data-dir"`
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Store      StoreConfig      `mapstructure:"store"`
	Events     EventsConfig     `mapstructure:"events"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// EventLog is the append-only JSON log; empty means <data-dir>/relayd.log.
	EventLog string `mapstructure:"event-log"`
}

type HTTPConfig struct {
	Addr            string               `mapstructure:"addr"`
	Token           string               `mapstructure:"token"`
	ShutdownTimeout time.Duration        `mapstructure:"shutdown-timeout"`
	TLS             serverutil.TLSConfig `mapstructure:"tls"`
	RateLimit       api.RateLimitConfig  `mapstructure:"rate-limit"`
}

type FFmpegConfig struct {
	Binary         string           `mapstructure:"binary"`
	Profile        string           `mapstructure:"profile"`
	Encoding       launcher.Profile `mapstructure:"encoding"`
	StderrTail     int              `mapstructure:"stderr-tail"`
	CaptureTimeout time.Duration    `mapstructure:"capture-timeout"`
	CaptureOffset  string           `mapstructure:"capture-offset"`
}

type SupervisorConfig struct {
	PollInterval         time.Duration `mapstructure:"poll-interval"`
	GracePeriod          time.Duration `mapstructure:"grace-period"`
	StoreTimeout         time.Duration `mapstructure:"store-timeout"`
	ReconcileConcurrency int           `mapstructure:"reconcile-concurrency"`
	EventBuffer          int           `mapstructure:"event-buffer"`
}

type StoreConfig struct {
	Driver   string               `mapstructure:"driver"`
	File     store.FileConfig     `mapstructure:"file"`
	Redis    store.RedisConfig    `mapstructure:"redis"`
	Postgres store.PostgresConfig `mapstructure:"postgres"`
}

type EventsConfig struct {
	Redis events.RedisPublisherConfig `mapstructure:"redis"`
}

// defaults lists every key so that AutomaticEnv can resolve all of them.
var defaults = map[string]any{
	"data-dir": "./data",

	"log.level":     "info",
	"log.format":    "json",
	"log.event-log": "",

	"http.addr":             "127.0.0.1:8080",
	"http.token":            "",
	"http.shutdown-timeout": serverutil.DefaultShutdownTimeout,
	"http.tls.cert-file":    "",
	"http.tls.key-file":     "",
	"http.rate-limit.rps":   20.0,
	"http.rate-limit.burst": 40,

	"ffmpeg.binary":                 launcher.DefaultBinary,
	"ffmpeg.profile":                ProfileDefault,
	"ffmpeg.encoding.preset":        "",
	"ffmpeg.encoding.tune":          "",
	"ffmpeg.encoding.video-bitrate": "",
	"ffmpeg.encoding.max-rate":      "",
	"ffmpeg.encoding.buf-size":      "",
	"ffmpeg.encoding.audio-bitrate": "",
	"ffmpeg.stderr-tail":            20,
	"ffmpeg.capture-timeout":        launcher.DefaultCaptureTimeout,
	"ffmpeg.capture-offset":         "5",

	"supervisor.poll-interval":         supervisor.DefaultPollInterval,
	"supervisor.grace-period":          supervisor.DefaultGracePeriod,
	"supervisor.store-timeout":         10 * time.Second,
	"supervisor.reconcile-concurrency": supervisor.DefaultReconcileConcurrency,
	"supervisor.event-buffer":          64,

	"store.driver":    string(store.DriverFile),
	"store.file.path": "",
	"store.redis.key": store.DefaultRedisKey,

	"store.postgres.dsn":                   "",
	"store.postgres.max-connections":       4,
	"store.postgres.min-connections":       0,
	"store.postgres.max-conn-lifetime":     time.Hour,
	"store.postgres.max-conn-idle-time":    10 * time.Minute,
	"store.postgres.health-check-interval": time.Minute,
	"store.postgres.connect-timeout":       5 * time.Second,
	"store.postgres.application-name":      "relayd",

	"events.redis.stream":  events.DefaultStream,
	"events.redis.max-len": events.DefaultMaxLen,
}

// redisKeys are the redisconn.Config fields shared by every Redis section.
var redisKeys = map[string]any{
	"addr":                     "",
	"addrs":                    []string{},
	"username":                 "",
	"password":                 "",
	"master-name":              "",
	"db":                       0,
	"pool-size":                0,
	"dial-timeout":             5 * time.Second,
	"read-timeout":             3 * time.Second,
	"write-timeout":            3 * time.Second,
	"tls.ca-file":              "",
	"tls.cert-file":            "",
	"tls.key-file":             "",
	"tls.server-name":          "",
	"tls.insecure-skip-verify": false,
}

// FlagKeys maps command-line flag names onto configuration keys.
var FlagKeys = map[string]string{
	"data-dir":     "data-dir",
	"addr":         "http.addr",
	"token":        "http.token",
	"tls-cert":     "http.tls.cert-file",
	"tls-key":      "http.tls.key-file",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"event-log":    "log.event-log",
	"store":        "store.driver",
	"ffmpeg":       "ffmpeg.binary",
	"profile":      "ffmpeg.profile",
	"grace-period": "supervisor.grace-period",
}

// New returns a viper instance with relayd defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, section := range []string{"store.redis", "events.redis"} {
		for key, value := range redisKeys {
			v.SetDefault(section+"."+key, value)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag of flags named in FlagKeys.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional file at path into v and decodes the merged result.
func Load(v *viper.Viper, path string) (Config, error) {
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data-dir is required"))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if (c.HTTP.TLS.CertFile == "") != (c.HTTP.TLS.KeyFile == "") {
		errs = append(errs, errors.New("http.tls.cert-file and http.tls.key-file must be set together"))
	}
	if c.HTTP.RateLimit.RPS < 0 || c.HTTP.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("http.rate-limit values must not be negative"))
	}
	switch c.FFmpeg.Profile {
	case "", ProfileDefault, ProfileLowLatency:
	default:
		errs = append(errs, fmt.Errorf("ffmpeg.profile %q must be %s or %s", c.FFmpeg.Profile, ProfileDefault, ProfileLowLatency))
	}
	for key, d := range map[string]time.Duration{
		"supervisor.poll-interval": c.Supervisor.PollInterval,
		"supervisor.grace-period":  c.Supervisor.GracePeriod,
		"supervisor.store-timeout": c.Supervisor.StoreTimeout,
		"ffmpeg.capture-timeout":   c.FFmpeg.CaptureTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Supervisor.ReconcileConcurrency < 1 {
		errs = append(errs, errors.New("supervisor.reconcile-concurrency must be at least 1"))
	}
	switch store.Driver(strings.ToLower(c.Store.Driver)) {
	case "", store.DriverFile:
	case store.DriverRedis:
		if !c.Store.Redis.Enabled() {
			errs = append(errs, errors.New("store.redis.addr or store.redis.addrs is required for the redis store"))
		}
	case store.DriverPostgres:
		if strings.TrimSpace(c.Store.Postgres.DSN) == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be file, redis or postgres", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// EncodingProfile returns the named base profile with any explicit encoding
// settings layered on top.
func (c FFmpegConfig) EncodingProfile() launcher.Profile {
	base := launcher.DefaultProfile()
	if c.Profile == ProfileLowLatency {
		base = launcher.LowLatencyProfile()
	}
	override := func(dst *string, value string) {
		if v := strings.TrimSpace(value); v != "" {
			*dst = v
		}
	}
	override(&base.Preset, c.Encoding.Preset)
	override(&base.Tune, c.Encoding.Tune)
	override(&base.VideoBitrate, c.Encoding.VideoBitrate)
	override(&base.MaxRate, c.Encoding.MaxRate)
	override(&base.BufSize, c.Encoding.BufSize)
	override(&base.AudioBitrate, c.Encoding.AudioBitrate)
	return base
}

// EventLogPath resolves the event log location; ok is false when disabled.
func (c Config) EventLogPath() (path string, ok bool) {
	switch strings.TrimSpace(c.Log.EventLog) {
	case EventLogDisabled:
		return "", false
	case "":
		return filepath.Join(c.DataDir, logging.DefaultEventLogName), true
	default:
		return c.Log.EventLog, true
	}
}

// StoreConfig resolves the backend configuration, placing the file store in
// the data directory unless a path is set.
func (c Config) StoreConfig() store.Config {
	fileCfg := c.Store.File
	if strings.TrimSpace(fileCfg.Path) == "" {
		fileCfg.Path = filepath.Join(c.DataDir, store.DefaultFileName)
	}
	return store.Config{
		Driver:   store.Driver(c.Store.Driver),
		File:     fileCfg,
		Redis:    c.Store.Redis,
		Postgres: c.Store.Postgres,
	}
}
