// Package config loads node configuration from a YAML file and QRPC_
// environment variables, and translates it into component options.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"query-rpc/codec"
	"query-rpc/middleware"
	"query-rpc/registry"
	"query-rpc/server"
	"query-rpc/transport"
)

// EnvPrefix prefixes environment overrides: QRPC_TRANSPORT_CALL_TIMEOUT
// sets transport.call_timeout.
const EnvPrefix = "QRPC"

type Config struct {
	Transport Transport `mapstructure:"transport"`
	Server    Server    `mapstructure:"server"`
	Registry  Registry  `mapstructure:"registry"`
	Log       Log       `mapstructure:"log"`
	Metrics   Metrics   `mapstructure:"metrics"`
}

type Transport struct {
	ConnectRetries    int           `mapstructure:"connect_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	MaxFrameSize      uint32        `mapstructure:"max_frame_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DanglingLogLevel  string        `mapstructure:"dangling_log_level"`
	Codec             string        `mapstructure:"codec"`
}

type Server struct {
	Listen         string        `mapstructure:"listen"`
	Advertise      string        `mapstructure:"advertise"`
	Workers        int           `mapstructure:"workers"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type Registry struct {
	Endpoints []string        `mapstructure:"endpoints"`
	TTL       time.Duration   `mapstructure:"ttl"`
	Static    []StaticService `mapstructure:"static"`
}

// StaticService lists fixed endpoints of one service. It is a list entry
// rather than a map key because viper lowercases keys.
type StaticService struct {
	Service string   `mapstructure:"service"`
	Addrs   []string `mapstructure:"addrs"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Metrics struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.connect_retries", transport.DefaultConnectRetries)
	v.SetDefault("transport.retry_backoff", transport.DefaultRetryBackoff)
	v.SetDefault("transport.dial_timeout", transport.DefaultDialTimeout)
	v.SetDefault("transport.call_timeout", 30*time.Second)
	v.SetDefault("transport.max_frame_size", 16<<20)
	v.SetDefault("transport.heartbeat_interval", transport.DefaultHeartbeatInterval)
	v.SetDefault("transport.dangling_log_level", "debug")
	v.SetDefault("transport.codec", "json")

	v.SetDefault("server.listen", ":7070")
	v.SetDefault("server.advertise", "")
	v.SetDefault("server.workers", server.DefaultWorkers)
	v.SetDefault("server.idle_timeout", 0)
	v.SetDefault("server.handler_timeout", 0)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 0)

	v.SetDefault("registry.endpoints", []string{})
	v.SetDefault("registry.ttl", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.listen", "")
}

// Load reads the config file at path, if not empty, on top of the defaults
// and applies environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	t := c.Transport
	switch {
	case t.ConnectRetries < 0:
		return errors.Errorf("transport.connect_retries must not be negative, got %d", t.ConnectRetries)
	case t.RetryBackoff < 0, t.DialTimeout < 0, t.CallTimeout < 0, t.HeartbeatInterval < 0:
		return errors.New("transport durations must not be negative")
	case t.MaxFrameSize == 0:
		return errors.New("transport.max_frame_size must be positive")
	}
	if _, err := danglingLevel(t.DanglingLogLevel); err != nil {
		return err
	}
	if _, err := codec.ParseCodecType(t.Codec); err != nil {
		return errors.Wrap(err, "transport.codec")
	}

	s := c.Server
	switch {
	case s.Workers < 0:
		return errors.Errorf("server.workers must not be negative, got %d", s.Workers)
	case s.IdleTimeout < 0, s.HandlerTimeout < 0:
		return errors.New("server durations must not be negative")
	case s.RateLimit < 0 || s.RateBurst < 0:
		return errors.New("server.rate_limit and server.rate_burst must not be negative")
	}

	if c.Registry.TTL <= 0 {
		return errors.New("registry.ttl must be positive")
	}
	for _, s := range c.Registry.Static {
		if s.Service == "" {
			return errors.New("registry.static entries need a service name")
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func danglingLevel(s string) (*zapcore.Level, error) {
	var lvl zapcore.Level
	switch strings.ToLower(s) {
	case "off", "":
		return nil, nil
	case "debug":
		lvl = zapcore.DebugLevel
	case "info":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	default:
		return nil, errors.Errorf("transport.dangling_log_level must be off, debug, info or warn, got %q", s)
	}
	return &lvl, nil
}

// Codec returns the payload codec both ends of a connection must share.
func (c *Config) Codec() codec.Codec {
	typ, _ := codec.ParseCodecType(c.Transport.Codec)
	return codec.GetCodec(typ)
}

// TransportOptions translates the transport section. In the file zero
// means "none" for retries, call timeout and heartbeats.
func (c *Config) TransportOptions(log *zap.Logger) transport.Options {
	t := c.Transport
	lvl, _ := danglingLevel(t.DanglingLogLevel)
	opts := transport.Options{
		Codec:             c.Codec(),
		ConnectRetries:    t.ConnectRetries,
		RetryBackoff:      t.RetryBackoff,
		DialTimeout:       t.DialTimeout,
		CallTimeout:       t.CallTimeout,
		MaxFrameSize:      t.MaxFrameSize,
		HeartbeatInterval: t.HeartbeatInterval,
		DanglingLevel:     lvl,
		Logger:            log,
	}
	if opts.ConnectRetries == 0 {
		opts.ConnectRetries = -1
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = -1
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = -1
	}
	return opts
}

// ServerOptions translates the server section. Registration is added by
// the caller once the registry is open.
func (c *Config) ServerOptions(log *zap.Logger) []server.Option {
	s := c.Server
	opts := []server.Option{
		server.WithLogger(log),
		server.WithCodec(c.Codec()),
		server.WithWorkers(s.Workers),
		server.WithMaxFrameSize(c.Transport.MaxFrameSize),
		server.WithIdleTimeout(s.IdleTimeout),
		server.WithMiddleware(middleware.Logging(log)),
	}
	if s.RateLimit > 0 {
		burst := s.RateBurst
		if burst == 0 {
			burst = int(s.RateLimit) + 1
		}
		opts = append(opts, server.WithMiddleware(middleware.RateLimit(s.RateLimit, burst)))
	}
	if s.HandlerTimeout > 0 {
		opts = append(opts, server.WithMiddleware(middleware.Timeout(s.HandlerTimeout)))
	}
	return opts
}

// OpenRegistry connects to etcd when endpoints are configured and falls
// back to the static table otherwise.
func (c *Config) OpenRegistry(log *zap.Logger) (registry.Registry, error) {
	if len(c.Registry.Endpoints) == 0 {
		static := make(map[string][]string, len(c.Registry.Static))
		for _, s := range c.Registry.Static {
			static[s.Service] = append(static[s.Service], s.Addrs...)
		}
		return registry.NewStaticRegistry(static), nil
	}
	reg, err := registry.NewEtcdRegistry(c.Registry.Endpoints, log)
	if err != nil {
		return nil, err
	}
	return reg, nil
}
