// Package config — конфигурация движка batchflow.
//
// Приоритет источников (от низшего к высшему):
//  1. Значения по умолчанию (DefaultConfig)
//  2. YAML файл (--config или BATCHFLOW_CONFIG)
//  3. Переменные окружения BATCHFLOW_*
//  4. Явные переопределения (флаги CLI)
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/batchflow/internal/domain"
)

// DefaultEnvPrefix — префикс переменных окружения.
const DefaultEnvPrefix = "BATCHFLOW"

// ErrInvalidConfig — конфигурация не прошла проверку.
var ErrInvalidConfig = errors.New("invalid config")

// Config — конфигурация движка.
type Config struct {
	Engine   EngineConfig   `yaml:"engine" env:"ENGINE"`
	Retry    RetryConfig    `yaml:"retry" env:"RETRY"`
	Poll     PollConfig     `yaml:"poll" env:"POLL"`
	SSH      SSHConfig      `yaml:"ssh" env:"SSH"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	Broker   BrokerConfig   `yaml:"broker" env:"BROKER"`
	Metrics  MetricsConfig  `yaml:"metrics" env:"METRICS"`
	Logging  LoggingConfig  `yaml:"logging" env:"LOG"`
}

// EngineConfig — параметры планировщика workflow.
type EngineConfig struct {
	// MaxParallel — размер пула воркеров.
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL"`

	// LocalRoot — корень локальных директорий для скачанных выходов.
	LocalRoot string `yaml:"local_root" env:"LOCAL_ROOT"`
}

// RetryConfig — политика повторов.
type RetryConfig struct {
	// MaxAttempts, Backoff, InitialDelay, MaxDelay — повторы при ExecutionFailed.
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Backoff      string        `yaml:"backoff" env:"BACKOFF"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`

	// Transient* — повторы stage/submit при ошибках транспорта.
	TransientAttempts     int           `yaml:"transient_attempts" env:"TRANSIENT_ATTEMPTS"`
	TransientInitialDelay time.Duration `yaml:"transient_initial_delay" env:"TRANSIENT_INITIAL_DELAY"`
	TransientMaxDelay     time.Duration `yaml:"transient_max_delay" env:"TRANSIENT_MAX_DELAY"`

	// FetchRetries — повторные попытки скачивания выходов.
	FetchRetries int `yaml:"fetch_retries" env:"FETCH_RETRIES"`
}

// PollConfig — опрос batch планировщика.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	MaxInterval time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	Multiplier  float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// SSHConfig — значения по умолчанию для SSH исполнителей.
type SSHConfig struct {
	MaxSessions int           `yaml:"max_sessions" env:"MAX_SESSIONS"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// DatabaseConfig — PostgreSQL для memo store и истории запусков.
// Пустой URL — хранилище в памяти, история не ведётся.
type DatabaseConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// BrokerConfig — RabbitMQ для событий жизненного цикла.
// Пустой URL — события не публикуются.
type BrokerConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// MetricsConfig — HTTP endpoint /metrics во время run.
// Пустой адрес — endpoint не поднимается.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// LoggingConfig — параметры логирования.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxParallel: 16,
			LocalRoot:   ".",
		},
		Retry: RetryConfig{
			MaxAttempts:           3,
			Backoff:               "exponential",
			InitialDelay:          time.Second,
			MaxDelay:              30 * time.Second,
			TransientAttempts:     5,
			TransientInitialDelay: time.Second,
			TransientMaxDelay:     30 * time.Second,
			FetchRetries:          1,
		},
		Poll: PollConfig{
			Interval:    5 * time.Second,
			MaxInterval: 60 * time.Second,
			Multiplier:  1.5,
			Timeout:     24 * time.Hour,
		},
		SSH: SSHConfig{
			MaxSessions: 4,
			DialTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// Loader — загрузчик конфигурации.
type Loader struct {
	configPath string
	envPrefix  string
	overrides  map[string]string
	lookupEnv  func(string) (string, bool)
}

// NewLoader создаёт загрузчик.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		envPrefix: DefaultEnvPrefix,
		overrides: make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoaderOption — опция загрузчика.
type LoaderOption func(*Loader)

// WithConfigPath задаёт путь к YAML файлу.
func WithConfigPath(path string) LoaderOption {
	return func(l *Loader) {
		l.configPath = path
	}
}

// WithEnvPrefix задаёт префикс переменных окружения.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithOverride задаёт значение по пути "section.key" (например "poll.interval").
func WithOverride(path, value string) LoaderOption {
	return func(l *Loader) {
		l.overrides[path] = value
	}
}

// WithLookupEnv подменяет источник переменных окружения.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookupEnv = fn
	}
}

// Load загружает и проверяет конфигурацию.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	path := l.configPath
	if path == "" {
		path, _ = l.lookupEnv(l.envPrefix + "_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, err
	}

	for key, value := range l.overrides {
		if err := Set(cfg, key, value); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile накладывает YAML файл на cfg.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv рекурсивно применяет переменные окружения по тегам env.
func (l *Loader) applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		name := prefix + "_" + tag

		fv := v.Field(i)
		if fv.Kind() == reflect.Struct && field.Type != durationType {
			if err := l.applyEnv(fv, name); err != nil {
				return err
			}
			continue
		}

		raw, ok := l.lookupEnv(name)
		if !ok {
			continue
		}
		if err := setFieldValue(fv, raw); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue присваивает строковое значение полю по его типу.
func setFieldValue(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(value)
	case field.Kind() == reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	case field.Kind() == reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Set присваивает значение по пути "section.key" из yaml тегов.
func Set(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for _, part := range parts {
		if v.Kind() != reflect.Struct {
			return fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, path)
		}
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, path)
		}
		v = field
	}

	if v.Kind() == reflect.Struct && v.Type() != durationType {
		return fmt.Errorf("%w: %s is a section", ErrInvalidConfig, path)
	}
	if err := setFieldValue(v, value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Validate проверяет конфигурацию.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Engine.MaxParallel > 0, "engine.max_parallel must be positive, got %d", c.Engine.MaxParallel)
	check(c.Engine.LocalRoot != "", "engine.local_root is required")

	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	check(c.Retry.Backoff == "fixed" || c.Retry.Backoff == "exponential",
		"retry.backoff must be fixed or exponential, got %q", c.Retry.Backoff)
	check(c.Retry.InitialDelay >= 0, "retry.initial_delay must not be negative")
	check(c.Retry.MaxDelay >= c.Retry.InitialDelay, "retry.max_delay must be >= retry.initial_delay")
	check(c.Retry.TransientAttempts > 0, "retry.transient_attempts must be positive, got %d", c.Retry.TransientAttempts)
	check(c.Retry.TransientMaxDelay >= c.Retry.TransientInitialDelay,
		"retry.transient_max_delay must be >= retry.transient_initial_delay")
	check(c.Retry.FetchRetries >= 0, "retry.fetch_retries must not be negative")

	check(c.Poll.Interval > 0, "poll.interval must be positive")
	check(c.Poll.MaxInterval >= c.Poll.Interval, "poll.max_interval must be >= poll.interval")
	check(c.Poll.Multiplier >= 1, "poll.multiplier must be >= 1, got %g", c.Poll.Multiplier)
	check(c.Poll.Timeout > 0, "poll.timeout must be positive")

	check(c.SSH.MaxSessions > 0, "ssh.max_sessions must be positive, got %d", c.SSH.MaxSessions)
	check(c.SSH.DialTimeout > 0, "ssh.dial_timeout must be positive")

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// RetryPolicy возвращает политику повторов ExecutionFailed для шагов
// без собственной политики.
func (c *Config) RetryPolicy() *domain.RetryPolicy {
	return &domain.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		Backoff:        c.Retry.Backoff,
		InitialDelayMs: int(c.Retry.InitialDelay / time.Millisecond),
		MaxDelayMs:     int(c.Retry.MaxDelay / time.Millisecond),
	}
}

// Dump сериализует конфигурацию в YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
