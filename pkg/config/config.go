package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Configuration keys. They are case-sensitive in files and override maps and
// contain literal dots, so viper is created with a different key delimiter.
const (
	KeyMaxConnections  = "max.connections"
	KeyMinConnections  = "min.connections"
	KeyMaxWait         = "max.wait"
	KeyKeepAliveSQL    = "keep.alive.sql"
	KeyDriver          = "driver"
	KeyDriverURL       = "driver.url"
	KeyDriverProps     = "driver.props"
	KeyValidateTimeout = "validate.timeout"
	KeyDebug           = "debug"

	KeySizerInterval        = "sizer.interval"
	KeySizerLowWatermark    = "sizer.low.watermark"
	KeySizerHighWatermark   = "sizer.high.watermark"
	KeySizerGrowFactor      = "sizer.grow.factor"
	KeySizerShrinkFactor    = "sizer.shrink.factor"
	KeySizerAdmitRetries    = "sizer.admit.retries"
	KeySizerAdmitDelay      = "sizer.admit.delay"
	KeySizerAdmitBackoff    = "sizer.admit.backoff"
	KeySizerAdmitMultiplier = "sizer.admit.multiplier"
	KeySizerAdmitMaxDelay   = "sizer.admit.max.delay"

	KeyLoggingLevel  = "logging.level"
	KeyLoggingFormat = "logging.format"
	KeyLoggingOutput = "logging.output"

	KeyTracingEnabled  = "tracing.enabled"
	KeyTracingExporter = "tracing.exporter"
	KeyTracingEndpoint = "tracing.endpoint"

	KeyAdminAddress        = "admin.address"
	KeyAdminStreamInterval = "admin.stream.interval"
)

const (
	// Unbounded is the resolved value of max.connections when no limit is set.
	Unbounded = math.MaxInt32

	// WaitForever is the resolved value of max.wait when no limit is set.
	WaitForever = time.Duration(math.MaxInt64)

	unboundedLiteral = "unbounded"
	keyDelimiter     = "::"
	envPrefix        = "DBPOOLD"
)

// ErrInvalidConfig is matched by every ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError reports a configuration value that cannot be used. It is fatal
// at startup.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// Config is the validated, immutable pool configuration.
type Config struct {
	MinConnections  int
	MaxConnections  int
	MaxWait         time.Duration
	KeepAliveSQL    string
	Driver          string
	DriverURL       string
	DriverProps     map[string]string
	ValidateTimeout time.Duration
	Debug           bool

	Sizer   SizerPolicy
	Logging LoggingConfig
	Tracing TracingConfig
	Admin   AdminConfig
}

// SizerPolicy holds the tuning constants of the background sizer. The
// watermark and factor defaults are empirical.
type SizerPolicy struct {
	Interval      time.Duration
	LowWatermark  float64
	HighWatermark float64
	GrowFactor    float64
	ShrinkFactor  float64

	// Admission retries of freshly created resources. AdmitBackoff is one
	// of fixed, linear or exponential; AdmitMultiplier only applies to
	// exponential and every delay is capped at AdmitMaxDelay.
	AdmitRetries    int
	AdmitDelay      time.Duration
	AdmitBackoff    string
	AdmitMultiplier float64
	AdmitMaxDelay   time.Duration
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled  bool
	Exporter string
	Endpoint string
}

// AdminConfig holds the admin HTTP surface configuration
type AdminConfig struct {
	Address        string
	StreamInterval time.Duration
}

// Defaults returns the default value of every known key.
func Defaults() map[string]any {
	return map[string]any{
		KeyMaxConnections:  unboundedLiteral,
		KeyMinConnections:  10,
		KeyMaxWait:         unboundedLiteral,
		KeyKeepAliveSQL:    "",
		KeyDriver:          "",
		KeyDriverURL:       "",
		KeyValidateTimeout: 5,
		KeyDebug:           false,

		KeySizerInterval:        60,
		KeySizerLowWatermark:    0.15,
		KeySizerHighWatermark:   0.75,
		KeySizerGrowFactor:      0.10,
		KeySizerShrinkFactor:    0.10,
		KeySizerAdmitRetries:    3,
		KeySizerAdmitDelay:      0.1,
		KeySizerAdmitBackoff:    "fixed",
		KeySizerAdmitMultiplier: 2.0,
		KeySizerAdmitMaxDelay:   1,

		KeyLoggingLevel:  "info",
		KeyLoggingFormat: "json",
		KeyLoggingOutput: "",

		KeyTracingEnabled:  false,
		KeyTracingExporter: "stdout",
		KeyTracingEndpoint: "",

		KeyAdminAddress:        "",
		KeyAdminStreamInterval: 5,
	}
}

// New builds a Config from the defaults overlaid with overrides and validates it.
func New(overrides map[string]any) (*Config, error) {
	if err := checkKeys(overrides); err != nil {
		return nil, err
	}
	v := newViper()
	for key, value := range overrides {
		v.Set(key, value)
	}
	return decode(v)
}

// Load reads configuration from a YAML file (optional), DBPOOLD_* environment
// variables and finally the given overrides.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	if err := checkKeys(overrides); err != nil {
		return nil, err
	}
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dbpoold")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/dbpoold")
		v.AddConfigPath("/etc/dbpoold")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := checkFileKeys(v.ConfigFileUsed()); err != nil {
		return nil, err
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// checkKeys rejects keys that do not match a known key exactly. Viper folds
// case, so this is the only place where case is enforced.
func checkKeys(settings map[string]any) error {
	defaults := Defaults()
	for key := range settings {
		if _, ok := defaults[key]; ok {
			continue
		}
		if key == KeyDriverProps || strings.HasPrefix(key, KeyDriverProps+".") {
			continue
		}
		return &ConfigError{Key: key, Reason: "unknown key (keys are case-sensitive)"}
	}
	return nil
}

func checkFileKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var settings map[string]any
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := checkKeys(settings); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var err error
	cfg := &Config{
		KeepAliveSQL: strings.TrimSpace(v.GetString(KeyKeepAliveSQL)),
		Driver:       strings.TrimSpace(v.GetString(KeyDriver)),
		DriverURL:    strings.TrimSpace(v.GetString(KeyDriverURL)),
		DriverProps:  driverProps(v),
		Logging: LoggingConfig{
			Level:  v.GetString(KeyLoggingLevel),
			Format: v.GetString(KeyLoggingFormat),
			Output: v.GetString(KeyLoggingOutput),
		},
		Tracing: TracingConfig{
			Exporter: v.GetString(KeyTracingExporter),
			Endpoint: v.GetString(KeyTracingEndpoint),
		},
		Admin: AdminConfig{
			Address: v.GetString(KeyAdminAddress),
		},
	}

	if cfg.MaxConnections, err = boundedInt(v, KeyMaxConnections, Unbounded); err != nil {
		return nil, err
	}
	if cfg.MinConnections, err = integer(v, KeyMinConnections); err != nil {
		return nil, err
	}
	if cfg.MaxWait, err = boundedSeconds(v, KeyMaxWait, WaitForever); err != nil {
		return nil, err
	}
	if cfg.ValidateTimeout, err = seconds(v, KeyValidateTimeout); err != nil {
		return nil, err
	}
	if cfg.Debug, err = boolean(v, KeyDebug); err != nil {
		return nil, err
	}
	if cfg.Tracing.Enabled, err = boolean(v, KeyTracingEnabled); err != nil {
		return nil, err
	}
	if cfg.Admin.StreamInterval, err = seconds(v, KeyAdminStreamInterval); err != nil {
		return nil, err
	}

	p := &cfg.Sizer
	if p.Interval, err = seconds(v, KeySizerInterval); err != nil {
		return nil, err
	}
	if p.LowWatermark, err = fraction(v, KeySizerLowWatermark); err != nil {
		return nil, err
	}
	if p.HighWatermark, err = fraction(v, KeySizerHighWatermark); err != nil {
		return nil, err
	}
	if p.GrowFactor, err = fraction(v, KeySizerGrowFactor); err != nil {
		return nil, err
	}
	if p.ShrinkFactor, err = fraction(v, KeySizerShrinkFactor); err != nil {
		return nil, err
	}
	if p.AdmitRetries, err = integer(v, KeySizerAdmitRetries); err != nil {
		return nil, err
	}
	if p.AdmitDelay, err = seconds(v, KeySizerAdmitDelay); err != nil {
		return nil, err
	}
	p.AdmitBackoff = strings.ToLower(strings.TrimSpace(v.GetString(KeySizerAdmitBackoff)))
	if p.AdmitMultiplier, err = cast.ToFloat64E(v.Get(KeySizerAdmitMultiplier)); err != nil {
		return nil, &ConfigError{Key: KeySizerAdmitMultiplier, Reason: fmt.Sprintf("not a number: %v", v.Get(KeySizerAdmitMultiplier))}
	}
	if p.AdmitMaxDelay, err = seconds(v, KeySizerAdmitMaxDelay); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// driverProps collects driver.props.<name> entries, written either flat or
// as a nested map.
func driverProps(v *viper.Viper) map[string]string {
	props := make(map[string]string)
	for _, key := range v.AllKeys() {
		for _, prefix := range []string{KeyDriverProps + ".", KeyDriverProps + keyDelimiter} {
			if name, ok := strings.CutPrefix(key, prefix); ok && name != "" {
				props[name] = v.GetString(key)
			}
		}
	}
	return props
}

func isUnboundedLiteral(raw any) bool {
	s, ok := raw.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, unboundedLiteral)
}

func boundedInt(v *viper.Viper, key string, unbounded int) (int, error) {
	raw := v.Get(key)
	if isUnboundedLiteral(raw) {
		return unbounded, nil
	}
	return integer(v, key)
}

func integer(v *viper.Viper, key string) (int, error) {
	raw := v.Get(key)
	n, err := cast.ToIntE(raw)
	if err != nil {
		return 0, &ConfigError{Key: key, Reason: fmt.Sprintf("not an integer: %v", raw)}
	}
	return n, nil
}

func boundedSeconds(v *viper.Viper, key string, unbounded time.Duration) (time.Duration, error) {
	raw := v.Get(key)
	if isUnboundedLiteral(raw) {
		return unbounded, nil
	}
	return seconds(v, key)
}

func seconds(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.Get(key)
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, &ConfigError{Key: key, Reason: fmt.Sprintf("not a number of seconds: %v", raw)}
	}
	return time.Duration(f * float64(time.Second)), nil
}

func fraction(v *viper.Viper, key string) (float64, error) {
	raw := v.Get(key)
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, &ConfigError{Key: key, Reason: fmt.Sprintf("not a number: %v", raw)}
	}
	return f, nil
}

func boolean(v *viper.Viper, key string) (bool, error) {
	raw := v.Get(key)
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return false, &ConfigError{Key: key, Reason: fmt.Sprintf("not a boolean: %v", raw)}
	}
	return b, nil
}

// Validate checks bounds and policy. It is called by New and Load; callers
// building a Config by hand should call it too.
func (c *Config) Validate() error {
	if c.MinConnections < 0 {
		return &ConfigError{Key: KeyMinConnections, Reason: "must not be negative"}
	}
	if c.MaxConnections < 0 {
		return &ConfigError{Key: KeyMaxConnections, Reason: "must not be negative"}
	}
	if c.MinConnections > c.MaxConnections {
		return &ConfigError{
			Key:    KeyMinConnections,
			Reason: fmt.Sprintf("%d exceeds %s %d", c.MinConnections, KeyMaxConnections, c.MaxConnections),
		}
	}
	if c.MaxWait < 0 {
		return &ConfigError{Key: KeyMaxWait, Reason: "must not be negative"}
	}
	if c.Driver == "" {
		return &ConfigError{Key: KeyDriver, Reason: "is required"}
	}
	if c.DriverURL == "" {
		return &ConfigError{Key: KeyDriverURL, Reason: "is required"}
	}
	if c.ValidateTimeout <= 0 {
		return &ConfigError{Key: KeyValidateTimeout, Reason: "must be positive"}
	}

	if err := c.Sizer.validate(); err != nil {
		return err
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return &ConfigError{Key: KeyLoggingLevel, Reason: fmt.Sprintf("invalid level %q (must be debug, info, warn, or error)", c.Logging.Level)}
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return &ConfigError{Key: KeyLoggingFormat, Reason: fmt.Sprintf("invalid format %q (must be json, text, or console)", c.Logging.Format)}
	}

	validExporters := map[string]bool{
		"stdout": true, "otlp": true, "jaeger": true,
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return &ConfigError{Key: KeyTracingExporter, Reason: fmt.Sprintf("invalid exporter %q (must be stdout, otlp, or jaeger)", c.Tracing.Exporter)}
	}

	if c.Admin.Address != "" && c.Admin.StreamInterval <= 0 {
		return &ConfigError{Key: KeyAdminStreamInterval, Reason: "must be positive"}
	}
	return nil
}

func (p SizerPolicy) validate() error {
	if p.Interval <= 0 {
		return &ConfigError{Key: KeySizerInterval, Reason: "must be positive"}
	}
	fractions := []struct {
		key   string
		value float64
	}{
		{KeySizerLowWatermark, p.LowWatermark},
		{KeySizerHighWatermark, p.HighWatermark},
		{KeySizerGrowFactor, p.GrowFactor},
		{KeySizerShrinkFactor, p.ShrinkFactor},
	}
	for _, f := range fractions {
		if f.value <= 0 || f.value > 1 {
			return &ConfigError{Key: f.key, Reason: fmt.Sprintf("%v is outside (0, 1]", f.value)}
		}
	}
	if p.LowWatermark >= p.HighWatermark {
		return &ConfigError{Key: KeySizerLowWatermark, Reason: fmt.Sprintf("must be below %s", KeySizerHighWatermark)}
	}
	if p.AdmitRetries < 0 {
		return &ConfigError{Key: KeySizerAdmitRetries, Reason: "must not be negative"}
	}
	if p.AdmitDelay < 0 {
		return &ConfigError{Key: KeySizerAdmitDelay, Reason: "must not be negative"}
	}
	switch p.AdmitBackoff {
	case "fixed", "linear", "exponential":
	default:
		return &ConfigError{Key: KeySizerAdmitBackoff, Reason: fmt.Sprintf("invalid backoff %q (must be fixed, linear, or exponential)", p.AdmitBackoff)}
	}
	if p.AdmitMultiplier < 1 {
		return &ConfigError{Key: KeySizerAdmitMultiplier, Reason: "must be at least 1"}
	}
	if p.AdmitMaxDelay < p.AdmitDelay {
		return &ConfigError{Key: KeySizerAdmitMaxDelay, Reason: fmt.Sprintf("must not be below %s", KeySizerAdmitDelay)}
	}
	return nil
}

// IsUnbounded reports whether max.connections was left unbounded.
func (c *Config) IsUnbounded() bool {
	return c.MaxConnections == Unbounded
}

// Settings renders the configuration back into its key/value form.
func (c *Config) Settings() map[string]any {
	settings := map[string]any{
		KeyMinConnections:  c.MinConnections,
		KeyKeepAliveSQL:    c.KeepAliveSQL,
		KeyDriver:          c.Driver,
		KeyDriverURL:       c.DriverURL,
		KeyValidateTimeout: c.ValidateTimeout.Seconds(),
		KeyDebug:           c.Debug,

		KeySizerInterval:        c.Sizer.Interval.Seconds(),
		KeySizerLowWatermark:    c.Sizer.LowWatermark,
		KeySizerHighWatermark:   c.Sizer.HighWatermark,
		KeySizerGrowFactor:      c.Sizer.GrowFactor,
		KeySizerShrinkFactor:    c.Sizer.ShrinkFactor,
		KeySizerAdmitRetries:    c.Sizer.AdmitRetries,
		KeySizerAdmitDelay:      c.Sizer.AdmitDelay.Seconds(),
		KeySizerAdmitBackoff:    c.Sizer.AdmitBackoff,
		KeySizerAdmitMultiplier: c.Sizer.AdmitMultiplier,
		KeySizerAdmitMaxDelay:   c.Sizer.AdmitMaxDelay.Seconds(),

		KeyLoggingLevel:  c.Logging.Level,
		KeyLoggingFormat: c.Logging.Format,
		KeyLoggingOutput: c.Logging.Output,

		KeyTracingEnabled:  c.Tracing.Enabled,
		KeyTracingExporter: c.Tracing.Exporter,
		KeyTracingEndpoint: c.Tracing.Endpoint,

		KeyAdminAddress:        c.Admin.Address,
		KeyAdminStreamInterval: c.Admin.StreamInterval.Seconds(),
	}

	if c.IsUnbounded() {
		settings[KeyMaxConnections] = unboundedLiteral
	} else {
		settings[KeyMaxConnections] = c.MaxConnections
	}
	if c.MaxWait == WaitForever {
		settings[KeyMaxWait] = unboundedLiteral
	} else {
		settings[KeyMaxWait] = c.MaxWait.Seconds()
	}

	names := make([]string, 0, len(c.DriverProps))
	for name := range c.DriverProps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		settings[KeyDriverProps+"."+name] = c.DriverProps[name]
	}
	return settings
}

// Save writes the configuration as a flat YAML document.
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c.Settings())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Template returns a Config with every default applied and placeholder driver
// settings, suitable for `config generate`.
func Template() *Config {
	cfg, err := New(map[string]any{
		KeyDriver:    "sqlite3",
		KeyDriverURL: "file:dbpoold.db?cache=shared",
	})
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}
