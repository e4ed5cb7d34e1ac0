package poller

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/sitepoll/horosafe"
	"github.com/hazyhaar/sitepoll/poller/internal/parser"
	"github.com/hazyhaar/sitepoll/poller/internal/registry"
	"github.com/hazyhaar/sitepoll/tick"
)

// Config is the root of the YAML configuration file.
//
//	logger:
//	  level: info
//	  format: json
//	database:
//	  path: requests_and_data.db
//	  cleaning_interval: 1h
//	  request_history_age: 30d
//	  last_cleaning_records: 100
//	sources:
//	  - kind: forecast
//	    url: https://www.gismeteo.ru/weather-moscow-4368/2-weeks/
//	    request_interval: 1h
//	    table_name: forecast_moscow
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Database DatabaseConfig `yaml:"database"`
	Fetch    FetchConfig    `yaml:"fetch"`
	HTTP     HTTPConfig     `yaml:"http"`
	Sources  []SourceConfig `yaml:"sources"`
}

// LoggerConfig selects the slog handler.
type LoggerConfig struct {
	// Level is debug, info, warn or error. Default info.
	Level string `yaml:"level"`
	// Format is json or text. Default json.
	Format string `yaml:"format"`
	// Filename appends logs to a file instead of stderr.
	Filename string `yaml:"filename"`
}

// DatabaseConfig holds the storage path and the retention policy.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// CleaningInterval is how often retention cleanup runs.
	CleaningInterval Duration `yaml:"cleaning_interval"`
	// RequestHistoryAge is the retention window.
	RequestHistoryAge Duration `yaml:"request_history_age"`
	// LastCleaningRecords caps the cleanup history.
	LastCleaningRecords int `yaml:"last_cleaning_records"`
	// TraceSQL logs every statement (Debug; Warn when slow).
	TraceSQL bool `yaml:"trace_sql"`
}

// FetchConfig tunes the HTTP fetcher.
type FetchConfig struct {
	Timeout   Duration `yaml:"timeout"`
	UserAgent string   `yaml:"user_agent"`
	MaxBytes  int64    `yaml:"max_bytes"`
	// BlockPrivate refuses targets that resolve to private or loopback
	// addresses.
	BlockPrivate bool `yaml:"block_private"`
}

// HTTPConfig enables the read-only status API when Addr is set.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig is one polled source as written in the file. Intervals are
// kept as text so one bad source does not reject the whole file.
type SourceConfig struct {
	Kind            string `yaml:"kind"`
	URL             string `yaml:"url"`
	RequestInterval string `yaml:"request_interval"`
	TableName       string `yaml:"table_name"`
	// Enable defaults to true when omitted.
	Enable *bool `yaml:"enable"`
}

// Enabled reports whether the source should be polled.
func (s SourceConfig) Enabled() bool { return s.Enable == nil || *s.Enable }

// Duration is a time.Duration read from YAML with ParseInterval syntax.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseInterval(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// String returns the duration in Go syntax.
func (d Duration) String() string { return time.Duration(d).String() }

// Label renders whole days as "Nd" and anything else in Go syntax.
func (d Duration) Label() string {
	const day = 24 * time.Hour
	if td := time.Duration(d); td > 0 && td%day == 0 {
		return strconv.FormatInt(int64(td/day), 10) + "d"
	}
	return d.String()
}

// ConfigError rejects one source, or the whole configuration when Index is -1.
type ConfigError struct {
	Index int
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config: sources[%d].%s: %v", e.Index, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ErrNoSources means every configured source was rejected or disabled.
var ErrNoSources = errors.New("no valid sources configured")

// maxSeconds is the largest whole number of seconds a time.Duration holds.
const maxSeconds = int64(math.MaxInt64 / time.Second)

var (
	clockPattern = regexp.MustCompile(`^(\d+):(\d{2})(?::(\d{2}))?$`)
	dayPattern   = regexp.MustCompile(`^(\d+)d(.*)$`)
)

// ParseInterval parses a duration. Accepted forms: Go syntax ("90m",
// "1h30m"), a day prefix ("2d", "1d12h"), a clock ("1:30" or "1:30:00")
// and a bare number of seconds ("3600").
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > maxSeconds || n < -maxSeconds {
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	if m := clockPattern.FindStringSubmatch(s); m != nil {
		h, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || h > maxSeconds/3600-1 {
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		mins, _ := strconv.Atoi(m[2])
		sec := 0
		if m[3] != "" {
			sec, _ = strconv.Atoi(m[3])
		}
		return time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec)*time.Second, nil
	}
	if m := dayPattern.FindStringSubmatch(s); m != nil {
		days, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		if days > maxSeconds/(24*3600) {
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		rest := time.Duration(0)
		if m[2] != "" {
			if rest, err = time.ParseDuration(m[2]); err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
		}
		whole := time.Duration(days) * 24 * time.Hour
		if rest > 0 && whole > math.MaxInt64-rest {
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		return whole + rest, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the global settings.
// Sources are validated separately by BuildSources.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) defaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Database.Path == "" {
		c.Database.Path = "requests_and_data.db"
	}
	if c.Database.CleaningInterval == 0 {
		c.Database.CleaningInterval = Duration(time.Hour)
	}
	if c.Database.RequestHistoryAge == 0 {
		c.Database.RequestHistoryAge = Duration(30 * 24 * time.Hour)
	}
	if c.Database.LastCleaningRecords == 0 {
		c.Database.LastCleaningRecords = 100
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = Duration(30 * time.Second)
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Index: -1, Field: "logger.level", Err: fmt.Errorf("unknown level %q", c.Logger.Level)}
	}
	switch c.Logger.Format {
	case "json", "text":
	default:
		return &ConfigError{Index: -1, Field: "logger.format", Err: fmt.Errorf("unknown format %q", c.Logger.Format)}
	}
	for _, d := range []struct {
		field string
		v     Duration
	}{
		{"database.cleaning_interval", c.Database.CleaningInterval},
		{"database.request_history_age", c.Database.RequestHistoryAge},
		{"fetch.timeout", c.Fetch.Timeout},
	} {
		if d.v < 0 {
			return &ConfigError{Index: -1, Field: d.field, Err: fmt.Errorf("must not be negative, got %s", d.v)}
		}
	}
	if c.Database.LastCleaningRecords < 0 {
		return &ConfigError{Index: -1, Field: "database.last_cleaning_records", Err: fmt.Errorf("must not be negative")}
	}
	if c.Fetch.MaxBytes < 0 {
		return &ConfigError{Index: -1, Field: "fetch.max_bytes", Err: fmt.Errorf("must not be negative")}
	}
	return nil
}

// BuildSources turns the configured sources into registry entries. Each
// invalid source is rejected on its own with a *ConfigError; disabled
// sources are skipped silently. Sources of one kind may share a table, but
// a table belongs to the first kind that names it. ErrNoSources is returned when nothing
// remains.
func (c *Config) BuildSources(parsers *parser.Registry) ([]*registry.Source, []error) {
	type owner struct {
		index int
		kind  string
	}
	var (
		out    []*registry.Source
		errs   []error
		seen   = make(map[string]int)
		tables = make(map[string]owner)
	)
	for i, sc := range c.Sources {
		if !sc.Enabled() {
			continue
		}
		src, err := buildSource(i, sc, parsers, c.Fetch.BlockPrivate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := src.Kind + "\x00" + src.Target
		if prev, dup := seen[key]; dup {
			errs = append(errs, &ConfigError{Index: i, Field: "url",
				Err: fmt.Errorf("duplicate of sources[%d] (same kind and url)", prev)})
			continue
		}
		// SQLite table names are case-insensitive.
		table := strings.ToLower(src.StorageTarget)
		if prev, ok := tables[table]; ok && prev.kind != src.Kind {
			errs = append(errs, &ConfigError{Index: i, Field: "table_name",
				Err: fmt.Errorf("%q already holds %s rows for sources[%d]", src.StorageTarget, prev.kind, prev.index)})
			continue
		}
		seen[key] = i
		if _, ok := tables[table]; !ok {
			tables[table] = owner{index: i, kind: src.Kind}
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		errs = append(errs, ErrNoSources)
	}
	return out, errs
}

// ValidSources is BuildSources over the built-in parsers.
func (c *Config) ValidSources() ([]*registry.Source, []error) {
	return c.BuildSources(parser.Builtins())
}

func buildSource(i int, sc SourceConfig, parsers *parser.Registry, blockPrivate bool) (*registry.Source, error) {
	if _, err := parsers.Lookup(sc.Kind); err != nil {
		return nil, &ConfigError{Index: i, Field: "kind", Err: err}
	}

	url, err := expandEnvVars(strings.TrimSpace(sc.URL))
	if err != nil {
		return nil, &ConfigError{Index: i, Field: "url", Err: err}
	}
	validate := horosafe.ValidateScheme
	if blockPrivate {
		validate = horosafe.ValidateURL
	}
	if err := validate(url); err != nil {
		return nil, &ConfigError{Index: i, Field: "url", Err: err}
	}

	d, err := ParseInterval(sc.RequestInterval)
	if err != nil {
		return nil, &ConfigError{Index: i, Field: "request_interval", Err: err}
	}
	interval := tick.FromDuration(d)
	if interval <= 0 {
		return nil, &ConfigError{Index: i, Field: "request_interval", Err: fmt.Errorf("must be positive, got %q", sc.RequestInterval)}
	}

	if err := horosafe.ValidateTableName(sc.TableName); err != nil {
		return nil, &ConfigError{Index: i, Field: "table_name", Err: err}
	}

	return &registry.Source{
		Kind:          sc.Kind,
		Target:        url,
		Interval:      interval,
		IntervalText:  strings.TrimSpace(sc.RequestInterval),
		StorageTarget: sc.TableName,
	}, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// An unset variable without a default is an error.
func expandEnvVars(s string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		m := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		firstErr = fmt.Errorf("environment variable %q is not set", m[1])
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
