package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Client types understood by the mover.
const (
	ClientQBittorrent = "qbittorrent"
	ClientDeluge      = "deluge"
	ClientPutio       = "putio"
)

// Config struct for environment variables. The server list lives in the
// configuration file referenced by ConfigFile and is loaded into File.
type Config struct {
	ConfigFile        string `envconfig:"CONFIG_FILE" default:"config.yaml"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string `envconfig:"DB_PATH" default:"moves.db"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"seedbox_mover"`
		OTLPEndpoint string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	File File `ignored:"true"`
}

// File is the human-edited configuration file.
type File struct {
	RateLimitDelay Duration `yaml:"rate_limit_delay" toml:"rate_limit_delay"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	LogFile        string   `yaml:"log_file" toml:"log_file"`
	MaxLogFileSize string   `yaml:"max_log_file_size" toml:"max_log_file_size"`
	MaxLogBackups  int      `yaml:"max_log_backups" toml:"max_log_backups"`
	Servers        []Server `yaml:"servers" toml:"servers"`
}

// Server describes one torrent client instance and where its categories go.
type Server struct {
	Name     string `yaml:"name" toml:"name"`
	Type     string `yaml:"type" toml:"type"`
	URL      string `yaml:"url" toml:"url"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	APIPath  string `yaml:"api_path" toml:"api_path"`
	Token    string `yaml:"token" toml:"token"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`

	Categories map[string]string `yaml:"categories" toml:"categories"`

	// RootPath is the prefix of save paths as the client reports them;
	// PathPrefix is what replaces it to obtain a locally visible path.
	RootPath   string `yaml:"root_path" toml:"root_path"`
	PathPrefix string `yaml:"path_prefix" toml:"path_prefix"`

	RateLimitDelay  *Duration `yaml:"rate_limit_delay" toml:"rate_limit_delay"`
	PollInterval    *Duration `yaml:"poll_interval" toml:"poll_interval"`
	RemoveAfterMove bool      `yaml:"remove_after_move" toml:"remove_after_move"`
}

// RateLimit returns the minimum delay between two gated operations.
func (s Server) RateLimit() time.Duration {
	if s.RateLimitDelay == nil {
		return 0
	}

	return s.RateLimitDelay.Duration()
}

// Interval returns the time between two polling cycles.
func (s Server) Interval() time.Duration {
	if s.PollInterval == nil {
		return DefaultPollInterval
	}

	return s.PollInterval.Duration()
}

// LoadConfig reads environment variables, then the configuration file they
// point at, and returns a normalized and validated Config.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	file, err := LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}

	cfg.File = *file

	return &cfg, nil
}

// LoadFile parses the configuration file at path. The format is picked from
// the extension: .toml is TOML, anything else is YAML.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	file, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	return file, nil
}

// Parse decodes, normalizes and validates a configuration document.
func Parse(data []byte, isTOML bool) (*File, error) {
	file := defaultFile()

	var err error
	if isTOML {
		err = toml.Unmarshal(data, file)
	} else {
		err = yaml.Unmarshal(data, file)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	file.normalize()

	if err := file.Validate(); err != nil {
		return nil, err
	}

	return file, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration accepts either a Go duration string ("90s", "5m") or a bare
// number of seconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0

		return nil
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)

		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.New("duration must be a scalar")
	}

	return d.UnmarshalText([]byte(value.Value))
}
