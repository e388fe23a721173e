package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SLURP_"

type Server struct {
	Addr           string   `yaml:"addr"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	CORSOrigins    []string `yaml:"cors_origins"`
	// APIKey, when set, must be sent in the X-API-Key header
	APIKey string `yaml:"api_key"`
	// AllowPrivateURLs lets image_url uploads fetch from loopback, private and link-local hosts
	AllowPrivateURLs bool `yaml:"allow_private_urls"`
}

type Storage struct {
	// Backend is "local" or "gcs"
	Backend         string `yaml:"backend"`
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

type History struct {
	// Driver is "memory", "sqlite3" or "postgres"
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Scanner struct {
	// Mode is "local" or "remote"
	Mode    string        `yaml:"mode"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PDF struct {
	Layout string `yaml:"layout"`
}

type Janitor struct {
	// Schedule is a cron spec; empty disables the janitor
	Schedule string        `yaml:"schedule"`
	TTL      time.Duration `yaml:"ttl"`
}

// Config is the server configuration
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	History History `yaml:"history"`
	Scanner Scanner `yaml:"scanner"`
	PDF     PDF     `yaml:"pdf"`
	Janitor Janitor `yaml:"janitor"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Addr:           ":3000",
			MaxUploadBytes: 10 << 20,
			CORSOrigins:    []string{"*"},
		},
		Storage: Storage{
			Backend: "local",
			Dir:     "data/images",
		},
		History: History{
			Driver: "sqlite3",
			DSN:    "data/history.db",
		},
		Scanner: Scanner{
			Mode:    "local",
			URL:     "http://localhost:8000/scanner",
			Timeout: 30 * time.Second,
		},
		PDF: PDF{
			Layout: "pos:full",
		},
		Janitor: Janitor{
			Schedule: "@every 10m",
			TTL:      24 * time.Hour,
		},
	}
}

// Load reads defaults, then the YAML file at path if given, then SLURP_*
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("ADDR", &c.Server.Addr)
	str("API_KEY", &c.Server.APIKey)
	if v, ok := lookup(EnvPrefix + "MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_UPLOAD_BYTES: %w", EnvPrefix, err)
		}
		c.Server.MaxUploadBytes = n
	}
	if v, ok := lookup(EnvPrefix + "ALLOW_PRIVATE_URLS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sALLOW_PRIVATE_URLS: %w", EnvPrefix, err)
		}
		c.Server.AllowPrivateURLs = b
	}
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.CORSOrigins = append(c.Server.CORSOrigins, o)
			}
		}
	}

	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("GCS_BUCKET", &c.Storage.Bucket)
	str("GCS_PREFIX", &c.Storage.Prefix)
	str("GCS_CREDENTIALS", &c.Storage.CredentialsFile)
	str("GCS_ENDPOINT", &c.Storage.Endpoint)

	str("HISTORY_DRIVER", &c.History.Driver)
	str("HISTORY_DSN", &c.History.DSN)

	str("SCANNER_MODE", &c.Scanner.Mode)
	str("SCANNER_URL", &c.Scanner.URL)
	if err := dur("SCANNER_TIMEOUT", &c.Scanner.Timeout); err != nil {
		return err
	}

	str("PDF_LAYOUT", &c.PDF.Layout)

	str("JANITOR_SCHEDULE", &c.Janitor.Schedule)
	return dur("JANITOR_TTL", &c.Janitor.TTL)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the local backend"))
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	switch c.History.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if c.History.DSN == "" {
			errs = append(errs, fmt.Errorf("history.dsn is required for %s", c.History.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history.driver %q", c.History.Driver))
	}

	switch c.Scanner.Mode {
	case "local":
	case "remote":
		if c.Scanner.URL == "" {
			errs = append(errs, errors.New("scanner.url is required in remote mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown scanner.mode %q", c.Scanner.Mode))
	}

	if c.Janitor.Schedule != "" {
		if _, err := cron.ParseStandard(c.Janitor.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("janitor.schedule: %w", err))
		}
		if c.Janitor.TTL <= 0 {
			errs = append(errs, errors.New("janitor.ttl must be positive"))
		}
	}

	return errors.Join(errs...)
}
