// Package config holds the settings shared by all commands. Values come
// from an optional YAML file and are overridden by command-line flags.
package config

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"gitlab.diskarte.net/engineering/redis-mirror/internal/engine"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/redis"
)

// Journal locates the reindexer namespace transfer records go to.
type Journal struct {
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`
}

// Report settings.
type Report struct {
	Top    int    `yaml:"top"`
	Format string `yaml:"format"`
}

// Cleanup settings.
type Cleanup struct {
	Expired bool     `yaml:"expired"`
	Allow   []string `yaml:"allow"`
	Deny    []string `yaml:"deny"`
	Script  string   `yaml:"script"`
	All     bool     `yaml:"all"`
	DryRun  bool     `yaml:"dry_run"`
}

// Config is the complete configuration.
type Config struct {
	Source      string        `yaml:"source"`
	Destination string        `yaml:"destination"`
	Pattern     string        `yaml:"pattern"`
	BatchSize   int           `yaml:"batch_size"`
	Workers     int           `yaml:"workers"`
	Policy      string        `yaml:"policy"`
	Checkpoint  string        `yaml:"checkpoint"`
	Retries     int           `yaml:"retries"`
	Backoff     time.Duration `yaml:"backoff"`
	Timeout     time.Duration `yaml:"timeout"`
	DedupSize   int           `yaml:"dedup_size"`
	Flush       bool          `yaml:"flush_destination"`
	DryRun      bool          `yaml:"dry_run"`
	Listen      string        `yaml:"listen"`
	LogLevel    string        `yaml:"log_level"`
	Journal     Journal       `yaml:"journal"`
	Report      Report        `yaml:"report"`
	Cleanup     Cleanup       `yaml:"cleanup"`
}

// Default returns the built-in settings. The destination defaults to a
// local store, as provisioned by init.
func Default() *Config {
	return &Config{
		Destination: "127.0.0.1:6379",
		BatchSize:   engine.DefaultBatchSize,
		Workers:     engine.DefaultWorkers,
		Policy:      engine.SkipExisting.String(),
		Retries:     engine.DefaultRetries,
		Backoff:     engine.DefaultBackoff,
		Timeout:     5 * time.Second,
		DedupSize:   engine.DefaultDedupSize,
		LogLevel:    "info",
		Journal:     Journal{Namespace: "transfer_records"},
		Report:      Report{Top: 10, Format: "text"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// FindPath looks for -config/--config in args before flags are defined.
func FindPath(args []string) string {
	for i, a := range args {
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if strings.HasPrefix(name, "config=") {
			return strings.TrimPrefix(name, "config=")
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// Validate goes through the configuration for the given command and
// returns every problem found.
func Validate(c *Config, command string) []error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}

	switch command {
	case "sync", "check":
		if c.Source == "" {
			errs = append(errs, fmt.Errorf("%s needs a source (--src)", command))
		} else if _, err := redis.ParseURI(c.Source); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := redis.ParseURI(c.Destination); err != nil {
		errs = append(errs, err)
	}

	switch command {
	case "sync":
		if c.Workers <= 0 {
			errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
		}
		if c.Retries < 0 {
			errs = append(errs, fmt.Errorf("retries must not be negative"))
		}
		if _, err := engine.ParsePolicy(c.Policy); err != nil {
			errs = append(errs, err)
		}
		if c.Journal.DSN != "" && c.Journal.Namespace == "" {
			errs = append(errs, fmt.Errorf("journal needs a namespace"))
		}
		if c.Flush && c.DryRun {
			errs = append(errs, fmt.Errorf("flush-destination and dry-run exclude each other"))
		}
	case "report":
		if c.Report.Format != "text" && c.Report.Format != "json" {
			errs = append(errs, fmt.Errorf("report format must be text or json, got %q", c.Report.Format))
		}
		if c.Report.Top < 0 {
			errs = append(errs, fmt.Errorf("report top must not be negative"))
		}
	}
	return errs
}
