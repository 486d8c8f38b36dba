package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     Server     `yaml:"server" json:"server"`
	Storage    Storage    `yaml:"storage" json:"storage"`
	Tasks      Tasks      `yaml:"tasks" json:"tasks"`
	Salesforce Salesforce `yaml:"salesforce" json:"salesforce"`
	Roster     Roster     `yaml:"roster" json:"roster"`
	Log        Log        `yaml:"log" json:"log"`
}

type Server struct {
	Addr         string `yaml:"addr" json:"addr"`
	DataDir      string `yaml:"data_dir" json:"data_dir"`
	SecureCookie bool   `yaml:"secure_cookie" json:"secure_cookie"`
	// StaticDir serves assets from disk instead of the embedded copy.
	StaticDir string `yaml:"static_dir" json:"static_dir"`
}

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendNATS   = "nats"
	BackendSQLite = "sqlite"
)

type Storage struct {
	Backend string     `yaml:"backend" json:"backend"`
	NATS    NATSConfig `yaml:"nats" json:"nats"`
	SQLite  SQLite     `yaml:"sqlite" json:"sqlite"`
}

type NATSConfig struct {
	URL          string `yaml:"url" json:"url"`
	BucketPrefix string `yaml:"bucket_prefix" json:"bucket_prefix"`
	// Embedded runs a JetStream server inside the process; URL is ignored.
	Embedded bool   `yaml:"embedded" json:"embedded"`
	StoreDir string `yaml:"store_dir" json:"store_dir"`
}

type SQLite struct {
	Path string `yaml:"path" json:"path"`
}

type Tasks struct {
	// ArchiveRequiresComplete is a pointer so an explicit false survives defaults.
	ArchiveRequiresComplete *bool  `yaml:"archive_requires_complete" json:"archive_requires_complete"`
	AttachmentMaxBytes      int64  `yaml:"attachment_max_bytes" json:"attachment_max_bytes"`
	WeekLocation            string `yaml:"week_location" json:"week_location"`
	EventLogCapacity        int    `yaml:"event_log_capacity" json:"event_log_capacity"`
}

type Salesforce struct {
	InstanceURL  string        `yaml:"instance_url" json:"instance_url"`
	APIVersion   string        `yaml:"api_version" json:"api_version"`
	Object       string        `yaml:"object" json:"object"`
	AccessToken  string        `yaml:"access_token" json:"-"`
	ClientID     string        `yaml:"client_id" json:"client_id"`
	ClientSecret string        `yaml:"client_secret" json:"-"`
	RefreshToken string        `yaml:"refresh_token" json:"-"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

type Roster struct {
	// Path to a roster yaml; empty uses the built-in team.
	Path string `yaml:"path" json:"path"`
}

type Log struct {
	Level string `yaml:"level" json:"level"`
}

const (
	DefaultAddr               = ":8080"
	DefaultDataDir            = "data"
	DefaultWeekLocation       = "Asia/Tokyo"
	DefaultAttachmentMaxBytes = 2 * 1024 * 1024
	DefaultEventLogCapacity   = 1000
)

func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = DefaultDataDir
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = c.Server.DataDir + "/wtm.db"
	}
	if c.Storage.NATS.StoreDir == "" {
		c.Storage.NATS.StoreDir = c.Server.DataDir + "/jetstream"
	}
	if c.Tasks.ArchiveRequiresComplete == nil {
		v := true
		c.Tasks.ArchiveRequiresComplete = &v
	}
	if c.Tasks.AttachmentMaxBytes <= 0 {
		c.Tasks.AttachmentMaxBytes = DefaultAttachmentMaxBytes
	}
	if c.Tasks.WeekLocation == "" {
		c.Tasks.WeekLocation = DefaultWeekLocation
	}
	if c.Tasks.EventLogCapacity <= 0 {
		c.Tasks.EventLogCapacity = DefaultEventLogCapacity
	}
	if c.Salesforce.Timeout == 0 {
		c.Salesforce.Timeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendFile, BackendNATS, BackendSQLite:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Location resolves tasks.week_location.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Tasks.WeekLocation)
	if err != nil {
		return nil, fmt.Errorf("config: week_location: %w", err)
	}
	return loc, nil
}

func (c *Config) ArchiveRequiresComplete() bool {
	return c.Tasks.ArchiveRequiresComplete == nil || *c.Tasks.ArchiveRequiresComplete
}

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return l, nil
}

// Load reads the yaml file at path, then the environment. A missing file is
// not an error when path is empty or the file does not exist; defaults and
// environment still apply.
func Load(path string) (*Config, error) {
	var r Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(b, &r); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	r.ApplyEnv()
	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
