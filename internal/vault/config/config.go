package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Port string `toml:"port"`
}

type DatabaseConfig struct {
	// URL takes precedence over the individual connection fields.
	URL              string `toml:"url"`
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	User             string `toml:"user"`
	Password         string `toml:"password"`
	DBName           string `toml:"dbname"`
	SSLMode          string `toml:"sslmode"`
	MaxConnections   int    `toml:"max_connections"`
	StatementTimeout string `toml:"statement_timeout"`
	LockTimeout      string `toml:"lock_timeout"`
}

type StorageConfig struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
}

type WorkerConfig struct {
	Concurrency       int    `toml:"concurrency"`
	PollInterval      string `toml:"poll_interval"`
	MaxBackoff        string `toml:"max_backoff"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	HeartbeatTimeout  string `toml:"heartbeat_timeout"`
	MaxAttempts       int    `toml:"max_attempts"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type ConfigParam struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Storage  StorageConfig  `toml:"storage"`
	Worker   WorkerConfig   `toml:"worker"`
	Log      LogConfig      `toml:"log"`
}

var cfg *ConfigParam

func Config() *ConfigParam {
	return cfg
}

func defaults() ConfigParam {
	return ConfigParam{
		Server: ServerConfig{Port: "8195"},
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5432,
			User:             "spatialvault",
			DBName:           "spatialvault",
			SSLMode:          "disable",
			MaxConnections:   10,
			StatementTimeout: "30s",
			LockTimeout:      "5s",
		},
		Storage: StorageConfig{
			Bucket: "spatialvault",
			Region: "us-east-1",
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			PollInterval:      "1s",
			MaxBackoff:        "30s",
			HeartbeatInterval: "10s",
			HeartbeatTimeout:  "2m",
			MaxAttempts:       3,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads the TOML file at filename over the defaults. An empty
// filename loads the defaults only.
func LoadConfig(filename string) error {
	cp := defaults()
	if filename != "" {
		content, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("error reading config file: %v", err)
		}
		if _, err := toml.Decode(string(content), &cp); err != nil {
			return fmt.Errorf("error parsing config file: %v", err)
		}
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	cfg = &cp
	return nil
}

// Validate checks the values the process cannot run without.
func (c *ConfigParam) Validate() error {
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	for name, v := range map[string]string{
		"worker.poll_interval":       c.Worker.PollInterval,
		"worker.max_backoff":         c.Worker.MaxBackoff,
		"worker.heartbeat_interval":  c.Worker.HeartbeatInterval,
		"worker.heartbeat_timeout":   c.Worker.HeartbeatTimeout,
		"database.statement_timeout": c.Database.StatementTimeout,
		"database.lock_timeout":      c.Database.LockTimeout,
	} {
		if _, err := ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
	}

	// a running job must heartbeat at least twice per lease, or a healthy
	// worker loses its job to the reaper between beats
	interval := MustDuration(c.Worker.HeartbeatInterval)
	timeout := MustDuration(c.Worker.HeartbeatTimeout)
	if interval <= 0 || timeout <= 0 {
		return fmt.Errorf("worker.heartbeat_interval and worker.heartbeat_timeout must be positive")
	}
	if 2*interval >= timeout {
		return fmt.Errorf("worker.heartbeat_interval (%s) must be less than half of worker.heartbeat_timeout (%s)",
			interval, timeout)
	}
	return nil
}

// DSN returns the connection string for the metadata store. Statement and
// lock timeouts are passed as runtime parameters so every pooled
// connection carries them.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.DBName,
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if t, err := ParseDuration(d.StatementTimeout); err == nil && t > 0 {
		q.Set("statement_timeout", strconv.FormatInt(t.Milliseconds(), 10))
	}
	if t, err := ParseDuration(d.LockTimeout); err == nil && t > 0 {
		q.Set("lock_timeout", strconv.FormatInt(t.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseDuration accepts Go duration strings plus the day ("7d") and year
// ("1y") suffixes. An empty string is zero.
func ParseDuration(input string) (time.Duration, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(input); err == nil {
		return d, nil
	}
	if len(input) < 2 {
		return 0, fmt.Errorf("invalid duration %q", input)
	}
	unit := input[len(input)-1:]
	value, err := strconv.Atoi(input[:len(input)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", input)
	}
	switch unit {
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	case "y":
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown time unit: %s", unit)
	}
}

// MustDuration is ParseDuration for values already checked by Validate.
func MustDuration(input string) time.Duration {
	d, err := ParseDuration(input)
	if err != nil {
		panic(err)
	}
	return d
}

func init() {
	if err := LoadConfig(""); err != nil {
		panic(err)
	}
}
