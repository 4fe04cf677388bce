package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// MailboxConfig holds the IMAP settings for the shared print mailbox.
type MailboxConfig struct {
	// Host is the IMAP server hostname.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the IMAP server port.
	Port string `mapstructure:"port" yaml:"port"`

	// Username is the shared inbox address residents send to.
	Username string `mapstructure:"username" yaml:"username"`

	// Password is the app password. May be left empty and resolved
	// from the OS keyring instead (see credential package).
	Password string `mapstructure:"password" yaml:"password"`

	// TLS selects implicit TLS when true, STARTTLS when false.
	TLS bool `mapstructure:"tls" yaml:"tls"`
}

// SMTPConfig holds the outgoing mail settings for notifications.
type SMTPConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`

	// TLS selects implicit TLS when true, STARTTLS when false.
	TLS bool `mapstructure:"tls" yaml:"tls"`
}

// PrinterConfig holds the CUPS destination and media policy.
type PrinterConfig struct {
	// Name is the CUPS printer name, as shown by lpstat -p.
	Name string `mapstructure:"name" yaml:"name"`

	// Media is the forced paper size for every job.
	Media string `mapstructure:"media" yaml:"media"`
}

// PathsConfig holds the on-disk state locations.
type PathsConfig struct {
	// WorkDir receives raw and reversed attachment files.
	WorkDir string `mapstructure:"workdir" yaml:"workdir"`

	// LogFile is the append-only JSON event log.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`

	// QuotasFile is the per-sender remaining-page ledger.
	QuotasFile string `mapstructure:"quotas_file" yaml:"quotas_file"`
}

// PollConfig controls the watch loop cadence.
type PollConfig struct {
	// IntervalSec is the delay between poll cycles in watch mode.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// StartHour and EndHour bound the operating window; cycles only
	// run when StartHour <= local hour < EndHour.
	StartHour int `mapstructure:"start_hour" yaml:"start_hour"`
	EndHour   int `mapstructure:"end_hour" yaml:"end_hour"`
}

// Config is the top-level immutable application configuration,
// constructed once at startup and passed into every component.
type Config struct {
	Mailbox MailboxConfig `mapstructure:"mailbox" yaml:"mailbox"`
	SMTP    SMTPConfig    `mapstructure:"smtp" yaml:"smtp"`
	Printer PrinterConfig `mapstructure:"printer" yaml:"printer"`
	Paths   PathsConfig   `mapstructure:"paths" yaml:"paths"`
	Poll    PollConfig    `mapstructure:"poll" yaml:"poll"`
}

// DefaultPath returns the default configuration file location,
// ~/.config/printbox/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "printbox", "config.yaml")
}

// defaultConfig returns a configuration with every non-credential
// field set to a usable default.
func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".local", "share", "printbox")
	return &Config{
		Mailbox: MailboxConfig{
			Host: "imap.gmail.com",
			Port: "993",
			TLS:  true,
		},
		SMTP: SMTPConfig{
			Host: "smtp.gmail.com",
			Port: "587",
		},
		Printer: PrinterConfig{
			Media: "Letter",
		},
		Paths: PathsConfig{
			WorkDir:    filepath.Join(base, "spool"),
			LogFile:    filepath.Join(base, "log.json"),
			QuotasFile: filepath.Join(base, "quotas.json"),
		},
		Poll: PollConfig{
			IntervalSec: 300,
			StartHour:   8,
			EndHour:     22,
		},
	}
}

// Load reads configuration from the given YAML file path using Viper.
// A missing file yields the defaults rather than an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("mailbox.host", "imap.gmail.com")
	v.SetDefault("mailbox.port", "993")
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", "587")
	v.SetDefault("printer.media", "Letter")
	v.SetDefault("poll.interval_sec", 300)
	v.SetDefault("poll.start_hour", 8)
	v.SetDefault("poll.end_hour", 22)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("mailbox", cfg.Mailbox)
	v.Set("smtp", cfg.SMTP)
	v.Set("printer", cfg.Printer)
	v.Set("paths", cfg.Paths)
	v.Set("poll", cfg.Poll)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Validate checks that the fields the pipeline cannot run without are
// present.
func (c *Config) Validate() error {
	if c.Mailbox.Host == "" || c.Mailbox.Username == "" {
		return fmt.Errorf("config: mailbox host and username are required")
	}
	if c.Printer.Name == "" {
		return fmt.Errorf("config: printer name is required")
	}
	if c.Paths.WorkDir == "" || c.Paths.LogFile == "" || c.Paths.QuotasFile == "" {
		return fmt.Errorf("config: workdir, log_file and quotas_file are required")
	}
	return nil
}
