package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTokenURL    = "https://sts.googleapis.com/v1/token"
	DefaultIAMEndpoint = "https://iamcredentials.googleapis.com"
	DefaultRunEndpoint = "https://run.googleapis.com"

	DefaultPollIntervalSeconds = 5
	DefaultTimeoutSeconds      = 600
)

// Host is a static container host reachable over SSH.
type Host struct {
	Name   string `yaml:"name"`
	Addr   string `yaml:"addr"`
	User   string `yaml:"user"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
}

type Config struct {
	Auth struct {
		TokenURL         string `yaml:"token_url"`
		IAMEndpoint      string `yaml:"iam_endpoint"`
		IdentityProvider string `yaml:"identity_provider"`
		ServiceAccount   string `yaml:"service_account"`
		SubjectTokenFile string `yaml:"subject_token_file"`
		// SubjectToken is never read from YAML; it is merged from
		// secrets.env or the environment so tokens stay out of config files.
		SubjectToken string `yaml:"-"`
		Scope        string `yaml:"scope"`
	} `yaml:"auth"`
	Backends struct {
		Default  string `yaml:"default"`
		CloudRun struct {
			Endpoint string `yaml:"endpoint"`
			Project  string `yaml:"project"`
		} `yaml:"cloudrun"`
		SSHHost struct {
			Hosts []Host `yaml:"hosts"`
		} `yaml:"sshhost"`
	} `yaml:"backends"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Defaults struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		TimeoutSeconds      int `yaml:"timeout_seconds"`
		Retries             int `yaml:"retries"`
	} `yaml:"defaults"`
	History struct {
		// Path enables the run-history ledger. Empty means nothing is
		// persisted by skiff itself.
		Path string `yaml:"path"`
	} `yaml:"history"`
}

// DefaultPath resolves $XDG_CONFIG_HOME/skiff/config.yaml or
// ~/.config/skiff/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "skiff", "config.yaml")
}

// Load reads YAML configuration from path. If path is empty the default
// location is used, and a missing default file yields a default config so
// flag-driven runs still work before `skiff init`.
func Load(path string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			fillDefaults(&cfg)
			mergeSecrets(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	fillDefaults(&cfg)
	mergeSecrets(&cfg)
	return cfg, nil
}

func fillDefaults(cfg *Config) {
	if cfg.Auth.TokenURL == "" {
		cfg.Auth.TokenURL = DefaultTokenURL
	}
	if cfg.Auth.IAMEndpoint == "" {
		cfg.Auth.IAMEndpoint = DefaultIAMEndpoint
	}
	if cfg.Backends.Default == "" {
		cfg.Backends.Default = "cloudrun"
	}
	if cfg.Backends.CloudRun.Endpoint == "" {
		cfg.Backends.CloudRun.Endpoint = DefaultRunEndpoint
	}
	if cfg.Defaults.PollIntervalSeconds <= 0 {
		cfg.Defaults.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if cfg.Defaults.TimeoutSeconds <= 0 {
		cfg.Defaults.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.SSH.KeyDir == "" {
		cfg.SSH.KeyDir = filepath.Join(filepath.Dir(DefaultPath()), "ssh")
	}
	if cfg.SSH.KnownHosts == "" {
		cfg.SSH.KnownHosts = filepath.Join(filepath.Dir(DefaultPath()), "known_hosts")
	}
}

// mergeSecrets pulls the identity token from secrets.env or the environment
// to avoid storing tokens in YAML.
func mergeSecrets(cfg *Config) {
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("SKIFF_IDENTITY_TOKEN"); v != "" {
		secrets["SKIFF_IDENTITY_TOKEN"] = v
	}
	if t, ok := secrets["SKIFF_IDENTITY_TOKEN"]; ok && t != "" {
		cfg.Auth.SubjectToken = t
	}
}
