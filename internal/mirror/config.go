package mirror

import (
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUpdateInterval = 3600
	defaultAddress        = "0.0.0.0"
	defaultPort           = 8080
)

// RepoConfig describes the upstream index repository and the local mirror
// location.
type RepoConfig struct {
	GitURL         string `toml:"git_url"`
	Path           string `toml:"path"`
	UpdateInterval int    `toml:"update_interval"`
}

// Check validates the repository configuration.
func (repoConfig *RepoConfig) Check() error {
	if repoConfig.GitURL == "" {
		return errors.New("git_url is not set")
	}
	if err := checkGitURL(repoConfig.GitURL); err != nil {
		return err
	}
	if repoConfig.Path == "" {
		return errors.New("path is not set")
	}
	if !filepath.IsAbs(repoConfig.Path) {
		return errors.New("path must be an absolute path")
	}
	if repoConfig.UpdateInterval <= 0 {
		return errors.New("update_interval must be positive")
	}
	return nil
}

// checkGitURL accepts the remote forms understood by the git client:
// http(s)/ssh/git/file URLs plus the scp-like git@host:path shorthand.
func checkGitURL(gitURL string) error {
	if strings.HasPrefix(gitURL, "git@") {
		return nil
	}
	parsed, err := url.Parse(gitURL)
	if err != nil {
		return errors.New("invalid git_url: " + gitURL)
	}
	switch parsed.Scheme {
	case "http", "https", "ssh", "git", "file", "":
		return nil
	default:
		return errors.New("unsupported git_url scheme: " + parsed.Scheme)
	}
}

// AuthConfig holds credentials for the upstream repository.
type AuthConfig struct {
	SSHKeyPath string `toml:"ssh_key_path,omitempty"`
}

// Check validates the authentication configuration.
func (authConfig *AuthConfig) Check() error {
	if authConfig.SSHKeyPath == "" {
		return nil
	}
	if !filepath.IsAbs(authConfig.SSHKeyPath) {
		return errors.New("ssh_key_path must be an absolute path")
	}
	if _, err := os.Stat(authConfig.SSHKeyPath); os.IsNotExist(err) {
		return errors.New("ssh_key_path does not exist: " + authConfig.SSHKeyPath)
	} else if err != nil {
		return errors.New("cannot access ssh_key_path: " + err.Error())
	}
	file, err := os.Open(authConfig.SSHKeyPath)
	if err != nil {
		return errors.New("cannot read ssh_key_path: " + err.Error())
	}
	if err := file.Close(); err != nil {
		slog.Warn("failed to close SSH key file during validation", "path", authConfig.SSHKeyPath, "error", err)
	}
	return nil
}

// WebConfig describes the HTTP listener.
type WebConfig struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Check validates the listener configuration.
func (webConfig *WebConfig) Check() error {
	if webConfig.Address == "" {
		return errors.New("address is not set")
	}
	if webConfig.Port <= 0 || webConfig.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (webConfig *WebConfig) Addr() string {
	return net.JoinHostPort(webConfig.Address, strconv.Itoa(webConfig.Port))
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Repo RepoConfig `toml:"repo"`
	Auth AuthConfig `toml:"auth"`
	Web  WebConfig  `toml:"web"`
	Log  LogConfig  `toml:"log"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if err := c.Repo.Check(); err != nil {
		return err
	}
	if err := c.Auth.Check(); err != nil {
		return err
	}
	return c.Web.Check()
}

// Interval returns the refresh interval as a time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Repo.UpdateInterval) * time.Second
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			UpdateInterval: defaultUpdateInterval,
		},
		Web: WebConfig{
			Address: defaultAddress,
			Port:    defaultPort,
		},
	}
}
