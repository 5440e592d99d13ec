package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vyvo/appbuilder/pkg/engine"
	"github.com/vyvo/appbuilder/pkg/flows"
	"github.com/vyvo/appbuilder/pkg/outcome"
	"github.com/vyvo/appbuilder/pkg/poller"
)

// EngineConfig points at the workflow engine API.
type EngineConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	HealthPath     string        `mapstructure:"health_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ClientOptions turns the settings into engine client options.
func (c EngineConfig) ClientOptions() []engine.Option {
	opts := []engine.Option{engine.WithTimeout(c.RequestTimeout)}
	if c.HealthPath != "" {
		opts = append(opts, engine.WithHealthPath(c.HealthPath))
	}
	if c.Username != "" {
		opts = append(opts, engine.WithBasicAuth(c.Username, c.Password))
	}
	return opts
}

// ResolverConfig tunes outcome resolution.
type ResolverConfig struct {
	ImportBaseURL string   `mapstructure:"import_base_url"`
	DeployTasks   []string `mapstructure:"deploy_tasks"`
	SearchDepth   int      `mapstructure:"search_depth"`
}

// Resolver builds the configured resolver.
func (c ResolverConfig) Resolver() outcome.Resolver {
	return outcome.Resolver{
		ImportBaseURL: c.ImportBaseURL,
		DeployTasks:   c.DeployTasks,
		SearchDepth:   c.SearchDepth,
	}
}

// GithubConfig enables repository verification when Token is set.
type GithubConfig struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

// Config captures runtime settings shared by the gateway and the CLI.
type Config struct {
	ListenAddr  string          `mapstructure:"listen_addr"`
	Engine      EngineConfig    `mapstructure:"engine"`
	Flows       flows.Config    `mapstructure:"flows"`
	Poll        poller.Config   `mapstructure:"poll"`
	Resolver    ResolverConfig  `mapstructure:"resolver"`
	RedisURL    string          `mapstructure:"redis_url"`
	SessionTTL  time.Duration   `mapstructure:"session_ttl"`
	DatabaseURL string          `mapstructure:"database_url"`
	Github      GithubConfig    `mapstructure:"github"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Log         LogConfig       `mapstructure:"log"`
}

// Validate rejects settings no build could run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Engine.BaseURL) == "" {
		return errors.New("engine.base_url is required")
	}
	if c.Poll.Interval < 0 || c.Poll.MaxAttempts < 0 {
		return errors.New("poll.interval and poll.max_attempts must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("engine.base_url", "http://localhost:8081/api/v1")
	v.SetDefault("engine.username", "")
	v.SetDefault("engine.password", "")
	v.SetDefault("engine.health_path", engine.DefaultHealthPath)
	v.SetDefault("engine.request_timeout", 15*time.Second)

	defaults := flows.DefaultConfig()
	v.SetDefault("flows.namespace", defaults.Namespace)
	v.SetDefault("flows.new_build", defaults.NewBuild)
	v.SetDefault("flows.update", defaults.Update)

	v.SetDefault("poll.interval", poller.DefaultInterval)
	v.SetDefault("poll.max_attempts", poller.DefaultMaxAttempts)

	v.SetDefault("resolver.import_base_url", outcome.DefaultImportBaseURL)
	v.SetDefault("resolver.deploy_tasks", outcome.DefaultDeployTasks)
	v.SetDefault("resolver.search_depth", outcome.DefaultSearchDepth)

	v.SetDefault("redis_url", "")
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("database_url", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "appbuilder")
	v.SetDefault("log.debug", false)
}

// Load reads defaults, then configs/config.* (or file when set), then
// environment variables such as <PREFIX>_ENGINE_BASE_URL.
func Load(envPrefix, file string) (Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadGateway loads gateway configuration from defaults, files, and env vars.
func LoadGateway() (Config, error) {
	return Load("GATEWAY", "")
}

// LoadCLI loads CLI configuration; file may be empty.
func LoadCLI(file string) (Config, error) {
	return Load("APPBUILDER", file)
}
