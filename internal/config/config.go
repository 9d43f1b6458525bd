package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"server"`
	TLS struct {
		Enable   bool   `mapstructure:"enable"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
		// Hostnames for a generated development certificate when CertFile is missing.
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Store struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
	Session struct {
		TTL             time.Duration `mapstructure:"ttl"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"session"`
	Definitions struct {
		WorkflowsDir string `mapstructure:"workflows_dir"`
		AgentsDir    string `mapstructure:"agents_dir"`
		JobsDir      string `mapstructure:"jobs_dir"`
		Watch        bool   `mapstructure:"watch"`
	} `mapstructure:"definitions"`
	Reviewer struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"reviewer"`
	Budget struct {
		// DefaultUSD is each user's spend limit per period; 0 disables it.
		DefaultUSD       float64 `mapstructure:"default_usd"`
		WarningThreshold float64 `mapstructure:"warning_threshold"`
		ResetPeriod      string  `mapstructure:"reset_period"`
	} `mapstructure:"budget"`
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
		// SwaggerClientID is the public PKCE client used by the /docs page.
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`
}

// DSN returns the libpq connection string for the instance store.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error so the service can run from defaults and environment alone.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("AGENTPARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.Store.Driver = strings.ToLower(strings.TrimSpace(config.Store.Driver))
	config.Budget.ResetPeriod = strings.ToLower(strings.TrimSpace(config.Budget.ResetPeriod))

	return &config, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal
// even when the config file omits them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.cleanup_interval", time.Hour)
	v.SetDefault("definitions.workflows_dir", "./workflows")
	v.SetDefault("definitions.agents_dir", "./agents")
	v.SetDefault("definitions.jobs_dir", "./jobs")
	v.SetDefault("reviewer.url", "")
	v.SetDefault("reviewer.timeout", 2*time.Minute)
	v.SetDefault("budget.default_usd", 100.0)
	v.SetDefault("budget.warning_threshold", 0.8)
	v.SetDefault("budget.reset_period", "monthly")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "agentparty")
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{})
	v.SetDefault("definitions.watch", false)
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.swagger_client_id", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
