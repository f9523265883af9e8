package config

import (
	"bytes"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
)

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. Environment keys are the
// upper-cased dotted key with dots replaced by underscores (api.base_url is
// API_BASE_URL). ${VAR} references inside the file are expanded first.
func Load(filePath string) (*Config, error) {
	v := newViper()

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, loadererrors.Wrap(err, loadererrors.ErrorTypeConfig, "failed to read config file")
		}
		content := substituteEnvVars(string(data))
		if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
			return nil, loadererrors.Wrap(err, loadererrors.ErrorTypeConfig, "failed to parse YAML")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, loadererrors.Wrap(err, loadererrors.ErrorTypeConfig, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.max_retries", d.API.MaxRetries)
	v.SetDefault("api.initial_backoff", d.API.InitialBackoff)
	v.SetDefault("api.backoff_multiplier", d.API.BackoffMultiplier)
	v.SetDefault("api.max_backoff", d.API.MaxBackoff)
	v.SetDefault("api.page_size", d.API.PageSize)
	v.SetDefault("api.max_connections", d.API.MaxConnections)
	v.SetDefault("api.rate_limit_per_sec", d.API.RateLimitPerSec)
	v.SetDefault("api.user_agent", d.API.UserAgent)
	v.SetDefault("db.connector", d.DB.Connector)
	v.SetDefault("db.dsn", d.DB.DSN)
	v.SetDefault("db.max_conns", d.DB.MaxConns)
	v.SetDefault("db.connect_timeout", d.DB.ConnectTimeout)
	v.SetDefault("etl.batch_size", d.ETL.BatchSize)
	v.SetDefault("etl.archive_dir", d.ETL.ArchiveDir)
	v.SetDefault("metrics.pushgateway_url", d.Metrics.PushgatewayURL)
	v.SetDefault("metrics.textfile_path", d.Metrics.TextfilePath)
	v.SetDefault("metrics.job_name", d.Metrics.JobName)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_encoding", d.LogEncoding)
	return v
}

// YAML renders c as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Substituted values are not scanned again, and a bare $VAR is left alone so
// DSN passwords containing "$" survive.
func substituteEnvVars(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.IndexByte(content[start:], '}')
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
