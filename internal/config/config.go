package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
		// Mode is the gin mode: debug, release or test.
		Mode         string        `mapstructure:"mode"`
		RateLimit    float64       `mapstructure:"rate_limit"`
		RateBurst    int           `mapstructure:"rate_burst"`
		Timeout      time.Duration `mapstructure:"timeout"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	Postgres struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		User        string        `mapstructure:"user"`
		Password    string        `mapstructure:"password"`
		Database    string        `mapstructure:"db"`
		SSLMode     string        `mapstructure:"sslmode"`
		MaxPoolSize int32         `mapstructure:"max_pool_size"`
		ConnTimeout time.Duration `mapstructure:"conn_timeout"`
	} `mapstructure:"postgres"`

	Mongo struct {
		URI         string        `mapstructure:"uri"`
		Database    string        `mapstructure:"db"`
		Collection  string        `mapstructure:"collection"`
		MaxPoolSize uint64        `mapstructure:"max_pool_size"`
		MinPoolSize uint64        `mapstructure:"min_pool_size"`
		ConnTimeout time.Duration `mapstructure:"conn_timeout"`
		TLS         struct {
			Enabled  bool   `mapstructure:"enabled"`
			CAFile   string `mapstructure:"ca_file"`
			CertFile string `mapstructure:"cert_file"`
			KeyFile  string `mapstructure:"key_file"`
		} `mapstructure:"tls"`
	} `mapstructure:"mongo"`

	Source struct {
		// URI is a local path, a file:// URI or an s3://bucket/key URI.
		URI string `mapstructure:"uri"`
		S3  struct {
			Region    string `mapstructure:"region"`
			Endpoint  string `mapstructure:"endpoint"`
			PathStyle bool   `mapstructure:"path_style"`
		} `mapstructure:"s3"`
	} `mapstructure:"source"`

	Outbox struct {
		Enabled   bool          `mapstructure:"enabled"`
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batch_size"`
	} `mapstructure:"outbox"`

	Elasticsearch struct {
		URL      string `mapstructure:"url"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Index    string `mapstructure:"index"`
	} `mapstructure:"elasticsearch"`
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

var configPaths = []string{
	"./configs/config.yaml",
	"../configs/config.yaml",
	"/etc/clinic-sync/config.yaml",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.rate_limit", 30)
	v.SetDefault("server.rate_burst", 60)
	v.SetDefault("server.timeout", "60s")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "90s")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db", "clinic")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_pool_size", 10)
	v.SetDefault("postgres.conn_timeout", "5s")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.db", "clinic")
	v.SetDefault("mongo.collection", "patient_histories")
	v.SetDefault("mongo.max_pool_size", 50)
	v.SetDefault("mongo.min_pool_size", 0)
	v.SetDefault("mongo.conn_timeout", "10s")
	v.SetDefault("mongo.tls.enabled", false)
	v.SetDefault("mongo.tls.ca_file", "")
	v.SetDefault("mongo.tls.cert_file", "")
	v.SetDefault("mongo.tls.key_file", "")

	v.SetDefault("source.uri", "./data/clinic_records.csv")
	v.SetDefault("source.s3.region", "")
	v.SetDefault("source.s3.endpoint", "")
	v.SetDefault("source.s3.path_style", false)

	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.interval", "5s")
	v.SetDefault("outbox.batch_size", 100)

	v.SetDefault("elasticsearch.url", "")
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.index", "clinic_sync_audit")
}

// Load builds the configuration from defaults, the first YAML file found on
// the search path, and finally the environment. Every key can be set from
// the environment by upper-casing it and replacing dots with underscores,
// e.g. POSTGRES_HOST or OUTBOX_INTERVAL.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, path := range configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(absPath)
		if err != nil {
			continue
		}
		var file map[string]interface{}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
		}
		if err := v.MergeConfigMap(file); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", absPath, err)
		}
		break
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("mongo.uri", "MONGO_URI", "MONGODB_URI")
	_ = v.BindEnv("source.uri", "SOURCE_URI", "CSV_PATH")
	_ = v.BindEnv("source.s3.region", "SOURCE_S3_REGION", "AWS_REGION")
	_ = v.BindEnv("source.s3.endpoint", "SOURCE_S3_ENDPOINT", "AWS_ENDPOINT_URL_S3")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.Server.Port <= 0 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return &cfg, nil
}
