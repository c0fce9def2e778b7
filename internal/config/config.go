// Package config handles loading and parsing of shoalstore configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	KV      KVConfig      `yaml:"kv"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the S3 and admin HTTP server settings.
type ServerConfig struct {
	IP        string `yaml:"server_ip"`
	Port      int    `yaml:"server_port"`
	AdminPort int    `yaml:"admin_port"`
	// WorkerNum bounds the number of S3 requests served concurrently.
	WorkerNum int    `yaml:"worker_num"`
	Region    string `yaml:"region"`
	Daemonize bool   `yaml:"daemonize"`
	PidFile   string `yaml:"pid_file"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the minimum level emitted: debug, info, warn, or error.
	Level  string `yaml:"minloglevel"`
	Format string `yaml:"format"`
	Path   string `yaml:"log_path"`
}

// KVConfig selects and configures the backing key-value cluster driver.
type KVConfig struct {
	// Driver is one of "memory", "sqlite", "dynamodb", "firestore", "cosmos".
	Driver string `yaml:"driver"`
	// MetaAddr is the slash-separated address list of the cluster's meta
	// nodes, for drivers that dial a remote cluster directly.
	MetaAddr  string           `yaml:"zp_meta_addr"`
	SQLite    SQLiteConfig     `yaml:"sqlite"`
	DynamoDB  *DynamoDBConfig  `yaml:"dynamodb"`
	Firestore *FirestoreConfig `yaml:"firestore"`
	Cosmos    *CosmosConfig    `yaml:"cosmos"`
}

// MetaAddrs splits the slash-separated meta-node address list.
func (k *KVConfig) MetaAddrs() []string {
	var addrs []string
	for _, a := range strings.Split(k.MetaAddr, "/") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// SQLiteConfig holds SQLite driver settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// DynamoDBConfig holds DynamoDB driver settings.
type DynamoDBConfig struct {
	Region string `yaml:"region"`
	Table  string `yaml:"table"`
	// EndpointURL overrides the service endpoint, for local emulators.
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore driver settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Azure Cosmos DB driver settings.
type CosmosConfig struct {
	Endpoint string `yaml:"endpoint"`
	// MasterKey authenticates with a key credential; when empty, the default
	// Azure credential chain is used instead.
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied for unset values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:        "0.0.0.0",
			Port:      8099,
			AdminPort: 8199,
			WorkerNum: 2,
			Region:    "us-east-1",
		},
		KV: KVConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/shoalstore.db",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.IP == "" {
		cfg.Server.IP = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8099
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 8199
	}
	if cfg.Server.WorkerNum <= 0 {
		cfg.Server.WorkerNum = 2
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.KV.Driver == "" {
		cfg.KV.Driver = "sqlite"
	}
	if cfg.KV.Driver == "sqlite" && cfg.KV.SQLite.Path == "" {
		cfg.KV.SQLite.Path = "./data/shoalstore.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
