package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	ServerAddr     string        `mapstructure:"server_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BlockSize      uint32        `mapstructure:"block_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Compress       bool          `mapstructure:"compress"`
	HistoryPath    string        `mapstructure:"history_path"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

// TLSConfig points at the PEM material for an encrypted session. All fields
// empty means plain TCP.
type TLSConfig struct {
	CA         string `mapstructure:"ca"`
	Cert       string `mapstructure:"cert"`
	Key        string `mapstructure:"key"`
	SkipVerify bool   `mapstructure:"skip_verify"`
}

var Config *AppConfig

// LoadConfig reads config.yaml from path (falling back to defaults when the
// file is missing) and fills the package-level Config.
func LoadConfig(path string) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.SetEnvPrefix("fstore")
	viper.AutomaticEnv()

	viper.SetDefault("server_addr", "127.0.0.1:7575")
	viper.SetDefault("request_timeout", "30s")
	viper.SetDefault("block_size", 65536)
	viper.SetDefault("max_concurrency", 8)
	viper.SetDefault("compress", false)
	viper.SetDefault("history_path", "./data/history")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		return fmt.Errorf("unable to decode config into struct: %w", err)
	}

	Config = &appConfig
	return nil
}

// Enabled reports whether any TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CA != "" || t.Cert != "" || t.Key != "" || t.SkipVerify
}

// ClientConfig builds the tls.Config for the session client.
func (t TLSConfig) ClientConfig() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}

	cfg := &tls.Config{InsecureSkipVerify: t.SkipVerify}

	if t.Cert != "" && t.Key != "" {
		cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if t.CA != "" {
		pem, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CA)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// DefaultConfigFile is what the create command writes as a starting point.
const DefaultConfigFile = `# fstore client configuration
server_addr: 127.0.0.1:7575
request_timeout: 30s
block_size: 65536
max_concurrency: 8
compress: false
history_path: ./data/history
# tls:
#   ca: ./ca.pem
#   cert: ./client.pem
#   key: ./client.key
#   skip_verify: false
`
