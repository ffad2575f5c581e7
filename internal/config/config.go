package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/melih/lighthouse-builder/internal/core/domain"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Build   BuildConfig   `mapstructure:"build"`
	// ContractFile is a YAML file overriding fields of the default contract.
	ContractFile string `mapstructure:"contract_file"`
}

type ServerConfig struct {
	Listen           string `mapstructure:"listen"`
	BuildConcurrency int    `mapstructure:"build_concurrency"`
	// PreviewDomain enables the subdomain proxy to running containers when set.
	PreviewDomain string `mapstructure:"preview_domain"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	JSON       bool   `mapstructure:"json"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type BuildConfig struct {
	TempDir       string        `mapstructure:"temp_dir"`
	DefaultTag    string        `mapstructure:"default_tag"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":3000")
	v.SetDefault("server.build_concurrency", 2)
	v.SetDefault("server.preview_domain", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)
	v.SetDefault("build.temp_dir", "")
	v.SetDefault("build.default_tag", "lighthouse-app:latest")
	v.SetDefault("build.verify_timeout", 60*time.Second)
	v.SetDefault("contract_file", "")
}

// BindEnv makes every key overridable through LIGHTHOUSE_ prefixed variables,
// e.g. LIGHTHOUSE_SERVER_LISTEN.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("lighthouse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.Server.BuildConcurrency < 1 {
		return nil, fmt.Errorf("server.build_concurrency must be at least 1")
	}
	if cfg.Build.VerifyTimeout <= 0 {
		return nil, fmt.Errorf("build.verify_timeout must be positive")
	}
	if cfg.Build.DefaultTag == "" {
		return nil, fmt.Errorf("build.default_tag is required")
	}
	return &cfg, nil
}

// Contract returns the effective build contract.
func (c *Config) Contract() (domain.Contract, error) {
	if c.ContractFile == "" {
		return domain.DefaultContract(), nil
	}
	return LoadContractFile(c.ContractFile)
}

// LoadContractFile reads a YAML contract. Fields absent from the file keep their default values.
func LoadContractFile(path string) (domain.Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("failed to read contract file: %w", err)
	}
	return ParseContract(data)
}

// ParseContract decodes a YAML contract over the defaults and validates it.
func ParseContract(data []byte) (domain.Contract, error) {
	c := domain.DefaultContract()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return domain.Contract{}, fmt.Errorf("failed to parse contract: %w", err)
	}
	if err := c.Validate(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}
