// Package config loads the companion configuration from the viper config
// file with environment overrides.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the companion server configuration.
type Config struct {
	// Host and Port are the listen address. Port 0 binds an ephemeral
	// port, reported by the server once bound.
	Host string `mapstructure:"host" env:"COMPANION_HOST"`
	Port int    `mapstructure:"port" env:"COMPANION_PORT"`
	// AFCPort is the device service port the file service is bridged on.
	AFCPort int `mapstructure:"afc_port" env:"COMPANION_AFC_PORT"`
	// GracePeriod bounds how long shutdown waits for outstanding
	// operations before declaring them unresponsive.
	GracePeriod time.Duration `mapstructure:"grace_period" env:"COMPANION_GRACE_PERIOD"`
	// StartTimeout bounds stream-start confirmation.
	StartTimeout time.Duration `mapstructure:"start_timeout" env:"COMPANION_START_TIMEOUT"`
	// TmpDir is the scratch directory for pulled files.
	TmpDir string `mapstructure:"tmp_dir" env:"COMPANION_TMP_DIR"`
	// FrameRate paces screenshot-backed video sources.
	FrameRate int  `mapstructure:"frame_rate" env:"COMPANION_FRAME_RATE"`
	Debug     bool `mapstructure:"debug" env:"COMPANION_DEBUG"`
}

func (c *Config) verify() error {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("config: invalid port %d", c.Port)
	}
	if c.AFCPort == 0 {
		c.AFCPort = 32768
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 10
	}
	if c.TmpDir == "" {
		c.TmpDir = os.TempDir()
	}
	return nil
}

// LoadConfig resolves the configuration: config file values, then
// environment overrides, then defaults.
func LoadConfig() (*Config, error) {
	var c Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := env.Parse(&c); err != nil {
		return nil, errors.Wrap(err, "config: environment")
	}
	if err := c.verify(); err != nil {
		return nil, err
	}
	return &c, nil
}
