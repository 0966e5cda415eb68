package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the erofs-cli configuration. Values come from flags, EROFS_*
// environment variables and erofs-cli.yaml, in that order of precedence.
type Config struct {
	Output   string      `mapstructure:"output"`
	LogLevel string      `mapstructure:"log_level"`
	Mount    MountConfig `mapstructure:"mount"`
}

// MountConfig holds the defaults of the mount command.
type MountConfig struct {
	AllowOther bool   `mapstructure:"allow_other"`
	Debug      bool   `mapstructure:"debug"`
	FsName     string `mapstructure:"fs_name"`
}

func (a *app) load(cmd *cobra.Command) error {
	v := a.v
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("erofs-cli")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/erofs")
		v.AddConfigPath("/etc/erofs")
	}

	v.SetDefault("output", "table")
	v.SetDefault("log_level", "info")
	v.SetDefault("mount.allow_other", false)
	v.SetDefault("mount.debug", false)
	v.SetDefault("mount.fs_name", "erofs")

	v.SetEnvPrefix("EROFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := v.Unmarshal(&a.cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(a.cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", a.cfg.LogLevel, err)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	a.logger.Debug("configuration loaded", slog.String("file", v.ConfigFileUsed()), slog.String("output", a.cfg.Output))
	return nil
}
