package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/animus-labs/deploypipe/internal/platform/env"
)

type rootOptions struct {
	configFile string
	viper      *viper.Viper
	stdout     io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{viper: viper.New(), stdout: os.Stdout}
	cmd := &cobra.Command{
		Use:           "deploypipe",
		Short:         "Deployment pipeline orchestrator",
		Long:          "deploypipe runs configurable build, scan and deploy pipelines per application.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts.stdout = cmd.OutOrStdout()
			return initConfig(opts.viper, opts.configFile)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml or toml)")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	if err := opts.viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newReapCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

// initConfig layers the optional config file under DEPLOYPIPE_* variables
// and installs the result as the env lookup source.
func initConfig(v *viper.Viper, file string) error {
	v.SetEnvPrefix(env.Prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	}
	env.Use(v)
	return nil
}

func (o *rootOptions) logger() (*slog.Logger, error) {
	level, err := parseLevel(o.viper.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}
