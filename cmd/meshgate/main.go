// Command meshgate runs the GraphQL gateway and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanpama/meshgate/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "meshgate",
		Short: "GraphQL gateway over service-announced schema fragments",
		Long: `meshgate composes the GraphQL fragments announced by backend services into one
schema and serves it, dispatching every field to the action that resolves it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&f.logLevel, "log.level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&f.logFormat, "log.format", "", "log format: json or console")

	root.AddCommand(newServeCmd(f), newComposeCmd(f), newPublishCmd(f))
	return root
}

// load reads the config file and applies the global flag overrides.
func (f *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
