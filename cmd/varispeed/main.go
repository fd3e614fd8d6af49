// Command varispeed plays audio files with independent speed and pitch
// control, either on the local device or as a multi-session HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/config"
	"github.com/satindergrewal/varispeed/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "varispeed",
		Short:         "Variable-speed, variable-pitch audio player",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("env-file", "", "dotenv file to read before the environment (default .env)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides VARISPEED_LOG_LEVEL)")

	root.AddCommand(newServeCmd(), newPlayCmd())
	return root
}

// loadConfig reads the environment and applies the persistent flags.
func loadConfig(cmd *cobra.Command) config.Config {
	var files []string
	if f, _ := cmd.Flags().GetString("env-file"); f != "" {
		files = append(files, f)
	}
	cfg := config.Load(files...)
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Level:      cfg.LogLevel,
		OutputPath: cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   true,
	})
}
