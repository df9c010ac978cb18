package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/pkg/config"
)

// configureLogger creates a logger for cfg honoring the --log-level and --verbose
// flags, with --log-level taking precedence. Without either flag the logger only
// follows cfg when it was loaded from a file; otherwise it stays silent so the
// command output is not interleaved with log lines.
func configureLogger(cmd *cobra.Command, cfg *config.Config, fromFile bool) (*logrus.Logger, error) {
	logger := cfg.NewLogger()

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = logLevelStr
			logger.SetLevel(cfg.Level())
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		return logger, nil
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
		return logger, nil
	}

	if !fromFile {
		// Default to panic level (essentially silent for normal operations)
		logger.SetLevel(logrus.PanicLevel)
	}
	return logger, nil
}
