package main

import (
	"log/slog"
	"os"

	"txkv/pkg/config"
)

// initLogger installs the global slog.Logger, JSON or text. Logs go to
// stderr so command output on stdout stays clean.
func initLogger(cfg *config.Config) error {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{AddSource: level == slog.LevelDebug, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", "level", level, "json", cfg.Logger.JSON)
	return nil
}
