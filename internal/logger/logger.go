package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/jwebster45206/talemate/internal/config"
)

// Setup configures the global slog logger based on environment
func Setup(cfg *config.Config) *slog.Logger {
	return setup(cfg, os.Stdout)
}

func setup(cfg *config.Config, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// WithScene adds the scene name to logger context
func WithScene(logger *slog.Logger, scene string) *slog.Logger {
	return logger.With("scene", scene)
}

// WithError adds error to logger context
func WithError(logger *slog.Logger, err error) *slog.Logger {
	return logger.With("error", err.Error())
}
