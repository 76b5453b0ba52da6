package logging

import (
	"io"
	"os"

	"depthfeed/internal/config"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

// New builds the process logger from the logging section of cfg
func New(cfg config.Config) Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit sink
func NewWithWriter(cfg config.Config, w io.Writer) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	out := w
	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: w}
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
