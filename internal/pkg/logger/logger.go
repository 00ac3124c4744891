package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config represents logger configuration
type Config struct {
	Level       string // debug, info, warn, error, fatal
	Environment string // development, production, test
	LogFile     string // optional file path for logs
}

// Init configures the global logger. It returns the opened log file, if any,
// so the caller can close it on shutdown.
func Init(cfg Config) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if isDevelopment(cfg.Environment) {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().Caller().Logger()
		return nil, nil
	}

	writers := []io.Writer{os.Stdout}
	var file *os.File
	if cfg.LogFile != "" {
		file, err = os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Caller().
		Logger()

	if file == nil {
		return nil, nil
	}
	return file, nil
}

func isDevelopment(env string) bool {
	return env == "development" || env == "dev"
}

func init() {
	// zerolog.Ctx falls back to the global logger instead of a disabled one.
	zerolog.DefaultContextLogger = &log.Logger
}

// FromContext returns the request-scoped logger or the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithContext returns a context carrying l.
func WithContext(ctx context.Context, l *zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// With returns a context whose logger has the extra string fields.
// fields is read as key/value pairs.
func With(ctx context.Context, fields ...string) context.Context {
	lc := FromContext(ctx).With()
	for i := 0; i+1 < len(fields); i += 2 {
		lc = lc.Str(fields[i], fields[i+1])
	}
	l := lc.Logger()
	return WithContext(ctx, &l)
}
