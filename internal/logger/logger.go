// Package logger holds the process-wide zerolog logger shared by the agent
// and the server.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger discards output until Init is called, so packages can log from
// tests without setup.
var Logger = zerolog.Nop()

// Init points the global logger at stdout. ENV=development switches to the
// human-readable console format.
func Init(service, level string) {
	var out io.Writer = os.Stdout
	if os.Getenv("ENV") == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	InitWithWriter(service, level, out)
}

// InitWithWriter is Init with an explicit sink. Unknown or empty levels fall
// back to info.
func InitWithWriter(service, level string, out io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	ctx := zerolog.New(out).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	Logger = ctx.Caller().Logger()

	Logger.Debug().Str("level", lvl.String()).Msg("logger ready")
}

// WithComponent returns a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID returns a child logger tagged with an HTTP request id.
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithBatch scopes a component logger to one delivery attempt of a batch.
func WithBatch(component, batchID string, attempt int) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("batch_id", batchID).
		Int("attempt", attempt).
		Logger()
}
