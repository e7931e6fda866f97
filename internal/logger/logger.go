// Package logger provides the process-wide structured logger.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, ready to use after Initialize.
var Log zerolog.Logger

// Initialize configures the global logger.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "sync-server").Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

// Transport returns a logger scoped to the connection/transport layer.
func Transport() *zerolog.Logger {
	l := Log.With().Str("component", "transport").Logger()
	return &l
}

// Registry returns a logger scoped to the connection registry.
func Registry() *zerolog.Logger {
	l := Log.With().Str("component", "registry").Logger()
	return &l
}

// Sync returns a logger scoped to the sync coordinator.
func Sync() *zerolog.Logger {
	l := Log.With().Str("component", "sync").Logger()
	return &l
}

// Awareness returns a logger scoped to the awareness store.
func Awareness() *zerolog.Logger {
	l := Log.With().Str("component", "awareness").Logger()
	return &l
}

// Bus returns a logger scoped to the cross-node bus adapter.
func Bus() *zerolog.Logger {
	l := Log.With().Str("component", "bus").Logger()
	return &l
}

// Auth returns a logger scoped to authentication/authorization.
func Auth() *zerolog.Logger {
	l := Log.With().Str("component", "auth").Logger()
	return &l
}

// HTTP returns a logger scoped to the HTTP/WS ingress server.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
