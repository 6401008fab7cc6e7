/*
Package logger wraps zerolog so that every component in the module logs the same way.
A Logger can be split into component loggers (one per layer of the connection
architecture) and connection loggers (one per transport instance), each of which
tags its output so that interleaved reconnect attempts can be told apart.
*/
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type DebugLevel = zerolog.Level

const (
	Trace DebugLevel = zerolog.TraceLevel
	Debug DebugLevel = zerolog.DebugLevel
	Info  DebugLevel = zerolog.InfoLevel
	Warn  DebugLevel = zerolog.WarnLevel
	Error DebugLevel = zerolog.ErrorLevel
)

const (
	// rotation limits for file output
	maxLogFileSizeMB  = 10
	maxLogFileBackups = 3
	maxLogFileAgeDays = 28
)

type Config struct {
	// If set, logs are also written (as json) to this file, rotated by lumberjack
	FilePath string

	// Human readable console output, typically os.Stdout
	ConsoleWriters []io.Writer

	// The zero value is Debug
	Level DebugLevel
}

type Logger struct {
	logger zerolog.Logger
}

func New(config *Config) (*Logger, error) {
	var writers []io.Writer

	for _, w := range config.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{Out: w, NoColor: true})
	}

	if config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory for %s: %w", config.FilePath, err)
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxLogFileSizeMB,
			MaxBackups: maxLogFileBackups,
			MaxAge:     maxLogFileAgeDays,
		})
	}

	if len(writers) == 0 {
		return nil, fmt.Errorf("logger needs at least one console writer or a file path")
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).Level(config.Level).With().Timestamp().Logger()

	return &Logger{
		logger: logger,
	}, nil
}

// ParseLevel accepts the usual level names ("debug", "info", ...) and is case insensitive
func ParseLevel(level string) (DebugLevel, error) {
	if strings.TrimSpace(level) == "" {
		return Debug, nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unrecognized log level %q: %w", level, err)
	}
	return lvl, nil
}

func (l *Logger) AddVersion(version string) {
	l.logger = l.logger.With().Str("version", version).Logger()
}

// GetComponentLogger returns a child logger tagged with the given component name
func (l *Logger) GetComponentLogger(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

// GetConnectionLogger returns a child logger tagged with a transport instance id
func (l *Logger) GetConnectionLogger(connectionId string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("connectionId", connectionId).Logger(),
	}
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.logger.Warn().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}
