package logger

import (
	"io"
)

// MockLogger writes plain console output at trace level, usually to GinkgoWriter
func MockLogger(writer io.Writer) *Logger {
	config := &Config{
		ConsoleWriters: []io.Writer{writer},
		Level:          Trace,
	}

	if logger, err := New(config); err == nil {
		return logger
	}
	return nil
}
