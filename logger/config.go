package logger

import (
	"fmt"
	"io"
	"os"
)

// Config holds the configuration for the logger
type Config struct {
	Level      LogLevel
	Format     OutputFormat
	Outputs    []io.Writer
	Subsystem  string
	FileConfig *FileConfig
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:     TraceLevel,
		Format:    DefaultFormat,
		Outputs:   []io.Writer{os.Stdout},
		Subsystem: "",
	}
}

// ProductionConfig returns a production-ready configuration with file logging
func ProductionConfig(appName string) *Config {
	return &Config{
		Level:  InfoLevel,
		Format: JSONFormat,
		FileConfig: &FileConfig{
			Filename:   fmt.Sprintf("logs/%s.log", appName),
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}
