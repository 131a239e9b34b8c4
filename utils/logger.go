package utils

import (
	"io"
	"log"
	"os"

	"github.com/amirphl/orochi-dispatch/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a goroutine-safe logger writing to stdout, a rotated file, or both.
func NewLogger(cfg config.LoggingConfig, prefix string) *log.Logger {
	var writers []io.Writer
	switch cfg.Output {
	case "file":
		writers = append(writers, rotatingFile(cfg))
	case "both":
		writers = append(writers, os.Stdout, rotatingFile(cfg))
	default:
		writers = append(writers, os.Stdout)
	}
	return log.New(io.MultiWriter(writers...), prefix, log.LstdFlags|log.Lmicroseconds|log.LUTC)
}

func rotatingFile(cfg config.LoggingConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}
