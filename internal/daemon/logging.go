package daemon

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging points the standard logger at a rotating file sink in
// addition to stderr. Rotation follows the [logging] config section.
func setupLogging(cfg LoggingConfig) {
	if cfg.File == "" {
		return
	}
	sink := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, sink))
}
