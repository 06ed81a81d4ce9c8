// Package logging configures the process wide logrus logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Console selects stderr output.
const Console = "console"

// Init parses level and directs log output to path, rotating the file when it
// grows. An empty path or "console" logs to stderr.
func Init(level, path string) error {
	return InitWriter(level, path, os.Stderr)
}

// InitWriter is Init with the console writer supplied by the caller.
func InitWriter(level, path string, console io.Writer) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", level, err)
		return err
	}

	var out io.Writer = console
	if path != "" && path != Console {
		out = &lumberjack.Logger{
			Filename:   filepath.ToSlash(path),
			MaxSize:    5, // MB
			MaxBackups: 3,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{
		DisableColors:    path != "" && path != Console,
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	})
	log.SetLevel(lvl)
	return nil
}
