package main

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// setupLogging configures the standard logrus logger. "off" and "none" silence it; an
// unknown level falls back to info.
func setupLogging(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "off" || level == "none" {
		log.SetOutput(io.Discard)
		return
	}

	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}
