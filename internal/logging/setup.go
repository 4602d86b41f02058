// Package logging configures process-wide logging for the Gemini Bridge server.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures logrus output, level and format.
// When toFile is true, log output rotates under logDir/bridge.log.
func Setup(debug, toFile bool, logDir string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if !toFile {
		log.SetOutput(os.Stderr)
		return
	}
	if logDir == "" {
		logDir = "logs"
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "bridge.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(rotator))
}
