// Package logging wires the process-wide logrus instance, grounded on the
// pack's rotating-file logger pattern but trimmed to this proxy's needs: a
// plain stdout sink by default, or a lumberjack-backed rotating file when a
// log directory is configured.
package logging

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger. An empty Dir keeps output on stdout.
type Options struct {
	Level  string
	Format string // "json" or "text"
	Dir    string // if set, logs rotate into Dir/nexus.log
}

// Configure sets up the standard logrus logger per Options. Call once at
// process startup, before any other package logs.
func Configure(opts Options) error {
	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if opts.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if opts.Dir == "" {
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return err
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "nexus.log"),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
	return nil
}
