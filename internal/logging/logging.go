// Package logging builds the process and per-session loggers.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configure the root logger.
type Options struct {
	// Level name: trace, debug, info, warn, error. Defaults to info.
	Level string
	// Pretty switches to the human console writer instead of JSON.
	Pretty bool
	// Writer overrides the output stream. Defaults to stderr.
	Writer io.Writer
}

func (o *Options) applyDefaults() {
	if strings.TrimSpace(o.Level) == "" {
		o.Level = "info"
	}
	if o.Writer == nil {
		o.Writer = os.Stderr
	}
}

// New builds the root logger.
func New(opts Options) zerolog.Logger {
	opts.applyDefaults()
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	w := opts.Writer
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ForSession returns a logger that appends the session's events to
// <storageDir>/session.log, tagged with the session id and inheriting
// the parent's level. The returned closer owns the file handle.
func ForSession(parent zerolog.Logger, sessionID, storageDir string) (zerolog.Logger, io.Closer, error) {
	f, err := os.OpenFile(filepath.Join(storageDir, "session.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return parent, nil, err
	}
	log := zerolog.New(f).Level(parent.GetLevel()).
		With().Timestamp().Str("session_id", sessionID).Logger()
	return log, f, nil
}
