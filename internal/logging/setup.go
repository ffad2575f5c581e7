package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the global logger.
type Options struct {
	Level string
	// File enables a rotating log file next to console output when set.
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
	// JSON switches console output from human-readable to JSON lines.
	JSON bool
}

// Setup initializes the logging system.
func Setup(opts Options) error {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if opts.JSON {
		console = os.Stderr
	}

	if opts.File == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return nil
	}

	// Create logs directory with secure permissions (0700 - owner only)
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	fileWriter := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAge,
		Compress:   opts.Compress,
	}
	log.Logger = zerolog.New(io.MultiWriter(console, fileWriter)).With().Timestamp().Logger()

	log.Debug().Str("file", opts.File).Str("level", level.String()).Msg("File logging initialized")
	return nil
}

// Writer returns an io.Writer that logs each written line at debug level,
// tagged with component. Carriage returns split lines too, so progress bars
// produce one entry per update.
func Writer(component string) io.Writer {
	return &lineWriter{component: component}
}

type lineWriter struct {
	mu        sync.Mutex
	component string
	buf       bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(data[:i]))
		w.buf.Next(i + 1)
		if line != "" {
			log.Debug().Str("component", w.component).Msg(line)
		}
	}
	return len(p), nil
}
