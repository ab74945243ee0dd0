// Package logging builds the pipeline's structured JSON logger: zerolog
// writing single-line records through a non-blocking buffer into a
// size-rotated file sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the file sink and verbosity.
type Config struct {
	FilePath    string
	MaxBytes    int64
	BackupCount int
	Level       string
	// Console mirrors records to stderr, for interactive runs.
	Console bool
}

// levelLabels maps zerolog levels onto the record vocabulary consumers
// expect: DEBUG, INFO, WARNING, ERROR, CRITICAL.
var levelLabels = map[zerolog.Level]string{
	zerolog.DebugLevel: "DEBUG",
	zerolog.InfoLevel:  "INFO",
	zerolog.WarnLevel:  "WARNING",
	zerolog.ErrorLevel: "ERROR",
	zerolog.FatalLevel: "CRITICAL",
	zerolog.PanicLevel: "CRITICAL",
}

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if label, ok := levelLabels[l]; ok {
			return label
		}
		return "INFO"
	}
}

// New constructs the pipeline logger. The returned closer flushes the
// async buffer and closes the rotating file; call it on shutdown.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	// lumberjack sizes in whole mebibytes. Flooring means a fractional
	// cap rotates early rather than letting the file exceed MaxBytes;
	// config validation keeps MaxBytes at 1 MiB or more.
	maxMB := int(cfg.MaxBytes / (1024 * 1024))
	if maxMB < 1 {
		maxMB = 1
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxMB,
		MaxBackups: cfg.BackupCount,
	}

	// Log calls hand records to a background poller; when the buffer is
	// full records are dropped rather than blocking a stage attempt, and
	// the drop count goes to the fallback error stream.
	async := diode.NewWriter(rotator, 4096, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "docpipe: dropped %d log records\n", missed)
	})

	var sink io.Writer = async
	if cfg.Console {
		sink = zerolog.MultiLevelWriter(async, zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger := zerolog.New(sink).Level(level).With().Timestamp().Logger()
	return logger, &sinkCloser{async: async, rotator: rotator}, nil
}

// NewTest returns a discard logger for tests.
func NewTest() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type sinkCloser struct {
	async   diode.Writer
	rotator *lumberjack.Logger
}

func (c *sinkCloser) Close() error {
	if err := c.async.Close(); err != nil {
		return err
	}
	return c.rotator.Close()
}
