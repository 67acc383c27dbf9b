package logging

import (
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/nullseed/logruseq"
	"github.com/sirupsen/logrus"
)

const maxLogSize = 2 * 1024 * 1024 // 2MB

type Logger = *logrus.Entry

type Options struct {
	Level       string
	Environment string
	FilePath    string
	SeqURL      string
	SeqToken    string
}

// Setup builds the process logger. Every entry carries a TraceId unique to this run.
// The returned closer flushes the log file, if one was opened.
func Setup(opts Options) (Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := &logrus.Logger{
		Out:   os.Stdout,
		Hooks: make(logrus.LevelHooks),
		Level: level,
	}

	if opts.Environment == "production" {
		logger.Formatter = &logrus.JSONFormatter{}
	} else {
		logger.Formatter = &logrus.TextFormatter{
			ForceColors:      true,
			FullTimestamp:    true,
			QuoteEmptyFields: true,
		}
	}

	var closer io.Closer = nopCloser{}
	if opts.FilePath != "" {
		rw, err := NewRotatingWriter(opts.FilePath, maxLogSize)
		if err != nil {
			return nil, nil, err
		}
		logger.Out = io.MultiWriter(os.Stdout, rw)
		closer = rw
	}

	if opts.SeqURL != "" {
		logger.AddHook(logruseq.NewSeqHook(opts.SeqURL, logruseq.OptionAPIKey(opts.SeqToken)))
	} else {
		logger.Debug("Logger running without seq hook")
	}

	return logger.WithField("TraceId", uuid.New().String()), closer, nil
}

// Discard returns a logger that writes nowhere. Used by tests.
func Discard() Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logrus.NewEntry(logger)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// RotatingWriter is a size-capped log file that keeps one backup.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
}

func NewRotatingWriter(logPath string, maxSize int64) (*RotatingWriter, error) {
	// Truncate if too large on startup
	if info, err := os.Stat(logPath); err == nil && info.Size() > maxSize {
		os.Truncate(logPath, 0)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, _ := f.Stat()
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	return &RotatingWriter{
		file:    f,
		path:    logPath,
		size:    size,
		maxSize: maxSize,
	}, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		w.rotate()
	}

	return n, err
}

func (w *RotatingWriter) rotate() {
	w.file.Close()

	// Keep one backup
	os.Rename(w.path, w.path+".1")

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
