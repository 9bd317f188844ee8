package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"pixelnode/internal/config"
)

type Log struct {
	*logrus.Entry
	file io.Closer
}

// NewLogger конструктор.
func NewLogger(cfg config.LogConf) (*Log, error) {
	log := logrus.New()

	var (
		out  io.Writer = os.Stdout
		file io.Closer
	)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logger. Can't open log file %s: %w", cfg.File, err)
		}
		out = io.MultiWriter(os.Stdout, f)
		file = f
	}
	log.SetOutput(out)

	log.Formatter = &logrus.TextFormatter{
		TimestampFormat:  "2006-01-02 15:04:05.0000",
		DisableColors:    cfg.File != "",
		ForceColors:      cfg.File == "",
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logger. Error in settings (level: %s): %w", cfg.Level, err)
	}
	log.SetLevel(level)
	log.Debug("set level: ", level)

	return &Log{Entry: log.WithFields(nil), file: file}, nil
}

// Close closes the log file, if one was opened. Later entries go to stdout only.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	l.Logger.SetOutput(os.Stdout)
	err := l.file.Close()
	l.file = nil
	return err
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard() *Log {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Log{Entry: log.WithFields(nil)}
}

// With will add the fields to the formatted log entry.
func (l *Log) With(fields Fields) *Log {
	return &Log{Entry: l.WithFields(logrus.Fields(fields))}
}

// Module is shorthand for With(Fields{"module": name}).
func (l *Log) Module(name string) *Log {
	return l.With(Fields{"module": name})
}

func (l *Log) GetLevel() string {
	return l.Logger.Level.String()
}

// Fields are a representation of formatted log fields.
type Fields map[string]interface{}

// Logger интерфейс для регистратора.
type Logger interface {
	// GetLevel возвращает текущий установленный уровень логирования.
	GetLevel() string
	With(fields Fields) *Log
}
