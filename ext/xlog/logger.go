package xlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var _logger *atomic.Value = new(atomic.Value)

// stderr
// stdout
// file:/path/log
type LogConfig struct {
	Level string `json:"logLevel"` // default info
	Fd    string `json:"logFile"`  // default stderr

	// internal
	level zerolog.Level
	fw    io.Writer
}

func init() {
	l := &LogConfig{Level: "debug"}
	if err := l.parse(); err != nil {
		panic(err)
	}
	_logger.Store(l.new())
}

// return default logger
func Logger() *zerolog.Logger {
	return _logger.Load().(*zerolog.Logger)
}

func (l *LogConfig) Parse() error {
	if err := l.parse(); err != nil {
		return err
	}
	_logger.Store(l.new())
	return nil
}

func (l *LogConfig) parse() error {

	if l.Level == "" {
		l.Level = "info"
	}

	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	l.level = level

	switch {
	case l.Fd == "" || l.Fd == "stderr":
		l.fw = os.Stderr
	case l.Fd == "stdout":
		l.fw = os.Stdout
	case strings.HasPrefix(l.Fd, "file:"):
		fw, err := os.OpenFile(l.Fd[len("file:"):], os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("invalid Log Path: %s, error: %v", l.Fd, err)
		}
		l.fw = fw
	default:
		return fmt.Errorf("invalid Log File Path: %s, error: log sink not implement", l.Fd)
	}

	return nil
}

func (l *LogConfig) new() *zerolog.Logger {
	logger := zerolog.New(l.fw).With().Timestamp().Stack().Logger().Level(l.level)
	return &logger
}

func NewLogger(l *LogConfig) (*zerolog.Logger, error) {
	if err := l.parse(); err != nil {
		return nil, err
	}
	return l.new(), nil
}
