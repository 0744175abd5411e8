// Package logger 提供结构化日志
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New 创建结构化日志记录器，level为debug/info/warn/error
func New(level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter 创建写入指定输出的日志记录器
func NewWithWriter(w io.Writer, level string) zerolog.Logger {
	lvl := ParseLevel(level)
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// NewConsole 创建开发用的控制台日志记录器
func NewConsole(level string) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel 解析日志级别，未知级别回退到info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// Nop 返回丢弃所有输出的日志记录器，测试用
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
