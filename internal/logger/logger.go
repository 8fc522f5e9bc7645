package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level 日志级别，数值越小越详细。
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var current atomic.Int32

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmsgprefix)

// SetLevel 设置全局日志级别。
func SetLevel(l Level) { current.Store(int32(l)) }

// SetLevelByName 按名称设置级别，未知名称保持 info。
func SetLevelByName(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		SetLevel(LevelDebug)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	default:
		SetLevel(LevelInfo)
	}
}

func enabled(l Level) bool { return l >= Level(current.Load()) }

func output(prefix, format string, args ...any) {
	std.Output(3, prefix+" "+fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		output("[DEBUG]", format, args...)
	}
}

func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		output("[INFO]", format, args...)
	}
}

func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		output("[WARN]", format, args...)
	}
}

func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		output("[ERROR]", format, args...)
	}
}
