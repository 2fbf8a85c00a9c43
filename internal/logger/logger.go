// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger implements the VFS core's leveled logger: five severities
// (TRACE/DEBUG/INFO/WARNING/ERROR, plus OFF to silence everything) over
// log/slog, in text or JSON format, optionally rotated to disk through
// lumberjack and buffered through AsyncLogger so a slow disk never blocks
// a caller holding an inode sleep-lock.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aviv-teaching/govfs/internal/config"
)

// slog has no native TRACE level; extend the standard Debug/Info/Warn/
// Error levels downward and upward the way the teacher's logger did.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

var severityToLevel = map[string]slog.Level{
	config.TRACE:   LevelTrace,
	config.DEBUG:   LevelDebug,
	config.INFO:    LevelInfo,
	config.WARNING: LevelWarn,
	config.ERROR:   LevelError,
	config.OFF:     LevelOff,
}

type loggerFactory struct {
	file            *os.File
	sysWriter       io.Writer
	asyncWriter     *AsyncLogger
	format          string
	level           string
	logRotateConfig config.LogRotateConfig
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	isText := f.format != "json"
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				a.Key = "severity"
				a.Value = slog.StringValue(levelName(a.Value.Any().(slog.Level)))
			case slog.MessageKey:
				a.Key = "message"
				a.Value = slog.StringValue(prefix + a.Value.String())
			case slog.TimeKey:
				if isText {
					a.Value = slog.StringValue(a.Value.Time().Format("2006/01/02 15:04:05.000000"))
				}
			}
			return a
		},
	}
	if isText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

var defaultLoggerFactory = &loggerFactory{
	level:           config.INFO,
	format:          "text",
	logRotateConfig: config.DefaultLogRotateConfig(),
}

var defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, levelVarFor(config.INFO), ""))

func levelVarFor(severity string) *slog.LevelVar {
	v := new(slog.LevelVar)
	setLoggingLevel(severity, v)
	return v
}

func levelName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarn:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func setLoggingLevel(severity string, v *slog.LevelVar) {
	if lvl, ok := severityToLevel[severity]; ok {
		v.Set(lvl)
		return
	}
	v.Set(LevelInfo)
}

// InitLogFile points the default logger at a rotating file described by
// rotate/lc, buffering writes through an AsyncLogger. Passing an empty
// lc.FilePath leaves the default logger writing to stderr.
func InitLogFile(rotate config.LogRotateConfig, lc config.LoggingConfig) error {
	defaultLoggerFactory.format = lc.Format
	defaultLoggerFactory.level = string(lc.Severity)
	defaultLoggerFactory.logRotateConfig = rotate

	if lc.FilePath == "" {
		defaultLoggerFactory.sysWriter = os.Stderr
		rebuildDefaultLogger()
		return nil
	}

	lj := &lumberjack.Logger{
		Filename:   string(lc.FilePath),
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}
	f, err := os.OpenFile(string(lc.FilePath), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	f.Close()

	defaultLoggerFactory.file = f
	defaultLoggerFactory.asyncWriter = NewAsyncLogger(lj, 4096)
	rebuildDefaultLogger()
	return nil
}

func rebuildDefaultLogger() {
	var w io.Writer = defaultLoggerFactory.sysWriter
	if defaultLoggerFactory.asyncWriter != nil {
		w = defaultLoggerFactory.asyncWriter
	}
	if w == nil {
		w = os.Stderr
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, levelVarFor(defaultLoggerFactory.level), ""))
}

// SetLogFormat changes the default logger's output format ("text" or
// "json"; any other value is treated as "text").
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	rebuildDefaultLogger()
}

// SetSeverity changes the default logger's minimum emitted severity.
func SetSeverity(severity string) {
	defaultLoggerFactory.level = severity
	rebuildDefaultLogger()
}

func Tracef(format string, args ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
}
func Debugf(format string, args ...interface{}) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...interface{})  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...interface{})  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...interface{}) { defaultLogger.Error(fmt.Sprintf(format, args...)) }

// Close flushes and releases the default logger's async writer and file,
// if any were opened by InitLogFile.
func Close() error {
	if defaultLoggerFactory.asyncWriter != nil {
		if err := defaultLoggerFactory.asyncWriter.Close(); err != nil {
			return err
		}
	}
	return nil
}
