/*
 * Copyright (c) 2021, TeaVPN2 Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"time"

	"github.com/TeaInside/teavpn2-go/teavpn2/common"
	"github.com/TeaInside/teavpn2-go/teavpn2/common/errors"
	"github.com/TeaInside/teavpn2-go/teavpn2/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the underlying
// logging packages.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

// WithTrace adds a "context" field containing the caller's function
// name and source file line number. Use this function when the log has
// no fields.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"context": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "context" field containing the caller's
// function name and source file line number. Use this function when
// the log has fields. Note that any existing "context" field will be
// renamed to "fields.context".
func (logger *ContextLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	_, ok := fields["context"]
	if ok {
		fields["fields.context"] = fields["context"]
	}
	fields["context"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

// LogMetric emits a metrics log with the given fields.
func (logger *ContextLogger) LogMetric(metric string, fields LogFields) {
	fields["metric"] = metric
	logger.WithFields(logrus.Fields(fields)).Info("metric")
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter.
// The only change is that "time" is renamed to "timestamp".
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {

	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by encoding/json
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)
	data["msg"] = entry.Message
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to marshal fields to JSON: %w", err)
	}
	return append(serialized, '\n'), nil
}

var log *ContextLogger

// InitLogging configures the global logger from the given
// configuration. Verbose overrides the configured level upward only.
func InitLogging(config *Config) error {

	levelName := config.LogLevel
	if levelName == "" {
		levelName = "info"
	}

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return errors.Trace(err)
	}

	if config.Sys.Verbose > 0 && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}

	var logWriter io.Writer = os.Stderr

	if config.LogFilename != "" {
		logWriter, err = os.OpenFile(
			config.LogFilename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if err != nil {
			return errors.Trace(err)
		}
	}

	log = &ContextLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	return nil
}

// CommonLogger wraps a ContextLogger with an interface that conforms
// to common.Logger, so leaf packages can log without importing this
// package.
func CommonLogger(logger *ContextLogger) common.Logger {
	return &commonLogger{logger}
}

type commonLogger struct {
	logger *ContextLogger
}

func (l *commonLogger) WithTrace() common.LogTrace {
	return l.logger.WithFields(
		logrus.Fields{
			"context": stacktrace.GetParentFunctionName(),
		})
}

func (l *commonLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	logrusFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		logrusFields[name] = value
	}
	logrusFields["context"] = stacktrace.GetParentFunctionName()
	return l.logger.WithFields(logrusFields)
}

func (l *commonLogger) LogMetric(metric string, fields common.LogFields) {
	l.logger.LogMetric(metric, LogFields(fields))
}

func init() {

	// Suppress standard "log" package logging performed by other
	// packages.
	go_log.SetOutput(io.Discard)

	log = &ContextLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.DebugLevel,
		},
	}
}
