// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package logger

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

// NewLogger returns a log.Logger that prints in the provided format at the
// provided level with a UTC timestamp and the caller of the log entry. If non
// empty, the debug name is also appended as a field to all log lines.
func NewLogger(logLevel, logFormat, debugName string) log.Logger {
	return NewLoggerWithWriter(os.Stderr, logLevel, logFormat, debugName)
}

// NewLoggerWithWriter is NewLogger writing to w.
func NewLoggerWithWriter(w io.Writer, logLevel, logFormat, debugName string) log.Logger {
	sw := log.NewSyncWriter(w)

	var logger log.Logger
	switch logFormat {
	case LogFormatJSON:
		logger = log.NewJSONLogger(sw)
	default:
		logger = log.NewLogfmtLogger(sw)
	}

	logger = level.NewFilter(logger, levelOption(logLevel))

	if debugName != "" {
		logger = log.With(logger, "name", debugName)
	}

	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func levelOption(logLevel string) level.Option {
	switch logLevel {
	case "error":
		return level.AllowError()
	case "warn":
		return level.AllowWarn()
	case "debug":
		return level.AllowDebug()
	default:
		return level.AllowInfo()
	}
}
