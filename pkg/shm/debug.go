/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logger struct {
	name string
	base *zap.SugaredLogger
}

var (
	internalLogger = &logger{}
	level          atomic.Int32
	debugMode      = false

	globalSugar atomic.Pointer[zap.SugaredLogger]
)

const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelNoPrint
)

func init() {
	level.Store(levelWarn)
	if os.Getenv("SHMCHAN_LOG_LEVEL") != "" {
		if n, err := strconv.Atoi(os.Getenv("SHMCHAN_LOG_LEVEL")); err == nil {
			if n >= levelTrace && n <= levelNoPrint {
				level.Store(int32(n))
			}
		}
	}

	if os.Getenv("SHMCHAN_DEBUG_MODE") != "" {
		debugMode = true
	}
	SetLogger(defaultZapLogger())
}

// SetLogLevel used to change the internal logger's level and the default level is Warning.
// The process env `SHMCHAN_LOG_LEVEL` also could set log level
func SetLogLevel(l int) {
	if l >= levelTrace && l <= levelNoPrint {
		level.Store(int32(l))
	}
}

// SetLogger routes the package's diagnostics to l. A nil l silences them.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	globalSugar.Store(sugarOf(l))
}

func defaultZapLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debugMode {
		cfg = zap.NewDevelopmentConfig()
	}
	// level filtering happens in the logger methods
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !debugMode
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func sugarOf(l *zap.Logger) *zap.SugaredLogger {
	return l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func newLogger(name string, l *zap.Logger) *logger {
	lg := &logger{name: name}
	if l != nil {
		lg.base = sugarOf(l)
	}
	return lg
}

func (l *logger) sugar() *zap.SugaredLogger {
	s := l.base
	if s == nil {
		s = globalSugar.Load()
	}
	if l.name != "" {
		return s.With("channel", l.name)
	}
	return s
}

func (l *logger) errorf(format string, a ...interface{}) {
	if level.Load() > levelError {
		return
	}
	l.sugar().Errorf(format, a...)
}

func (l *logger) warnf(format string, a ...interface{}) {
	if level.Load() > levelWarn {
		return
	}
	l.sugar().Warnf(format, a...)
}

func (l *logger) infof(format string, a ...interface{}) {
	if level.Load() > levelInfo {
		return
	}
	l.sugar().Infof(format, a...)
}

func (l *logger) debugf(format string, a ...interface{}) {
	if level.Load() > levelDebug {
		return
	}
	l.sugar().Debugf(format, a...)
}

func (l *logger) tracef(format string, a ...interface{}) {
	if level.Load() > levelTrace {
		return
	}
	l.sugar().With("trace", true).Debugf(format, a...)
}
