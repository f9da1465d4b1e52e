// Copyright The Accel Resource Manager Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level is a logging severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})
	Panic(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})

	// DebugBlock and InfoBlock emit a multi-line message, prefixing every line.
	DebugBlock(prefix string, format string, args ...interface{})
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for this source.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this source.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
	// SlogHandler returns an slog.Handler logging through this Logger.
	SlogHandler() slog.Handler
}

// logger implements Logger for a single source.
type logger string

// logging is the shared state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	forced  bool
	prefix  bool
	loggers map[string]logger
	srcw    int
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the minimum severity of messages emitted.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug forces debugging on or off for all sources.
func EnableDebug(on bool) bool {
	log.Lock()
	defer log.Unlock()
	prev := log.forced
	log.forced = on
	return prev
}

// SetupDebugToggleSignal sets up a signal handler that toggles full debugging.
func SetupDebugToggleSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			state := !EnableDebug(false)
			EnableDebug(state)
			deflog.Warn("forced full debugging is now %s...", map[bool]string{true: "on", false: "off"}[state])
		}
	}()
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}

	lg := logger(source)
	l.loggers[source] = lg
	if w := len(source); w > l.srcw {
		l.srcw = w
	}
	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if l.forced {
		return true
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l *logging) enabled(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level
}

func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	l.RLock()
	defer l.RUnlock()

	if !l.prefix {
		return msg
	}
	return fmt.Sprintf("[%-*s] %s", l.srcw, source, msg)
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(string(lg), "D: "+format, args...))
}

func (lg logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(string(lg), format, args...))
}

func (lg logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(string(lg), format, args...))
}

func (lg logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(string(lg), format, args...))
}

func (lg logger) Fatal(format string, args ...interface{}) {
	klog.FatalDepth(1, log.format(string(lg), format, args...))
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := log.format(string(lg), format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (lg logger) Debugf(format string, args ...interface{}) { lg.Debug(format, args...) }
func (lg logger) Infof(format string, args ...interface{})  { lg.Info(format, args...) }
func (lg logger) Warnf(format string, args ...interface{})  { lg.Warn(format, args...) }
func (lg logger) Errorf(format string, args ...interface{}) { lg.Error(format, args...) }
func (lg logger) Fatalf(format string, args ...interface{}) { lg.Fatal(format, args...) }
func (lg logger) Panicf(format string, args ...interface{}) { lg.Panic(format, args...) }

func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(string(lg), "D: %s%s", prefix, line))
	}
}

func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(string(lg), "%s%s", prefix, line))
	}
}

func (lg logger) EnableDebug(on bool) bool {
	log.Lock()
	defer log.Unlock()
	prev, ok := log.dbgmap[string(lg)]
	if !ok {
		prev = log.dbgmap["*"]
	}
	log.dbgmap[string(lg)] = on
	return prev
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(string(lg))
}

func (lg logger) Source() string {
	return string(lg)
}

// loggerError returns a formatted package-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
