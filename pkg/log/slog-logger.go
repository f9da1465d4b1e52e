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
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// slogger bridges slog records to a Logger, flattening attributes into the message.
type slogger struct {
	l     Logger
	attrs []slog.Attr
	group string
}

var _ slog.Handler = &slogger{}

// SetSlogLogger sets up the default logger for the slog package.
func SetSlogLogger(source string) {
	l := Default()
	if source != "" {
		l = Get(source)
	}
	slog.SetDefault(slog.New(l.SlogHandler()))
}

func (lg logger) SlogHandler() slog.Handler {
	return &slogger{l: lg}
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	if level < slog.LevelInfo {
		return s.l.DebugEnabled()
	}
	switch {
	case level >= slog.LevelError:
		return true
	case level >= slog.LevelWarn:
		return log.enabled(LevelWarn)
	}
	return log.enabled(LevelInfo)
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(r.Message)
	for _, a := range s.attrs {
		s.writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		s.writeAttr(&b, a)
		return true
	})

	msg := b.String()
	switch {
	case r.Level >= slog.LevelError:
		s.l.Error("%s", msg)
	case r.Level >= slog.LevelWarn:
		s.l.Warn("%s", msg)
	case r.Level >= slog.LevelInfo:
		s.l.Info("%s", msg)
	default:
		s.l.Debug("%s", msg)
	}
	return nil
}

func (s *slogger) writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if s.group != "" {
		key = s.group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}

func (s *slogger) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *s
	c.attrs = append(append([]slog.Attr{}, s.attrs...), attrs...)
	return &c
}

func (s *slogger) WithGroup(name string) slog.Handler {
	c := *s
	if c.group == "" {
		c.group = name
	} else {
		c.group += "." + name
	}
	return &c
}
