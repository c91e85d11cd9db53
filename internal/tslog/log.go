// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tslog is the fuzzing core's logging facade: a level-gated
// Logf at verbosity levels, plus a JSON Lines sink for log_path.
package tslog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is an int verbosity level: 0 is always printed,
// higher numbers are progressively more verbose.
type Level int

const (
	Error Level = -2
	Warn  Level = -1
	Info  Level = 0
	Debug Level = 1
	Trace Level = 2
)

// Event is one JSON Lines record written to log_path.
type Event struct {
	Time time.Time      `json:"ts"`
	Lvl  string         `json:"level"`
	Msg  string         `json:"msg"`
	Ctx  map[string]any `json:"ctx,omitempty"`
}

// Logger is the process-wide log sink the Fuzzer and its components log
// through. It is safe for concurrent use, though in steady state all
// calls come from the single simulator callback thread.
type Logger struct {
	mu       sync.Mutex
	verbose  Level
	jsonl    io.WriteCloser
	fallback io.Writer
}

// New builds a Logger that prints to fallback (typically os.Stderr) up to
// verbose level, and additionally appends JSON Lines events to jsonlPath
// when non-empty.
func New(verbose Level, fallback io.Writer, jsonlPath string) (*Logger, error) {
	if fallback == nil {
		fallback = os.Stderr
	}
	l := &Logger{verbose: verbose, fallback: fallback}
	if jsonlPath != "" {
		f, err := os.OpenFile(jsonlPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("tslog: open log_path: %w", err)
		}
		l.jsonl = f
	}
	return l, nil
}

func levelName(lvl Level) string {
	switch {
	case lvl <= Error:
		return "error"
	case lvl == Warn:
		return "warn"
	case lvl == Info:
		return "info"
	default:
		return "debug"
	}
}

// Logf writes a message at the given level if it is within the configured
// verbosity, and always appends it to the JSONL sink if one is attached
// (JSONL is meant for post-hoc analysis, not just interactive viewing).
func (l *Logger) Logf(level Level, format string, args ...any) {
	l.LogfCtx(level, nil, format, args...)
}

// LogfCtx is Logf with a structured context map attached to the JSONL event.
func (l *Logger) LogfCtx(level Level, ctx map[string]any, format string, args ...any) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if level <= l.verbose {
		fmt.Fprintf(l.fallback, "[%s] %s\n", levelName(level), msg)
	}
	if l.jsonl != nil {
		ev := Event{Time: time.Now(), Lvl: levelName(level), Msg: msg, Ctx: ctx}
		enc, err := json.Marshal(ev)
		if err == nil {
			l.jsonl.Write(enc)
			l.jsonl.Write([]byte("\n"))
		}
	}
}

// Summary is the final campaign-end line.
type Summary struct {
	Iterations  uint64  `json:"iterations"`
	CorpusSize  int     `json:"corpus_size"`
	Solutions   int     `json:"solutions"`
	ExecPerSec  float64 `json:"exec_per_sec"`
}

// LogSummary emits the final summary line at Info level.
func (l *Logger) LogSummary(s Summary) {
	l.LogfCtx(Info, map[string]any{
		"iterations":   s.Iterations,
		"corpus_size":  s.CorpusSize,
		"solutions":    s.Solutions,
		"exec_per_sec": s.ExecPerSec,
	}, "campaign finished: %d iterations, corpus=%d, solutions=%d, %.1f execs/sec",
		s.Iterations, s.CorpusSize, s.Solutions, s.ExecPerSec)
}

// Close releases the JSONL sink, if any.
func (l *Logger) Close() error {
	if l == nil || l.jsonl == nil {
		return nil
	}
	return l.jsonl.Close()
}

// Truncate leaves up to begin bytes at the beginning of log and up to end
// bytes at the end of the log, replacing the middle with a marker. Kept
// guest-memory dumps and
// executor output attached to solution messages can be arbitrarily long.
func Truncate(log []byte, begin, end int) []byte {
	if begin+end >= len(log) {
		return log
	}
	out := make([]byte, 0, begin+end+32)
	out = append(out, log[:begin]...)
	if begin > 0 {
		out = append(out, '\n', '\n')
	}
	out = append(out, fmt.Sprintf("<<cut %d bytes out>>", len(log)-begin-end)...)
	if end > 0 {
		out = append(out, '\n', '\n')
	}
	out = append(out, log[len(log)-end:]...)
	return out
}
