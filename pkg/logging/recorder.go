package logging

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultRecorderSize is the number of entries kept per bucket
const DefaultRecorderSize = 1000

// Severity codes reported for each bucket
const (
	SeverityError = 3
	SeverityInfo  = 6
	SeverityDebug = 7
)

// Entry is a recorded log line as served by the management API
type Entry struct {
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Msg       string `json:"msg"`
	Elapsed   string `json:"elapsed"` // seconds since the entry was written
	Level     int    `json:"level"`
	Category  string `json:"category"`
}

// Snapshot holds the recent entries of every bucket, newest first
type Snapshot struct {
	Error []Entry `json:"error"`
	Info  []Entry `json:"info"`
	Debug []Entry `json:"debug"`
}

type record struct {
	at  time.Time
	msg string
}

type ring struct {
	level   int
	entries []record
	next    int
	full    bool
}

func (r *ring) add(rec record) {
	r.entries[r.next] = rec
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) snapshot(now time.Time) []Entry {
	n := r.next
	if r.full {
		n = len(r.entries)
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.entries)
		}
		rec := r.entries[idx]
		out = append(out, Entry{
			Timestamp: rec.at.UnixMilli(),
			Msg:       rec.msg,
			Elapsed:   formatElapsed(now.Sub(rec.at)),
			Level:     r.level,
			Category:  "shell",
		})
	}
	return out
}

type buckets struct {
	mu    sync.Mutex
	error ring
	info  ring
	debug ring
	now   func() time.Time
}

// Recorder is a zapcore.Core keeping the most recent log entries in memory.
// Error and above land in the error bucket, warnings and info in the info
// bucket and everything else in the debug bucket.
type Recorder struct {
	b      *buckets
	fields []zapcore.Field
}

// NewRecorder creates a recorder keeping size entries per bucket
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecorderSize
	}
	return &Recorder{b: &buckets{
		error: ring{level: SeverityError, entries: make([]record, size)},
		info:  ring{level: SeverityInfo, entries: make([]record, size)},
		debug: ring{level: SeverityDebug, entries: make([]record, size)},
		now:   time.Now,
	}}
}

// Enabled implements zapcore.LevelEnabler. Debug entries are always kept.
func (r *Recorder) Enabled(zapcore.Level) bool { return true }

// With implements zapcore.Core
func (r *Recorder) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(r.fields)+len(fields))
	merged = append(merged, r.fields...)
	merged = append(merged, fields...)
	return &Recorder{b: r.b, fields: merged}
}

// Check implements zapcore.Core
func (r *Recorder) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(ent, r)
}

// Write implements zapcore.Core
func (r *Recorder) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	msg := ent.Message
	if ent.LoggerName != "" {
		msg = ent.LoggerName + ": " + msg
	}
	if len(r.fields)+len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range r.fields {
			f.AddTo(enc)
		}
		for _, f := range fields {
			f.AddTo(enc)
		}
		if data, err := json.Marshal(enc.Fields); err == nil {
			msg += " " + string(data)
		}
	}

	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	rec := record{at: ent.Time, msg: msg}
	if rec.at.IsZero() {
		rec.at = r.b.now()
	}
	switch {
	case ent.Level >= zapcore.ErrorLevel:
		r.b.error.add(rec)
	case ent.Level >= zapcore.InfoLevel:
		r.b.info.add(rec)
	default:
		r.b.debug.add(rec)
	}
	return nil
}

// Sync implements zapcore.Core
func (r *Recorder) Sync() error { return nil }

// Snapshot returns the recorded entries of every bucket
func (r *Recorder) Snapshot() Snapshot {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	now := r.b.now()
	return Snapshot{
		Error: r.b.error.snapshot(now),
		Info:  r.b.info.snapshot(now),
		Debug: r.b.debug.snapshot(now),
	}
}

// Combined returns the entries of all buckets ordered newest first
func (r *Recorder) Combined() []Entry {
	s := r.Snapshot()
	all := make([]Entry, 0, len(s.Error)+len(s.Info)+len(s.Debug))
	all = append(all, s.Error...)
	all = append(all, s.Info...)
	all = append(all, s.Debug...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp > all[j].Timestamp
	})
	return all
}

// formatElapsed renders a duration as zero padded seconds with millisecond
// precision, e.g. "0012.345"
func formatElapsed(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	ms %= 10000000
	return fmt.Sprintf("%04d.%03d", ms/1000, ms%1000)
}
