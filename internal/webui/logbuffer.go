package webui

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log line
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Key       string    `json:"key,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Raw       string    `json:"raw"`
}

// LogBuffer keeps the most recent zerolog lines in a ring. It is an
// io.Writer so it can sit next to stdout in a MultiWriter.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	count   int
	now     func() time.Time
}

// NewLogBuffer creates a buffer holding up to size entries
func NewLogBuffer(size int) *LogBuffer {
	if size < 1 {
		size = 1
	}
	return &LogBuffer{entries: make([]LogEntry, size), now: time.Now}
}

// Write stores one log line. zerolog issues one Write per event.
func (lb *LogBuffer) Write(p []byte) (int, error) {
	entry := parseLine(strings.TrimRight(string(p), "\n"))
	if entry.Timestamp.IsZero() {
		entry.Timestamp = lb.now()
	}

	lb.mu.Lock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % len(lb.entries)
	if lb.count < len(lb.entries) {
		lb.count++
	}
	lb.mu.Unlock()

	return len(p), nil
}

// Entries returns the buffered entries oldest first
func (lb *LogBuffer) Entries() []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	out := make([]LogEntry, lb.count)
	start := (lb.head - lb.count + len(lb.entries)) % len(lb.entries)
	for i := range out {
		out[i] = lb.entries[(start+i)%len(lb.entries)]
	}
	return out
}

// Recent returns up to n of the newest entries at or above minLevel, oldest
// first. An empty minLevel keeps everything.
func (lb *LogBuffer) Recent(n int, minLevel string) []LogEntry {
	all := lb.Entries()
	floor := levelRank(minLevel)

	out := make([]LogEntry, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if levelRank(all[i].Level) >= floor {
			out = append(out, all[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func levelRank(level string) int {
	switch level {
	case "", "trace":
		return -1
	case "debug":
		return 0
	case "info":
		return 1
	case "warn":
		return 2
	case "error":
		return 3
	default:
		return 4
	}
}

// parseLine decodes a zerolog JSON line. Lines that are not JSON are kept
// verbatim at info level.
func parseLine(raw string) LogEntry {
	entry := LogEntry{Raw: raw, Level: "info", Message: raw}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return entry
	}
	str := func(name string) string {
		s, _ := fields[name].(string)
		return s
	}

	if lvl := str("level"); lvl != "" {
		entry.Level = lvl
	}
	entry.Message = str("message")
	entry.Component = str("component")
	entry.Key = str("key")
	entry.Error = str("error")

	// TimeFormatUnix writes seconds as a number
	switch ts := fields["time"].(type) {
	case float64:
		entry.Timestamp = time.Unix(int64(ts), 0)
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = t
		}
	}
	return entry
}
