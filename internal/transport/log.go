package transport

import (
	"sync"
	"time"
)

// LogEntry records one executed request and its response, in that order.
type LogEntry struct {
	Request         string            `json:"request"`
	Time            time.Time         `json:"time"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestData     any               `json:"request_data,omitempty"`
	ResponseCode    int               `json:"response_code"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseData    any               `json:"response_data,omitempty"`
	ResponseBody    string            `json:"response_body"`
}

// Log is an append-only request log. Several requests may share one log;
// entries keep the order in which executions completed.
type Log struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds an entry.
func (l *Log) Append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Entries returns a copy of all entries.
func (l *Log) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Last returns the most recent entry.
func (l *Log) Last() (LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return LogEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}
