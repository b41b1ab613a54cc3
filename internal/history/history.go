package history

import (
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultCapacity is the number of calculations the daemon remembers.
	DefaultCapacity = 5

	// ExpressionSize bounds the stored expression text in bytes.
	ExpressionSize = 255

	// EmptyReport is reported when nothing has been calculated yet.
	EmptyReport = "No calculation history available."

	reportHeader = "Recent calculations:\n"
)

// Record is one successful calculation.
type Record struct {
	Expression string
	Result     float64
	Timestamp  time.Time
}

// Log is a fixed-capacity ring of records. Once full, each new record
// overwrites the oldest one.
type Log struct {
	mu      sync.Mutex
	records []Record
	head    int // next slot to write; the oldest record once the ring has wrapped
	count   int
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates an empty log holding at most capacity records. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		records: make([]Record, capacity),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a calculation, evicting the oldest one at capacity.
func (l *Log) Record(expression string, result float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[l.head] = Record{
		Expression: truncate(expression, ExpressionSize),
		Result:     result,
		Timestamp:  l.now(),
	}
	l.head = (l.head + 1) % len(l.records)
	if l.count < len(l.records) {
		l.count++
	}
}

// Snapshot returns the held records, oldest first.
func (l *Log) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if l.count == len(l.records) {
		start = l.head
	}

	out := make([]Record, 0, l.count)
	for i := 0; i < l.count; i++ {
		out = append(out, l.records[(start+i)%len(l.records)])
	}
	return out
}

// Len returns the number of records held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Cap returns the ring capacity.
func (l *Log) Cap() int {
	return len(l.records)
}

// Report renders the history as the text sent to clients, cut to at most
// limit bytes.
func (l *Log) Report(limit int) string {
	return Format(l.Snapshot(), limit)
}

// Format renders records as a numbered list, oldest first. Output beyond
// limit bytes is dropped.
func Format(records []Record, limit int) string {
	if len(records) == 0 {
		return truncate(EmptyReport, limit)
	}

	var b strings.Builder
	b.WriteString(reportHeader)
	for i, r := range records {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(r.Expression)
		b.WriteString(" = ")
		b.WriteString(FormatResult(r.Result))
		b.WriteByte('\n')
	}
	return truncate(b.String(), limit)
}

// FormatResult renders a value with six significant digits, like %.6g.
func FormatResult(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func truncate(s string, limit int) string {
	if limit < 0 {
		limit = 0
	}
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
