package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"security-core/internal/clock"
	"security-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// Severity classifies security events.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Entry is one immutable audit record. Hash covers every other field plus
// the hash of the preceding entry, so any post-hoc modification is
// detectable.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Details   map[string]interface{} `json:"details"`
	Severity  Severity               `json:"severity"`
	Hash      string                 `json:"hash"`
}

// Filter narrows GetLogs results. Zero-value fields are ignored; Start and
// End bounds are inclusive.
type Filter struct {
	Severity Severity
	Type     string
	Start    time.Time
	End      time.Time
}

// Notifier delivers high-severity events to an admin channel
// (fire-and-forget; failures never surface to the logging caller).
type Notifier interface {
	Notify(ctx context.Context, entry Entry) error
}

// Sink receives every entry for external archival, best-effort.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Logger is an append-only, hash-chained, bounded audit log. Log never
// fails from the caller's perspective.
type Logger struct {
	mu       sync.Mutex
	entries  []Entry
	anchor   string // hash of the most recently evicted entry
	capacity int

	clk      clock.Clock
	notifier Notifier
	sinks    []Sink
	logger   *zap.Logger
}

// NewLogger creates a bounded audit logger. capacity <= 0 selects the
// default of 10000 entries. notifier and sinks may be nil/empty.
func NewLogger(capacity int, clk clock.Clock, notifier Notifier, sinks []Sink, logger *zap.Logger) *Logger {
	if capacity <= 0 {
		capacity = 10000
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = util.Get()
	}
	return &Logger{
		entries:  make([]Entry, 0, 64),
		capacity: capacity,
		clk:      clk,
		notifier: notifier,
		sinks:    sinks,
		logger:   logger,
	}
}

// Log appends an entry. Sink and notifier failures are swallowed: a
// logging problem must never block the security operation that caused it.
func (l *Logger) Log(eventType string, details map[string]interface{}, severity Severity) {
	if details == nil {
		details = map[string]interface{}{}
	}

	l.mu.Lock()
	entry := Entry{
		ID:        uuid.New().String(),
		Timestamp: l.clk.Now().UTC(),
		Type:      eventType,
		Details:   details,
		Severity:  severity,
	}
	prev := l.anchor
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	entry.Hash = computeHash(prev, entry)

	if len(l.entries) >= l.capacity {
		// Preserve the chain across the truncation boundary
		l.anchor = l.entries[0].Hash
		l.entries = append(l.entries[:0], l.entries[1:]...)
	}
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if severity == SeverityHigh && l.notifier != nil {
		go func(e Entry) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.notifier.Notify(ctx, e); err != nil {
				l.logger.Warn("Admin alert delivery failed",
					util.String("event_type", e.Type),
					util.ErrorField(err))
			}
		}(entry)
	}

	for _, sink := range l.sinks {
		go func(s Sink, e Entry) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Write(ctx, e); err != nil {
				l.logger.Warn("Audit sink write failed",
					util.String("event_type", e.Type),
					util.ErrorField(err))
			}
		}(sink, entry)
	}
}

// GetLogs returns entries matching the filter in insertion order. The
// returned slice is a copy, but Details maps are shared with the store.
func (l *Logger) GetLogs(filter Filter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.Start.IsZero() && e.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && e.Timestamp.After(filter.End) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// VerifyIntegrity recomputes every retained entry's hash along the chain
// and reports whether the log is untampered.
func (l *Logger) VerifyIntegrity() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.anchor
	for _, e := range l.entries {
		if computeHash(prev, e) != e.Hash {
			return false
		}
		prev = e.Hash
	}
	return true
}

// Len returns the number of retained entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// computeHash digests the entry's non-hash fields plus the previous
// entry's hash with SHA3-256. json.Marshal sorts map keys, so the details
// serialization is deterministic.
func computeHash(prevHash string, e Entry) string {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		// Unserializable details still get a stable digest of their error
		detailsJSON = []byte(`{"_marshal_error":"` + err.Error() + `"}`)
	}

	h := sha3.New256()
	h.Write([]byte(prevHash))
	h.Write([]byte(e.ID))
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.Type))
	h.Write(detailsJSON)
	h.Write([]byte(e.Severity))
	return hex.EncodeToString(h.Sum(nil))
}
