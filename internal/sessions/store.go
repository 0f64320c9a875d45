// Package sessions holds the per-session conversation history and metadata
// for the gateway. Storage is in-memory; an optional JSONL disk logger keeps
// an advisory transcript.
package sessions

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Roles stored in history entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types.
const (
	PartText     = "text"
	PartThinking = "thinking"
	PartToolCall = "tool_call"
)

const (
	// MaxLabelLen bounds session labels set via sessions.patch.
	MaxLabelLen = 64

	// DefaultHistoryLimit is returned when chat.history omits a limit.
	DefaultHistoryLimit = 50

	// MaxHistoryLimit caps a single chat.history read.
	MaxHistoryLimit = 1000
)

// ContentPart is the tagged content variant carried by a history entry:
// text, thinking, or tool_call.
type ContentPart struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Thinking    string          `json:"thinking,omitempty"`
	Name        string          `json:"name,omitempty"`
	ToolCallID  string          `json:"toolCallId,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Status      string          `json:"status,omitempty"`
	Result      string          `json:"result,omitempty"`
	ResultError string          `json:"resultError,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ThinkingPart builds a thinking content part.
func ThinkingPart(thinking string) ContentPart {
	return ContentPart{Type: PartThinking, Thinking: thinking}
}

// Entry is one message in a session's ordered history.
type Entry struct {
	Role       string        `json:"role"`
	Content    []ContentPart `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	StopReason string        `json:"stopReason,omitempty"`
	Model      string        `json:"model,omitempty"`
	Provider   string        `json:"provider,omitempty"`
}

// Text returns the concatenated text parts of the entry.
func (e *Entry) Text() string {
	var b strings.Builder
	for _, p := range e.Content {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Meta is the per-session metadata record.
type Meta struct {
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Label        string    `json:"label,omitempty"`
}

// Summary is one row of sessions.list.
type Summary struct {
	Key          string    `json:"key"`
	Label        string    `json:"label,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	MessageCount int       `json:"messageCount"`
}

// ErrLabelTooLong is returned by Patch when the label exceeds MaxLabelLen.
type labelError struct{}

func (labelError) Error() string { return "label exceeds 64 characters" }

// ErrLabelTooLong reports a sessions.patch label over the limit.
var ErrLabelTooLong error = labelError{}

// Store is the guarded in-memory session store. A session exists for listing
// iff it has a metadata record or at least one history entry.
type Store struct {
	mu      sync.RWMutex
	history map[string][]Entry
	meta    map[string]*Meta
	logger  *DiskLogger
	now     func() time.Time
}

// NewStore creates an empty store. logger may be nil.
func NewStore(logger *DiskLogger) *Store {
	return &Store{
		history: make(map[string][]Entry),
		meta:    make(map[string]*Meta),
		logger:  logger,
		now:     time.Now,
	}
}

// Append adds an entry to the session, creating it on first append, and
// forwards to the disk logger when one is configured.
func (s *Store) Append(sessionKey string, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.mu.Lock()
	s.history[sessionKey] = append(s.history[sessionKey], entry)
	meta := s.meta[sessionKey]
	if meta == nil {
		meta = &Meta{CreatedAt: entry.Timestamp}
		s.meta[sessionKey] = meta
	}
	if entry.Timestamp.After(meta.LastActiveAt) {
		meta.LastActiveAt = entry.Timestamp
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Append(sessionKey, entry)
	}
}

// History returns the last limit entries in insertion order. limit <= 0 uses
// the default; limits above MaxHistoryLimit are clamped.
func (s *Store) History(sessionKey string, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[sessionKey]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Delete drops history and metadata atomically. Idempotent.
func (s *Store) Delete(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, sessionKey)
	delete(s.meta, sessionKey)
}

// Reset drops history only, keeping metadata.
func (s *Store) Reset(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, sessionKey)
}

// Patch updates session metadata, creating the record if missing.
// A nil label leaves the current label untouched.
func (s *Store) Patch(sessionKey string, label *string) error {
	if label != nil && len(*label) > MaxLabelLen {
		return ErrLabelTooLong
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.meta[sessionKey]
	if meta == nil {
		now := s.now()
		meta = &Meta{CreatedAt: now, LastActiveAt: now}
		s.meta[sessionKey] = meta
	}
	if label != nil {
		meta.Label = *label
	}
	return nil
}

// List returns every known session, merging sessions that have metadata with
// sessions that only have history, ordered by key for stable output.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make(map[string]struct{}, len(s.meta)+len(s.history))
	for k := range s.meta {
		keys[k] = struct{}{}
	}
	for k := range s.history {
		keys[k] = struct{}{}
	}

	out := make([]Summary, 0, len(keys))
	for k := range keys {
		sum := Summary{Key: k, MessageCount: len(s.history[k])}
		if meta := s.meta[k]; meta != nil {
			sum.Label = meta.Label
			sum.CreatedAt = meta.CreatedAt
			sum.LastActiveAt = meta.LastActiveAt
		} else if entries := s.history[k]; len(entries) > 0 {
			sum.CreatedAt = entries[0].Timestamp
			sum.LastActiveAt = entries[len(entries)-1].Timestamp
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
