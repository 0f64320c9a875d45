package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// DiskLogger appends one JSONL line per history entry, one file per
// (session, UTC date). The log is advisory: write failures are logged and
// swallowed, never surfaced to the caller.
type DiskLogger struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// NewDiskLogger creates a logger writing under dir. Returns nil when dir is
// empty so callers can treat the logger as optional.
func NewDiskLogger(dir string, logger *slog.Logger) *DiskLogger {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskLogger{dir: dir, logger: logger, now: time.Now}
}

type diskLine struct {
	Session    string        `json:"session"`
	Role       string        `json:"role"`
	Content    []ContentPart `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	StopReason string        `json:"stopReason,omitempty"`
	Model      string        `json:"model,omitempty"`
	Provider   string        `json:"provider,omitempty"`
}

// Append writes one entry line to the session's file for the entry's UTC day.
func (l *DiskLogger) Append(sessionKey string, entry Entry) {
	if l == nil {
		return
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	line := diskLine{
		Session:    sessionKey,
		Role:       entry.Role,
		Content:    entry.Content,
		Timestamp:  ts,
		StopReason: entry.StopReason,
		Model:      entry.Model,
		Provider:   entry.Provider,
	}
	data, err := json.Marshal(line)
	if err != nil {
		l.logger.Warn("session log marshal failed", "session", sessionKey, "error", err)
		return
	}

	path := filepath.Join(l.dir, l.filename(sessionKey, ts))

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.logger.Warn("session log dir create failed", "dir", l.dir, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("session log open failed", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.logger.Warn("session log write failed", "path", path, "error", err)
	}
}

// Dir returns the log directory.
func (l *DiskLogger) Dir() string {
	if l == nil {
		return ""
	}
	return l.dir
}

// filename sanitizes the session key for filesystem use; the original key is
// preserved in the session field of every line.
func (l *DiskLogger) filename(sessionKey string, ts time.Time) string {
	safe := unsafeFilenameChars.ReplaceAllString(sessionKey, "-")
	if len(safe) > 64 {
		safe = safe[:64]
	}
	if safe == "" {
		safe = "session"
	}
	return fmt.Sprintf("%s-%s.jsonl", safe, ts.UTC().Format("2006-01-02"))
}
