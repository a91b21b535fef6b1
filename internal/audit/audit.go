// Package audit implements the Audit Log (C10): an append-only
// JSON-lines event log, queryable by time window, event type, and user.
//
// Grounded on core/system_health_logging.go's append-only, file-backed
// event writer and pkg/utils/errors.go's error-wrapping conventions; the
// finite event_type tag set and statistics aggregator are new to this
// domain. The errors.log mirror is grounded on original_source's
// audit/logger.py _setup_logging: a second FileHandler attached at
// ERROR level that every ERROR/CRITICAL record is also written to,
// alongside the main log rather than instead of it.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is one of a finite, closed set of audit tags.
type EventType string

const (
	EventProofSubmission EventType = "proof_submission"
	EventProofUpload     EventType = "proof_upload"
	EventProofAnchor     EventType = "proof_anchor"
	EventProofError      EventType = "proof_error"
	EventAnchorError     EventType = "anchor_error"
	EventElderSignature  EventType = "elder_signature"
	EventConsentCreated  EventType = "consent_created"
	EventConsentValidated EventType = "consent_validated"
	EventConsentRevoked  EventType = "consent_revoked"
	EventSystemStartup   EventType = "system_startup"
	EventSystemShutdown  EventType = "system_shutdown"
	EventSecurityEvent   EventType = "security_event"
)

// Event is one audit record.
type Event struct {
	EventID   string                 `json:"event_id"`
	EventType EventType              `json:"event_type"`
	Timestamp int64                  `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
}

// Filter narrows a Query call. Zero values mean "unconstrained".
type Filter struct {
	TimeLo    int64
	TimeHi    int64
	EventType EventType
	UserID    string
}

// Stats is the output of the statistics aggregator.
type Stats struct {
	CountsByType map[EventType]int
	UniqueUsers  int
}

// Log is the append-only Audit Log: one JSON object per line, flushed
// promptly rather than buffered indefinitely. Every event is written to
// audit.log; events at error severity are additionally mirrored to
// errors.log.
type Log struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	writer    *bufio.Writer
	errPath   string
	errFile   *os.File
	errWriter *bufio.Writer

	// events mirrors audit.log's contents in memory to serve Query/Stats
	// without re-reading the file on every call; appended to under mu in
	// lockstep with the on-disk write.
	events []Event

	now func() time.Time
}

// errorSeverity reports whether level is ERROR or CRITICAL (case
// insensitive), the cutoff original_source's error_handler.setLevel(ERROR)
// uses to decide what gets mirrored into errors.log.
func errorSeverity(level string) bool {
	switch strings.ToUpper(level) {
	case "ERROR", "CRITICAL":
		return true
	default:
		return false
	}
}

// Open opens (creating if needed) audit.log and errors.log inside dir, in
// append mode, and replays audit.log's existing contents into memory for
// querying.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}

	path := filepath.Join(dir, "audit.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}

	errPath := filepath.Join(dir, "errors.log")
	errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: open error log: %w", err)
	}

	l := &Log{
		path:      path,
		file:      f,
		writer:    bufio.NewWriter(f),
		errPath:   errPath,
		errFile:   errFile,
		errWriter: bufio.NewWriter(errFile),
		now:       time.Now,
	}
	if err := l.replay(); err != nil {
		f.Close()
		errFile.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return fmt.Errorf("audit: seek log: %w", err)
	}
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("audit: parse log line: %w", err)
		}
		l.events = append(l.events, e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan log: %w", err)
	}
	if _, err := l.file.Seek(0, 2); err != nil {
		return fmt.Errorf("audit: seek to end: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.errWriter.Flush(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	return l.errFile.Close()
}

// Append writes one event to audit.log, assigning EventID/Timestamp if
// unset, and mirrors it to errors.log when its Level is error severity.
func (l *Log) Append(e Event) error {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.now().Unix()
	}
	if e.Level == "" {
		e.Level = "INFO"
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(raw); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("audit: write newline: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("audit: flush event: %w", err)
	}

	if errorSeverity(e.Level) {
		if _, err := l.errWriter.Write(raw); err != nil {
			return fmt.Errorf("audit: write error mirror: %w", err)
		}
		if err := l.errWriter.WriteByte('\n'); err != nil {
			return fmt.Errorf("audit: write error mirror newline: %w", err)
		}
		if err := l.errWriter.Flush(); err != nil {
			return fmt.Errorf("audit: flush error mirror: %w", err)
		}
	}

	l.events = append(l.events, e)
	return nil
}

// Query filters events by time window, event type, and user.
func (l *Log) Query(f Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range l.events {
		if f.TimeLo != 0 && e.Timestamp < f.TimeLo {
			continue
		}
		if f.TimeHi != 0 && e.Timestamp > f.TimeHi {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Stats aggregates counts per event_type and unique user count over the
// given time window (TimeLo/TimeHi from f; EventType/UserID ignored).
func (l *Log) Stats(f Filter) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[EventType]int)
	users := make(map[string]struct{})
	for _, e := range l.events {
		if f.TimeLo != 0 && e.Timestamp < f.TimeLo {
			continue
		}
		if f.TimeHi != 0 && e.Timestamp > f.TimeHi {
			continue
		}
		counts[e.EventType]++
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
	}
	return Stats{CountsByType: counts, UniqueUsers: len(users)}
}
