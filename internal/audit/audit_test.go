package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAndQueryByType(t *testing.T) {
	l := newTestLog(t)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	if err := l.Append(Event{EventType: EventProofSubmission, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Event{EventType: EventConsentCreated, UserID: "bob"}); err != nil {
		t.Fatal(err)
	}

	got := l.Query(Filter{EventType: EventProofSubmission})
	if len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("expected 1 proof_submission event for alice, got %+v", got)
	}
}

func TestQueryByUserAndTimeWindow(t *testing.T) {
	l := newTestLog(t)
	l.now = func() time.Time { return time.Unix(100, 0) }
	_ = l.Append(Event{EventType: EventProofUpload, UserID: "alice"})
	l.now = func() time.Time { return time.Unix(200, 0) }
	_ = l.Append(Event{EventType: EventProofUpload, UserID: "alice"})
	l.now = func() time.Time { return time.Unix(300, 0) }
	_ = l.Append(Event{EventType: EventProofUpload, UserID: "bob"})

	got := l.Query(Filter{UserID: "alice", TimeLo: 150})
	if len(got) != 1 || got[0].Timestamp != 200 {
		t.Fatalf("expected single alice event at t=200, got %+v", got)
	}
}

func TestStatsAggregatesCountsAndUniqueUsers(t *testing.T) {
	l := newTestLog(t)
	_ = l.Append(Event{EventType: EventProofSubmission, UserID: "alice"})
	_ = l.Append(Event{EventType: EventProofSubmission, UserID: "bob"})
	_ = l.Append(Event{EventType: EventProofError, UserID: "alice"})

	stats := l.Stats(Filter{})
	if stats.CountsByType[EventProofSubmission] != 2 {
		t.Fatalf("expected 2 proof_submission events, got %d", stats.CountsByType[EventProofSubmission])
	}
	if stats.UniqueUsers != 2 {
		t.Fatalf("expected 2 unique users, got %d", stats.UniqueUsers)
	}
}

func TestAppendAssignsIDAndDefaults(t *testing.T) {
	l := newTestLog(t)
	if err := l.Append(Event{EventType: EventSystemStartup}); err != nil {
		t.Fatal(err)
	}
	got := l.Query(Filter{EventType: EventSystemStartup})
	if len(got) != 1 || got[0].EventID == "" || got[0].Timestamp == 0 || got[0].Level != "INFO" {
		t.Fatalf("expected defaults applied, got %+v", got)
	}
}

func TestReopenReplaysExistingEvents(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = l1.Append(Event{EventType: EventProofSubmission, UserID: "alice"})
	if err := l1.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	got := l2.Query(Filter{})
	if len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("expected replayed event from prior session, got %+v", got)
	}
}

func TestAppendMirrorsErrorSeverityToErrorsLog(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Append(Event{EventType: EventProofSubmission, Level: "INFO", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Event{EventType: EventAnchorError, Level: "ERROR", UserID: "bob", Message: "submit failed"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(Event{EventType: EventSecurityEvent, Level: "CRITICAL", UserID: "carol", Message: "mac failure"}); err != nil {
		t.Fatal(err)
	}
	if err := l.writer.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := l.errWriter.Flush(); err != nil {
		t.Fatal(err)
	}

	auditBytes, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	if lines := countLines(auditBytes); lines != 3 {
		t.Fatalf("expected 3 lines in audit.log, got %d", lines)
	}

	errBytes, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	if err != nil {
		t.Fatal(err)
	}
	if lines := countLines(errBytes); lines != 2 {
		t.Fatalf("expected 2 lines in errors.log, got %d", lines)
	}
	if strings.Contains(string(errBytes), "alice") {
		t.Fatal("expected INFO event not to be mirrored into errors.log")
	}
}

func countLines(b []byte) int {
	s := strings.TrimRight(string(b), "\n")
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}
