package runlog

import (
	"context"
	"testing"
)

func memLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndCount(t *testing.T) {
	l := memLogger(t)
	ctx := context.Background()

	l.Record(ctx, Event{
		Path:       "/data/STUDY1/STUDY1-SUB1-ASMT1-day1to5.csv",
		Study:      "STUDY1",
		Subject:    "SUB1",
		Assessment: "ASMT1",
		Decision:   "first-import",
		Success:    true,
		DurationMS: 12,
	})
	l.Record(ctx, Event{
		Path:     "/data/STUDY1/STUDY1-SUB1-ASMT1-day1to5.csv",
		Decision: "skip",
		Success:  true,
	})

	n, err := l.Count(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	n, err = l.Count(ctx, "first-import")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("first-import count = %d, want 1", n)
	}
}

func TestRecordFailureDoesNotPanic(t *testing.T) {
	l := memLogger(t)
	l.Close()
	// Writes against a closed journal must degrade to a log line only.
	l.Record(context.Background(), Event{Path: "/x", Decision: "skip"})
}
