package turnlog_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/attentive-audio/turnstile/internal/turnlog"
)

func TestMemStoreRecentNewestFirst(t *testing.T) {
	t.Parallel()

	s := turnlog.NewMemStore(0)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := s.Record(ctx, turnlog.Record{
			SessionID:   "sess-1",
			Text:        fmt.Sprintf("turn %d", i),
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := s.Recent(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	if recs[0].Text != "turn 2" || recs[2].Text != "turn 0" {
		t.Errorf("order = [%q %q %q], want newest first", recs[0].Text, recs[1].Text, recs[2].Text)
	}
}

func TestMemStoreFiltersBySession(t *testing.T) {
	t.Parallel()

	s := turnlog.NewMemStore(0)
	ctx := context.Background()

	for _, sess := range []string{"a", "b", "a", "b", "a"} {
		if err := s.Record(ctx, turnlog.Record{SessionID: sess, Text: sess}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := s.Recent(ctx, "a", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for _, r := range recs {
		if r.SessionID != "a" {
			t.Errorf("got record for session %q", r.SessionID)
		}
	}
}

func TestMemStoreRespectsLimit(t *testing.T) {
	t.Parallel()

	s := turnlog.NewMemStore(0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Record(ctx, turnlog.Record{SessionID: "s", Text: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := s.Recent(ctx, "s", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].Text != "t4" || recs[1].Text != "t3" {
		t.Errorf("recs = [%q %q], want the two newest", recs[0].Text, recs[1].Text)
	}
}

func TestMemStoreRetainEvictsOldest(t *testing.T) {
	t.Parallel()

	s := turnlog.NewMemStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Record(ctx, turnlog.Record{SessionID: "s", Text: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := s.Recent(ctx, "s", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3 after eviction", len(recs))
	}
	if recs[0].Text != "t4" || recs[2].Text != "t2" {
		t.Errorf("recs = [%q %q %q], want t4..t2", recs[0].Text, recs[1].Text, recs[2].Text)
	}
}

func TestMemStoreUnknownSession(t *testing.T) {
	t.Parallel()

	s := turnlog.NewMemStore(0)
	recs, err := s.Recent(context.Background(), "missing", 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("len = %d, want 0", len(recs))
	}
}
