package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/koojai/pkg/memory"
)

func TestPriorContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unknown user has no context", func(t *testing.T) {
		t.Parallel()
		s := memory.NewMemStore()
		got, err := s.PriorContext(ctx, "u1")
		if err != nil {
			t.Fatalf("PriorContext: %v", err)
		}
		if got != "" {
			t.Fatalf("PriorContext = %q, want empty", got)
		}
	})

	t.Run("latest non-empty memory wins", func(t *testing.T) {
		t.Parallel()
		s := memory.NewMemStore()
		_, _ = s.SaveReport(ctx, "u1", memory.Report{MemoryForNextSession: "exam tomorrow"})
		_, _ = s.SaveReport(ctx, "u1", memory.Report{MemoryForNextSession: "fight with a friend"})
		_, _ = s.SaveReport(ctx, "u1", memory.Report{})
		_, _ = s.SaveReport(ctx, "u2", memory.Report{MemoryForNextSession: "other user"})

		got, err := s.PriorContext(ctx, "u1")
		if err != nil {
			t.Fatalf("PriorContext: %v", err)
		}
		if got != "fight with a friend" {
			t.Fatalf("PriorContext = %q, want %q", got, "fight with a friend")
		}
	})

	t.Run("empty user id", func(t *testing.T) {
		t.Parallel()
		s := memory.NewMemStore()
		if _, err := s.PriorContext(ctx, ""); !errors.Is(err, memory.ErrEmptyUserID) {
			t.Fatalf("expected ErrEmptyUserID, got %v", err)
		}
	})
}

func TestSaveReport_AssignsFields(t *testing.T) {
	t.Parallel()

	s := memory.NewMemStore()
	got, err := s.SaveReport(context.Background(), "u1", memory.Report{UserID: "spoofed", Severity: memory.SeverityLow})
	if err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if got.ID == "" {
		t.Error("expected generated ID")
	}
	if got.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", got.UserID)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestReports_NewestFirstWithLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewMemStore()
	for _, sum := range []string{"a", "b", "c"} {
		if _, err := s.SaveReport(ctx, "u1", memory.Report{Summary: sum}); err != nil {
			t.Fatalf("SaveReport: %v", err)
		}
	}

	all, err := s.Reports(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if len(all) != 3 || all[0].Summary != "c" || all[2].Summary != "a" {
		t.Fatalf("Reports = %+v, want c,b,a", all)
	}

	two, _ := s.Reports(ctx, "u1", 2)
	if len(two) != 2 || two[1].Summary != "b" {
		t.Fatalf("Reports(limit 2) = %+v", two)
	}
}

func TestMemStore_ZeroValue(t *testing.T) {
	t.Parallel()

	var s memory.MemStore
	if _, err := s.SaveReport(context.Background(), "u1", memory.Report{MemoryForNextSession: "x"}); err != nil {
		t.Fatalf("SaveReport on zero value: %v", err)
	}
	if got, _ := s.PriorContext(context.Background(), "u1"); got != "x" {
		t.Fatalf("PriorContext = %q, want x", got)
	}
}

func TestMemStore_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewMemStore()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.SaveReport(ctx, "u1", memory.Report{MemoryForNextSession: "m"})
		}()
		go func() {
			defer wg.Done()
			_, _ = s.PriorContext(ctx, "u1")
		}()
	}
	wg.Wait()

	all, _ := s.Reports(ctx, "u1", 0)
	if len(all) != 20 {
		t.Fatalf("Reports = %d, want 20", len(all))
	}
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    memory.Severity
		wantErr bool
		notify  bool
	}{
		{"NONE", memory.SeverityNone, false, false},
		{" low ", memory.SeverityLow, false, false},
		{"Medium", memory.SeverityMedium, false, false},
		{"HIGH", memory.SeverityHigh, false, true},
		{"critical", memory.SeverityCritical, false, true},
		{"SEVERE", "", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := memory.ParseSeverity(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if got.Notify() != tt.notify {
				t.Errorf("Notify() = %v, want %v", got.Notify(), tt.notify)
			}
		})
	}
}
