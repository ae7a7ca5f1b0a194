package transcript

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/koojai/pkg/types"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var n int
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAssembler_Coalescing(t *testing.T) {
	t.Parallel()

	a := NewAssembler(WithClock(fixedClock()))
	a.Add("Hel", types.SpeakerUser)
	a.Add("lo", types.SpeakerUser)
	a.Add("Hi", types.SpeakerAssistant)
	a.Add(" there", types.SpeakerAssistant)
	a.Add("Bye", types.SpeakerUser)

	got := a.Turns()
	want := []struct {
		speaker types.Speaker
		text    string
	}{
		{types.SpeakerUser, "Hello"},
		{types.SpeakerAssistant, "Hi there"},
		{types.SpeakerUser, "Bye"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d turns, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Speaker != w.speaker || got[i].Text != w.text {
			t.Errorf("turn %d = {%v %q}, want {%v %q}", i, got[i].Speaker, got[i].Text, w.speaker, w.text)
		}
	}
	if !got[0].StartedAt.Before(got[1].StartedAt) || !got[1].StartedAt.Before(got[2].StartedAt) {
		t.Error("turns not stamped in arrival order")
	}
}

func TestAssembler_EmptyDeltaDiscarded(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	if a.Add("", types.SpeakerUser) {
		t.Error("empty delta reported as added")
	}
	if a.Len() != 0 {
		t.Fatalf("Len = %d, want 0", a.Len())
	}
	a.Add("a", types.SpeakerUser)
	a.Add("", types.SpeakerAssistant)
	a.Add("b", types.SpeakerUser)
	turns := a.Turns()
	if len(turns) != 1 || turns[0].Text != "ab" {
		t.Errorf("empty assistant delta split the user turn: %+v", turns)
	}
}

func TestAssembler_AppendNeverReplaces(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Add("one", types.SpeakerAssistant)
	first := a.Turns()[0]
	a.Add("two", types.SpeakerAssistant)
	second := a.Turns()[0]
	if second.Text != "onetwo" {
		t.Errorf("Text = %q, want %q", second.Text, "onetwo")
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Error("StartedAt changed on append")
	}
	// Snapshots are independent of later appends.
	if first.Text != "one" {
		t.Errorf("snapshot mutated: %q", first.Text)
	}
}

func TestAssembler_CleanerAppliesToAssistantOnly(t *testing.T) {
	t.Parallel()

	c, err := NewCleaner("Thai", true)
	if err != nil {
		t.Fatalf("NewCleaner: %v", err)
	}
	a := NewAssembler(WithCleaner(c))
	a.Add("**Planning** thinking", types.SpeakerAssistant)
	a.Add("hello", types.SpeakerUser)
	a.Add("ok **Plan** สวัสดี", types.SpeakerAssistant)

	turns := a.Turns()
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2: %+v", len(turns), turns)
	}
	if turns[0].Text != "hello" || turns[0].Speaker != types.SpeakerUser {
		t.Errorf("turn 0 = %+v", turns[0])
	}
	if turns[1].Text != "สวัสดี" {
		t.Errorf("turn 1 text = %q, want %q", turns[1].Text, "สวัสดี")
	}
}

func TestAssembler_Log(t *testing.T) {
	t.Parallel()

	a := NewAssembler(WithLabels("Student", "AI"))
	a.Add("hi", types.SpeakerUser)
	a.Add("hello", types.SpeakerAssistant)
	want := "Student: hi\nAI: hello"
	if got := a.Log(); got != want {
		t.Errorf("Log = %q, want %q", got, want)
	}
	a.Reset()
	if a.Log() != "" {
		t.Errorf("Log after Reset = %q", a.Log())
	}
}

func TestAssembler_ConcurrentAdds(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				a.Add("x", types.SpeakerUser)
			}
		}()
	}
	wg.Wait()
	turns := a.Turns()
	if len(turns) != 1 || len(turns[0].Text) != 800 {
		t.Errorf("got %d turns, text length %d; want 1 turn of 800", len(turns), len(turns[0].Text))
	}
}
