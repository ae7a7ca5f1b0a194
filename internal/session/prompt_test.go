package session

import "testing"

func TestBuildInstructions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		persona string
		memory  string
		want    string
	}{
		{"memory spliced", "Remember: {{MEMORY_CONTEXT}}.", "exam on Friday", "Remember: exam on Friday."},
		{"empty memory uses fallback", "Remember: {{MEMORY_CONTEXT}}.", "  ", "Remember: first time."},
		{"no placeholder", "Be kind.", "exam on Friday", "Be kind."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildInstructions(tt.persona, tt.memory, "first time"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
