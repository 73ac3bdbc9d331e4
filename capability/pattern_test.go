package capability

import (
	"reflect"
	"testing"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		// Exact names match literally.
		{"math.add", "math.add", true},
		{"math.add", "math.sub", false},
		{"math.add", "math.add.extra", false},
		{"math.add", "Math.add", false},

		// Single-segment wildcard stops at dot boundaries.
		{"math.*", "math.add", true},
		{"math.*", "math.sub", true},
		{"math.*", "math.trig.sin", false},
		{"math.*", "math", false},
		{"math.*", "mathx.add", false},

		// Recursive wildcard crosses namespace levels.
		{"math.**", "math.add", true},
		{"math.**", "math.trig.sin", true},
		{"math.**", "other.add", false},
		{"**", "anything.at.all", true},
		{"**", "single", true},

		// Prefix and interior recursive forms.
		{"**.save", "game.save", true},
		{"**.save", "game.world.save", true},
		{"**.save", "game.load", false},
		{"game.**.save", "game.save", true},
		{"game.**.save", "game.world.save", true},
		{"game.**.save", "game.world.deep.save", true},
		{"game.**.save", "ui.world.save", false},

		// Character wildcards within a segment.
		{"ui.display_?ext", "ui.display_text", true},
		{"ui.dis*", "ui.display_text", true},
		{"ui.dis*", "ui.display.text", false},

		// Malformed patterns deny.
		{"math.[add", "math.add", false},
		{"math.add/extra", "math.add", false},

		// Names with slashes never match.
		{"math.*", "math/add", false},
	}

	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	t.Parallel()

	if MatchAny(nil, "math.add") {
		t.Error("empty pattern set must default-deny")
	}
	if MatchAny([]string{}, "math.add") {
		t.Error("empty pattern set must default-deny")
	}
	if !MatchAny([]string{"ui.*", "math.*"}, "math.add") {
		t.Error("expected second pattern to match")
	}
	if MatchAny([]string{"ui.*", "game.*"}, "math.add") {
		t.Error("no pattern should match")
	}
}

func TestNarrow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		requested []string
		declared  []string
		want      []string
	}{
		{
			name:      "wildcard narrows to declared names",
			requested: []string{"ui.*"},
			declared:  []string{"ui.display_text"},
			want:      []string{"ui.display_text"},
		},
		{
			name:      "no overlap yields empty set",
			requested: []string{"game.load_state"},
			declared:  []string{"ui.display_text"},
			want:      []string{},
		},
		{
			name:      "partial overlap keeps declaration order",
			requested: []string{"math.*", "ui.display_text"},
			declared:  []string{"ui.display_text", "math.add", "math.sub", "game.save"},
			want:      []string{"ui.display_text", "math.add", "math.sub"},
		},
		{
			name:      "duplicate declarations collapse",
			requested: []string{"**"},
			declared:  []string{"ui.show", "ui.show"},
			want:      []string{"ui.show"},
		},
		{
			name:      "empty request grants nothing",
			requested: nil,
			declared:  []string{"ui.display_text"},
			want:      []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Narrow(tt.requested, tt.declared)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Narrow(%v, %v) = %v, want %v", tt.requested, tt.declared, got, tt.want)
			}
		})
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	valid := []string{"math.add", "math.*", "math.**", "**", "ui.display_?ext", "game.**.save"}
	for _, p := range valid {
		if !Valid(p) {
			t.Errorf("Valid(%q) = false, want true", p)
		}
	}

	invalid := []string{"", "math.[add", "math/add"}
	for _, p := range invalid {
		if Valid(p) {
			t.Errorf("Valid(%q) = true, want false", p)
		}
	}
}
