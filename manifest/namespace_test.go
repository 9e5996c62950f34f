package manifest

import "testing"

func TestPackageName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"weapons", "Weapons"},
		{"ai-core.spk", "AiCore"},
		{"ai_core", "AiCore"},
		{"myGame", "MyGame"},
		{"mods/extra.spk", "Extra"},
		{"Engine", "Engine"},
		{"", ""},
		{"_leading", "Leading"},
	}

	for _, tc := range tests {
		got := PackageName(tc.input)
		if got != tc.want {
			t.Errorf("PackageName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestIsReservedPackage(t *testing.T) {
	for _, name := range []string{"Core", "core", "None"} {
		if !IsReservedPackage(name) {
			t.Errorf("IsReservedPackage(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"Engine", "CoreGame"} {
		if IsReservedPackage(name) {
			t.Errorf("IsReservedPackage(%q) = true, want false", name)
		}
	}
}
