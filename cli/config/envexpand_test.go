package config

import "testing"

func TestExpandEnv(t *testing.T) {
	t.Setenv("THEORY_SET", "value")
	t.Setenv("THEORY_EMPTY", "")

	tests := []struct {
		name, in, want string
	}{
		{"set var", "${THEORY_SET}", "value"},
		{"unset var", "${THEORY_UNSET}", ""},
		{"empty var no default", "${THEORY_EMPTY}", ""},
		{"unset with default", "${THEORY_UNSET:-fallback}", "fallback"},
		{"empty with default", "${THEORY_EMPTY:-fallback}", "fallback"},
		{"set ignores default", "${THEORY_SET:-fallback}", "value"},
		{"embedded", "redis://${THEORY_SET}:6379", "redis://value:6379"},
		{"no pattern", "plain text $NOT_EXPANDED", "plain text $NOT_EXPANDED"},
		{"multiple", "${THEORY_SET}/${THEORY_UNSET:-x}", "value/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnv(tt.in); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
