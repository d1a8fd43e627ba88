package config

import (
	"os"
	"testing"
)

func TestGetEnvDefault(t *testing.T) {
	os.Unsetenv("GROUNDLINK_NONEXISTENT")
	if got := getEnv("GROUNDLINK_NONEXISTENT", "default"); got != "default" {
		t.Errorf("expected default value, got %s", got)
	}
}

func TestGetEnvFromEnvironment(t *testing.T) {
	os.Setenv("GROUNDLINK_TEST_VAR", "test_value")
	defer os.Unsetenv("GROUNDLINK_TEST_VAR")

	if got := getEnv("GROUNDLINK_TEST_VAR", "default"); got != "test_value" {
		t.Errorf("expected test_value, got %s", got)
	}
}

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"stun:a:3478", []string{"stun:a:3478"}},
		{"stun:a:3478, turn:b:3478 ,turn:c:3478", []string{"stun:a:3478", "turn:b:3478", "turn:c:3478"}},
	}
	for _, tc := range cases {
		got := splitCSV(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("splitCSV(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("splitCSV(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestSecondsParsesDurations(t *testing.T) {
	if got := seconds("60"); got.Seconds() != 60 {
		t.Fatalf("expected 60s, got %v", got)
	}
	if got := seconds("not-a-number"); got != 0 {
		t.Fatalf("expected 0 on parse failure, got %v", got)
	}
}
