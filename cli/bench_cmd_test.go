package cli

import (
	"errors"
	"testing"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"0", 0},
		{"1024", 1024},
		{"1_000", 1000},
		{"4k", 4096},
		{"4KiB", 4096},
		{"2 MiB", 2 << 20},
		{"3MB", 3_000_000},
		{"1g", 1 << 30},
		{"512b", 512},
	}
	for _, tc := range cases {
		got, err := parseSize(tc.in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "-1", "ten", "1.5MB", "99999999999999999999GiB"} {
		if _, err := parseSize(bad); err == nil {
			t.Fatalf("parseSize(%q) should fail", bad)
		}
	}
}

func TestResolvePlanFromFlags(t *testing.T) {
	opts := &BenchCommandOpts{Size: "1MiB", TCPCount: 3, UDPCount: 0}
	plan, err := resolvePlan(opts, func(string) (string, error) {
		return "", errors.New("prompt should not be called")
	})
	if err != nil {
		t.Fatalf("resolvePlan: %v", err)
	}
	if plan.SizeBytes != 1<<20 || plan.TCPCount != 3 || plan.UDPCount != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestResolvePlanPromptsForMissingValues(t *testing.T) {
	answers := map[string]string{
		"File size in bytes":        "2048",
		"Number of TCP connections": "4",
		"Number of UDP connections": "5",
	}
	var asked []string
	prompt := func(label string) (string, error) {
		asked = append(asked, label)
		return answers[label], nil
	}

	plan, err := resolvePlan(&BenchCommandOpts{TCPCount: -1, UDPCount: -1}, prompt)
	if err != nil {
		t.Fatalf("resolvePlan: %v", err)
	}
	if len(asked) != 3 {
		t.Fatalf("expected 3 prompts, got %v", asked)
	}
	if plan.SizeBytes != 2048 || plan.TCPCount != 4 || plan.UDPCount != 5 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestResolvePlanRejectsBadCounts(t *testing.T) {
	prompt := func(label string) (string, error) { return "-3", nil }
	if _, err := resolvePlan(&BenchCommandOpts{Size: "10", TCPCount: -1, UDPCount: 1}, prompt); err == nil {
		t.Fatal("expected negative prompted count to be rejected")
	}

	prompt = func(label string) (string, error) { return "many", nil }
	if _, err := resolvePlan(&BenchCommandOpts{Size: "10", TCPCount: 1, UDPCount: -1}, prompt); err == nil {
		t.Fatal("expected non-numeric count to be rejected")
	}
}
