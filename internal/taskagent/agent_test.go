package taskagent

import "testing"

func TestResolveFieldPlainValue(t *testing.T) {
	cfg := TaskConfig{"log": "a.log b.log"}
	got := resolveField("log", cfg)
	want := []string{"a.log", "b.log"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveFieldDirectiveAppliesRulesAndSplits(t *testing.T) {
	cfg := TaskConfig{
		"input":  "in/foo.in bar.in",
		"output": "{input:.in=>.out}",
	}
	got := resolveField("output", cfg)
	want := []string{"in/foo.out", "bar.out"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSubstituteArgsExpandsPlaceholders(t *testing.T) {
	cfg := TaskConfig{"mode": "fast", "threads": "4"}
	got := substituteArgs("--mode={mode} --threads={threads}", cfg)
	want := "--mode=fast --threads=4"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstituteArgsLeavesUnknownKeysEmpty(t *testing.T) {
	got := substituteArgs("--x={missing}", TaskConfig{})
	if got != "--x=" {
		t.Errorf("expected empty expansion for missing key, got %q", got)
	}
}
