package model

import "testing"

func TestNewProfileInitializesAllChecksToCheck(t *testing.T) {
	p := NewProfile("1", "alice", 1000)
	if len(p.Checks) != len(AllChecks) {
		t.Fatalf("expected %d checks, got %d", len(AllChecks), len(p.Checks))
	}
	for _, c := range AllChecks {
		if p.Checks[c] != StatusToCheck {
			t.Errorf("check %s: expected to_check, got %s", c, p.Checks[c])
		}
	}
}

func TestAllChecksPassed(t *testing.T) {
	p := NewProfile("1", "alice", 1000)
	if p.AllChecksPassed() {
		t.Fatal("fresh profile should not be all-passed")
	}
	for _, c := range AllChecks {
		p.Checks[c] = StatusPassed
	}
	if !p.AllChecksPassed() {
		t.Fatal("expected all-passed once every check is passed")
	}
}

func TestHasFailed(t *testing.T) {
	p := NewProfile("1", "alice", 1000)
	if p.HasFailed() {
		t.Fatal("fresh profile should not have failed")
	}
	p.Checks[AllChecks[0]] = StatusFailed
	if !p.HasFailed() {
		t.Fatal("expected HasFailed once any check fails")
	}
}

func TestAllChecksTerminal(t *testing.T) {
	p := NewProfile("1", "alice", 1000)
	if p.AllChecksTerminal() {
		t.Fatal("fresh profile with to_check entries should not be terminal")
	}
	for i, c := range AllChecks {
		if i%2 == 0 {
			p.Checks[c] = StatusPassed
		} else {
			p.Checks[c] = StatusFailed
		}
	}
	if !p.AllChecksTerminal() {
		t.Fatal("expected terminal once every check is passed or failed")
	}
	p.Checks[AllChecks[0]] = StatusDeferred
	if p.AllChecksTerminal() {
		t.Fatal("a deferred check is not terminal")
	}
}
