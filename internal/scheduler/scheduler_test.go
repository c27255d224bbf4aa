package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/joestump/profile-gate/internal/model"
	"github.com/joestump/profile-gate/internal/queue"
)

type fakeValidator struct {
	results map[model.CheckName]model.CheckResult
}

func newPassingValidator() *fakeValidator {
	v := &fakeValidator{results: make(map[model.CheckName]model.CheckResult)}
	for _, c := range model.AllChecks {
		v.results[c] = model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: true}
	}
	return v
}

func (v *fakeValidator) CheckAnimatedAvatar(ctx context.Context, id string) model.CheckResult {
	return v.results[model.CheckAnimatedAvatar]
}
func (v *fakeValidator) CheckAvatarFrame(ctx context.Context, id string) model.CheckResult {
	return v.results[model.CheckAvatarFrame]
}
func (v *fakeValidator) CheckMiniProfileBackground(ctx context.Context, id string) model.CheckResult {
	return v.results[model.CheckMiniProfileBackground]
}
func (v *fakeValidator) CheckProfileBackground(ctx context.Context, id string) model.CheckResult {
	return v.results[model.CheckProfileBackground]
}
func (v *fakeValidator) CheckSteamLevel(ctx context.Context, id string) model.CheckResult {
	return v.results[model.CheckSteamLevel]
}
func (v *fakeValidator) CheckFriends(ctx context.Context, id string) model.CheckResult {
	return v.results[model.CheckFriends]
}
func (v *fakeValidator) CheckCSGOInventory(ctx context.Context, id string) model.CheckResult {
	return v.results[model.CheckCSGOInventory]
}

type fakeCleanup struct{}

func (fakeCleanup) CleanupExpired() (int, error) { return 0, nil }

type fakeAvailability struct{ available bool }

func (f *fakeAvailability) AnyAvailableFor(model.EndpointClass, []int) bool { return f.available }
func (f *fakeAvailability) ConnectionIndices() []int                       { return []int{0} }

type fakeAudit struct {
	schedulerCalls   int
	submissionCalls  int
	lastSubmitOK     bool
}

func (f *fakeAudit) RecordScheduler(string, string)                { f.schedulerCalls++ }
func (f *fakeAudit) RecordSubmission(_ string, success bool, _ string) {
	f.submissionCalls++
	f.lastSubmitOK = success
}

func newTestScheduler(t *testing.T, v Validator) (*Scheduler, *queue.Store) {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.Open(filepath.Join(dir, "profiles_queue.json"), queue.DefaultLockOptions)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	s := New(q, v, fakeCleanup{}, &fakeAvailability{available: true}, Timing{}, "", "", &fakeAudit{})
	return s, q
}

func TestRunChecksStopsOnFirstFailure(t *testing.T) {
	ctx := context.Background()
	v := newPassingValidator()
	v.results[model.CheckSteamLevel] = model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: false}

	s, q := newTestScheduler(t, v)
	if _, err := q.Add(ctx, "1", "alice"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	profile, err := q.NextProcessable(ctx)
	if err != nil || profile == nil {
		t.Fatalf("NextProcessable: %v, %+v", err, profile)
	}

	s.runChecks(ctx, *profile)

	profiles, err := q.ByID(ctx)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	got := profiles[0].Checks[model.CheckSteamLevel]
	if got != model.StatusFailed {
		t.Fatalf("expected steam_level to be failed, got %s", got)
	}
	// Checks after steam_level in order should not have been attempted.
	idx := -1
	for i, c := range model.AllChecks {
		if c == model.CheckSteamLevel {
			idx = i
		}
	}
	for _, c := range model.AllChecks[idx+1:] {
		if profiles[0].Checks[c] != model.StatusToCheck {
			t.Fatalf("expected check %s to remain untouched after an earlier failure, got %s", c, profiles[0].Checks[c])
		}
	}
}

func TestRunChecksSkipsFriendsAndInventoryWhenPrivate(t *testing.T) {
	ctx := context.Background()
	v := newPassingValidator()
	s, q := newTestScheduler(t, v)

	if _, err := q.Add(ctx, "1", "alice"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.SetPrivate(ctx, "1"); err != nil {
		t.Fatalf("SetPrivate: %v", err)
	}
	profile, err := q.NextProcessable(ctx)
	if err != nil || profile == nil {
		t.Fatalf("NextProcessable: %v, %+v", err, profile)
	}

	s.runChecks(ctx, *profile)

	profiles, err := q.ByID(ctx)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if profiles[0].Checks[model.CheckFriends] != model.StatusPassed {
		t.Fatalf("expected friends to pass without dispatch for a private profile, got %s", profiles[0].Checks[model.CheckFriends])
	}
	if profiles[0].Checks[model.CheckCSGOInventory] != model.StatusPassed {
		t.Fatalf("expected csgo_inventory to pass without dispatch for a private profile, got %s", profiles[0].Checks[model.CheckCSGOInventory])
	}
}

func TestRunChecksMarksDeferredOnTransportError(t *testing.T) {
	ctx := context.Background()
	v := newPassingValidator()
	v.results[model.CheckFriends] = model.CheckResult{Outcome: model.CheckOutcomeTransportError, Details: "dial failed"}

	s, q := newTestScheduler(t, v)
	if _, err := q.Add(ctx, "1", "alice"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	profile, err := q.NextProcessable(ctx)
	if err != nil || profile == nil {
		t.Fatalf("NextProcessable: %v, %+v", err, profile)
	}

	s.runChecks(ctx, *profile)

	profiles, err := q.ByID(ctx)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if profiles[0].Checks[model.CheckFriends] != model.StatusDeferred {
		t.Fatalf("expected friends to be deferred after a transport error, got %s", profiles[0].Checks[model.CheckFriends])
	}
	s.mu.Lock()
	_, tracked := s.deferred[deferredKey{"1", model.CheckFriends}]
	s.mu.Unlock()
	if !tracked {
		t.Fatal("expected the deferred check to be tracked for reactivation")
	}
}

func TestSeedDeferredSetScansExistingQueue(t *testing.T) {
	ctx := context.Background()
	v := newPassingValidator()
	s, q := newTestScheduler(t, v)

	if _, err := q.Add(ctx, "1", "alice"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := q.UpdateCheck(ctx, "1", model.CheckFriends, model.StatusDeferred); err != nil {
		t.Fatalf("UpdateCheck: %v", err)
	}

	if err := s.SeedDeferredSet(ctx); err != nil {
		t.Fatalf("SeedDeferredSet: %v", err)
	}

	s.mu.Lock()
	_, tracked := s.deferred[deferredKey{"1", model.CheckFriends}]
	s.mu.Unlock()
	if !tracked {
		t.Fatal("expected SeedDeferredSet to recover deferred checks from the queue")
	}
}
