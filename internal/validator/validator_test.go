package validator

import (
	"context"
	"testing"

	"github.com/joestump/profile-gate/internal/model"
)

type fakeRequester struct {
	outcome model.Outcome
	gotURL  string
}

func (f *fakeRequester) Request(ctx context.Context, url string) model.Outcome {
	f.gotURL = url
	return f.outcome
}

func TestSimpleFieldCheckPassesOnEmptyField(t *testing.T) {
	fr := &fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Body: []byte(`{"avatar":""}`)}}
	v := New(fr, "https://api.example/ISteamUser", "key")

	result := v.CheckAnimatedAvatar(context.Background(), "1")
	if result.Outcome != model.CheckOutcomeSuccess || !result.Passed {
		t.Fatalf("expected a passing success result, got %+v", result)
	}
}

func TestSimpleFieldCheckFailsOnPresentField(t *testing.T) {
	fr := &fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Body: []byte(`{"avatar":"https://example/a.gif"}`)}}
	v := New(fr, "https://api.example/ISteamUser", "key")

	result := v.CheckAnimatedAvatar(context.Background(), "1")
	if result.Outcome != model.CheckOutcomeSuccess || result.Passed {
		t.Fatalf("expected a failing success result, got %+v", result)
	}
}

func TestSimpleFieldCheckPrivateAlwaysPasses(t *testing.T) {
	fr := &fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Private: true}}
	v := New(fr, "https://api.example/ISteamUser", "key")

	result := v.CheckAvatarFrame(context.Background(), "1")
	if result.Outcome != model.CheckOutcomeSuccess || !result.Passed {
		t.Fatalf("expected a private profile to pass, got %+v", result)
	}
}

func TestCheckSteamLevelEmptyBodyIsPrivate(t *testing.T) {
	fr := &fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Body: []byte(``)}}
	v := New(fr, "https://api.example/ISteamUser", "key")

	result := v.CheckSteamLevel(context.Background(), "1")
	if !result.Passed || result.Details != "private" {
		t.Fatalf("expected private pass, got %+v", result)
	}
}

func TestCheckSteamLevelThreshold(t *testing.T) {
	v := New(&fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Body: []byte(`{"player_level":13}`)}}, "https://api.example/ISteamUser", "key")
	if result := v.CheckSteamLevel(context.Background(), "1"); !result.Passed {
		t.Fatalf("expected level 13 to pass, got %+v", result)
	}

	v = New(&fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Body: []byte(`{"player_level":14}`)}}, "https://api.example/ISteamUser", "key")
	if result := v.CheckSteamLevel(context.Background(), "1"); result.Passed {
		t.Fatalf("expected level 14 to fail, got %+v", result)
	}
}

func TestCheckFriendsThreshold(t *testing.T) {
	friends := `{"friends":[`
	for i := 0; i < 61; i++ {
		if i > 0 {
			friends += ","
		}
		friends += `{"steamid":"x"}`
	}
	friends += `]}`

	v := New(&fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Body: []byte(friends)}}, "https://api.example/ISteamUser", "key")
	result := v.CheckFriends(context.Background(), "1")
	if result.Passed {
		t.Fatalf("expected 61 friends to fail the check, got %+v", result)
	}
}

func TestCheckCSGOInventoryEmptyBodyPasses(t *testing.T) {
	v := New(&fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Body: nil}}, "https://api.example/ISteamUser", "key")
	result := v.CheckCSGOInventory(context.Background(), "1")
	if !result.Passed {
		t.Fatalf("expected an empty inventory body to pass, got %+v", result)
	}
}

func TestCheckCSGOInventoryWithItemsFails(t *testing.T) {
	v := New(&fakeRequester{outcome: model.Outcome{Kind: model.OutcomeOK, Body: []byte(`{"items":[{"id":1},{"id":2}]}`)}}, "https://api.example/ISteamUser", "key")
	result := v.CheckCSGOInventory(context.Background(), "1")
	if result.Passed {
		t.Fatalf("expected a non-empty inventory to fail, got %+v", result)
	}
}

func TestDeferredOutcomePropagates(t *testing.T) {
	fr := &fakeRequester{outcome: model.Outcome{Kind: model.OutcomeDeferred, WaitMS: 5000}}
	v := New(fr, "https://api.example/ISteamUser", "key")

	result := v.CheckAnimatedAvatar(context.Background(), "1")
	if result.Outcome != model.CheckOutcomeDeferred || result.DeferredWaitMS != 5000 {
		t.Fatalf("expected deferred propagation, got %+v", result)
	}
}
