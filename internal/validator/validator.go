// Package validator translates each profile check into an upstream call and
// interprets the response, including the semantically significant "private"
// statuses, returning a tri-valued verdict for the scheduler.
package validator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joestump/profile-gate/internal/model"
)

// Requester is the subset of the Dispatcher the Validator needs.
type Requester interface {
	Request(ctx context.Context, url string) model.Outcome
}

// Validator is the Validator service. baseUpstreamURL is the upstream API
// root; each check appends a path segment whose name matches the
// substring table the Dispatcher uses to classify endpoint class, and an
// inventory URL template for the community inventory endpoint.
type Validator struct {
	dispatcher      Requester
	baseUpstreamURL string
	apiKey          string
}

// New builds a Validator bound to baseUpstreamURL (e.g. a Steam-like web
// API root) with apiKey appended to every call.
func New(dispatcher Requester, baseUpstreamURL, apiKey string) *Validator {
	return &Validator{dispatcher: dispatcher, baseUpstreamURL: baseUpstreamURL, apiKey: apiKey}
}

func (v *Validator) url(method, steamID string) string {
	return fmt.Sprintf("%s/%s/v1/?key=%s&steamid=%s", v.baseUpstreamURL, method, v.apiKey, steamID)
}

func (v *Validator) inventoryURL(steamID string) string {
	return fmt.Sprintf("%s/inventory/%s/730/2?l=english&count=1", v.baseUpstreamURL, steamID)
}

// permissive is the dynamic-response-shape tree: upstream bodies are
// heterogeneous, so every check shape-checks this generic map rather than
// unmarshaling into a fixed struct.
type permissive map[string]any

func parsePermissive(body []byte) (permissive, bool) {
	if len(body) == 0 {
		return permissive{}, true
	}
	var p permissive
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false
	}
	return p, true
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

func fromOutcome(o model.Outcome) (model.CheckResult, bool) {
	switch o.Kind {
	case model.OutcomeDeferred:
		return model.CheckResult{Outcome: model.CheckOutcomeDeferred, DeferredWaitMS: o.WaitMS}, false
	case model.OutcomeFailed:
		return model.CheckResult{Outcome: model.CheckOutcomeTransportError, Details: o.FailMessage}, false
	default:
		return model.CheckResult{}, true
	}
}

func (v *Validator) simpleFieldCheck(ctx context.Context, method, field, steamID string) model.CheckResult {
	outcome := v.dispatcher.Request(ctx, v.url(method, steamID))
	if result, ok := fromOutcome(outcome); !ok {
		return result
	}
	if outcome.Private {
		return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: true, Details: "private"}
	}
	body, ok := parsePermissive(outcome.Body)
	if !ok {
		return model.CheckResult{Outcome: model.CheckOutcomeTransportError, Details: "unparseable response body"}
	}
	value, present := body[field]
	passed := present && isEmptyValue(value)
	return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: passed}
}

// CheckAnimatedAvatar passes when the response has an empty avatar field.
func (v *Validator) CheckAnimatedAvatar(ctx context.Context, steamID string) model.CheckResult {
	return v.simpleFieldCheck(ctx, "GetAnimatedAvatar", "avatar", steamID)
}

// CheckAvatarFrame passes when the response has an empty avatar_frame field.
func (v *Validator) CheckAvatarFrame(ctx context.Context, steamID string) model.CheckResult {
	return v.simpleFieldCheck(ctx, "GetAvatarFrame", "avatar_frame", steamID)
}

// CheckMiniProfileBackground passes when profile_background is empty.
func (v *Validator) CheckMiniProfileBackground(ctx context.Context, steamID string) model.CheckResult {
	return v.simpleFieldCheck(ctx, "GetMiniProfileBackground", "profile_background", steamID)
}

// CheckProfileBackground passes when profile_background is empty.
func (v *Validator) CheckProfileBackground(ctx context.Context, steamID string) model.CheckResult {
	return v.simpleFieldCheck(ctx, "GetProfileBackground", "profile_background", steamID)
}

// CheckSteamLevel passes when the response is empty (private profile) or
// player_level is at most 13. A private result also sets Details to
// "private" so the scheduler can short-circuit friends/csgo_inventory.
func (v *Validator) CheckSteamLevel(ctx context.Context, steamID string) model.CheckResult {
	outcome := v.dispatcher.Request(ctx, v.url("GetSteamLevel", steamID))
	if result, ok := fromOutcome(outcome); !ok {
		return result
	}
	body, ok := parsePermissive(outcome.Body)
	if !ok {
		return model.CheckResult{Outcome: model.CheckOutcomeTransportError, Details: "unparseable response body"}
	}
	if len(body) == 0 {
		return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: true, Details: "private"}
	}
	level, _ := toFloat(body["player_level"])
	return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: level <= 13}
}

// CheckFriends passes on a private (401) friend list, or when the friends
// list has at most 60 entries.
func (v *Validator) CheckFriends(ctx context.Context, steamID string) model.CheckResult {
	outcome := v.dispatcher.Request(ctx, v.url("GetFriendList", steamID))
	if result, ok := fromOutcome(outcome); !ok {
		return result
	}
	if outcome.Private {
		return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: true, Details: "private"}
	}
	body, ok := parsePermissive(outcome.Body)
	if !ok {
		return model.CheckResult{Outcome: model.CheckOutcomeTransportError, Details: "unparseable response body"}
	}
	friends, _ := body["friends"].([]any)
	return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: len(friends) <= 60, Details: fmt.Sprintf("%d friends", len(friends))}
}

// CheckCSGOInventory passes on an empty inventory body or a private (401/403)
// response; otherwise fails, reporting the item count.
func (v *Validator) CheckCSGOInventory(ctx context.Context, steamID string) model.CheckResult {
	outcome := v.dispatcher.Request(ctx, v.inventoryURL(steamID))
	if result, ok := fromOutcome(outcome); !ok {
		return result
	}
	if outcome.Private {
		return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: true, Details: "private"}
	}
	if len(outcome.Body) == 0 {
		return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: true}
	}
	body, ok := parsePermissive(outcome.Body)
	if !ok {
		return model.CheckResult{Outcome: model.CheckOutcomeTransportError, Details: "unparseable response body"}
	}
	if len(body) == 0 {
		return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: true}
	}
	items, _ := body["items"].([]any)
	return model.CheckResult{Outcome: model.CheckOutcomeSuccess, Passed: false, Details: fmt.Sprintf("%d items", len(items))}
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
