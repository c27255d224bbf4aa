// Package scheduler drives each queued profile through its check list,
// honouring per-endpoint cooldowns by deferring work, and forwards
// fully-passed profiles to the downstream ingest API.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/joestump/profile-gate/internal/model"
	"github.com/joestump/profile-gate/internal/queue"
	"github.com/rs/zerolog/log"
)

// Validator is the subset of the Validator service the scheduler drives.
type Validator interface {
	CheckAnimatedAvatar(ctx context.Context, steamID string) model.CheckResult
	CheckAvatarFrame(ctx context.Context, steamID string) model.CheckResult
	CheckMiniProfileBackground(ctx context.Context, steamID string) model.CheckResult
	CheckProfileBackground(ctx context.Context, steamID string) model.CheckResult
	CheckSteamLevel(ctx context.Context, steamID string) model.CheckResult
	CheckFriends(ctx context.Context, steamID string) model.CheckResult
	CheckCSGOInventory(ctx context.Context, steamID string) model.CheckResult
}

// EndpointAvailability reports whether at least one connection is currently
// available for an endpoint class, used by the reactivation loop to decide
// whether to retry a deferred check.
type EndpointAvailability interface {
	AnyAvailableFor(endpoint model.EndpointClass, connIndices []int) bool
	ConnectionIndices() []int
}

// CleanupSource is the subset of the Cooldown Store the reactivation loop
// needs.
type CleanupSource interface {
	CleanupExpired() (int, error)
}

// AuditSink receives best-effort scheduler/submission notifications.
type AuditSink interface {
	RecordScheduler(steamID, detail string)
	RecordSubmission(steamID string, success bool, detail string)
}

// Timing configures loop intervals and delays.
type Timing struct {
	EmptyQueueDelay        time.Duration
	ProcessingDelay        time.Duration
	ReactivationInterval   time.Duration
}

// checkFunc maps a CheckName to its Validator method.
type checkFunc func(v Validator, ctx context.Context, steamID string) model.CheckResult

var checkDispatch = map[model.CheckName]checkFunc{
	model.CheckAnimatedAvatar:        func(v Validator, ctx context.Context, id string) model.CheckResult { return v.CheckAnimatedAvatar(ctx, id) },
	model.CheckAvatarFrame:           func(v Validator, ctx context.Context, id string) model.CheckResult { return v.CheckAvatarFrame(ctx, id) },
	model.CheckMiniProfileBackground: func(v Validator, ctx context.Context, id string) model.CheckResult { return v.CheckMiniProfileBackground(ctx, id) },
	model.CheckProfileBackground:     func(v Validator, ctx context.Context, id string) model.CheckResult { return v.CheckProfileBackground(ctx, id) },
	model.CheckSteamLevel:            func(v Validator, ctx context.Context, id string) model.CheckResult { return v.CheckSteamLevel(ctx, id) },
	model.CheckFriends:               func(v Validator, ctx context.Context, id string) model.CheckResult { return v.CheckFriends(ctx, id) },
	model.CheckCSGOInventory:         func(v Validator, ctx context.Context, id string) model.CheckResult { return v.CheckCSGOInventory(ctx, id) },
}

func endpointForCheck(c model.CheckName) model.EndpointClass {
	switch c {
	case model.CheckAnimatedAvatar:
		return model.EndpointAnimatedAvatar
	case model.CheckAvatarFrame:
		return model.EndpointAvatarFrame
	case model.CheckMiniProfileBackground:
		return model.EndpointMiniProfileBackground
	case model.CheckProfileBackground:
		return model.EndpointProfileBackground
	case model.CheckSteamLevel:
		return model.EndpointSteamLevel
	case model.CheckFriends:
		return model.EndpointFriends
	default:
		return model.EndpointInventory
	}
}

// deferredKey identifies one (steam_id, check) pair pending reactivation.
type deferredKey struct {
	steamID string
	check   model.CheckName
}

// Scheduler is the Check Scheduler service: a single driver loop cooperating
// with a periodic reactivation loop, following the same mutex+running-flag
// reentrancy guard and channel/timer select shape used elsewhere in this
// codebase for single-loop background workers.
type Scheduler struct {
	queue      *queue.Store
	validator  Validator
	cooldowns  CleanupSource
	avail      EndpointAvailability
	timing     Timing
	downstream *downstreamClient
	audit      AuditSink

	mu       sync.Mutex
	running  bool
	deferred map[deferredKey]struct{}
}

// New builds a Scheduler. downstreamURL/downstreamKey configure the ingest
// client used once all seven checks pass.
func New(q *queue.Store, v Validator, cooldowns CleanupSource, avail EndpointAvailability, timing Timing, downstreamURL, downstreamKey string, audit AuditSink) *Scheduler {
	return &Scheduler{
		queue:      q,
		validator:  v,
		cooldowns:  cooldowns,
		avail:      avail,
		timing:     timing,
		downstream: &downstreamClient{url: downstreamURL, apiKey: downstreamKey, client: &http.Client{Timeout: 10 * time.Second}},
		audit:      audit,
		deferred:   make(map[deferredKey]struct{}),
	}
}

// SeedDeferredSet scans the queue for deferred statuses at startup so the
// DeferredSet survives a restart.
func (s *Scheduler) SeedDeferredSet(ctx context.Context) error {
	profiles, err := s.queue.ByID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		for _, c := range model.AllChecks {
			if p.Checks[c] == model.StatusDeferred {
				s.deferred[deferredKey{p.SteamID, c}] = struct{}{}
			}
		}
	}
	return nil
}

// Run starts both the main loop and the reactivation loop, blocking until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.reactivationLoop(ctx)
	s.mainLoop(ctx)
}

func (s *Scheduler) mainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !s.tryEnterMainLoop() {
			time.Sleep(s.timing.ProcessingDelay)
			continue
		}

		processed := s.tick(ctx)
		s.exitMainLoop()

		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.timing.EmptyQueueDelay):
			}
		}
	}
}

func (s *Scheduler) tryEnterMainLoop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) exitMainLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// tick processes one profile and reports whether work was found.
func (s *Scheduler) tick(ctx context.Context) bool {
	profile, err := s.queue.NextProcessable(ctx)
	if err != nil {
		log.Error().Err(err).Msg("next_processable failed")
		return false
	}
	if profile == nil {
		return false
	}

	if profile.AllChecksPassed() {
		s.submit(ctx, *profile)
		return true
	}
	if profile.HasFailed() {
		_ = s.queue.Remove(ctx, profile.SteamID)
		return true
	}

	s.runChecks(ctx, *profile)
	time.Sleep(s.timing.ProcessingDelay)
	return true
}

// runChecks attempts every to_check check on profile in fixed order,
// writing back each verdict. A failure breaks out of the per-profile loop
// immediately; a deferral never blocks the remaining checks.
func (s *Scheduler) runChecks(ctx context.Context, profile model.Profile) {
	for _, name := range model.AllChecks {
		if profile.Checks[name] != model.StatusToCheck {
			continue
		}

		if profile.Private && (name == model.CheckFriends || name == model.CheckCSGOInventory) {
			_, _ = s.queue.UpdateCheck(ctx, profile.SteamID, name, model.StatusPassed)
			continue
		}

		result := checkDispatch[name](s.validator, ctx, profile.SteamID)
		switch result.Outcome {
		case model.CheckOutcomeSuccess:
			if result.Passed {
				_, _ = s.queue.UpdateCheck(ctx, profile.SteamID, name, model.StatusPassed)
				if name == model.CheckSteamLevel && result.Details == "private" {
					_ = s.queue.SetPrivate(ctx, profile.SteamID)
				}
			} else {
				_, _ = s.queue.UpdateCheck(ctx, profile.SteamID, name, model.StatusFailed)
				if s.audit != nil {
					s.audit.RecordScheduler(profile.SteamID, fmt.Sprintf("check %s failed: %s", name, result.Details))
				}
				return
			}
		case model.CheckOutcomeDeferred:
			_, _ = s.queue.UpdateCheck(ctx, profile.SteamID, name, model.StatusDeferred)
			s.markDeferred(profile.SteamID, name)
		case model.CheckOutcomeTransportError:
			log.Warn().Str("steam_id", profile.SteamID).Str("check", string(name)).Str("detail", result.Details).Msg("transport error on check, deferring")
			_, _ = s.queue.UpdateCheck(ctx, profile.SteamID, name, model.StatusDeferred)
			s.markDeferred(profile.SteamID, name)
		}
	}
}

func (s *Scheduler) markDeferred(steamID string, check model.CheckName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred[deferredKey{steamID, check}] = struct{}{}
}

func (s *Scheduler) unmarkDeferred(steamID string, check model.CheckName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deferred, deferredKey{steamID, check})
}

// submit forwards an all-passed profile to the downstream ingest endpoint.
func (s *Scheduler) submit(ctx context.Context, profile model.Profile) {
	ok, retryable, err := s.downstream.submit(ctx, profile)
	if ok {
		_ = s.queue.Remove(ctx, profile.SteamID)
		if s.audit != nil {
			s.audit.RecordSubmission(profile.SteamID, true, "accepted")
		}
		return
	}
	if retryable {
		log.Warn().Str("steam_id", profile.SteamID).Err(err).Msg("downstream submission failed, retrying next cycle")
		if s.audit != nil {
			s.audit.RecordSubmission(profile.SteamID, false, "retryable: "+errString(err))
		}
		return
	}
	log.Warn().Str("steam_id", profile.SteamID).Err(err).Msg("downstream submission permanently rejected")
	_ = s.queue.Remove(ctx, profile.SteamID)
	if s.audit != nil {
		s.audit.RecordSubmission(profile.SteamID, false, "rejected: "+errString(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// reactivationLoop periodically clears expired cooldowns and retries
// deferred checks whose endpoint class has become available again.
func (s *Scheduler) reactivationLoop(ctx context.Context) {
	ticker := time.NewTicker(s.timing.ReactivationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reactivate(ctx)
		}
	}
}

func (s *Scheduler) reactivate(ctx context.Context) {
	if _, err := s.cooldowns.CleanupExpired(); err != nil {
		log.Error().Err(err).Msg("cleanup_expired failed")
	}

	s.mu.Lock()
	keys := make([]deferredKey, 0, len(s.deferred))
	for k := range s.deferred {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	connIndices := s.avail.ConnectionIndices()
	for _, k := range keys {
		endpoint := endpointForCheck(k.check)
		if !s.avail.AnyAvailableFor(endpoint, connIndices) {
			continue
		}

		result := checkDispatch[k.check](s.validator, ctx, k.steamID)
		switch result.Outcome {
		case model.CheckOutcomeSuccess:
			if result.Passed {
				_, _ = s.queue.UpdateCheck(ctx, k.steamID, k.check, model.StatusPassed)
			} else {
				_, _ = s.queue.UpdateCheck(ctx, k.steamID, k.check, model.StatusFailed)
			}
			s.unmarkDeferred(k.steamID, k.check)
		case model.CheckOutcomeDeferred, model.CheckOutcomeTransportError:
			// still cooled down or transport flaked again; leave deferred.
		}
	}

	log.Debug().Int("deferred_count", len(keys)).Msg("reactivation loop tick")
}

// downstreamClient is the ingest client; only its retry contract is
// specified (retryable on 5xx/connection/timeout/explicit unavailable
// messages, non-retryable otherwise).
type downstreamClient struct {
	url    string
	apiKey string
	client *http.Client
}

type downstreamPayload struct {
	SteamID  string `json:"steam_id"`
	Username string `json:"username"`
}

// submit posts profile to the downstream ingest endpoint. Returns
// (accepted, retryable, error).
func (d *downstreamClient) submit(ctx context.Context, profile model.Profile) (bool, bool, error) {
	body, err := json.Marshal(downstreamPayload{SteamID: profile.SteamID, Username: profile.Username})
	if err != nil {
		return false, false, fmt.Errorf("marshal downstream payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return false, true, fmt.Errorf("build downstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("downstream request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, false, nil
	case bytes.Contains(respBody, []byte("already exists")):
		return true, false, nil
	case resp.StatusCode >= 500:
		return false, true, fmt.Errorf("downstream 5xx: %d", resp.StatusCode)
	case bytes.Contains(respBody, []byte("temporarily unavailable")):
		return false, true, fmt.Errorf("downstream temporarily unavailable")
	default:
		return false, false, fmt.Errorf("downstream rejected with %d: %s", resp.StatusCode, string(respBody))
	}
}
