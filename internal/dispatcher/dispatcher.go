// Package dispatcher implements the request-dispatch and rate-limit
// subsystem: classifying upstream URLs into endpoint classes, selecting an
// available connection, executing the HTTP call, and categorising failures
// back into the cooldown matrix.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joestump/profile-gate/internal/model"
	"github.com/rs/zerolog/log"
)

// ConnectionSource is the subset of the Connection Registry the dispatcher
// needs: connection enumeration, dial client construction, and proxy
// rotation bookkeeping.
type ConnectionSource interface {
	Connections() []model.Connection
	DialClient(index int) (*http.Client, error)
	ProxyIndicesFrom() []int
	AdvanceCursor()
}

// CooldownSource is the subset of the Cooldown Store the dispatcher needs.
type CooldownSource interface {
	IsAvailable(connIndex int, endpoint model.EndpointClass) bool
	Mark(connIndex int, endpoint model.EndpointClass, reason model.CooldownReason, message string) error
	ResetOnSuccess(connIndex int, endpoint model.EndpointClass) error
	NextAvailableInFor(endpoint model.EndpointClass, connIndices []int) time.Duration
}

// AuditSink receives a best-effort notification for every terminal dispatch
// outcome. A nil sink never blocks or fails the dispatch.
type AuditSink interface {
	RecordDispatch(endpoint model.EndpointClass, kind model.OutcomeKind, detail string)
}

// endpointTable is the fixed substring-match table from the external
// interface contract. First match wins; order matters.
var endpointTable = []struct {
	substr string
	class  model.EndpointClass
}{
	{"GetFriendList", model.EndpointFriends},
	{"inventory", model.EndpointInventory},
	{"GetSteamLevel", model.EndpointSteamLevel},
	{"GetAnimatedAvatar", model.EndpointAnimatedAvatar},
	{"GetAvatarFrame", model.EndpointAvatarFrame},
	{"GetMiniProfileBackground", model.EndpointMiniProfileBackground},
	{"GetProfileBackground", model.EndpointProfileBackground},
}

// ClassifyURL returns the endpoint class for url by first-hit substring
// match, or EndpointOther if nothing matches.
func ClassifyURL(url string) model.EndpointClass {
	for _, entry := range endpointTable {
		if strings.Contains(url, entry.substr) {
			return entry.class
		}
	}
	return model.EndpointOther
}

const (
	defaultTimeout         = 15 * time.Second
	inventoryTimeout       = 25 * time.Second
	userAgent              = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Dispatcher is the Dispatcher service.
type Dispatcher struct {
	conns     ConnectionSource
	cooldowns CooldownSource
	audit     AuditSink

	pacingMu sync.Mutex
	pacing   time.Duration
	lastCall time.Time
}

// New builds a Dispatcher with the given global inter-call pacing gap. audit
// may be nil, in which case dispatch outcomes are not recorded.
func New(conns ConnectionSource, cooldowns CooldownSource, audit AuditSink, pacing time.Duration) *Dispatcher {
	return &Dispatcher{conns: conns, cooldowns: cooldowns, audit: audit, pacing: pacing}
}

func (d *Dispatcher) recordDispatch(endpoint model.EndpointClass, kind model.OutcomeKind, detail string) {
	if d.audit != nil {
		d.audit.RecordDispatch(endpoint, kind, detail)
	}
}

// Request performs a single upstream call, retrying across connections on
// retryable failures within one pass, and returns a tagged Outcome.
func (d *Dispatcher) Request(ctx context.Context, url string) model.Outcome {
	endpoint := ClassifyURL(url)
	return d.requestClassified(ctx, url, endpoint, nil)
}

// requestClassified performs the selection/execute/categorise cycle. tried
// tracks connection indices already attempted in this logical request, so
// recursion on retry is limited to one pass through all connections.
func (d *Dispatcher) requestClassified(ctx context.Context, url string, endpoint model.EndpointClass, tried map[int]bool) model.Outcome {
	if tried == nil {
		tried = make(map[int]bool)
	}

	connIndex, ok := d.selectConnection(endpoint, tried)
	if !ok {
		wait := d.cooldowns.NextAvailableInFor(endpoint, d.allConnectionIndices())
		d.recordDispatch(endpoint, model.OutcomeDeferred, fmt.Sprintf("no connection available, wait=%dms", wait.Milliseconds()))
		return model.Outcome{Kind: model.OutcomeDeferred, Endpoint: endpoint, WaitMS: wait.Milliseconds()}
	}
	tried[connIndex] = true

	d.waitForPacing()

	client, err := d.conns.DialClient(connIndex)
	if err != nil {
		d.recordDispatch(endpoint, model.OutcomeFailed, err.Error())
		return model.Outcome{Kind: model.OutcomeFailed, FailKind: "UpstreamOther", FailMessage: err.Error()}
	}

	timeout := defaultTimeout
	if endpoint == model.EndpointInventory {
		timeout = inventoryTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		d.recordDispatch(endpoint, model.OutcomeFailed, err.Error())
		return model.Outcome{Kind: model.OutcomeFailed, FailKind: "UpstreamOther", FailMessage: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)
	if endpoint == model.EndpointInventory {
		req.Header.Set("Sec-Fetch-Dest", "empty")
		req.Header.Set("Sec-Fetch-Mode", "cors")
		req.Header.Set("Sec-Fetch-Site", "same-origin")
	}

	resp, err := client.Do(req)
	if err != nil {
		return d.handleTransportError(ctx, url, endpoint, connIndex, tried, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		d.recordDispatch(endpoint, model.OutcomeFailed, readErr.Error())
		return model.Outcome{Kind: model.OutcomeFailed, FailKind: "UpstreamOther", FailMessage: readErr.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := d.cooldowns.ResetOnSuccess(connIndex, endpoint); err != nil {
			log.Error().Err(err).Msg("reset_on_success failed")
		}
		d.recordDispatch(endpoint, model.OutcomeOK, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return model.Outcome{Kind: model.OutcomeOK, Body: body, Endpoint: endpoint}

	case resp.StatusCode == http.StatusTooManyRequests:
		if err := d.cooldowns.Mark(connIndex, endpoint, model.ReasonRateLimited, "HTTP 429"); err != nil {
			log.Error().Err(err).Msg("mark 429 failed")
		}
		return d.requestClassified(ctx, url, endpoint, tried)

	case (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) && endpoint == model.EndpointInventory:
		d.recordDispatch(endpoint, model.OutcomeOK, fmt.Sprintf("HTTP %d (private)", resp.StatusCode))
		return model.Outcome{Kind: model.OutcomeOK, Body: body, Private: true, Endpoint: endpoint}

	case resp.StatusCode == http.StatusUnauthorized && endpoint == model.EndpointFriends:
		d.recordDispatch(endpoint, model.OutcomeOK, fmt.Sprintf("HTTP %d (private)", resp.StatusCode))
		return model.Outcome{Kind: model.OutcomeOK, Body: body, Private: true, Endpoint: endpoint}

	default:
		d.recordDispatch(endpoint, model.OutcomeFailed, fmt.Sprintf("unexpected status %d", resp.StatusCode))
		return model.Outcome{
			Kind:        model.OutcomeFailed,
			FailKind:    "UpstreamOther",
			FailMessage: fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Endpoint:    endpoint,
		}
	}
}

func (d *Dispatcher) handleTransportError(ctx context.Context, url string, endpoint model.EndpointClass, connIndex int, tried map[int]bool, err error) model.Outcome {
	reason := categorizeTransportError(err)
	if markErr := d.cooldowns.Mark(connIndex, endpoint, reason, err.Error()); markErr != nil {
		log.Error().Err(markErr).Msg("mark transport failure failed")
	}
	return d.requestClassified(ctx, url, endpoint, tried)
}

// categorizeTransportError classifies a transport-level Go error into the
// spec's taxonomy by substring matching on its text, the same way real
// proxy error messages are classified in practice (errors.Is rarely
// survives a round trip through net/http's wrapped dial errors).
func categorizeTransportError(err error) model.CooldownReason {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "socks"):
		return model.ReasonSOCKSError
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "etimedout"):
		return model.ReasonTimeout
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "enotfound"), strings.Contains(msg, "no route to host"), strings.Contains(msg, "ehostunreach"):
		return model.ReasonDNSFailure
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "econnreset"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "econnrefused"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "certificate"), strings.Contains(msg, "tls"):
		return model.ReasonConnectionReset
	default:
		return model.ReasonConnectionReset
	}
}

// selectConnection picks direct if available and untried, else the first
// available untried proxy starting at the current round-robin cursor,
// advancing the cursor when a proxy is chosen.
func (d *Dispatcher) selectConnection(endpoint model.EndpointClass, tried map[int]bool) (int, bool) {
	if !tried[0] && d.cooldowns.IsAvailable(0, endpoint) {
		return 0, true
	}

	for _, idx := range d.conns.ProxyIndicesFrom() {
		if tried[idx] {
			continue
		}
		if d.cooldowns.IsAvailable(idx, endpoint) {
			d.conns.AdvanceCursor()
			return idx, true
		}
	}
	return 0, false
}

func (d *Dispatcher) allConnectionIndices() []int {
	conns := d.conns.Connections()
	out := make([]int, len(conns))
	for i, c := range conns {
		out[i] = c.Index
	}
	return out
}

// waitForPacing enforces the minimum inter-call gap across all dispatches,
// independent of which connection is used.
func (d *Dispatcher) waitForPacing() {
	d.pacingMu.Lock()
	defer d.pacingMu.Unlock()

	if d.pacing <= 0 {
		return
	}
	elapsed := time.Since(d.lastCall)
	if elapsed < d.pacing {
		time.Sleep(d.pacing - elapsed)
	}
	d.lastCall = time.Now()
}
