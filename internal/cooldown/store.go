// Package cooldown implements the persistent (connection, endpoint class)
// cooldown matrix: whether a cell is currently rate-limited or otherwise
// unavailable, and the in-memory 429 backoff level that survives cooldown
// expiry until a success resets it.
package cooldown

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joestump/profile-gate/internal/model"
	"github.com/rs/zerolog/log"
)

// Durations configures the fixed cooldown length for every non-429 reason,
// and the backoff sequence used for 429s. Bound from the environment in
// cmd/profilegate/main.go.
type Durations struct {
	Sequence        []int // minutes, strictly positive, saturates at the last element
	ConnectionReset time.Duration
	Timeout         time.Duration
	DNSFailure      time.Duration
	SOCKSError      time.Duration
	Permanent       time.Duration
}

type cell struct {
	connIndex int
	endpoint  model.EndpointClass
}

type fileConnEntry struct {
	Index             int                                         `json:"index"`
	Type              string                                      `json:"type"`
	URL               string                                      `json:"url,omitempty"`
	EndpointCooldowns map[model.EndpointClass]model.CooldownRecord `json:"endpoint_cooldowns"`
}

type fileSchema struct {
	Connections []fileConnEntry `json:"connections"`
}

// AuditSink receives a best-effort notification for every mutation. A nil
// sink (or a failing Record call) never blocks or fails the mutation.
type AuditSink interface {
	RecordCooldown(connIndex int, endpoint model.EndpointClass, reason model.CooldownReason, message string)
}

// Store is the Cooldown Store service.
type Store struct {
	mu         sync.Mutex
	path       string
	durations  Durations
	records    map[cell]model.CooldownRecord
	backoff    map[cell]int
	connMeta   map[int]fileConnEntry // preserves type/url for round-tripping the file
	audit      AuditSink
	now        func() time.Time
}

// Load reads path, creating an empty cooldown file if absent, and seeds the
// in-memory BackoffLevel map from any persisted 429 records.
func Load(path string, durations Durations, audit AuditSink) (*Store, error) {
	s := &Store{
		path:      path,
		durations: durations,
		records:   make(map[cell]model.CooldownRecord),
		backoff:   make(map[cell]int),
		connMeta:  make(map[int]fileConnEntry),
		audit:     audit,
		now:       time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read cooldown store: %w", err)
		}
		if saveErr := s.saveLocked(); saveErr != nil {
			return nil, saveErr
		}
		return s, nil
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse cooldown store: %w", err)
	}

	for _, entry := range schema.Connections {
		s.connMeta[entry.Index] = fileConnEntry{Index: entry.Index, Type: entry.Type, URL: entry.URL}
		for endpoint, rec := range entry.EndpointCooldowns {
			c := cell{connIndex: entry.Index, endpoint: endpoint}
			s.records[c] = rec
			if rec.Reason == model.ReasonRateLimited && rec.BackoffLevel != nil {
				s.backoff[c] = *rec.BackoffLevel
			}
		}
	}

	return s, nil
}

// saveLocked persists the current state. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	byConn := make(map[int]fileConnEntry)
	for idx, meta := range s.connMeta {
		byConn[idx] = fileConnEntry{Index: meta.Index, Type: meta.Type, URL: meta.URL, EndpointCooldowns: map[model.EndpointClass]model.CooldownRecord{}}
	}
	for c, rec := range s.records {
		entry, ok := byConn[c.connIndex]
		if !ok {
			entry = fileConnEntry{Index: c.connIndex, EndpointCooldowns: map[model.EndpointClass]model.CooldownRecord{}}
		}
		entry.EndpointCooldowns[c.endpoint] = rec
		byConn[c.connIndex] = entry
	}

	schema := fileSchema{Connections: make([]fileConnEntry, 0, len(byConn))}
	for _, entry := range byConn {
		schema.Connections = append(schema.Connections, entry)
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cooldown store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write cooldown store: %w", err)
	}
	return nil
}

// SyncConnections replaces the per-connection type/url metadata written
// beside each index in the cooldown file with conns. Existing cooldown
// records stay keyed by their connection index: they are not re-matched to
// a connection by type or url, and records for an index that no longer
// exists are not dropped.
func (s *Store) SyncConnections(conns []model.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := make(map[int]fileConnEntry, len(conns))
	for _, c := range conns {
		meta[c.Index] = fileConnEntry{Index: c.Index, Type: string(c.Kind), URL: c.URL}
	}
	s.connMeta = meta
}

// IsAvailable reports whether cell (c, e) may be dispatched to now.
func (s *Store) IsAvailable(connIndex int, endpoint model.EndpointClass) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[cell{connIndex, endpoint}]
	if !ok {
		return true
	}
	return rec.Until <= s.now().UnixMilli()
}

// CleanupExpired removes all expired cooldown records from the persisted
// file, retaining 429 backoff levels in memory. Returns the count removed.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMS := s.now().UnixMilli()
	removed := 0
	for c, rec := range s.records {
		if rec.Until <= nowMS {
			delete(s.records, c)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveLocked()
}

// Mark records a failure against cell (c, e). For reason == ReasonRateLimited
// the backoff level advances and saturates at the end of the sequence; for
// any other reason a fixed configured duration is used.
func (s *Store) Mark(connIndex int, endpoint model.EndpointClass, reason model.CooldownReason, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cell{connIndex, endpoint}
	now := s.now()
	nowMS := now.UnixMilli()

	var rec model.CooldownRecord
	switch reason {
	case model.ReasonRateLimited:
		maxLevel := len(s.durations.Sequence) - 1
		level := s.backoff[c]
		if level > maxLevel {
			level = maxLevel
		}
		nextLevel := level + 1
		if nextLevel > maxLevel {
			nextLevel = maxLevel
		}
		s.backoff[c] = nextLevel
		durMinutes := s.durations.Sequence[level]
		durationMS := int64(durMinutes) * 60_000
		rec = model.CooldownRecord{
			Until:        nowMS + durationMS,
			Reason:       reason,
			AppliedAt:    nowMS,
			ErrorMessage: message,
			BackoffLevel: &level,
			DurationMS:   durationMS,
		}
	default:
		durationMS := s.fixedDurationMS(reason)
		rec = model.CooldownRecord{
			Until:        nowMS + durationMS,
			Reason:       reason,
			AppliedAt:    nowMS,
			ErrorMessage: message,
			DurationMS:   durationMS,
		}
	}

	s.records[c] = rec
	if s.audit != nil {
		s.audit.RecordCooldown(connIndex, endpoint, reason, message)
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	log.Warn().Int("connection", connIndex).Str("endpoint", string(endpoint)).Str("reason", string(reason)).Msg("cooldown applied")
	return nil
}

func (s *Store) fixedDurationMS(reason model.CooldownReason) int64 {
	switch reason {
	case model.ReasonConnectionReset:
		return s.durations.ConnectionReset.Milliseconds()
	case model.ReasonTimeout:
		return s.durations.Timeout.Milliseconds()
	case model.ReasonDNSFailure:
		return s.durations.DNSFailure.Milliseconds()
	case model.ReasonSOCKSError:
		return s.durations.SOCKSError.Milliseconds()
	case model.ReasonPermanent:
		return s.durations.Permanent.Milliseconds()
	default:
		return s.durations.Timeout.Milliseconds()
	}
}

// ResetOnSuccess clears any 429 backoff level and 429 record for (c, e).
// Non-429 records are left untouched; they reflect external transport
// conditions and expire naturally.
func (s *Store) ResetOnSuccess(connIndex int, endpoint model.EndpointClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cell{connIndex, endpoint}
	_, hadBackoff := s.backoff[c]
	delete(s.backoff, c)

	rec, hasRecord := s.records[c]
	changed := hadBackoff
	if hasRecord && rec.Reason == model.ReasonRateLimited {
		delete(s.records, c)
		changed = true
	}
	if !changed {
		return nil
	}
	if s.audit != nil {
		s.audit.RecordCooldown(connIndex, endpoint, "", "reset_on_success")
	}
	return s.saveLocked()
}

// AllInCooldownFor reports whether every known connection is currently
// cooling down for endpoint. connIndices is the full set of connection
// indices to check, supplied by the caller (the Connection Registry).
func (s *Store) AllInCooldownFor(endpoint model.EndpointClass, connIndices []int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMS := s.now().UnixMilli()
	for _, idx := range connIndices {
		rec, ok := s.records[cell{idx, endpoint}]
		if !ok || rec.Until <= nowMS {
			return false
		}
	}
	return len(connIndices) > 0
}

// NextAvailableInFor returns the minimum remaining cooldown across
// connIndices, or zero if any connection is already available.
func (s *Store) NextAvailableInFor(endpoint model.EndpointClass, connIndices []int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMS := s.now().UnixMilli()

	var min int64 = -1
	for _, idx := range connIndices {
		rec, ok := s.records[cell{idx, endpoint}]
		if !ok || rec.Until <= nowMS {
			return 0
		}
		remaining := rec.Until - nowMS
		if min == -1 || remaining < min {
			min = remaining
		}
	}
	if min == -1 {
		return 0
	}
	return time.Duration(min) * time.Millisecond
}

// Snapshot describes one cell for health reporting.
type Snapshot struct {
	ConnIndex    int
	Endpoint     model.EndpointClass
	InCooldown   bool
	RemainingMS  int64
	Reason       model.CooldownReason
	BackoffLevel *int
	Until        int64
}

// Snapshot returns every currently tracked cooldown cell, for the status API.
func (s *Store) Snapshot() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMS := s.now().UnixMilli()
	out := make([]Snapshot, 0, len(s.records))
	for c, rec := range s.records {
		remaining := rec.Until - nowMS
		out = append(out, Snapshot{
			ConnIndex:    c.connIndex,
			Endpoint:     c.endpoint,
			InCooldown:   remaining > 0,
			RemainingMS:  remaining,
			Reason:       rec.Reason,
			BackoffLevel: rec.BackoffLevel,
			Until:        rec.Until,
		})
	}
	return out
}
