// Package queue implements the durable profile queue: a single JSON array
// file guarded by a cross-process advisory lock, with staged writes and
// atomic replace-via-rename.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/joestump/profile-gate/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// ErrLockTimeout is returned when the lock file cannot be acquired within
// the configured number of retry attempts.
var ErrLockTimeout = fmt.Errorf("lock_timeout")

// ErrQueueCorrupt is returned when the queue file fails validation.
var ErrQueueCorrupt = fmt.Errorf("queue file failed validation")

// LockOptions configures the advisory lock file protocol.
type LockOptions struct {
	StaleAfter  time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultLockOptions matches the external interface contract: ~20 attempts
// at 500ms, 5 minute staleness threshold.
var DefaultLockOptions = LockOptions{
	StaleAfter:  5 * time.Minute,
	MaxAttempts: 20,
	RetryDelay:  500 * time.Millisecond,
}

type lockMeta struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Store is the Queue Store service.
type Store struct {
	mu       sync.Mutex
	path     string
	lockPath string
	opts     LockOptions
}

// Open prepares a Store over path, creating an empty queue file if absent.
func Open(path string, opts LockOptions) (*Store, error) {
	s := &Store{path: path, lockPath: path + ".lock", opts: opts}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("create queue file: %w", err)
		}
	}
	return s, nil
}

// withLock acquires the advisory lock, runs fn, and releases the lock on
// every exit path. The lock metadata (pid/host/acquired_at), kept as JSON in
// a .meta file beside the lock file, is used for the staleness check and
// pid-verified release; the underlying mutual
// exclusion is provided by gofrs/flock against the same lockPath.
func (s *Store) withLock(fn func() error) error {
	fl := flock.New(s.lockPath)

	var locked bool
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		ok, err := fl.TryLock()
		if err == nil && ok {
			locked = true
			break
		}

		if s.removeIfStale() {
			continue
		}
		time.Sleep(s.opts.RetryDelay)
	}

	if !locked {
		return ErrLockTimeout
	}
	defer s.releaseLock(fl)

	meta := lockMeta{PID: os.Getpid(), AcquiredAt: time.Now()}
	meta.Host, _ = os.Hostname()
	metaData, _ := json.Marshal(meta)
	_ = os.WriteFile(s.lockPath+".meta", metaData, 0o644)

	return fn()
}

// releaseLock verifies the lock metadata's pid matches the current process
// before removing it, so a release never clobbers metadata another process
// has since written over a lock this one no longer holds.
func (s *Store) releaseLock(fl *flock.Flock) {
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(s.lockPath + ".meta")
	if err != nil {
		return
	}
	var meta lockMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return
	}
	if meta.PID != os.Getpid() {
		log.Warn().Int("pid", meta.PID).Msg("queue lock metadata owned by another pid, not removing")
		return
	}
	_ = os.Remove(s.lockPath + ".meta")
}

// removeIfStale forcibly removes a lock metadata file older than the stale
// threshold, reporting whether it did so.
func (s *Store) removeIfStale() bool {
	data, err := os.ReadFile(s.lockPath + ".meta")
	if err != nil {
		return false
	}
	var meta lockMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return false
	}
	if time.Since(meta.AcquiredAt) < s.opts.StaleAfter {
		return false
	}
	log.Warn().Int("pid", meta.PID).Msg("removing stale queue lock")
	_ = os.Remove(s.lockPath)
	_ = os.Remove(s.lockPath + ".meta")
	return true
}

func (s *Store) readAll() ([]model.Profile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	return validateAndParse(data)
}

func validateAndParse(data []byte) ([]model.Profile, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array", ErrQueueCorrupt)
	}
	profiles := make([]model.Profile, 0, len(raw))
	for _, r := range raw {
		var p model.Profile
		if err := json.Unmarshal(r, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		if p.SteamID == "" || p.Username == "" || p.Checks == nil {
			return nil, fmt.Errorf("%w: missing steam_id/username/checks", ErrQueueCorrupt)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// writeAll stages the write to a temp file, re-reads and validates it, then
// atomically renames over the target, and re-validates the final file.
func (s *Store) writeAll(profiles []model.Profile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	tmpPath := filepath.Join(filepath.Dir(s.path), fmt.Sprintf("%s.tmp.%d.%d", filepath.Base(s.path), os.Getpid(), time.Now().UnixNano()))
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write staged queue file: %w", err)
	}

	staged, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("reread staged queue file: %w", err)
	}
	if _, err := validateAndParse(staged); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename staged queue file: %w", err)
	}

	final, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reread final queue file: %w", err)
	}
	if _, err := validateAndParse(final); err != nil {
		return err
	}
	return nil
}

// withRetry wraps fn with exponential backoff and jitter (base 200ms, cap
// 10s, 3 attempts), for corruption or lock/filesystem errors.
func withRetry(ctx context.Context, fn func() error) error {
	b, err := retry.NewExponential(200 * time.Millisecond)
	if err != nil {
		return err
	}
	b = retry.WithJitter(100*time.Millisecond, b)
	b = retry.WithCappedDuration(10*time.Second, b)
	b = retry.WithMaxRetries(2, b) // 3 total attempts

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// AddResult reports whether Add created a new profile or found one already
// present.
type AddResult int

const (
	Added AddResult = iota
	AlreadyPresent
)

// Add inserts a new profile, idempotent on duplicate steam_id.
func (s *Store) Add(ctx context.Context, steamID, username string) (AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := AlreadyPresent
	err := withRetry(ctx, func() error {
		return s.withLock(func() error {
			profiles, err := s.readAll()
			if err != nil {
				return err
			}
			for _, p := range profiles {
				if p.SteamID == steamID {
					result = AlreadyPresent
					return nil
				}
			}
			profiles = append(profiles, model.NewProfile(steamID, username, time.Now().UnixMilli()))
			result = Added
			return s.writeAll(profiles)
		})
	})
	return result, err
}

// UpdateCheck sets the status of name for steamID. Returns false if the
// profile is unknown (a no-op rather than an error).
func (s *Store) UpdateCheck(ctx context.Context, steamID string, name model.CheckName, status model.CheckStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	err := withRetry(ctx, func() error {
		return s.withLock(func() error {
			profiles, err := s.readAll()
			if err != nil {
				return err
			}
			for i := range profiles {
				if profiles[i].SteamID == steamID {
					profiles[i].Checks[name] = status
					found = true
					break
				}
			}
			if !found {
				return nil
			}
			return s.writeAll(profiles)
		})
	})
	return found, err
}

// SetPrivate flags steamID as a private profile (set when steam_level
// returns an empty response), so the scheduler can short-circuit
// friends/csgo_inventory without dispatching.
func (s *Store) SetPrivate(ctx context.Context, steamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, func() error {
		return s.withLock(func() error {
			profiles, err := s.readAll()
			if err != nil {
				return err
			}
			for i := range profiles {
				if profiles[i].SteamID == steamID {
					profiles[i].Private = true
					break
				}
			}
			return s.writeAll(profiles)
		})
	})
}

// Remove deletes the profile with the given steam_id, if present.
func (s *Store) Remove(ctx context.Context, steamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withRetry(ctx, func() error {
		return s.withLock(func() error {
			profiles, err := s.readAll()
			if err != nil {
				return err
			}
			out := profiles[:0]
			for _, p := range profiles {
				if p.SteamID != steamID {
					out = append(out, p)
				}
			}
			return s.writeAll(out)
		})
	})
}

// NextProcessable returns the first profile with any to_check status;
// failing that, the first profile with all checks terminal (a downstream
// submission candidate); failing that, the first with any deferred check
// (for periodic retry visibility); else nil. This literal ordering,
// including returning an all-deferred profile when nothing else qualifies,
// is preserved intentionally rather than "fixed" to always skip deferred-only
// profiles.
func (s *Store) NextProcessable(ctx context.Context) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *model.Profile
	err := withRetry(ctx, func() error {
		return s.withLock(func() error {
			profiles, err := s.readAll()
			if err != nil {
				return err
			}

			for i := range profiles {
				if hasStatus(profiles[i], model.StatusToCheck) {
					p := profiles[i]
					result = &p
					return nil
				}
			}
			for i := range profiles {
				if profiles[i].AllChecksTerminal() {
					p := profiles[i]
					result = &p
					return nil
				}
			}
			for i := range profiles {
				if hasStatus(profiles[i], model.StatusDeferred) {
					p := profiles[i]
					result = &p
					return nil
				}
			}
			return nil
		})
	})
	return result, err
}

func hasStatus(p model.Profile, status model.CheckStatus) bool {
	for _, c := range model.AllChecks {
		if p.Checks[c] == status {
			return true
		}
	}
	return false
}

// Stats summarizes queue contents for the status API.
type Stats struct {
	Total      int `json:"total"`
	ToCheck    int `json:"to_check"`
	Deferred   int `json:"deferred"`
	Terminal   int `json:"terminal"`
}

// Stats returns aggregate counts across the queue.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	err := withRetry(ctx, func() error {
		return s.withLock(func() error {
			profiles, err := s.readAll()
			if err != nil {
				return err
			}
			stats.Total = len(profiles)
			for _, p := range profiles {
				switch {
				case hasStatus(p, model.StatusToCheck):
					stats.ToCheck++
				case p.AllChecksTerminal():
					stats.Terminal++
				case hasStatus(p, model.StatusDeferred):
					stats.Deferred++
				}
			}
			return nil
		})
	})
	return stats, err
}

// ByID returns the full queue contents for observability.
func (s *Store) ByID(ctx context.Context) ([]model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var profiles []model.Profile
	err := withRetry(ctx, func() error {
		return s.withLock(func() error {
			var err error
			profiles, err = s.readAll()
			return err
		})
	})
	return profiles, err
}

