// Package api is the thin HTTP admission and status surface: enqueueing
// profiles and reporting cooldown health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/joestump/profile-gate/internal/audit"
	"github.com/joestump/profile-gate/internal/cooldown"
	"github.com/joestump/profile-gate/internal/model"
	"github.com/joestump/profile-gate/internal/queue"
	"github.com/rs/zerolog/log"
)

// ConnectionSource is the subset of the Connection Registry the status
// endpoint needs.
type ConnectionSource interface {
	Connections() []model.Connection
}

// Server is the Admission & Status API service.
type Server struct {
	queue     *queue.Store
	cooldowns *cooldown.Store
	conns     ConnectionSource
	auditDB   *audit.DB

	mux    *http.ServeMux
	server *http.Server
}

// New builds a Server bound to listenAddr (host:port).
func New(listenAddr string, q *queue.Store, c *cooldown.Store, conns ConnectionSource, auditDB *audit.DB) *Server {
	s := &Server{queue: q, cooldowns: c, conns: conns, auditDB: auditDB, mux: http.NewServeMux()}
	s.registerRoutes()
	s.server = &http.Server{Addr: listenAddr, Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/cooldowns", s.handleHealthCooldowns)
	s.mux.HandleFunc("POST /profiles", s.handleCreateProfiles)
	s.mux.HandleFunc("GET /profiles/queue", s.handleQueue)
	s.mux.HandleFunc("GET /audit/recent", s.handleAuditRecent)
}

// Start begins serving. It blocks until the server exits or errors, and
// treats http.ErrServerClosed as a clean shutdown rather than a failure.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("admission api listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admission api serve: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write json response failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const shortCooldownThreshold = 30 * time.Minute

type endpointHealth struct {
	InCooldown      bool    `json:"in_cooldown"`
	RemainingMS     int64   `json:"remaining_ms,omitempty"`
	RemainingMinute float64 `json:"remaining_minutes,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	BackoffLevel    *int    `json:"backoff_level,omitempty"`
	Until           int64   `json:"until,omitempty"`
}

type connectionHealth struct {
	Type      string                    `json:"type"`
	URL       string                    `json:"url,omitempty"`
	Endpoints map[string]endpointHealth `json:"endpoints"`
}

func (s *Server) handleHealthCooldowns(w http.ResponseWriter, r *http.Request) {
	conns := s.conns.Connections()
	snapshot := s.cooldowns.Snapshot()

	byConn := make(map[int][]cooldown.Snapshot)
	for _, snap := range snapshot {
		byConn[snap.ConnIndex] = append(byConn[snap.ConnIndex], snap)
	}

	cooldowns := make(map[string]connectionHealth, len(conns))
	var availableConnections int
	var endpointsInCooldown []string
	var shortCooldowns, longCooldowns []string

	for _, c := range conns {
		key := strconv.Itoa(c.Index)
		endpoints := make(map[string]endpointHealth)
		connAvailable := true
		for _, snap := range byConn[c.Index] {
			eh := endpointHealth{
				InCooldown:      snap.InCooldown,
				RemainingMS:     snap.RemainingMS,
				RemainingMinute: float64(snap.RemainingMS) / 60000.0,
				Reason:          string(snap.Reason),
				BackoffLevel:    snap.BackoffLevel,
				Until:           snap.Until,
			}
			endpoints[string(snap.Endpoint)] = eh
			if snap.InCooldown {
				connAvailable = false
				tag := fmt.Sprintf("%d:%s", c.Index, snap.Endpoint)
				endpointsInCooldown = append(endpointsInCooldown, tag)
				remaining := time.Duration(snap.RemainingMS) * time.Millisecond
				if remaining < shortCooldownThreshold {
					shortCooldowns = append(shortCooldowns, tag)
				} else {
					longCooldowns = append(longCooldowns, tag)
				}
			}
		}
		if connAvailable {
			availableConnections++
		}
		cooldowns[key] = connectionHealth{Type: string(c.Kind), URL: c.URL, Endpoints: endpoints}
	}

	status := "healthy"
	if len(longCooldowns) > 0 {
		status = "degraded"
	} else if len(shortCooldowns) > 0 {
		status = "limited"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cooldowns": cooldowns,
		"summary": map[string]any{
			"total_connections":     len(conns),
			"available_connections": availableConnections,
			"endpoints_in_cooldown": orEmpty(endpointsInCooldown),
			"short_cooldowns":       orEmpty(shortCooldowns),
			"long_cooldowns":        orEmpty(longCooldowns),
		},
		"overall_status": status,
	})
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type createProfileRequest struct {
	SteamID  string `json:"steam_id"`
	Username string `json:"username"`
}

type createProfileResult struct {
	Success bool   `json:"success"`
	Added   bool   `json:"added,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleCreateProfiles(w http.ResponseWriter, r *http.Request) {
	var single createProfileRequest
	var batch []createProfileRequest

	body := json.NewDecoder(r.Body)
	raw := json.RawMessage{}
	if err := body.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := json.Unmarshal(raw, &batch); err != nil {
		if err := json.Unmarshal(raw, &single); err != nil {
			writeError(w, http.StatusBadRequest, "expected a profile object or array of profiles")
			return
		}
		batch = []createProfileRequest{single}
	}

	results := make([]createProfileResult, 0, len(batch))
	for _, req := range batch {
		if req.SteamID == "" || req.Username == "" {
			results = append(results, createProfileResult{Success: false, Message: "steam_id and username are required"})
			continue
		}
		result, err := s.queue.Add(r.Context(), req.SteamID, req.Username)
		if err != nil {
			results = append(results, createProfileResult{Success: false, Message: err.Error()})
			continue
		}
		results = append(results, createProfileResult{Success: true, Added: result == queue.Added})
	}

	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.queue.ByID(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles, "stats": stats})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.auditDB == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	events, err := s.auditDB.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListenAddr joins host and port the same way the reference CLI assembles
// its listen address from separately configured flags.
func ListenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
