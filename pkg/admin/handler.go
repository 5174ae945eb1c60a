// Package admin provides HTTP handlers for inspecting and toggling election groups.
package admin

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/Shavakan/fleet-elector/pkg/election"
	"github.com/Shavakan/fleet-elector/pkg/logging"
)

var adminLog = logging.WithComponent(logging.LogTypeAdmin, "handler")
var auditLog = logging.WithComponent(logging.LogTypeAdmin, "audit")

// Elector is the controller surface the admin API needs.
type Elector interface {
	Group() string
	Snapshot() election.Snapshot
	SetDisabled(disabled bool)
}

// Handler provides HTTP endpoints for election group status.
type Handler struct {
	electors map[string]Elector
	groups   []string
	auth     *AuthMiddleware
	now      func() time.Time
}

// NewHandler creates a new admin handler with authentication.
// If adminSecret is empty, authentication is disabled.
func NewHandler(electors []Elector, adminSecret string) *Handler {
	h := &Handler{
		electors: make(map[string]Elector, len(electors)),
		auth:     NewAuthMiddleware(adminSecret),
		now:      time.Now,
	}
	for _, e := range electors {
		h.electors[e.Group()] = e
		h.groups = append(h.groups, e.Group())
	}
	slices.Sort(h.groups)
	return h
}

// GroupResponse represents one election group in API responses.
type GroupResponse struct {
	Group           string     `json:"group"`
	Identity        string     `json:"identity"`
	State           string     `json:"state"`
	IsLeader        bool       `json:"is_leader"`
	Disabled        bool       `json:"disabled"`
	Observed        bool       `json:"observed"`
	Leader          string     `json:"leader,omitempty"`
	LeaderValid     bool       `json:"leader_valid"`
	AcquireTime     *time.Time `json:"acquire_time,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LeaseDurationMS int64      `json:"lease_duration_ms,omitempty"`
	Members         []string   `json:"members"`
	ResourceVersion string     `json:"resource_version,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RegisterRoutes registers admin API routes on the given mux.
// All endpoints require authentication when ELECTOR_ADMIN_SECRET is set.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/groups", h.auth.WrapFunc(h.ListGroups))
	mux.Handle("GET /api/groups/{group}", h.auth.WrapFunc(h.GetGroup))
	mux.Handle("POST /api/groups/{group}/disable", h.auth.WrapFunc(h.DisableGroup))
	mux.Handle("POST /api/groups/{group}/enable", h.auth.WrapFunc(h.EnableGroup))
}

// ListGroups handles GET /api/groups.
func (h *Handler) ListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := make([]GroupResponse, 0, len(h.groups))
	for _, name := range h.groups {
		groups = append(groups, h.toResponse(h.electors[name].Snapshot()))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
	})
}

// GetGroup handles GET /api/groups/{group}.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.toResponse(e.Snapshot()))
}

// DisableGroup handles POST /api/groups/{group}/disable.
func (h *Handler) DisableGroup(w http.ResponseWriter, r *http.Request) {
	h.setDisabled(w, r, true)
}

// EnableGroup handles POST /api/groups/{group}/enable.
func (h *Handler) EnableGroup(w http.ResponseWriter, r *http.Request) {
	h.setDisabled(w, r, false)
}

func (h *Handler) setDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	action := "group.enable"
	if disabled {
		action = "group.disable"
	}

	e, ok := h.lookup(w, r)
	if !ok {
		h.auditLog(r, action, r.PathValue("group"), "denied", logging.KeyReason, "unknown group")
		return
	}

	e.SetDisabled(disabled)
	h.auditLog(r, action, e.Group(), "success")
	h.writeJSON(w, http.StatusAccepted, h.toResponse(e.Snapshot()))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (Elector, bool) {
	name := r.PathValue("group")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "Group name is required", "")
		return nil, false
	}
	e, ok := h.electors[name]
	if !ok {
		h.writeError(w, http.StatusNotFound, "Group not found", name)
		return nil, false
	}
	return e, true
}

func (h *Handler) toResponse(s election.Snapshot) GroupResponse {
	resp := GroupResponse{
		Group:           s.Group,
		Identity:        s.Identity,
		State:           s.State.String(),
		IsLeader:        s.State == election.StateLeader,
		Disabled:        s.Disabled,
		Observed:        s.Observed,
		Members:         []string{},
		ResourceVersion: s.ResourceVersion,
	}
	if !s.Observed {
		return resp
	}

	info := s.Leader
	resp.Members = info.Members()
	if info.HasEmptyLeader() {
		return resp
	}
	acquired := info.AcquireTime()
	expires := info.ExpiresAt()
	resp.Leader = info.Leader()
	resp.LeaderValid = info.HasValidLeader(h.now())
	resp.AcquireTime = &acquired
	resp.ExpiresAt = &expires
	resp.LeaseDurationMS = info.LeaseDuration().Milliseconds()
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		adminLog.Error("json encode failed", logging.KeyError, err.Error())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, details string) {
	resp := ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) auditLog(r *http.Request, action, group, result string, extra ...any) {
	remoteAddr := r.Header.Get("X-Forwarded-For")
	if remoteAddr == "" {
		remoteAddr = r.RemoteAddr
	}
	attrs := []any{
		logging.KeyAudit, true,
		logging.KeyAction, action,
		logging.KeyGroup, group,
		logging.KeyResult, result,
		logging.KeyRemoteAddr, remoteAddr,
	}
	attrs = append(attrs, extra...)

	switch result {
	case "denied":
		auditLog.Warn("admin action denied", attrs...)
	case "error":
		auditLog.Error("admin action failed", attrs...)
	default:
		auditLog.Info("admin action", attrs...)
	}
}
