package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/somatica/soma/api"
	"github.com/somatica/soma/config"
	"github.com/somatica/soma/embodiment"
	"github.com/somatica/soma/federation"
	"github.com/somatica/soma/registry"
	"github.com/somatica/soma/types"
)

// AgentLister is the registry surface the admin API reads.
type AgentLister interface {
	Snapshot() []*registry.AgentRecord
}

// LinkLister reports the state of every federation link.
type LinkLister interface {
	Links() []federation.LinkInfo
}

// SessionReader exposes retained sessions and their audit trails.
type SessionReader interface {
	List() []*embodiment.Session
	AuditTrail(sessionID string) ([]embodiment.AuditRecord, error)
}

// AdminHandler serves the read-only operator endpoints. Everything here
// reports broker state; mutation happens over the envelope surface.
type AdminHandler struct {
	agents   AgentLister
	links    LinkLister
	sessions SessionReader
	current  func() *config.Config
	logger   *zap.Logger
}

// NewAdminHandler builds the admin surface. Any nil collaborator turns
// its endpoints into empty listings rather than panics, so a broker
// running without federation still serves /v1/links.
func NewAdminHandler(agents AgentLister, links LinkLister, sessions SessionReader, current func() *config.Config, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		agents:   agents,
		links:    links,
		sessions: sessions,
		current:  current,
		logger:   logger.With(zap.String("component", "admin_api")),
	}
}

// HandleAgents lists every agent the registry knows, local and
// federated, with bodies collapsed to tool names.
func (h *AdminHandler) HandleAgents(w http.ResponseWriter, r *http.Request) {
	views := []api.AgentView{}
	if h.agents != nil {
		for _, rec := range h.agents.Snapshot() {
			views = append(views, api.NewAgentView(rec))
		}
	}
	WriteSuccess(w, r, api.AgentListResponse{Agents: views, Count: len(views)})
}

// HandleLinks lists federation links with their lifecycle state.
func (h *AdminHandler) HandleLinks(w http.ResponseWriter, r *http.Request) {
	views := []api.LinkView{}
	if h.links != nil {
		for _, info := range h.links.Links() {
			views = append(views, api.NewLinkView(info))
		}
	}
	WriteSuccess(w, r, api.LinkListResponse{Links: views, Count: len(views)})
}

// HandleSessions lists embodiment sessions, including terminal ones
// still inside the retention window.
func (h *AdminHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	views := []api.SessionView{}
	if h.sessions != nil {
		for _, s := range h.sessions.List() {
			views = append(views, api.NewSessionView(s))
		}
	}
	WriteSuccess(w, r, api.SessionListResponse{Sessions: views, Count: len(views)})
}

// HandleSessionAudit returns the ordered audit trail for one session.
func (h *AdminHandler) HandleSessionAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" || h.sessions == nil {
		WriteError(w, r, types.NewError(types.ErrSessionNotFound, "session not found"), h.logger)
		return
	}

	trail, err := h.sessions.AuditTrail(id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	records := make([]api.AuditEntryView, 0, len(trail))
	for _, rec := range trail {
		records = append(records, api.NewAuditEntryView(rec))
	}
	WriteSuccess(w, r, api.AuditTrailResponse{SessionID: id, Records: records, Count: len(records)})
}

// HandleConfig returns the resolved configuration with secrets
// blanked. Handy for verifying what a reload actually applied.
func (h *AdminHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if h.current == nil || h.current() == nil {
		WriteError(w, r, types.NewError(types.ErrServiceUnavailable, "configuration not loaded"), h.logger)
		return
	}

	redacted := *h.current()
	redacted.Auth.JWTSecret = ""
	redacted.Database.Password = ""
	redacted.Redis.Password = ""
	WriteSuccess(w, r, redacted)
}
