// Package httpapi implements the HTTP surface that sits outside the
// webhook: health, the manual flow-trigger endpoint, Flow CRUD, and a
// session logs endpoint, following a gorilla/mux-and-JSON-envelope handler
// style.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"flowcast/internal/executor"
	"flowcast/internal/models"
	"flowcast/internal/sanitize"
	"flowcast/internal/session"
	"flowcast/internal/store"
)

type API struct {
	store    *store.Store
	resolver *session.Resolver
	engine   *executor.Engine
}

func New(s *store.Store) *API {
	return &API{store: s, resolver: session.NewResolver(s), engine: executor.NewEngine(s)}
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	r.HandleFunc("/flows", a.createFlow).Methods(http.MethodPost)
	r.HandleFunc("/flows/{flowId}", a.getFlow).Methods(http.MethodGet)
	r.HandleFunc("/flows/{flowId}", a.updateFlow).Methods(http.MethodPut)
	r.HandleFunc("/flows/{flowId}/trigger", a.triggerFlow).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionId}/logs", a.sessionLogs).Methods(http.MethodGet)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ─── Flow CRUD ──────────────────────────────────────────────────────────────

type flowRequest struct {
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Trigger    string `json:"trigger"`
	Status     string `json:"status"`
	Channel    string `json:"channel"`
	Definition any    `json:"definition"`
	MetaFlow   struct {
		ID         string `json:"id"`
		Token      string `json:"token"`
		Version    string `json:"version"`
		RevisionID string `json:"revisionId"`
		Status     string `json:"status"`
		Metadata   string `json:"metadata"`
	} `json:"metaFlow"`
}

func (a *API) createFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UserID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "userId and name are required")
		return
	}

	def, err := sanitize.Sanitize(req.Definition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := models.FlowStatus(req.Status)
	if status == "" {
		status = models.FlowDraft
	}
	channel := models.Channel(req.Channel)
	if channel == "" {
		channel = models.ChannelWhatsApp
	}

	flow := &models.Flow{
		UserID:     req.UserID,
		Name:       req.Name,
		Trigger:    req.Trigger,
		Status:     status,
		Channel:    channel,
		Definition: def,
		MetaFlow: models.MetaFlow{
			ID: req.MetaFlow.ID, Token: req.MetaFlow.Token, Version: req.MetaFlow.Version,
			RevisionID: req.MetaFlow.RevisionID, Status: req.MetaFlow.Status, Metadata: req.MetaFlow.Metadata,
		},
	}
	if err := a.store.CreateFlow(flow); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, flow)
}

func (a *API) getFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := a.store.GetFlow(mux.Vars(r)["flowId"])
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "flow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (a *API) updateFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowId"]
	flow, err := a.store.GetFlow(flowID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "flow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req flowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name != "" {
		flow.Name = req.Name
	}
	if req.Trigger != "" {
		flow.Trigger = req.Trigger
	}
	if req.Status != "" {
		flow.Status = models.FlowStatus(req.Status)
	}
	if req.Channel != "" {
		flow.Channel = models.Channel(req.Channel)
	}
	if req.Definition != nil {
		def, err := sanitize.Sanitize(req.Definition)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		flow.Definition = def
	}
	if req.MetaFlow.ID != "" {
		flow.MetaFlow.ID = req.MetaFlow.ID
	}
	if req.MetaFlow.Token != "" {
		flow.MetaFlow.Token = req.MetaFlow.Token
	}

	if err := a.store.UpdateFlow(flow); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// ─── Manual trigger ─────────────────────────────────────────────────────────

type triggerRequest struct {
	From      string         `json:"from"`
	Message   string         `json:"message"`
	Name      string         `json:"name"`
	Variables map[string]any `json:"variables"`
}

func (a *API) triggerFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowId"]

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTriggerError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.From == "" {
		writeTriggerError(w, http.StatusBadRequest, "from is required")
		return
	}

	flow, err := a.store.GetFlow(flowID)
	if err != nil {
		if err == store.ErrNotFound {
			writeTriggerError(w, http.StatusNotFound, "flow not found")
			return
		}
		writeTriggerError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if flow.Status != models.FlowActive {
		writeTriggerError(w, http.StatusConflict, "flow is not active")
		return
	}

	user, err := a.store.GetUser(flow.UserID)
	if err != nil {
		writeTriggerError(w, http.StatusInternalServerError, err.Error())
		return
	}

	contact, err := a.resolver.GetOrCreateContact(flow.UserID, req.From, req.Name)
	if err != nil {
		writeTriggerError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sess, err := a.resolver.EnsureSessionForFlow(contact.ID, flow.ID)
	if err != nil {
		writeTriggerError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	for k, v := range req.Variables {
		sess.Context[k] = v
	}

	if err := a.engine.Run(r.Context(), user, contact, flow, sess, executor.InboundEvent{Text: req.Message}); err != nil {
		status := http.StatusInternalServerError
		if se, ok := err.(*executor.SendError); ok && se.Status != 0 {
			status = se.Status
		}
		writeTriggerError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"flowId":    flow.ID,
		"contactId": contact.ID,
		"sessionId": sess.ID,
	})
}

// ─── Logs ───────────────────────────────────────────────────────────────────

func (a *API) sessionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.store.ListLogs(mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// ─── helpers ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "status": status})
}

func writeTriggerError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg, "status": status})
}
