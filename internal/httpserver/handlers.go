package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"dripper/internal/domain"
	"dripper/internal/service"
	"dripper/internal/util"
)

type API struct {
	Svc *service.CampaignService
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns", a.handleCreateCampaign).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/steps", a.handleUpdateSteps).Methods(http.MethodPut)
	mux.HandleFunc("/v1/campaigns/{id}/activate", a.lifecycle(a.Svc.Activate)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/pause", a.lifecycle(a.Svc.Pause)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/resume", a.lifecycle(a.Svc.Resume)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.lifecycle(a.Svc.Cancel)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/enroll", a.handleEnroll).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/stats", a.handleStats).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/events", a.handleAuditEvents).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/media", a.handleRegisterMedia).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/webhooks", a.handleSubscribeWebhook).Methods(http.MethodPost)
	mux.HandleFunc("/v1/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
	mux.HandleFunc("/v1/identities", a.handleRegisterIdentity).Methods(http.MethodPost)
	mux.HandleFunc("/v1/identities", a.handleListIdentities).Methods(http.MethodGet)
	mux.HandleFunc("/v1/proxies", a.handleRegisterProxy).Methods(http.MethodPost)
	mux.HandleFunc("/v1/proxies", a.handleListProxies).Methods(http.MethodGet)
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	c, err := a.Svc.CreateCampaign(r.Context(), req, util.NewCampaignID(), util.NowUTC())
	if err != nil {
		writeError(w, err, "create campaign failed", "tenant_id", req.TenantID, "name", req.Name)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := a.Svc.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err, "get campaign failed", "campaign_id", id)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleUpdateSteps(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var steps []domain.Step
	if err := json.NewDecoder(r.Body).Decode(&steps); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := a.Svc.UpdateSteps(r.Context(), id, steps, util.NowUTC()); err != nil {
		writeError(w, err, "update steps failed", "campaign_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) lifecycle(op func(ctx context.Context, id string, now time.Time) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := op(r.Context(), id, util.NowUTC()); err != nil {
			writeError(w, err, "campaign transition failed", "campaign_id", id)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req domain.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	n, err := a.Svc.Enroll(r.Context(), id, req, util.NowUTC())
	if err != nil {
		writeError(w, err, "enroll failed", "campaign_id", id)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enrolled": n})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, err := a.Svc.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err, "stats failed", "campaign_id", id)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := a.Svc.AuditEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, err, "audit query failed", "campaign_id", id)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *API) handleRegisterMedia(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req domain.RegisterMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	m, err := a.Svc.RegisterMedia(r.Context(), id, req, util.NewMediaID(), util.NowUTC())
	if err != nil {
		writeError(w, err, "register media failed", "campaign_id", id)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleSubscribeWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req domain.SubscribeWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	sub, err := a.Svc.SubscribeWebhook(r.Context(), id, req, util.NewEventID(), util.NowUTC())
	if err != nil {
		writeError(w, err, "subscribe webhook failed", "campaign_id", id)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := a.Svc.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, err, "get message failed", "message_id", id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	id, err := a.Svc.RegisterIdentity(r.Context(), req, util.NewIdentityID(), util.NowUTC())
	if err != nil {
		writeError(w, err, "register identity failed", "tenant_id", req.TenantID)
		return
	}
	writeJSON(w, http.StatusCreated, id)
}

func (a *API) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		http.Error(w, "missing tenantId", http.StatusBadRequest)
		return
	}
	ids, err := a.Svc.ListIdentities(r.Context(), tenantID)
	if err != nil {
		writeError(w, err, "list identities failed", "tenant_id", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (a *API) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	p, err := a.Svc.RegisterProxy(r.Context(), req, util.NewProxyID(), util.NowUTC())
	if err != nil {
		writeError(w, err, "register proxy failed", "tenant_id", req.TenantID)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleListProxies(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		http.Error(w, "missing tenantId", http.StatusBadRequest)
		return
	}
	prx, err := a.Svc.ListProxies(r.Context(), tenantID)
	if err != nil {
		writeError(w, err, "list proxies failed", "tenant_id", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, prx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, msg string, args ...any) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrInvalidStepDefinition):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrStepsFrozen):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error(msg, append([]any{"err", err}, args...)...)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}
