package api

import (
	"net/http"

	"ashen-realm/invader/internal/lifecycle"
	"ashen-realm/shared/httpx"
	"ashen-realm/shared/mqx"
)

type Broker interface {
	Status() mqx.Status
}

type statusResponse struct {
	Status   string     `json:"status"`
	Service  string     `json:"service"`
	Env      string     `json:"env,omitempty"`
	Version  string     `json:"version,omitempty"`
	RabbitMQ mqx.Status `json:"rabbitmq"`
}

type API struct {
	lc      *lifecycle.Lifecycle
	broker  Broker
	service string
	env     string
	version string
}

func New(lc *lifecycle.Lifecycle, broker Broker, service string, env string, version string) *API {
	return &API{lc: lc, broker: broker, service: service, env: env, version: version}
}

func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.HandleFunc("GET /api/invasions", a.handleSnapshot)
	mux.HandleFunc("GET /api/invasions/stats", a.handleStats)
	mux.HandleFunc("GET /api/invasions/{id}", a.handleInvasion)
}

func (a *API) status(s string) statusResponse {
	resp := statusResponse{Status: s, Service: a.service, Env: a.env, Version: a.version}
	if a.broker != nil {
		resp.RabbitMQ = a.broker.Status()
	}
	return resp
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.status("ok"))
}

// handleReady fails while the broker is down so orchestrators stop routing
// to an instance that cannot consume.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := a.status("ready")
	if !resp.RabbitMQ.Connected {
		resp.Status = "not_ready"
		httpx.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.lc.Snapshot())
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.lc.Stats())
}

func (a *API) handleInvasion(w http.ResponseWriter, r *http.Request) {
	inv, ok := a.lc.Get(r.PathValue("id"))
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "invasion not active", "No such spirit walks this world...")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, inv)
}
