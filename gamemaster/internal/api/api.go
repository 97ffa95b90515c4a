package api

import (
	"net/http"

	"ashen-realm/gamemaster/internal/realm"
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
	realm   *realm.Realm
	broker  Broker
	service string
	env     string
	version string
}

func New(r *realm.Realm, broker Broker, service string, env string, version string) *API {
	return &API{realm: r, broker: broker, service: service, env: env, version: version}
}

func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.HandleFunc("GET /api/players", a.handlePlayers)
	mux.HandleFunc("GET /api/players/{name}", a.handlePlayer)
	mux.HandleFunc("GET /api/gamemaster/stats", a.handleStats)
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

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := a.status("ready")
	if !resp.RabbitMQ.Connected {
		resp.Status = "not_ready"
		httpx.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *API) handlePlayers(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.realm.Players())
}

func (a *API) handlePlayer(w http.ResponseWriter, r *http.Request) {
	p, ok := a.realm.Player(r.PathValue("name"))
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "player not seen", "No such traveler has passed through here...")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.realm.Stats())
}
