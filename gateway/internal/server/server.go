package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ashen-realm/gateway/internal/middleware"
	"ashen-realm/gateway/internal/routing"
	"ashen-realm/shared/events"
	"ashen-realm/shared/httpx"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
	"ashen-realm/shared/mqx"
)

const maxBodyBytes = 1 << 20

// Publisher is the part of the message bus the gateway needs.
type Publisher interface {
	Send(ctx context.Context, queue string, event any) error
	Emit(ctx context.Context, routingKey string, event any) error
}

type Broker interface {
	Status() mqx.Status
}

type Options struct {
	Publisher Publisher
	Broker    Broker
	Routes    routing.Resolver
	Version   string
	Now       func() time.Time
	Logger    logx.Logger
}

type Server struct {
	pub     Publisher
	broker  Broker
	routes  routing.Resolver
	version string
	now     func() time.Time
	started time.Time
	log     logx.Logger
}

func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Server{
		pub:     opts.Publisher,
		broker:  opts.Broker,
		routes:  opts.Routes,
		version: opts.Version,
		now:     opts.Now,
		started: opts.Now(),
		log:     opts.Logger,
	}
}

type links struct {
	Self   string `json:"self"`
	Status string `json:"status"`
}

type statusResponse struct {
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	RabbitMQ  mqx.Status `json:"rabbitmq"`
	Timestamp time.Time  `json:"timestamp"`
	Version   string     `json:"version"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

type messageRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
	Zone    string `json:"zone"`
}

type messageResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	Links     links  `json:"_links"`
}

type invadeRequest struct {
	Invader  string `json:"invader"`
	Target   string `json:"target"`
	Zone     string `json:"zone"`
	Covenant string `json:"covenant"`
}

type invadeResponse struct {
	Status     string `json:"status"`
	InvasionID string `json:"invasionId"`
	Message    string `json:"message"`
	Links      links  `json:"_links"`
}

type bonfireRequest struct {
	Player  string `json:"player"`
	Bonfire string `json:"bonfire"`
	Zone    string `json:"zone"`
}

type bonfireResponse struct {
	Status  string `json:"status"`
	EventID string `json:"eventId"`
	Message string `json:"message"`
	Links   links  `json:"_links"`
}

// Routes registers every gateway endpoint on mux. Publishing endpoints sit
// behind the broker check.
func (s *Server) Routes(mux *http.ServeMux) {
	brokerRequired := middleware.BrokerRequired{Broker: middleware.BrokerStatusFunc(s.brokerReady)}

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.Handle("POST /api/send-message", brokerRequired.Wrap(http.HandlerFunc(s.handleSendMessage)))
	mux.Handle("POST /api/invade", brokerRequired.Wrap(http.HandlerFunc(s.handleInvade)))
	mux.Handle("POST /api/light-bonfire", brokerRequired.Wrap(http.HandlerFunc(s.handleLightBonfire)))
}

func (s *Server) brokerReady() bool {
	return s.broker != nil && s.broker.Status().Connected
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"service": "Bonfire Relay API Gateway",
		"message": "Welcome to the Ashen Network",
		"version": s.version,
		"endpoints": map[string]string{
			"status":        "/api/status",
			"send_message":  "/api/send-message",
			"invade":        "/api/invade",
			"light_bonfire": "/api/light-bonfire",
			"health":        "/health",
			"metrics":       "/metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Uptime:    now.Sub(s.started).Seconds(),
		Timestamp: now.UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st mqx.Status
	if s.broker != nil {
		st = s.broker.Status()
	}
	resp := statusResponse{
		Status:    "ready",
		Message:   "The flame burns bright",
		RabbitMQ:  st,
		Timestamp: s.now().UTC(),
		Version:   s.version,
	}
	code := http.StatusOK
	if !st.Connected {
		resp.Status = "not_ready"
		resp.Message = "The fire fades..."
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, resp)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Sender) == "" || strings.TrimSpace(req.Message) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT",
			"sender and message are required", "A messenger must have a name and words to carry...")
		return
	}

	msg := events.NewMessage(req.Sender, req.Message, req.Zone)
	if !s.publish(w, r, events.KindMessage, msg, "The messenger was consumed by darkness...") {
		return
	}
	s.log.Info(r.Context(), "message_sent", "message relayed",
		slog.String("message_id", msg.ID),
		slog.String("sender", msg.Sender),
		slog.String("zone", msg.Zone),
	)
	httpx.WriteJSON(w, http.StatusOK, messageResponse{
		Status:    "sent",
		MessageID: msg.ID,
		Message:   "Message carried by the winds of Lordran",
		Links:     links{Self: "/api/send-message", Status: "/api/status"},
	})
}

func (s *Server) handleInvade(w http.ResponseWriter, r *http.Request) {
	var req invadeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Invader) == "" || strings.TrimSpace(req.Target) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT",
			"invader and target are required", "An invasion requires both hunter and prey...")
		return
	}

	inv := events.NewInvasion(req.Invader, req.Target, req.Zone, req.Covenant)
	if !s.publish(w, r, events.KindInvasion, inv, "The invasion was thwarted by the abyss...") {
		return
	}
	s.log.Info(r.Context(), "invasion_sent", "invasion relayed",
		slog.String("invasion_id", inv.ID),
		slog.String("invader", inv.Invader),
		slog.String("target", inv.Target),
		slog.String("zone", inv.Zone),
	)
	httpx.WriteJSON(w, http.StatusOK, invadeResponse{
		Status:     "invasion_started",
		InvasionID: inv.ID,
		Message:    fmt.Sprintf("%s has invaded %s's world!", inv.Invader, inv.Target),
		Links:      links{Self: "/api/invade", Status: "/api/status"},
	})
}

func (s *Server) handleLightBonfire(w http.ResponseWriter, r *http.Request) {
	var req bonfireRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Player) == "" || strings.TrimSpace(req.Bonfire) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT",
			"player and bonfire are required", "One must identify themselves to light the flame...")
		return
	}

	ev := events.NewBonfire(req.Player, req.Bonfire, req.Zone)
	if !s.publish(w, r, events.KindBonfireLit, ev, "The flame could not be lit...") {
		return
	}
	s.log.Info(r.Context(), "bonfire_sent", "bonfire relayed",
		slog.String("event_id", ev.ID),
		slog.String("player", ev.Player),
		slog.String("bonfire", ev.Bonfire),
	)
	httpx.WriteJSON(w, http.StatusOK, bonfireResponse{
		Status:  "bonfire_lit",
		EventID: ev.ID,
		Message: fmt.Sprintf("The bonfire %s has been lit. Rest well, %s.", ev.Bonfire, ev.Player),
		Links:   links{Self: "/api/light-bonfire", Status: "/api/status"},
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "request body required", "The words were lost in the fog...")
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", "The words were lost in the fog...")
		return false
	}
	return true
}

// publish routes event by kind and maps broker failures onto 503 and 500.
func (s *Server) publish(w http.ResponseWriter, r *http.Request, kind events.Kind, event any, lost string) bool {
	route, ok := s.routes.Resolve(kind)
	if !ok {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "no route for "+string(kind), lost)
		return false
	}

	var err error
	if route.Topic() {
		err = s.pub.Emit(r.Context(), route.RoutingKey, event)
	} else {
		err = s.pub.Send(r.Context(), route.Queue, event)
	}
	if err == nil {
		return true
	}

	s.log.Error(r.Context(), "publish_failed", "failed to publish event",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("kind", string(kind)),
		slog.String("destination", route.Destination()),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, mqx.ErrNotConnected) || errors.Is(err, mqx.ErrClosed) {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "broker not available", "The bonfire has not been lit yet...")
		return false
	}
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to publish "+strings.ToLower(string(kind)), lost)
	return false
}

// Handler wires the full middleware chain around the gateway routes.
func Handler(s *Server, log logx.Logger, timeout time.Duration, cors middleware.CORS, limiter *middleware.IPRateLimiter) http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	mux.Handle("GET /metrics", metricsx.Handler())

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", "There is nothing here but hollows...")
	})

	skipLimit := func(r *http.Request) bool {
		return r.URL.Path == "/health" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(timeout, handler)
	handler = middleware.RateLimit{Limiter: limiter, Skip: skipLimit}.Wrap(handler)
	handler = cors.Wrap(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(log, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(log, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/health": true, "/metrics": true}}, handler)
	return handler
}
