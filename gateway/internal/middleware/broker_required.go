package middleware

import (
	"net/http"

	"ashen-realm/shared/httpx"
)

// BrokerStatus reports whether the broker connection can take publishes.
type BrokerStatus interface {
	Ready() bool
}

type BrokerStatusFunc func() bool

func (f BrokerStatusFunc) Ready() bool { return f() }

// BrokerRequired answers 503 before the handler runs while the broker is
// down, so no request body is read and nothing is published.
type BrokerRequired struct {
	Broker BrokerStatus
	Skip   func(*http.Request) bool
}

func (m BrokerRequired) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Broker == nil || !m.Broker.Ready() {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"broker not available", "The bonfire has not been lit yet...")
			return
		}
		next.ServeHTTP(w, r)
	})
}
