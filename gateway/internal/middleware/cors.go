package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORS mirrors the open policy browser clients of the relay expect: any
// origin unless AllowedOrigins narrows it.
type CORS struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

func (m CORS) Wrap(next http.Handler) http.Handler {
	methods := strings.Join(orDefault(m.AllowedMethods, []string{"GET", "POST", "OPTIONS"}), ", ")
	headers := strings.Join(orDefault(m.AllowedHeaders, []string{"Content-Type", "X-Request-ID"}), ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if allowed := m.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if m.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(m.MaxAge.Seconds())))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m CORS) allowOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if len(m.AllowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range m.AllowedOrigins {
		switch allowed = strings.TrimSpace(allowed); {
		case allowed == "*":
			return "*"
		case strings.EqualFold(allowed, origin):
			return origin
		}
	}
	return ""
}

func orDefault(v []string, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}
