package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "heatsync",
	Subsystem: "auth",
	Name:      "rejected_requests_total",
	Help:      "Requests refused before reaching a handler, by reason.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(rejectedCounter)
}

// Skipper reports requests that bypass authentication.
type Skipper func(r *http.Request) bool

// SkipPaths bypasses authentication for exact path matches.
func SkipPaths(paths ...string) Skipper {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.URL.Path]
		return ok
	}
}

// SkipProbes bypasses authentication for health and metrics endpoints.
var SkipProbes = SkipPaths("/healthz", "/metrics")

// Middleware validates bearer tokens and stores the account claims on the request context.
type Middleware struct {
	Config  Config
	Skipper Skipper
}

// NewMiddleware constructs a middleware; skipper may be nil.
func NewMiddleware(cfg Config, skipper Skipper) Middleware {
	return Middleware{Config: cfg, Skipper: skipper}
}

// Wrap wraps an http.Handler with authentication.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skipper != nil && m.Skipper(r) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearerToken(r)
		if err == nil {
			var claims *Claims
			if claims, err = Parse(token, m.Config); err == nil {
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
				return
			}
		}
		reject(w, err)
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(token), nil
}

func reject(w http.ResponseWriter, err error) {
	reason := "invalid_token"
	if errors.Is(err, ErrMissingToken) {
		reason = "missing_token"
	}
	rejectedCounter.WithLabelValues(reason).Inc()

	w.Header().Set("WWW-Authenticate", `Bearer realm="heatsync", error="`+reason+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": "unauthorized", "detail": err.Error()})
}
