package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/guard"
	"ngoportal.org/internal/obs"
	"ngoportal.org/internal/reconcile"
	"ngoportal.org/internal/rolechange"
	"ngoportal.org/internal/session"
)

// Pinger reports whether a backing dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks dependencies for /readyz. A nil Store is always ready.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps are the services the API exposes.
type Deps struct {
	Sessions   *session.Registry
	Directory  *auth.Directory
	Roles      *rolechange.Orchestrator
	Reconciler *reconcile.Reconciler

	// ProfileChanged notifies the target's sessions after lifecycle changes.
	ProfileChanged func(identityID string)

	// ReconcileScheduled reports whether failed partition writes are queued.
	ReconcileScheduled bool
}

// API is the HTTP layer of the portal.
type API struct {
	mux        *http.ServeMux
	deps       Deps
	readyProbe ReadyProbe
	version    string

	maxBody       int64
	origins       []string
	secureCookies bool
	rateBurst     int
	ratePerSec    float64
	readyWait     time.Duration
}

// Option configures API.
type Option func(*API)

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithAllowedOrigins admits extra CORS origins.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.origins = append(a.origins, origins...) }
}

// WithSecureCookies marks the session cookie Secure.
func WithSecureCookies(v bool) Option {
	return func(a *API) { a.secureCookies = v }
}

// WithSignInRate configures the per-IP sign-in token bucket.
func WithSignInRate(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithReadyWait bounds how long a request waits for its session to settle.
func WithReadyWait(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.readyWait = d
		}
	}
}

func New(deps Deps, rp ReadyProbe, version string, opts ...Option) (*API, error) {
	if deps.Sessions == nil || deps.Directory == nil || deps.Roles == nil || deps.Reconciler == nil {
		return nil, errors.New("httpapi: sessions, directory, roles and reconciler are required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		readyProbe: rp,
		version:    version,
		maxBody:    1 << 20,
		rateBurst:  5,
		ratePerSec: 0.2,
		readyWait:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/sign-in", RateLimit(http.HandlerFunc(a.handleSignIn), a.rateBurst, a.ratePerSec))
	a.mux.HandleFunc("POST /v1/auth/sign-out", a.handleSignOut)
	a.mux.HandleFunc("GET /v1/session", a.handleSession)
	a.mux.HandleFunc("GET /v1/session/events", a.handleSessionEvents)
	a.mux.HandleFunc("POST /v1/navigate", a.handleNavigate)
	a.mux.HandleFunc("GET /v1/capabilities", a.handleCapabilities)

	a.mux.HandleFunc("GET /v1/users", a.handleListUsers)
	a.mux.HandleFunc("POST /v1/users", a.handleCreateUser)
	a.mux.HandleFunc("GET /v1/users/{id}", a.handleGetUser)
	a.mux.HandleFunc("PATCH /v1/users/{id}", a.handleUpdateUser)
	a.mux.HandleFunc("PUT /v1/users/{id}/role", a.handleChangeRole)
	a.mux.HandleFunc("POST /v1/users/{id}/deactivate", a.handleDeactivate)
	a.mux.HandleFunc("GET /v1/users/{id}/partitions", a.handlePartitions)
	a.mux.HandleFunc("POST /v1/reconcile", a.handleReconcile)

	a.mux.Handle("/v1/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	}))
	a.mux.Handle("/", guard.Middleware(a.resolveSession, http.HandlerFunc(a.handlePage)))
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "portal-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": a.deps.Sessions.Len(),
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "portal-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// handlePage serves the guarded portal pages. Rendering belongs to the
// client; the server confirms the page and the identity it is shown to.
func (a *API) handlePage(w http.ResponseWriter, r *http.Request) {
	page := auth.CleanPath(r.URL.Path)
	body := map[string]any{"page": page}
	if section, ok := auth.ClassifyPath(page); ok {
		body["section"] = section.Role.String()
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		body["user_id"] = identity.ID
		body["role"] = identity.Role
		body["dashboard"] = identity.Role.DashboardRoute()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps auth sentinels and pipeline errors to responses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var werr *rolechange.PartitionWriteError
	switch {
	case errors.As(err, &werr):
		writeErrorBody(w, r, http.StatusInternalServerError, map[string]any{
			"error":               werr.Error(),
			"code":                "partition_write_failed",
			"reconcile_scheduled": werr.ReconcileScheduled,
		})
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAuthentication), errors.Is(err, auth.ErrNoSession):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, rolechange.ErrStepTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "storage timed out")
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
