package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"ngoportal.org/internal/audit"
	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/guard"
	"ngoportal.org/internal/obs"
	"ngoportal.org/internal/session"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	Token   string       `json:"token"`
	Session session.View `json:"session"`
}

type navigateRequest struct {
	Path string `json:"path"`
}

const heartbeatInterval = 25 * time.Second

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	s := a.deps.Sessions.NewStore()
	snap, err := s.SignIn(r.Context(), auth.Credentials{Email: email, Password: req.Password})
	if err != nil {
		s.Close()
		_ = audit.LogEvent(r.Context(), audit.EventSignInFailed, map[string]any{
			"email":     email,
			"remote_ip": clientIP(r),
		})
		if errors.Is(err, auth.ErrAuthentication) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		handleServiceError(w, r, err)
		return
	}
	if !a.deps.Sessions.Attach(s) {
		s.Close()
		writeError(w, r, http.StatusInternalServerError, "session not established")
		return
	}
	ctx := r.Context()
	if identity, ok := snap.Identity(); ok {
		ctx = auth.ContextWithIdentity(ctx, identity)
	}
	_ = audit.LogEvent(ctx, audit.EventSignIn, map[string]any{
		"user_id":             snap.UserID,
		"profile_unavailable": snap.ProfileUnavailable,
	})
	a.setSessionCookie(w, snap.Token())
	writeJSON(w, http.StatusOK, signInResponse{Token: snap.Token(), Session: snap.View()})
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s, token := a.sessionFor(r)
	a.clearSessionCookie(w)
	if s == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx := r.Context()
	if identity, ok := s.Snapshot().Identity(); ok {
		ctx = auth.ContextWithIdentity(ctx, identity)
	}
	err := s.SignOut(ctx)
	a.deps.Sessions.Drop(token)
	_ = audit.LogEvent(ctx, audit.EventSignOut, nil)
	if err != nil {
		obs.Warn("provider_sign_out_failed", map[string]any{
			"request_id": RequestIDFromContext(ctx),
			"error":      err,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// current returns the settled snapshot of the request's session, anonymous
// when it carries no token.
func (a *API) current(ctx context.Context, r *http.Request) (session.Snapshot, error) {
	s, _ := a.sessionFor(r)
	if s == nil {
		return session.NewSnapshot(session.StateAnonymous, nil), nil
	}
	return a.settled(ctx, s)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	snap, err := a.current(r.Context(), r)
	if err != nil {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "session loading")
		return
	}
	writeJSON(w, http.StatusOK, snap.View())
}

// handleSessionEvents streams session views as Server-Sent Events. The
// first event is the current view; later events follow every transition.
func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	s, _ := a.sessionFor(r)
	if s == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates := s.Watch(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, "session", snap.View()); err != nil {
				return
			}
			flusher.Flush()
			if snap.State == session.StateAnonymous {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + name + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// handleNavigate returns the guard decision for a path without following it.
func (a *API) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, r, http.StatusBadRequest, "path is required")
		return
	}
	snap, err := a.current(r.Context(), r)
	if err != nil {
		snap = session.NewSnapshot(session.StateLoading, nil)
	}
	d := guard.Evaluate(snap, req.Path)
	obs.ObserveGuardDecision(d.Action.String())
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	identity, _, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":         identity.Role,
		"dashboard":    identity.Role.DashboardRoute(),
		"capabilities": auth.Capabilities(identity.Role),
	})
}
