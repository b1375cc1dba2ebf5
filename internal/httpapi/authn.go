package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/guard"
	"ngoportal.org/internal/session"
)

const (
	// SessionCookie carries the provider session token for browsers.
	SessionCookie = "portal_session"

	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMalformedAuth = errors.New("invalid authorization scheme")

// sessionToken reads the bearer token, falling back to the session cookie.
func sessionToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return strings.TrimSpace(c.Value), nil
	}
	return "", nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errMalformedAuth
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// sessionFor returns the registry store bound to the request token, or nil
// when the request carries none.
func (a *API) sessionFor(r *http.Request) (*session.Store, string) {
	token, err := sessionToken(r)
	if err != nil || token == "" {
		return nil, ""
	}
	return a.deps.Sessions.Open(token), token
}

// resolveSession adapts sessionFor to the guard middleware, which treats an
// untyped nil as anonymous.
func (a *API) resolveSession(r *http.Request) guard.Session {
	s, _ := a.sessionFor(r)
	if s == nil {
		return nil
	}
	return s
}

// settled waits for s to leave the loading state, bounded by readyWait.
func (a *API) settled(ctx context.Context, s *session.Store) (session.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, a.readyWait)
	defer cancel()
	if err := s.Ready(ctx); err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// requireIdentity resolves the authorized caller or writes the failure:
// 401 without a usable session, 403 for an inactive or profile-less one,
// 503 while the session is still loading.
func (a *API) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, *session.Store, bool) {
	if _, err := sessionToken(r); err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return auth.Identity{}, nil, false
	}
	s, token := a.sessionFor(r)
	if s == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Identity{}, nil, false
	}
	snap, err := a.settled(r.Context(), s)
	if err != nil {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "session loading")
		return auth.Identity{}, nil, false
	}
	if identity, ok := snap.Authorized(); ok {
		return identity, s, true
	}
	switch {
	case snap.State != session.StateAuthenticated:
		a.deps.Sessions.Drop(token)
		a.clearSessionCookie(w)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case snap.ProfileUnavailable:
		writeError(w, r, http.StatusForbidden, guard.NoticeProfileUnavailable)
	default:
		writeError(w, r, http.StatusForbidden, "account inactive")
	}
	return auth.Identity{}, nil, false
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
