package guard

import (
	"context"
	"net/http"
	"net/url"

	"ngoportal.org/internal/audit"
	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/obs"
	"ngoportal.org/internal/session"
)

// NoticeHeader carries the user-visible notice of a redirect or block.
const NoticeHeader = "X-Portal-Notice"

// Session is what the middleware needs from a per-request session.
type Session interface {
	Snapshot() session.Snapshot
	Ready(ctx context.Context) error
}

// Resolver finds the session of a request; nil means anonymous.
type Resolver func(r *http.Request) Session

var anonymousSnapshot = session.NewSnapshot(session.StateAnonymous, nil)

// Middleware enforces Evaluate on every request before next runs. Requests
// wait for the session to settle, bounded by the request context.
func Middleware(resolve Resolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := anonymousSnapshot
		if s := resolve(r); s != nil {
			if err := s.Ready(r.Context()); err != nil {
				obs.ObserveGuardDecision(Defer.String())
				w.Header().Set("Retry-After", "1")
				http.Error(w, "session loading", http.StatusServiceUnavailable)
				return
			}
			snap = s.Snapshot()
		}

		d := Evaluate(snap, r.URL.Path)
		obs.ObserveGuardDecision(d.Action.String())
		if d.Notice != "" {
			w.Header().Set(NoticeHeader, d.Notice)
		}
		switch d.Action {
		case Proceed:
			ctx := r.Context()
			if identity, ok := snap.Authorized(); ok {
				ctx = auth.ContextWithIdentity(ctx, identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		case Redirect:
			if d.Notice == NoticeAccessDenied {
				ctx := r.Context()
				if identity, ok := snap.Authorized(); ok {
					ctx = auth.ContextWithIdentity(ctx, identity)
				}
				_ = audit.LogEvent(ctx, audit.EventAccessDenied, map[string]any{"path": d.Path, "target": d.Target})
			}
			http.Redirect(w, r, redirectTarget(d), http.StatusSeeOther)
		case Block:
			http.Error(w, d.Notice, http.StatusForbidden)
		default:
			w.Header().Set("Retry-After", "1")
			http.Error(w, "session loading", http.StatusServiceUnavailable)
		}
	})
}

func redirectTarget(d Decision) string {
	if d.Notice == "" {
		return d.Target
	}
	return d.Target + "?" + url.Values{"notice": {d.Notice}}.Encode()
}
