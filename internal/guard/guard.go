// Package guard decides every navigation against the current session snapshot.
package guard

import (
	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/session"
)

// Action is the outcome of a navigation check.
type Action uint8

const (
	Proceed Action = iota + 1
	Redirect
	Block
	// Defer holds navigation while the session is still loading.
	Defer
)

func (a Action) String() string {
	switch a {
	case Proceed:
		return "proceed"
	case Redirect:
		return "redirect"
	case Block:
		return "block"
	case Defer:
		return "defer"
	default:
		return "invalid"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// User-visible notices.
const (
	NoticeAuthRequired       = "authentication required"
	NoticeAccessDenied       = "access denied"
	NoticeProfileUnavailable = "profile unavailable"
)

// Decision pairs a path with the snapshot version it was evaluated against.
type Decision struct {
	Action  Action `json:"action"`
	Target  string `json:"target,omitempty"`
	Notice  string `json:"notice,omitempty"`
	Path    string `json:"path"`
	Version uint64 `json:"version"`
}

// Evaluate decides navigation to p. It never caches and never panics.
func Evaluate(snap session.Snapshot, p string) Decision {
	p = auth.CleanPath(p)
	d := Decision{Path: p, Version: snap.Version}

	if snap.Loading() {
		d.Action = Defer
		return d
	}

	identity, ok := snap.Authorized()
	if !ok {
		switch {
		case auth.IsPublicPath(p):
			d.Action = Proceed
		case snap.State == session.StateAuthenticated && snap.ProfileUnavailable:
			d.Action = Block
			d.Notice = NoticeProfileUnavailable
		default:
			d.Action = Redirect
			d.Target = auth.LoginPath
			d.Notice = NoticeAuthRequired
		}
		return d
	}

	dashboard := auth.DashboardRouteForRole(identity.Role)
	switch {
	case auth.IsAuthEntryPath(p):
		d.Action = Redirect
		d.Target = dashboard
	case !auth.CanAccessPath(identity.Role, p):
		d.Action = Redirect
		d.Target = dashboard
		d.Notice = NoticeAccessDenied
	default:
		d.Action = Proceed
	}
	return d
}
