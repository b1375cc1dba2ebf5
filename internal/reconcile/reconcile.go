// Package reconcile detects and repairs identities whose partition rows
// disagree with the role in their shared profile.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ngoportal.org/internal/audit"
	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/obs"
)

// Inconsistency kinds.
const (
	KindMissing = "missing"
	KindStale   = "stale"
)

// Report describes the partition state of one identity.
type Report struct {
	IdentityID string      `json:"identity_id"`
	Role       auth.Role   `json:"role"`
	Present    []auth.Role `json:"present"`
	Missing    bool        `json:"missing"`
	Stale      []auth.Role `json:"stale,omitempty"`
}

// Consistent reports exactly one row, in the profile's role partition.
func (r Report) Consistent() bool {
	return !r.Missing && len(r.Stale) == 0
}

// Reconciler queries and repairs partitions against the profile store.
type Reconciler struct {
	profiles   auth.ProfileStore
	partitions auth.Partitions
	now        func() time.Time
}

// Option configures Reconciler.
type Option func(*Reconciler)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.now = fn
		}
	}
}

func New(profiles auth.ProfileStore, partitions auth.Partitions, opts ...Option) (*Reconciler, error) {
	if profiles == nil || partitions == nil {
		return nil, errors.New("reconcile: profile and partition stores are required")
	}
	r := &Reconciler{profiles: profiles, partitions: partitions, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Locate lists the partitions that hold a row for identityID.
func (r *Reconciler) Locate(ctx context.Context, identityID string) ([]auth.Role, error) {
	var present []auth.Role
	for _, role := range auth.Roles {
		_, err := r.partitions.Partition(role).Find(ctx, identityID)
		switch {
		case err == nil:
			present = append(present, role)
		case errors.Is(err, auth.ErrNotFound):
		default:
			return nil, fmt.Errorf("find %s row: %w", role.Partition(), err)
		}
	}
	return present, nil
}

// Check compares the partitions holding identityID with its profile role.
func (r *Reconciler) Check(ctx context.Context, identityID string) (Report, error) {
	profile, err := r.profiles.Find(ctx, identityID)
	if err != nil {
		return Report{}, fmt.Errorf("load profile %s: %w", identityID, err)
	}
	return r.check(ctx, profile)
}

func (r *Reconciler) check(ctx context.Context, profile auth.Identity) (Report, error) {
	present, err := r.Locate(ctx, profile.ID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{IdentityID: profile.ID, Role: profile.Role, Present: present, Missing: true}
	for _, role := range present {
		if role == profile.Role {
			rep.Missing = false
			continue
		}
		rep.Stale = append(rep.Stale, role)
	}
	if rep.Missing {
		obs.ObservePartitionInconsistency(KindMissing)
	}
	for range rep.Stale {
		obs.ObservePartitionInconsistency(KindStale)
	}
	return rep, nil
}

// Repair inserts the missing row from the profile and deletes stale rows.
// The returned report describes the state found before repairing.
func (r *Reconciler) Repair(ctx context.Context, identityID string) (Report, error) {
	profile, err := r.profiles.Find(ctx, identityID)
	if err != nil {
		return Report{}, fmt.Errorf("load profile %s: %w", identityID, err)
	}
	return r.repair(ctx, profile)
}

func (r *Reconciler) repair(ctx context.Context, profile auth.Identity) (Report, error) {
	rep, err := r.check(ctx, profile)
	if err != nil || rep.Consistent() {
		return rep, err
	}
	var errs []error
	if rep.Missing {
		rec := auth.NewPartitionRecord(profile, nil, r.now().UTC())
		err := r.partitions.Partition(profile.Role).Insert(ctx, rec)
		switch {
		case err == nil:
			obs.ObserveReconcileRepair("inserted")
		case errors.Is(err, auth.ErrConflict):
		default:
			errs = append(errs, fmt.Errorf("insert %s row: %w", profile.Role.Partition(), err))
		}
	}
	for _, role := range rep.Stale {
		err := r.partitions.Partition(role).Delete(ctx, profile.ID)
		switch {
		case err == nil:
			obs.ObserveReconcileRepair("deleted")
		case errors.Is(err, auth.ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("delete %s row: %w", role.Partition(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return rep, err
	}
	_ = audit.LogEvent(ctx, audit.EventPartitionRepaired, map[string]any{
		"target_id": profile.ID,
		"role":      profile.Role.String(),
		"missing":   rep.Missing,
		"stale":     len(rep.Stale),
	})
	return rep, nil
}

// Summary aggregates a scan.
type Summary struct {
	Checked      int      `json:"checked"`
	Inconsistent int      `json:"inconsistent"`
	Repaired     int      `json:"repaired"`
	Failed       int      `json:"failed"`
	Reports      []Report `json:"reports,omitempty"`
}

// Scan checks every profile, repairing when repair is set. Per-identity
// failures are counted and logged; the scan continues.
func (r *Reconciler) Scan(ctx context.Context, repair bool) (Summary, error) {
	profiles, err := r.profiles.List(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list profiles: %w", err)
	}
	var sum Summary
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++
		var rep Report
		if repair {
			rep, err = r.repair(ctx, profile)
		} else {
			rep, err = r.check(ctx, profile)
		}
		if err != nil {
			sum.Failed++
			obs.Error("reconcile_failed", map[string]any{"user_id": profile.ID, "error": err})
		}
		if rep.IdentityID != "" && !rep.Consistent() {
			sum.Inconsistent++
			sum.Reports = append(sum.Reports, rep)
			if repair && err == nil {
				sum.Repaired++
			}
		}
	}
	return sum, nil
}
