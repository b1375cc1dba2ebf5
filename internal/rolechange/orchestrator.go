// Package rolechange moves identities between roles while keeping exactly
// one partition row per identity, without cross-partition transactions.
package rolechange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ngoportal.org/internal/audit"
	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/obs"
	"ngoportal.org/internal/session"
)

const defaultStepTimeout = 5 * time.Second

// Refresher re-reads the caller's cached profile.
type Refresher interface {
	RefreshProfile(ctx context.Context) (session.Snapshot, error)
}

// Actor is the caller of an operation. Session is optional; when set and the
// operation targets the actor itself, it is refreshed afterwards.
type Actor struct {
	Identity auth.Identity
	Session  Refresher
}

// Orchestrator runs role changes and profile edits as step pipelines.
type Orchestrator struct {
	profiles    auth.ProfileStore
	partitions  auth.Partitions
	reconcile   auth.ReconcileScheduler
	notify      func(identityID string)
	stepTimeout time.Duration
	now         func() time.Time
	locks       *identityLocks
}

// Option configures Orchestrator.
type Option func(*Orchestrator)

// WithStepTimeout bounds every store call of the pipeline.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithReconciler receives identities whose partitions may have diverged.
func WithReconciler(s auth.ReconcileScheduler) Option {
	return func(o *Orchestrator) {
		o.reconcile = s
	}
}

// WithChangeNotifier is called after a profile write so other sessions of the
// identity can refresh.
func WithChangeNotifier(fn func(identityID string)) Option {
	return func(o *Orchestrator) {
		o.notify = fn
	}
}

func New(profiles auth.ProfileStore, partitions auth.Partitions, opts ...Option) (*Orchestrator, error) {
	if profiles == nil || partitions == nil {
		return nil, errors.New("rolechange: profile and partition stores are required")
	}
	o := &Orchestrator{
		profiles:    profiles,
		partitions:  partitions,
		stepTimeout: defaultStepTimeout,
		now:         time.Now,
		locks:       newIdentityLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ChangeRole moves identityID to newRole.
//
// Only an active administrator may change roles. Any other active identity
// may address itself with its current role, which is a no-op. The shared
// profile is written first and is authoritative; the old partition row is
// then removed best effort and the new one inserted. A failed insert returns
// *PartitionWriteError; a failed removal is a *PartitionCleanupWarning in the
// result. Both schedule reconciliation. Pipelines for the same identity run
// one at a time.
func (o *Orchestrator) ChangeRole(ctx context.Context, actor Actor, identityID string, newRole auth.Role) (Result, error) {
	var res Result
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return res, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	if !newRole.Valid() {
		return res, fmt.Errorf("%w: role is required", auth.ErrInvalidInput)
	}
	self := actor.Identity.ID == identityID
	if !actor.Identity.IsAdmin() && (!actor.Identity.Active || !self) {
		obs.ObserveRoleChange("forbidden")
		return res, auth.ErrForbidden
	}
	release, err := o.locks.acquire(ctx, identityID)
	if err != nil {
		obs.ObserveRoleChange("lock_timeout")
		return res, fmt.Errorf("wait for pending change on %s: %w", identityID, err)
	}
	defer release()

	var current auth.Identity
	if err := o.step(ctx, &res, StepLoadProfile, func(ctx context.Context) error {
		var err error
		current, err = o.profiles.Find(ctx, identityID)
		return err
	}); err != nil {
		obs.ObserveRoleChange("load_failed")
		return res, fmt.Errorf("load profile %s: %w", identityID, err)
	}
	res.Identity = current
	res.Previous = current.Role

	if current.Role == newRole {
		res.record(StepNoopCheck, StatusOK, nil, 0)
		o.repairCurrent(ctx, &res, current)
		obs.ObserveRoleChange("noop")
		return res, nil
	}
	if !actor.Identity.IsAdmin() {
		res.record(StepNoopCheck, StatusFailed, auth.ErrForbidden, 0)
		obs.ObserveRoleChange("forbidden")
		return res, auth.ErrForbidden
	}
	res.record(StepNoopCheck, StatusSkipped, nil, 0)

	now := o.now().UTC()
	next := current.Clone()
	next.Role = newRole
	next.UpdatedAt = now
	if err := o.step(ctx, &res, StepWriteProfile, func(ctx context.Context) error {
		updated, err := o.profiles.Update(ctx, next)
		if err == nil {
			next = updated
		}
		return err
	}); err != nil {
		if errors.Is(err, ErrStepTimeout) {
			// The write may still commit; let reconciliation settle the partitions.
			o.schedule(ctx, identityID, "profile_write_unknown")
		}
		obs.ObserveRoleChange("profile_write_failed")
		return res, fmt.Errorf("write profile %s: %w", identityID, err)
	}
	res.Identity = next
	res.Changed = true

	if err := o.step(ctx, &res, StepDeleteOld, func(ctx context.Context) error {
		err := o.partitions.Partition(current.Role).Delete(ctx, identityID)
		if errors.Is(err, auth.ErrNotFound) {
			return nil
		}
		return err
	}); err != nil {
		res.warn(&PartitionCleanupWarning{IdentityID: identityID, Role: current.Role, Op: "delete", Err: err})
		o.degrade(&res, StepDeleteOld)
		o.schedule(ctx, identityID, "stale_partition_row")
		obs.Warn("old_partition_row_not_removed", map[string]any{
			"user_id":   identityID,
			"partition": current.Role.Partition(),
			"error":     err,
		})
	}

	rec := auth.NewPartitionRecord(next, nil, now)
	rec.CreatedAt = current.CreatedAt
	if err := o.step(ctx, &res, StepInsertNew, func(ctx context.Context) error {
		return o.insertOrAlign(ctx, rec)
	}); err != nil {
		werr := &PartitionWriteError{IdentityID: identityID, Role: newRole, Err: err}
		werr.ReconcileScheduled = o.schedule(ctx, identityID, "missing_partition_row")
		obs.Alert("partition_invariant_violated", map[string]any{
			"user_id":             identityID,
			"role":                newRole.String(),
			"partition":           newRole.Partition(),
			"reconcile_scheduled": werr.ReconcileScheduled,
			"error":               err,
		})
		_ = audit.LogEvent(auditContext(ctx, actor), audit.EventPartitionWriteAlert, map[string]any{
			"target_id": identityID,
			"from":      current.Role.String(),
			"to":        newRole.String(),
			"error":     err.Error(),
		})
		obs.ObserveRoleChange("partition_write_failed")
		o.notifyChange(identityID)
		return res, werr
	}

	o.refreshSelf(ctx, &res, actor, identityID)
	o.notifyChange(identityID)

	event, outcome := audit.EventRoleChanged, "changed"
	if res.Degraded {
		event, outcome = audit.EventRoleChangeDegraded, "degraded"
	}
	_ = audit.LogEvent(auditContext(ctx, actor), event, map[string]any{
		"target_id": identityID,
		"from":      current.Role.String(),
		"to":        newRole.String(),
		"warnings":  res.WarningMessages(),
	})
	obs.ObserveRoleChange(outcome)
	return res, nil
}

// repairCurrent makes sure a no-op still leaves a row in the current partition.
func (o *Orchestrator) repairCurrent(ctx context.Context, res *Result, current auth.Identity) {
	partition := o.partitions.Partition(current.Role)
	err := o.step(ctx, res, StepRepairPartition, func(ctx context.Context) error {
		_, err := partition.Find(ctx, current.ID)
		if !errors.Is(err, auth.ErrNotFound) {
			return err
		}
		rec := auth.NewPartitionRecord(current, nil, o.now().UTC())
		err = partition.Insert(ctx, rec)
		if errors.Is(err, auth.ErrConflict) {
			return nil
		}
		return err
	})
	if err != nil {
		res.warn(&PartitionCleanupWarning{IdentityID: current.ID, Role: current.Role, Op: "repair", Err: err})
		o.degrade(res, StepRepairPartition)
		o.schedule(ctx, current.ID, "partition_repair_failed")
	}
}

// insertOrAlign inserts rec, or aligns an existing row left behind by an earlier run.
func (o *Orchestrator) insertOrAlign(ctx context.Context, rec auth.PartitionRecord) error {
	partition := o.partitions.Partition(rec.Role)
	err := partition.Insert(ctx, rec)
	if !errors.Is(err, auth.ErrConflict) {
		return err
	}
	return partition.Update(ctx, rec.IdentityID, auth.PartitionUpdate{
		FullName: &rec.FullName,
		Contact:  &rec.Contact,
		Active:   &rec.Active,
	})
}

func (o *Orchestrator) refreshSelf(ctx context.Context, res *Result, actor Actor, identityID string) {
	if actor.Session == nil || actor.Identity.ID != identityID {
		res.record(StepRefreshSession, StatusSkipped, nil, 0)
		return
	}
	if err := o.step(ctx, res, StepRefreshSession, func(ctx context.Context) error {
		_, err := actor.Session.RefreshProfile(ctx)
		return err
	}); err != nil {
		obs.Warn("session_refresh_failed", map[string]any{"user_id": identityID, "error": err})
	}
}

// step runs fn under the step timeout and records its outcome. A timeout is a
// failure even if fn would complete later.
func (o *Orchestrator) step(ctx context.Context, res *Result, name Step, fn func(context.Context) error) error {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(sctx) }()

	var err error
	select {
	case err = <-done:
	case <-sctx.Done():
		err = sctx.Err()
	}
	if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s after %s: %w", ErrStepTimeout, name, o.stepTimeout, err)
	}
	status := StatusOK
	if err != nil {
		status = StatusFailed
	}
	res.record(name, status, err, time.Since(start))
	return err
}

// degrade relabels the last outcome of step as degraded.
func (o *Orchestrator) degrade(res *Result, step Step) {
	for i := len(res.Steps) - 1; i >= 0; i-- {
		if res.Steps[i].Step == step {
			res.Steps[i].Status = StatusDegraded
			return
		}
	}
}

func (o *Orchestrator) schedule(ctx context.Context, identityID, reason string) bool {
	if o.reconcile == nil {
		return false
	}
	o.reconcile.ScheduleReconcile(context.WithoutCancel(ctx), identityID, reason)
	return true
}

func (o *Orchestrator) notifyChange(identityID string) {
	if o.notify != nil {
		o.notify(identityID)
	}
}

func auditContext(ctx context.Context, actor Actor) context.Context {
	if _, ok := auth.IdentityFromContext(ctx); ok {
		return ctx
	}
	return auth.ContextWithIdentity(ctx, actor.Identity)
}
