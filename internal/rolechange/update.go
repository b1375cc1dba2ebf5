package rolechange

import (
	"context"
	"fmt"
	"strings"

	"ngoportal.org/internal/audit"
	"ngoportal.org/internal/auth"
)

// UpdateUser applies non-role profile edits and mirrors them into the
// identity's current partition row. An administrator may edit anyone; an
// active identity may edit its own name, contact and additional info. The
// profile write aborts on failure; a failed mirror is a warning.
func (o *Orchestrator) UpdateUser(ctx context.Context, actor Actor, identityID string, upd auth.ProfileUpdate) (Result, error) {
	var res Result
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return res, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	if upd.Empty() {
		return res, fmt.Errorf("%w: nothing to update", auth.ErrInvalidInput)
	}
	if upd.FullName != nil && strings.TrimSpace(*upd.FullName) == "" {
		return res, fmt.Errorf("%w: full name cannot be empty", auth.ErrInvalidInput)
	}
	admin := actor.Identity.Can(auth.CapManageUsers)
	self := actor.Identity.Active && actor.Identity.ID == identityID
	if !admin && !self {
		return res, auth.ErrForbidden
	}
	if !admin && (upd.Active != nil || upd.LastLoginAt != nil) {
		return res, auth.ErrForbidden
	}
	release, err := o.locks.acquire(ctx, identityID)
	if err != nil {
		return res, fmt.Errorf("wait for pending change on %s: %w", identityID, err)
	}
	defer release()

	var current auth.Identity
	if err := o.step(ctx, &res, StepLoadProfile, func(ctx context.Context) error {
		var err error
		current, err = o.profiles.Find(ctx, identityID)
		return err
	}); err != nil {
		return res, fmt.Errorf("load profile %s: %w", identityID, err)
	}
	res.Identity = current
	res.Previous = current.Role

	next := upd.Apply(current)
	next.UpdatedAt = o.now().UTC()
	if err := o.step(ctx, &res, StepWriteProfile, func(ctx context.Context) error {
		updated, err := o.profiles.Update(ctx, next)
		if err == nil {
			next = updated
		}
		return err
	}); err != nil {
		return res, fmt.Errorf("write profile %s: %w", identityID, err)
	}
	res.Identity = next
	res.Changed = true

	mirror := auth.PartitionUpdate{FullName: upd.FullName, Contact: upd.Contact, Active: upd.Active}
	if mirror.FullName != nil || mirror.Contact != nil || mirror.Active != nil {
		if err := o.step(ctx, &res, StepMirrorPartition, func(ctx context.Context) error {
			return o.partitions.Partition(next.Role).Update(ctx, identityID, mirror)
		}); err != nil {
			res.warn(&PartitionCleanupWarning{IdentityID: identityID, Role: next.Role, Op: "update", Err: err})
			o.degrade(&res, StepMirrorPartition)
			o.schedule(ctx, identityID, "partition_mirror_failed")
		}
	} else {
		res.record(StepMirrorPartition, StatusSkipped, nil, 0)
	}

	o.refreshSelf(ctx, &res, actor, identityID)
	o.notifyChange(identityID)
	_ = audit.LogEvent(auditContext(ctx, actor), audit.EventUserUpdated, map[string]any{
		"target_id": identityID,
		"degraded":  res.Degraded,
	})
	return res, nil
}
