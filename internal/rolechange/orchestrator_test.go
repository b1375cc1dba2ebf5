package rolechange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/session"
	"ngoportal.org/internal/store/memory"
)

var adminActor = Actor{Identity: auth.Identity{ID: "admin-1", Role: auth.RoleAdmin, Active: true}}

// faults wraps the memory partitions and fails chosen operations.
type faults struct {
	*memory.Store
	mu     sync.Mutex
	insert map[auth.Role]error
	delete map[auth.Role]error
	update map[auth.Role]error
	block  map[auth.Role]bool
	slow   map[auth.Role]time.Duration
}

func newFaults(s *memory.Store) *faults {
	return &faults{
		Store:  s,
		insert: map[auth.Role]error{},
		delete: map[auth.Role]error{},
		update: map[auth.Role]error{},
		block:  map[auth.Role]bool{},
		slow:   map[auth.Role]time.Duration{},
	}
}

func (f *faults) Partition(role auth.Role) auth.PartitionStore {
	return faultyPartition{PartitionStore: f.Store.Partition(role), f: f, role: role}
}

type faultyPartition struct {
	auth.PartitionStore
	f    *faults
	role auth.Role
}

func (p faultyPartition) Insert(ctx context.Context, rec auth.PartitionRecord) error {
	p.f.mu.Lock()
	err, block := p.f.insert[p.role], p.f.block[p.role]
	p.f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return p.PartitionStore.Insert(ctx, rec)
}

func (p faultyPartition) Delete(ctx context.Context, id string) error {
	p.f.mu.Lock()
	err, slow := p.f.delete[p.role], p.f.slow[p.role]
	p.f.mu.Unlock()
	if err != nil {
		return err
	}
	if slow > 0 {
		time.Sleep(slow)
	}
	return p.PartitionStore.Delete(ctx, id)
}

func (p faultyPartition) Update(ctx context.Context, id string, upd auth.PartitionUpdate) error {
	p.f.mu.Lock()
	err := p.f.update[p.role]
	p.f.mu.Unlock()
	if err != nil {
		return err
	}
	return p.PartitionStore.Update(ctx, id, upd)
}

type failingProfiles struct {
	auth.ProfileStore
	err error
}

func (f failingProfiles) Update(context.Context, auth.Identity) (auth.Identity, error) {
	return auth.Identity{}, f.err
}

// lateProfiles commits updates after a delay regardless of the caller's deadline.
type lateProfiles struct {
	auth.ProfileStore
	delay time.Duration
}

func (l lateProfiles) Update(_ context.Context, identity auth.Identity) (auth.Identity, error) {
	time.Sleep(l.delay)
	return l.ProfileStore.Update(context.Background(), identity)
}

type scheduler struct {
	mu      sync.Mutex
	reasons map[string][]string
}

func (s *scheduler) ScheduleReconcile(_ context.Context, id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reasons == nil {
		s.reasons = map[string][]string{}
	}
	s.reasons[id] = append(s.reasons[id], reason)
}

func (s *scheduler) scheduled(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reasons[id]
}

type harness struct {
	store  *memory.Store
	faults *faults
	sched  *scheduler
	orch   *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := memory.NewStore()
	h := &harness{store: store, faults: newFaults(store), sched: &scheduler{}}
	opts = append([]Option{WithReconciler(h.sched), WithStepTimeout(time.Second)}, opts...)
	orch, err := New(store, h.faults, opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) seed(t *testing.T, id string, role auth.Role) auth.Identity {
	t.Helper()
	ctx := context.Background()
	identity, err := h.store.Create(ctx, auth.Identity{
		ID:        id,
		Email:     id + "@example.org",
		FullName:  "Name " + id,
		Role:      role,
		Active:    true,
		Contact:   "+1-555-0100",
		CreatedAt: time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := h.store.Partition(role).Insert(ctx, auth.NewPartitionRecord(identity, nil, identity.CreatedAt)); err != nil {
		t.Fatalf("seed partition: %v", err)
	}
	return identity
}

func (h *harness) rows(id string) []auth.Role {
	return h.store.Locate(id)
}

func TestChangeRoleVolunteerToStaff(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "user-42", auth.RoleVolunteer)
	ctx := context.Background()

	res, err := h.orch.ChangeRole(ctx, adminActor, "user-42", auth.RoleStaff)
	if err != nil {
		t.Fatalf("change role: %v", err)
	}
	if !res.Changed || res.Degraded || res.Previous != auth.RoleVolunteer || res.Identity.Role != auth.RoleStaff {
		t.Fatalf("unexpected result %+v", res)
	}

	profile, _ := h.store.Find(ctx, "user-42")
	if profile.Role != auth.RoleStaff {
		t.Fatalf("profile role = %s", profile.Role)
	}
	if _, err := h.store.Partition(auth.RoleVolunteer).Find(ctx, "user-42"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("volunteer row should be gone, got %v", err)
	}
	row, err := h.store.Partition(auth.RoleStaff).Find(ctx, "user-42")
	if err != nil {
		t.Fatalf("staff row: %v", err)
	}
	if row.FullName != "Name user-42" || row.Contact != "+1-555-0100" || !row.Active {
		t.Fatalf("carryable fields not carried: %+v", row)
	}
	if !row.CreatedAt.Equal(profile.CreatedAt) {
		t.Fatalf("created_at not carried: %v vs %v", row.CreatedAt, profile.CreatedAt)
	}
	if got := h.rows("user-42"); len(got) != 1 || got[0] != auth.RoleStaff {
		t.Fatalf("partitions holding user-42 = %v, want [staff]", got)
	}
	for _, step := range []Step{StepLoadProfile, StepWriteProfile, StepDeleteOld, StepInsertNew} {
		if out, ok := res.Outcome(step); !ok || out.Status != StatusOK {
			t.Fatalf("step %s outcome %+v", step, out)
		}
	}
}

func TestChangeRoleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", auth.RoleBeneficiary)
	ctx := context.Background()

	if _, err := h.orch.ChangeRole(ctx, adminActor, "u1", auth.RoleVolunteer); err != nil {
		t.Fatalf("first change: %v", err)
	}
	res, err := h.orch.ChangeRole(ctx, adminActor, "u1", auth.RoleVolunteer)
	if err != nil {
		t.Fatalf("second change: %v", err)
	}
	if res.Changed {
		t.Fatal("second call must be a no-op")
	}
	if got := h.rows("u1"); len(got) != 1 || got[0] != auth.RoleVolunteer {
		t.Fatalf("rows = %v", got)
	}
}

func TestAlternatingRolesKeepOneRow(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", auth.RoleStaff)
	ctx := context.Background()
	seq := []auth.Role{auth.RoleVolunteer, auth.RoleStaff, auth.RoleAdmin, auth.RoleBeneficiary, auth.RoleStaff, auth.RoleVolunteer}
	for _, role := range seq {
		if _, err := h.orch.ChangeRole(ctx, adminActor, "u1", role); err != nil {
			t.Fatalf("change to %s: %v", role, err)
		}
		if got := h.rows("u1"); len(got) != 1 || got[0] != role {
			t.Fatalf("after %s rows = %v", role, got)
		}
	}
}

func TestInsertFailureIsPartitionWriteError(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", auth.RoleVolunteer)
	h.faults.insert[auth.RoleStaff] = errors.New("staff_users unavailable")
	ctx := context.Background()

	res, err := h.orch.ChangeRole(ctx, adminActor, "u1", auth.RoleStaff)
	var werr *PartitionWriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected PartitionWriteError, got %v", err)
	}
	if werr.Role != auth.RoleStaff || !werr.ReconcileScheduled {
		t.Fatalf("unexpected error %+v", werr)
	}
	profile, _ := h.store.Find(ctx, "u1")
	if profile.Role != auth.RoleStaff {
		t.Fatalf("profile role = %s, want staff", profile.Role)
	}
	if got := h.rows("u1"); len(got) != 0 {
		t.Fatalf("expected no partition rows, got %v", got)
	}
	if got := h.sched.scheduled("u1"); len(got) == 0 {
		t.Fatal("reconciliation not scheduled")
	}
	if out, _ := res.Outcome(StepInsertNew); out.Status != StatusFailed {
		t.Fatalf("insert outcome %+v", out)
	}
}

func TestDeleteFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", auth.RoleVolunteer)
	h.faults.delete[auth.RoleVolunteer] = errors.New("timeout")
	ctx := context.Background()

	res, err := h.orch.ChangeRole(ctx, adminActor, "u1", auth.RoleStaff)
	if err != nil {
		t.Fatalf("degraded change must succeed, got %v", err)
	}
	if !res.Degraded || len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", res)
	}
	var warn *PartitionCleanupWarning
	if !errors.As(res.Warnings[0], &warn) || warn.Role != auth.RoleVolunteer || warn.Op != "delete" {
		t.Fatalf("unexpected warning %v", res.Warnings[0])
	}
	if out, _ := res.Outcome(StepDeleteOld); out.Status != StatusDegraded {
		t.Fatalf("delete outcome %+v", out)
	}
	if got := h.rows("u1"); len(got) != 2 {
		t.Fatalf("expected stale and new rows, got %v", got)
	}
	if len(h.sched.scheduled("u1")) == 0 {
		t.Fatal("reconciliation not scheduled")
	}
}

func TestProfileWriteFailureAborts(t *testing.T) {
	store := memory.NewStore()
	sched := &scheduler{}
	orch, err := New(failingProfiles{ProfileStore: store, err: errors.New("profiles down")}, store, WithReconciler(sched))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := &harness{store: store}
	h.seed(t, "u1", auth.RoleVolunteer)

	res, err := orch.ChangeRole(context.Background(), adminActor, "u1", auth.RoleStaff)
	if err == nil {
		t.Fatal("expected error")
	}
	var werr *PartitionWriteError
	if errors.As(err, &werr) {
		t.Fatal("profile failure must not be a partition error")
	}
	if _, ok := res.Outcome(StepDeleteOld); ok {
		t.Fatal("no partition step may run after a failed profile write")
	}
	if got := store.Locate("u1"); len(got) != 1 || got[0] != auth.RoleVolunteer {
		t.Fatalf("partitions touched: %v", got)
	}
}

func TestChangeRoleAuthority(t *testing.T) {
	h := newHarness(t)
	staff := h.seed(t, "staff-1", auth.RoleStaff)
	h.seed(t, "vol-1", auth.RoleVolunteer)
	ctx := context.Background()
	self := Actor{Identity: staff}

	if _, err := h.orch.ChangeRole(ctx, self, "vol-1", auth.RoleStaff); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("non-admin changing another identity: %v", err)
	}
	if _, err := h.orch.ChangeRole(ctx, self, "staff-1", auth.RoleAdmin); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("non-admin self escalation: %v", err)
	}
	profile, _ := h.store.Find(ctx, "staff-1")
	if profile.Role != auth.RoleStaff {
		t.Fatalf("self escalation changed the profile: %s", profile.Role)
	}
	res, err := h.orch.ChangeRole(ctx, self, "staff-1", auth.RoleStaff)
	if err != nil || res.Changed {
		t.Fatalf("self no-op should succeed: %+v %v", res, err)
	}

	inactiveAdmin := adminActor
	inactiveAdmin.Identity.Active = false
	if _, err := h.orch.ChangeRole(ctx, inactiveAdmin, "vol-1", auth.RoleStaff); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("inactive admin: %v", err)
	}
}

func TestChangeRoleValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.orch.ChangeRole(ctx, adminActor, "missing", auth.RoleStaff); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var unknown auth.Role
	if _, err := h.orch.ChangeRole(ctx, adminActor, "u1", unknown); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := h.orch.ChangeRole(ctx, adminActor, " ", auth.RoleStaff); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStepTimeoutIsFailure(t *testing.T) {
	h := newHarness(t, WithStepTimeout(20*time.Millisecond))
	h.seed(t, "u1", auth.RoleVolunteer)
	h.faults.block[auth.RoleStaff] = true

	_, err := h.orch.ChangeRole(context.Background(), adminActor, "u1", auth.RoleStaff)
	var werr *PartitionWriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected PartitionWriteError on timeout, got %v", err)
	}
	if !errors.Is(err, ErrStepTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout in chain, got %v", err)
	}
}

func TestNoopRepairsMissingRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.Create(ctx, auth.Identity{ID: "u1", FullName: "Orphan", Role: auth.RoleBeneficiary, Active: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := h.orch.ChangeRole(ctx, adminActor, "u1", auth.RoleBeneficiary)
	if err != nil || res.Changed {
		t.Fatalf("expected no-op, got %+v %v", res, err)
	}
	if got := h.rows("u1"); len(got) != 1 || got[0] != auth.RoleBeneficiary {
		t.Fatalf("rows = %v", got)
	}
}

func TestInsertAlignsLeftoverRow(t *testing.T) {
	h := newHarness(t)
	identity := h.seed(t, "u1", auth.RoleVolunteer)
	ctx := context.Background()
	stale := auth.NewPartitionRecord(identity, nil, identity.CreatedAt)
	stale.Role = auth.RoleStaff
	stale.FullName = "Stale"
	if err := h.store.Partition(auth.RoleStaff).Insert(ctx, stale); err != nil {
		t.Fatalf("insert stale: %v", err)
	}
	if _, err := h.orch.ChangeRole(ctx, adminActor, "u1", auth.RoleStaff); err != nil {
		t.Fatalf("change: %v", err)
	}
	row, _ := h.store.Partition(auth.RoleStaff).Find(ctx, "u1")
	if row.FullName != "Name u1" {
		t.Fatalf("leftover row not aligned: %+v", row)
	}
	if got := h.rows("u1"); len(got) != 1 {
		t.Fatalf("rows = %v", got)
	}
}

type refresher struct {
	mu    sync.Mutex
	calls int
}

func (r *refresher) RefreshProfile(context.Context) (session.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return session.Snapshot{}, nil
}

func TestSelfChangeRefreshesSession(t *testing.T) {
	var notified []string
	h := newHarness(t, WithChangeNotifier(func(id string) { notified = append(notified, id) }))
	admin := h.seed(t, "admin-1", auth.RoleAdmin)
	h.seed(t, "other", auth.RoleStaff)
	r := &refresher{}
	actor := Actor{Identity: admin, Session: r}

	if _, err := h.orch.ChangeRole(context.Background(), actor, "other", auth.RoleVolunteer); err != nil {
		t.Fatalf("change other: %v", err)
	}
	if r.calls != 0 {
		t.Fatal("changing someone else must not refresh the caller")
	}
	res, err := h.orch.ChangeRole(context.Background(), actor, "admin-1", auth.RoleStaff)
	if err != nil {
		t.Fatalf("change self: %v", err)
	}
	if r.calls != 1 {
		t.Fatalf("refresh calls = %d", r.calls)
	}
	if out, _ := res.Outcome(StepRefreshSession); out.Status != StatusOK {
		t.Fatalf("refresh outcome %+v", out)
	}
	if len(notified) != 2 || notified[1] != "admin-1" {
		t.Fatalf("notified = %v", notified)
	}
}

func TestConcurrentChangesKeepOneRow(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", auth.RoleVolunteer)
	h.faults.slow[auth.RoleVolunteer] = 50 * time.Millisecond
	ctx := context.Background()

	targets := []auth.Role{auth.RoleStaff, auth.RoleBeneficiary}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, role := range targets {
		wg.Add(1)
		go func(i int, role auth.Role) {
			defer wg.Done()
			_, errs[i] = h.orch.ChangeRole(ctx, adminActor, "u1", role)
		}(i, role)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("change to %s: %v", targets[i], err)
		}
	}

	profile, err := h.store.Find(ctx, "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got := h.rows("u1"); len(got) != 1 || got[0] != profile.Role {
		t.Fatalf("profile role %s, partition rows %v", profile.Role, got)
	}
	if n := h.orch.locks.held(); n != 0 {
		t.Fatalf("identity locks leaked: %d", n)
	}
}

func TestChangeRoleWaitsForPendingChange(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", auth.RoleVolunteer)

	release, err := h.orch.locks.acquire(context.Background(), "u1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.orch.ChangeRole(ctx, adminActor, "u1", auth.RoleStaff); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while another change holds u1, got %v", err)
	}
	if got := h.rows("u1"); len(got) != 1 || got[0] != auth.RoleVolunteer {
		t.Fatalf("partitions touched: %v", got)
	}
}

func TestProfileWriteTimeoutSchedulesReconcile(t *testing.T) {
	store := memory.NewStore()
	sched := &scheduler{}
	orch, err := New(lateProfiles{ProfileStore: store, delay: 80 * time.Millisecond}, store,
		WithReconciler(sched), WithStepTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := &harness{store: store}
	h.seed(t, "u1", auth.RoleVolunteer)

	_, err = orch.ChangeRole(context.Background(), adminActor, "u1", auth.RoleStaff)
	if !errors.Is(err, ErrStepTimeout) {
		t.Fatalf("expected step timeout, got %v", err)
	}
	reasons := sched.scheduled("u1")
	if len(reasons) != 1 || reasons[0] != "profile_write_unknown" {
		t.Fatalf("expected reconcile for unknown write outcome, got %v", reasons)
	}
}
