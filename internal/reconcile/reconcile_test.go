package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/rolechange"
	"ngoportal.org/internal/store/memory"
)

type failInsert struct{ *memory.Store }

func (f failInsert) Partition(role auth.Role) auth.PartitionStore {
	return failingInsertPartition{f.Store.Partition(role)}
}

type failingInsertPartition struct{ auth.PartitionStore }

func (failingInsertPartition) Insert(context.Context, auth.PartitionRecord) error {
	return errors.New("write rejected")
}

func seed(t *testing.T, s *memory.Store, id string, role auth.Role, rows ...auth.Role) {
	t.Helper()
	ctx := context.Background()
	identity, err := s.Create(ctx, auth.Identity{ID: id, FullName: "N " + id, Role: role, Active: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, r := range rows {
		rec := auth.NewPartitionRecord(identity, nil, time.Now())
		rec.Role = r
		if err := s.Partition(r).Insert(ctx, rec); err != nil {
			t.Fatalf("insert %s: %v", r, err)
		}
	}
}

func newReconciler(t *testing.T, s *memory.Store) *Reconciler {
	t.Helper()
	r, err := New(s, s)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return r
}

func TestFailedInsertIsDetectable(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "user-42", auth.RoleVolunteer, auth.RoleVolunteer)
	orch, err := rolechange.New(store, failInsert{store})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	admin := rolechange.Actor{Identity: auth.Identity{ID: "admin", Role: auth.RoleAdmin, Active: true}}
	_, err = orch.ChangeRole(context.Background(), admin, "user-42", auth.RoleStaff)
	var werr *rolechange.PartitionWriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected partition write error, got %v", err)
	}

	r := newReconciler(t, store)
	present, err := r.Locate(context.Background(), "user-42")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if len(present) != 0 {
		t.Fatalf("expected no rows after failed insert, got %v", present)
	}
	rep, err := r.Check(context.Background(), "user-42")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !rep.Missing || rep.Role != auth.RoleStaff || rep.Consistent() {
		t.Fatalf("expected missing staff row, got %+v", rep)
	}

	if _, err := r.Repair(context.Background(), "user-42"); err != nil {
		t.Fatalf("repair: %v", err)
	}
	present, _ = r.Locate(context.Background(), "user-42")
	if len(present) != 1 || present[0] != auth.RoleStaff {
		t.Fatalf("after repair rows = %v", present)
	}
}

func TestRepairRemovesStaleRows(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "u1", auth.RoleStaff, auth.RoleStaff, auth.RoleVolunteer, auth.RoleBeneficiary)
	r := newReconciler(t, store)

	rep, err := r.Repair(context.Background(), "u1")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if rep.Missing || len(rep.Stale) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := store.Locate("u1"); len(got) != 1 || got[0] != auth.RoleStaff {
		t.Fatalf("rows = %v", got)
	}
	again, err := r.Check(context.Background(), "u1")
	if err != nil || !again.Consistent() {
		t.Fatalf("expected consistent after repair: %+v %v", again, err)
	}
}

func TestCheckUnknownIdentity(t *testing.T) {
	r := newReconciler(t, memory.NewStore())
	if _, err := r.Check(context.Background(), "nobody"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScan(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "ok", auth.RoleAdmin, auth.RoleAdmin)
	seed(t, store, "missing", auth.RoleVolunteer)
	seed(t, store, "stale", auth.RoleBeneficiary, auth.RoleBeneficiary, auth.RoleStaff)
	r := newReconciler(t, store)
	ctx := context.Background()

	sum, err := r.Scan(ctx, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sum.Checked != 3 || sum.Inconsistent != 2 || sum.Repaired != 0 {
		t.Fatalf("unexpected dry-run summary %+v", sum)
	}
	if got := store.Locate("missing"); len(got) != 0 {
		t.Fatal("dry run must not write")
	}

	sum, err = r.Scan(ctx, true)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if sum.Repaired != 2 || sum.Failed != 0 {
		t.Fatalf("unexpected repair summary %+v", sum)
	}
	sum, _ = r.Scan(ctx, false)
	if sum.Inconsistent != 0 {
		t.Fatalf("expected clean scan, got %+v", sum)
	}
}
