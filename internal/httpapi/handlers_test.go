package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/idp"
	"ngoportal.org/internal/reconcile"
	"ngoportal.org/internal/rolechange"
	"ngoportal.org/internal/session"
	"ngoportal.org/internal/store/memory"
)

const (
	adminEmail    = "admin@ngo.example"
	adminPassword = "admin-password"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	queue   *reconcile.Queue
	t       *testing.T
}

type testOptions struct {
	partitions func(auth.Partitions) auth.Partitions
}

func newTestAPI(t *testing.T) *apiClient {
	return newTestAPIWith(t, testOptions{})
}

func newTestAPIWith(t *testing.T, o testOptions) *apiClient {
	t.Helper()
	ctx := context.Background()

	provider, err := idp.NewLocal("http-test-secret", idp.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	store := memory.NewStore()
	var partitions auth.Partitions = store
	if o.partitions != nil {
		partitions = o.partitions(store)
	}

	rec, err := reconcile.New(store, store)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	queue := reconcile.NewQueue(rec)
	dir, err := auth.NewDirectory(provider, store, partitions, auth.WithDirectoryReconciler(queue))
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	if _, err := dir.Bootstrap(ctx, auth.NewUser{Email: adminEmail, Password: adminPassword}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	roles, err := rolechange.New(store, partitions,
		rolechange.WithReconciler(queue),
		rolechange.WithChangeNotifier(provider.ProfileChanged))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	registry := session.NewRegistry(provider, store, session.WithStoreOptions(session.WithLoginRecorder(dir)))

	api, err := New(Deps{
		Sessions:           registry,
		Directory:          dir,
		Roles:              roles,
		Reconciler:         rec,
		ProfileChanged:     provider.ProfileChanged,
		ReconcileScheduled: true,
	}, ReadyProbe{}, "test", WithSignInRate(100, 100))
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		registry.Close()
		provider.Close()
	})

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &apiClient{baseURL: srv.URL, client: client, store: store, queue: queue, t: t}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

func (c *apiClient) signIn(email, password string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/sign-in", map[string]any{"email": email, "password": password}, "")
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("sign-in %s: status %d", email, resp.StatusCode)
	}
	payload := decode[signInResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) createUser(adminToken, email string, role auth.Role) auth.Identity {
	c.t.Helper()
	resp := c.post("/v1/users", map[string]any{
		"email":     email,
		"password":  "pw-" + email,
		"full_name": "User " + email,
		"role":      role.String(),
	}, adminToken)
	if resp.StatusCode != http.StatusCreated {
		resp.Body.Close()
		c.t.Fatalf("create %s: status %d", email, resp.StatusCode)
	}
	return decode[auth.Identity](c.t, resp)
}

// waitForRole polls the session view until it reports role.
func (c *apiClient) waitForRole(token string, role auth.Role) session.View {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		view := decode[session.View](c.t, c.get("/v1/session", nil, token))
		if view.Identity != nil && view.Identity.Role == role {
			return view
		}
		if time.Now().After(deadline) {
			c.t.Fatalf("session never reported role %s: %+v", role, view)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSignInEstablishesSession(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/sign-in", map[string]any{"email": adminEmail, "password": adminPassword}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("expected HttpOnly %s cookie, got %v", SessionCookie, resp.Cookies())
	}
	payload := decode[signInResponse](t, resp)
	if !payload.Session.Authenticated || payload.Session.Dashboard != "/admin" {
		t.Fatalf("unexpected session view: %+v", payload.Session)
	}

	view := decode[session.View](t, api.get("/v1/session", nil, payload.Token))
	if view.State != session.StateAuthenticated || view.Identity == nil || view.Identity.Email != adminEmail {
		t.Fatalf("unexpected session: %+v", view)
	}
	profile := decode[auth.Identity](t, api.get("/v1/users/"+view.Identity.ID, nil, payload.Token))
	if profile.LastLoginAt == nil {
		t.Fatalf("sign-in should stamp last_login_at")
	}

	req, _ := http.NewRequest(http.MethodGet, api.baseURL+"/v1/capabilities", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: payload.Token})
	caps, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	body := decode[map[string]any](t, caps)
	if body["dashboard"] != "/admin" {
		t.Fatalf("cookie session not honoured: %v", body)
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/sign-in", map[string]any{"email": adminEmail, "password": "wrong"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/sign-in", map[string]any{"email": ""}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAnonymousSessionAndAuthRequired(t *testing.T) {
	api := newTestAPI(t)

	view := decode[session.View](t, api.get("/v1/session", nil, ""))
	if view.State != session.StateAnonymous || view.Authenticated {
		t.Fatalf("expected anonymous view, got %+v", view)
	}

	resp := api.get("/v1/users", nil, "")
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] == "" {
		t.Fatalf("expected 401 with error body, got %d %v", resp.StatusCode, body)
	}

	resp = api.get("/v1/users", nil, "forged.token.value")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token: expected 401, got %d", resp.StatusCode)
	}
}

func TestSignOutEndsSession(t *testing.T) {
	api := newTestAPI(t)
	token := api.signIn(adminEmail, adminPassword)

	resp := api.post("/v1/auth/sign-out", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = api.get("/v1/capabilities", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token: expected 401, got %d", resp.StatusCode)
	}
}

func TestUserLifecycleAndRoleChange(t *testing.T) {
	api := newTestAPI(t)
	adminToken := api.signIn(adminEmail, adminPassword)

	user := api.createUser(adminToken, "field@ngo.example", auth.RoleStaff)
	userToken := api.signIn("field@ngo.example", "pw-field@ngo.example")

	resp := api.get("/v1/users", nil, userToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("staff listing users: expected 403, got %d", resp.StatusCode)
	}
	self := decode[auth.Identity](t, api.get("/v1/users/"+user.ID, nil, userToken))
	if self.ID != user.ID {
		t.Fatalf("self lookup returned %+v", self)
	}

	resp = api.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "volunteer"}, adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change role: status %d", resp.StatusCode)
	}
	changed := decode[pipelineResponse](t, resp)
	if !changed.Changed || changed.Degraded || changed.PreviousRole != auth.RoleStaff || changed.User.Role != auth.RoleVolunteer {
		t.Fatalf("unexpected change result: %+v", changed)
	}
	if got := api.store.Locate(user.ID); len(got) != 1 || got[0] != auth.RoleVolunteer {
		t.Fatalf("expected only the volunteer row, got %v", got)
	}

	// The target's own session follows the change.
	view := api.waitForRole(userToken, auth.RoleVolunteer)
	if view.Dashboard != "/volunteer" {
		t.Fatalf("dashboard = %s", view.Dashboard)
	}

	report := decode[map[string]any](t, api.get("/v1/users/"+user.ID+"/partitions", nil, adminToken))
	if report["consistent"] != true {
		t.Fatalf("expected consistent partitions, got %v", report)
	}

	resp = api.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "volunteer"}, adminToken)
	noop := decode[pipelineResponse](t, resp)
	if noop.Changed {
		t.Fatalf("second identical change should be a no-op: %+v", noop)
	}

	resp = api.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "admin"}, userToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("self-promotion: expected 403, got %d", resp.StatusCode)
	}

	resp = api.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "donor"}, adminToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown role: expected 400, got %d", resp.StatusCode)
	}
}

func TestUpdateUserSelfService(t *testing.T) {
	api := newTestAPI(t)
	adminToken := api.signIn(adminEmail, adminPassword)
	user := api.createUser(adminToken, "vol@ngo.example", auth.RoleVolunteer)
	userToken := api.signIn("vol@ngo.example", "pw-vol@ngo.example")

	resp := api.do(http.MethodPatch, "/v1/users/"+user.ID, map[string]any{"full_name": "Vera V."}, userToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("self update: status %d", resp.StatusCode)
	}
	updated := decode[pipelineResponse](t, resp)
	if updated.User.FullName != "Vera V." {
		t.Fatalf("unexpected update: %+v", updated)
	}
	rec, err := api.store.Partition(auth.RoleVolunteer).Find(context.Background(), user.ID)
	if err != nil || rec.FullName != "Vera V." {
		t.Fatalf("partition row not mirrored: %+v %v", rec, err)
	}

	resp = api.do(http.MethodPatch, "/v1/users/"+user.ID, map[string]any{"active": false}, userToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("self deactivation via patch: expected 403, got %d", resp.StatusCode)
	}
}

func TestDeactivateRevokesAccess(t *testing.T) {
	api := newTestAPI(t)
	adminToken := api.signIn(adminEmail, adminPassword)
	user := api.createUser(adminToken, "leaver@ngo.example", auth.RoleBeneficiary)
	userToken := api.signIn("leaver@ngo.example", "pw-leaver@ngo.example")

	resp := api.post("/v1/users/"+user.ID+"/deactivate", nil, adminToken)
	out := decode[auth.Identity](t, resp)
	if resp.StatusCode != http.StatusOK || out.Active {
		t.Fatalf("deactivate: %d %+v", resp.StatusCode, out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = api.get("/v1/capabilities", nil, userToken)
		resp.Body.Close()
		if resp.StatusCode == http.StatusForbidden {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("inactive identity still authorized: %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateUserConflict(t *testing.T) {
	api := newTestAPI(t)
	adminToken := api.signIn(adminEmail, adminPassword)
	api.createUser(adminToken, "dup@ngo.example", auth.RoleStaff)

	resp := api.post("/v1/users", map[string]any{
		"email": "dup@ngo.example", "password": "x", "full_name": "Dup", "role": "staff",
	}, adminToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

type brokenPartitions struct {
	auth.Partitions
	role auth.Role
}

func (b brokenPartitions) Partition(role auth.Role) auth.PartitionStore {
	inner := b.Partitions.Partition(role)
	if role == b.role {
		return brokenPartition{inner}
	}
	return inner
}

type brokenPartition struct{ auth.PartitionStore }

func (brokenPartition) Insert(context.Context, auth.PartitionRecord) error {
	return errors.New("connection reset by peer")
}

func TestChangeRolePartitionWriteFailure(t *testing.T) {
	api := newTestAPIWith(t, testOptions{partitions: func(p auth.Partitions) auth.Partitions {
		return brokenPartitions{Partitions: p, role: auth.RoleVolunteer}
	}})
	adminToken := api.signIn(adminEmail, adminPassword)
	user := api.createUser(adminToken, "u42@ngo.example", auth.RoleStaff)

	resp := api.do(http.MethodPut, "/v1/users/"+user.ID+"/role", map[string]any{"role": "volunteer"}, adminToken)
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if body["code"] != "partition_write_failed" || body["reconcile_scheduled"] != true {
		t.Fatalf("unexpected error body: %v", body)
	}
	if api.queue.Pending() == 0 {
		t.Fatalf("expected a queued reconciliation")
	}

	// The shared profile already carries the new role; reconciliation restores the row.
	if n := api.queue.RunOnce(context.Background()); n == 0 {
		t.Fatalf("expected the queue to process a task")
	}
	if got := api.store.Locate(user.ID); len(got) != 1 || got[0] != auth.RoleVolunteer {
		t.Fatalf("reconcile did not converge partitions: %v", got)
	}
}

func TestCreateUserPartitionFailureReportsProfile(t *testing.T) {
	api := newTestAPIWith(t, testOptions{partitions: func(p auth.Partitions) auth.Partitions {
		return brokenPartitions{Partitions: p, role: auth.RoleStaff}
	}})
	adminToken := api.signIn(adminEmail, adminPassword)

	resp := api.post("/v1/users", map[string]any{
		"email": "half@ngo.example", "password": "x", "full_name": "Half", "role": "staff",
	}, adminToken)
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusInternalServerError || body["code"] != "partition_write_failed" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
	if _, ok := body["user"].(map[string]any); !ok {
		t.Fatalf("expected created profile in body: %v", body)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	api := newTestAPI(t)
	adminToken := api.signIn(adminEmail, adminPassword)
	user := api.createUser(adminToken, "drift@ngo.example", auth.RoleStaff)
	ctx := context.Background()
	rec, err := api.store.Partition(auth.RoleStaff).Find(ctx, user.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	rec.Role = auth.RoleBeneficiary
	if err := api.store.Partition(auth.RoleBeneficiary).Insert(ctx, rec); err != nil {
		t.Fatalf("seed stale row: %v", err)
	}

	out := decode[map[string]any](t, api.post("/v1/reconcile", map[string]any{"user_id": user.ID}, adminToken))
	if out["consistent"] != false {
		t.Fatalf("expected inconsistency, got %v", out)
	}
	out = decode[map[string]any](t, api.post("/v1/reconcile", map[string]any{"repair": true}, adminToken))
	summary, _ := out["summary"].(map[string]any)
	if summary["repaired"] != float64(1) {
		t.Fatalf("expected one repair, got %v", out)
	}
	if got := api.store.Locate(user.ID); len(got) != 1 || got[0] != auth.RoleStaff {
		t.Fatalf("stale row not removed: %v", got)
	}

	staffToken := api.signIn("drift@ngo.example", "pw-drift@ngo.example")
	resp := api.post("/v1/reconcile", map[string]any{}, staffToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("staff reconcile: expected 403, got %d", resp.StatusCode)
	}
}

func TestGuardedPages(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/admin/users", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("anonymous admin page: expected 303, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/login") {
		t.Fatalf("unexpected redirect target %q", loc)
	}

	resp = api.get("/", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public root: expected 200, got %d", resp.StatusCode)
	}

	adminToken := api.signIn(adminEmail, adminPassword)
	api.createUser(adminToken, "helper@ngo.example", auth.RoleVolunteer)
	volToken := api.signIn("helper@ngo.example", "pw-helper@ngo.example")

	resp = api.get("/staff/reports", nil, volToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/volunteer?notice=access+denied" {
		t.Fatalf("foreign section: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if resp.Header.Get("X-Portal-Notice") == "" {
		t.Fatalf("expected notice header")
	}

	page := decode[map[string]any](t, api.get("/admin/users", nil, adminToken))
	if page["section"] != "admin" || page["role"] != "admin" {
		t.Fatalf("admin page: %v", page)
	}
}

func TestNavigateDecision(t *testing.T) {
	api := newTestAPI(t)

	d := decode[map[string]any](t, api.post("/v1/navigate", map[string]any{"path": "/beneficiary"}, ""))
	if d["action"] != "redirect" || d["target"] != "/login" {
		t.Fatalf("anonymous decision: %v", d)
	}

	token := api.signIn(adminEmail, adminPassword)
	d = decode[map[string]any](t, api.post("/v1/navigate", map[string]any{"path": "/login"}, token))
	if d["action"] != "redirect" || d["target"] != "/admin" {
		t.Fatalf("signed-in login decision: %v", d)
	}
	d = decode[map[string]any](t, api.post("/v1/navigate", map[string]any{"path": "/admin/users?tab=all"}, token))
	if d["action"] != "proceed" || d["path"] != "/admin/users" {
		t.Fatalf("admin section decision: %v", d)
	}
	d = decode[map[string]any](t, api.post("/v1/navigate", map[string]any{"path": "/beneficiary/requests"}, token))
	if d["action"] != "redirect" || d["notice"] != "access denied" {
		t.Fatalf("dashboards stay role-owned: %v", d)
	}
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)
	for _, p := range []string{"/healthz", "/readyz"} {
		resp := api.get(p, nil, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", p, resp.StatusCode)
		}
		if resp.Header.Get(RequestIDHeader) == "" {
			t.Fatalf("%s: missing request id", p)
		}
	}
	resp := api.get("/v1/nope", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown api path: expected 404, got %d", resp.StatusCode)
	}
}
