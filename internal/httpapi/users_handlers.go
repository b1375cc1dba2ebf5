package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"ngoportal.org/internal/audit"
	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/rolechange"
)

type createUserRequest struct {
	Email      string         `json:"email"`
	Password   string         `json:"password"`
	FullName   string         `json:"full_name"`
	Role       auth.Role      `json:"role"`
	Contact    string         `json:"contact"`
	Attributes map[string]any `json:"attributes"`
}

type updateUserRequest struct {
	FullName       *string        `json:"full_name"`
	Contact        *string        `json:"contact"`
	Active         *bool          `json:"active"`
	AdditionalInfo map[string]any `json:"additional_info"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type reconcileRequest struct {
	UserID string `json:"user_id"`
	Repair bool   `json:"repair"`
}

// pipelineResponse is the wire shape of a rolechange.Result.
type pipelineResponse struct {
	User         auth.Identity            `json:"user"`
	PreviousRole auth.Role                `json:"previous_role"`
	Changed      bool                     `json:"changed"`
	Degraded     bool                     `json:"degraded"`
	Warnings     []string                 `json:"warnings,omitempty"`
	Steps        []rolechange.StepOutcome `json:"steps"`
}

func newPipelineResponse(res rolechange.Result) pipelineResponse {
	return pipelineResponse{
		User:         res.Identity,
		PreviousRole: res.Previous,
		Changed:      res.Changed,
		Degraded:     res.Degraded,
		Warnings:     res.WarningMessages(),
		Steps:        res.Steps,
	}
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	users, err := a.deps.Directory.ListUsers(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), actor)
	created, err := a.deps.Directory.CreateUser(ctx, actor, auth.NewUser{
		Email:      req.Email,
		Password:   req.Password,
		FullName:   req.FullName,
		Role:       req.Role,
		Contact:    req.Contact,
		Attributes: req.Attributes,
	})
	if err != nil {
		if created.ID != "" {
			// Profile exists; only the partition row is missing.
			_ = audit.LogEvent(ctx, audit.EventPartitionWriteAlert, map[string]any{
				"target_id": created.ID,
				"to":        created.Role.String(),
				"error":     err.Error(),
			})
			writeErrorBody(w, r, http.StatusInternalServerError, map[string]any{
				"error":               err.Error(),
				"code":                "partition_write_failed",
				"reconcile_scheduled": a.deps.ReconcileScheduled,
				"user":                created,
			})
			return
		}
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, audit.EventUserCreated, map[string]any{
		"target_id": created.ID,
		"role":      created.Role.String(),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	user, err := a.deps.Directory.GetUser(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, s, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), actor)
	res, err := a.deps.Roles.UpdateUser(ctx, rolechange.Actor{Identity: actor, Session: s}, r.PathValue("id"), auth.ProfileUpdate{
		FullName:       req.FullName,
		Contact:        req.Contact,
		Active:         req.Active,
		AdditionalInfo: req.AdditionalInfo,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPipelineResponse(res))
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	actor, s, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	var req changeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), actor)
	res, err := a.deps.Roles.ChangeRole(ctx, rolechange.Actor{Identity: actor, Session: s}, r.PathValue("id"), role)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPipelineResponse(res))
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), actor)
	user, err := a.deps.Directory.Deactivate(ctx, actor, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if a.deps.ProfileChanged != nil {
		a.deps.ProfileChanged(user.ID)
	}
	_ = audit.LogEvent(ctx, audit.EventUserDeactivated, map[string]any{"target_id": user.ID})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handlePartitions(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	if !actor.Can(auth.CapReconcilePartitions) {
		handleServiceError(w, r, auth.ErrForbidden)
		return
	}
	report, err := a.deps.Reconciler.Check(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":     report,
		"consistent": report.Consistent(),
	})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	if !actor.Can(auth.CapReconcilePartitions) {
		handleServiceError(w, r, auth.ErrForbidden)
		return
	}
	var req reconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), actor)
	if id := strings.TrimSpace(req.UserID); id != "" {
		check := a.deps.Reconciler.Check
		if req.Repair {
			check = a.deps.Reconciler.Repair
		}
		report, err := check(ctx, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"report":     report,
			"consistent": report.Consistent(),
		})
		return
	}
	start := time.Now()
	summary, err := a.deps.Reconciler.Scan(ctx, req.Repair)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":     summary,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
