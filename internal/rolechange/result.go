package rolechange

import (
	"time"

	"ngoportal.org/internal/auth"
)

// Step names a stage of the pipeline.
type Step string

const (
	StepLoadProfile     Step = "load_profile"
	StepNoopCheck       Step = "noop_check"
	StepRepairPartition Step = "repair_partition"
	StepWriteProfile    Step = "write_profile"
	StepDeleteOld       Step = "delete_old_partition"
	StepInsertNew       Step = "insert_new_partition"
	StepMirrorPartition Step = "mirror_partition"
	StepRefreshSession  Step = "refresh_session"
)

// Status is the outcome of one step.
type Status string

const (
	StatusOK       Status = "ok"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
)

// StepOutcome records what one step did.
type StepOutcome struct {
	Step     Step          `json:"step"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Result is the composed outcome of a pipeline run.
type Result struct {
	Identity auth.Identity `json:"identity"`
	Previous auth.Role     `json:"previous_role"`
	Changed  bool          `json:"changed"`
	Degraded bool          `json:"degraded"`
	Warnings []error       `json:"-"`
	Steps    []StepOutcome `json:"steps"`
}

// WarningMessages renders Warnings for clients.
func (r Result) WarningMessages() []string {
	if len(r.Warnings) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Error())
	}
	return out
}

// Outcome returns the recorded status of step, if it ran.
func (r Result) Outcome(step Step) (StepOutcome, bool) {
	for _, s := range r.Steps {
		if s.Step == step {
			return s, true
		}
	}
	return StepOutcome{}, false
}

func (r *Result) record(step Step, status Status, err error, d time.Duration) {
	out := StepOutcome{Step: step, Status: status, Duration: d}
	if err != nil {
		out.Error = err.Error()
	}
	r.Steps = append(r.Steps, out)
}

func (r *Result) warn(w error) {
	r.Degraded = true
	r.Warnings = append(r.Warnings, w)
}
