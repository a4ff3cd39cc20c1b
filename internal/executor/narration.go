package executor

import (
	"fmt"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// StatusLine renders the advisory status string for a step transition,
// e.g. "step 2 of 4: flying to target, verifying arrival".
func StatusLine(index, count int, def *dragonpilot.ToolDefinition, status dragonpilot.StepStatus, reason string) string {
	action := "running step"
	verify := "verifying completion"
	if def != nil {
		if def.Narration.Action != "" {
			action = def.Narration.Action
		}
		if def.Narration.Verify != "" {
			verify = def.Narration.Verify
		}
	}
	prefix := fmt.Sprintf("step %d of %d: %s", index+1, count, action)

	switch status {
	case dragonpilot.StepDispatched:
		return prefix + ", command accepted"
	case dragonpilot.StepVerifying:
		return prefix + ", " + verify
	case dragonpilot.StepCompleted:
		return prefix + ", done"
	case dragonpilot.StepFailed:
		return withReason(prefix+", failed", reason)
	case dragonpilot.StepTimedOut:
		return withReason(prefix+", timed out", reason)
	case dragonpilot.StepImpossible:
		return withReason(prefix+", cannot complete", reason)
	case dragonpilot.StepAborted:
		return withReason(prefix+", aborted", reason)
	}
	return prefix
}

func withReason(s, reason string) string {
	if reason == "" {
		return s
	}
	return s + ": " + reason
}

// PlanLine renders the advisory status string for a plan transition.
func PlanLine(run *PlanRun) string {
	switch run.Status {
	case dragonpilot.PlanRunning:
		return fmt.Sprintf("mission started: %d steps", len(run.Plan.Steps))
	case dragonpilot.PlanPending:
		return "mission pending validation"
	}
	return run.Result().Summary()
}
