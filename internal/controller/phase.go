package controller

import (
	"strings"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/commvault"
)

// PhaseFor maps a Commvault job status to the phase of its operation. Every
// input maps to exactly one phase.
func PhaseFor(status commvault.JobStatus) v1.Phase {
	s := strings.ToLower(strings.TrimSpace(string(status)))
	switch {
	case s == "" || s == "unknown":
		return v1.PhasePending
	case strings.HasPrefix(s, "completed"):
		return v1.PhaseSucceeded
	case s == "failed" || s == "killed":
		return v1.PhaseFailed
	case s == "waiting" || s == "pending":
		return v1.PhasePending
	default:
		return v1.PhaseRunning
	}
}

// progressPhase is the phase recorded while the job is still being followed.
// A terminal phase is only written by complete, after finalization.
func progressPhase(status commvault.JobStatus) v1.Phase {
	if phase := PhaseFor(status); !phase.IsTerminal() {
		return phase
	}
	return v1.PhaseRunning
}
