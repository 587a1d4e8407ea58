package controller

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/commvault"
	"github.com/sladg/pgvault-operator/internal/controller/operation"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
	"github.com/sladg/pgvault-operator/internal/monitoring"
)

// resume restarts polling for an operation whose job was started earlier,
// seeded with the persisted status.
func (r *PostgresBackupReconciler) resume(cr *v1.PostgresBackup) {
	logger := r.Deps.Logger.Named("[Resume]").With(cr.GetLogValues()...)

	op, err := operation.New(cr)
	if err != nil {
		logger.Errorw("Cannot resume invalid operation", "error", err)
		return
	}

	last := commvault.NewJobStatus(cr.Status.CommvaultStatus)
	startedAt := time.Now()
	if cr.Status.StartedAt != nil {
		startedAt = cr.Status.StartedAt.Time
	}
	jobID := cr.Status.JobID

	started := r.Tasks.Ensure(client.ObjectKeyFromObject(cr), cr.UID, string(op.Action), func(ctx context.Context) {
		r.poll(ctx, op, jobID, last, startedAt)
	})
	if started {
		logger.Infow("Resumed polling", "jobId", jobID, "commvaultStatus", last)
	}
}

// poll follows the job until it reaches a terminal status or the poll budget
// runs out, then completes the operation. Cancellation returns without
// writing a final status.
func (r *PostgresBackupReconciler) poll(ctx context.Context, op *operation.Operation, jobID string, last commvault.JobStatus, startedAt time.Time) {
	logger := r.Deps.Logger.Named("[Poller]").With(op.GetLogValues()...).With("jobId", jobID)
	interval := r.Deps.Settings.JobPollInterval
	deadline := time.Now().Add(r.Deps.Settings.JobPollTimeout)

	status := last
	for !status.IsTerminal() {
		if ctx.Err() != nil {
			logger.Info("Polling stopped")
			return
		}
		if !time.Now().Before(deadline) {
			logger.Warnw("Polling budget exhausted", "commvaultStatus", status)
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Polling stopped")
			return
		case <-timer.C:
		}

		if ctx.Err() != nil {
			logger.Info("Polling stopped")
			return
		}
		next := r.Jobs.GetJobStatus(ctx, jobID)
		if next == status {
			continue
		}

		phase := progressPhase(next)
		logger.Infow("Job status changed", "from", status, "to", next, "phase", phase)
		err := utils.PatchStatus(ctx, r.Deps, op.Object, map[string]any{
			"phase":           phase,
			"commvaultStatus": next.String(),
		})
		if err != nil {
			logger.Warnw("Failed to record job status", "error", err)
		}
		status = next
	}

	if ctx.Err() != nil {
		return
	}
	r.complete(ctx, op, status, startedAt)
}

// complete runs cluster recovery when needed, records the final phase and
// deletes the operation when it succeeded.
func (r *PostgresBackupReconciler) complete(ctx context.Context, op *operation.Operation, status commvault.JobStatus, startedAt time.Time) {
	logger := r.Deps.Logger.Named("[Complete]").With(op.GetLogValues()...)

	cr := &v1.PostgresBackup{}
	if err := r.Deps.Get(ctx, client.ObjectKeyFromObject(op.Object), cr); err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("Operation disappeared before completion")
			return
		}
		logger.Warnw("Failed to refresh operation, using last known state", "error", err)
		cr = op.Object
	}
	op.Object = cr

	phase := v1.PhaseFailed
	if status.IsSuccess() {
		phase = v1.PhaseSucceeded
	}

	if needsRecovery(op, status) {
		if err := recoverCluster(ctx, r.Deps, op, cr.Status.OriginalReplicas); err != nil {
			logger.Warnw("Cluster recovery finished with errors", "error", err)
		}
	}

	finishedAt := metav1.Now()
	err := utils.PatchStatus(ctx, r.Deps, cr, map[string]any{
		"phase":           phase,
		"commvaultStatus": status.String(),
		"finishedAt":      finishedAt,
	})
	if err != nil {
		logger.Errorw("Failed to record final status", "phase", phase, "error", err)
	}
	recordOutcome(cr, phase, &startedAt)
	logger.Infow("Operation finished", "phase", phase, "commvaultStatus", status)

	if phase == v1.PhaseSucceeded {
		if err := r.deleteOperation(ctx, cr); err != nil {
			logger.Errorw("Failed to delete succeeded operation", "error", err)
		}
	}
}

func recordOutcome(cr *v1.PostgresBackup, phase v1.Phase, startedAt *time.Time) {
	var duration time.Duration
	if startedAt != nil {
		duration = time.Since(*startedAt)
	}
	action := cr.Status.Action
	if action == "" {
		action = cr.Spec.Action
	}
	operator := cr.Status.Operator
	if operator == "" {
		operator = cr.Spec.Operator
	}
	monitoring.RecordOutcome(string(action), string(operator), string(phase), duration)
}
