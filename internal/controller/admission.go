package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/operation"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

// stageError carries the status reason of a failed admission stage.
type stageError struct {
	reason string
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

// admit validates cr, applies the concurrency guard, ensures the namespace
// prerequisites and dispatches the operation task.
func (r *PostgresBackupReconciler) admit(ctx context.Context, cr *v1.PostgresBackup) (ctrl.Result, error) {
	logger := r.Deps.Logger.Named("[Admission]").With(cr.GetLogValues()...)

	op, err := operation.New(cr)
	if err != nil {
		logger.Errorw("Invalid operation", "error", err)
		return ctrl.Result{}, r.fail(ctx, cr, v1.ReasonInvalidSpec, err)
	}

	if other := r.guard.FindConflict(ctx, cr); other != nil {
		return ctrl.Result{}, r.guard.Reject(ctx, cr, other)
	}

	if err := r.Prerequisites.Ensure(ctx, cr.Namespace); err != nil {
		delay := utils.RetryDelay(err, constants.DefaultRequeueInterval)
		logger.Warnw("Prerequisites not ready, requeuing", "after", delay, "error", err)
		return ctrl.Result{RequeueAfter: delay}, nil
	}

	key := client.ObjectKeyFromObject(cr)
	if r.Tasks.Ensure(key, cr.UID, string(op.Action), func(ctx context.Context) { r.run(ctx, op) }) {
		logger.Infow("Operation admitted", "operator", op.Operator, "restoreMode", op.RestoreMode)
	}
	return ctrl.Result{}, nil
}

// run is the body of an operation task: provision, start the job, record the
// initial status and poll it to the end.
func (r *PostgresBackupReconciler) run(ctx context.Context, op *operation.Operation) {
	logger := r.Deps.Logger.Named("[Operation]").With(op.GetLogValues()...)

	jobID, err := r.start(ctx, op)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Operation cancelled during provisioning")
			return
		}
		reason := v1.ReasonStrategyExecutionError
		var se *stageError
		if errors.As(err, &se) {
			reason = se.reason
		}
		logger.Errorw("Operation failed before the job started", "reason", reason, "error", err)
		if err := r.fail(ctx, op.Object, reason, err); err != nil {
			logger.Errorw("Failed to record failure", "error", err)
		}
		return
	}

	status := r.Jobs.GetJobStatus(ctx, jobID)
	startedAt := metav1.Now()
	phase := progressPhase(status)
	err = utils.PatchStatus(ctx, r.Deps, op.Object, map[string]any{
		"phase":           phase,
		"jobId":           jobID,
		"commvaultStatus": status.String(),
		"startedAt":       startedAt,
		"action":          op.Action,
		"operator":        op.Operator,
		"restoreMode":     op.RestoreMode,
		"reason":          "",
		"message":         "",
	})
	if err != nil {
		logger.Errorw("Failed to record job start, polling anyway", "jobId", jobID, "error", err)
	}
	logger.Infow("Commvault job started", "jobId", jobID, "commvaultStatus", status, "phase", phase)

	r.poll(ctx, op, jobID, status, startedAt.Time)
}

// start runs provisioning, re-driving retryable failures a bounded number of
// times, then requests the Commvault job.
func (r *PostgresBackupReconciler) start(ctx context.Context, op *operation.Operation) (string, error) {
	logger := r.Deps.Logger.Named("[Provisioning]").With(op.GetLogValues()...)
	s := r.Strategies(r.Deps, op, r.Jobs)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Deps.Waits.ProvisioningRetry), constants.ProvisioningAttempts-1),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		if err := s.Execute(ctx); err != nil {
			if utils.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, policy, func(err error, next time.Duration) {
		logger.Warnw("Provisioning step not ready, retrying", "in", next, "error", err)
	})
	if err != nil {
		return "", &stageError{reason: v1.ReasonStrategyExecutionError, err: fmt.Errorf("provisioning failed: %w", err)}
	}

	jobID, err := s.StartTask(ctx)
	if err != nil {
		return "", &stageError{reason: v1.ReasonCommvaultNoJob, err: fmt.Errorf("failed to start Commvault task: %w", err)}
	}
	if jobID == "" {
		return "", &stageError{reason: v1.ReasonCommvaultNoJob, err: errors.New("commvault returned no job id")}
	}
	return jobID, nil
}

// fail records a terminal failure of an operation that never got a job.
func (r *PostgresBackupReconciler) fail(ctx context.Context, cr *v1.PostgresBackup, reason string, cause error) error {
	err := utils.PatchStatus(ctx, r.Deps, cr, map[string]any{
		"phase":      v1.PhaseFailed,
		"reason":     reason,
		"message":    cause.Error(),
		"finishedAt": metav1.Now(),
	})
	if err != nil {
		return err
	}
	recordOutcome(cr, v1.PhaseFailed, nil)
	return nil
}
