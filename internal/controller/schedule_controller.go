package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/handler"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
	"github.com/sladg/pgvault-operator/internal/controller/watches"
	"github.com/sladg/pgvault-operator/internal/monitoring"
)

// +kubebuilder:rbac:groups=backup.pgvault-operator.io,resources=postgresbackupschedules,verbs=get;list;watch
// +kubebuilder:rbac:groups=backup.pgvault-operator.io,resources=postgresbackupschedules/status,verbs=get;update;patch

// PostgresBackupScheduleReconciler creates backup PostgresBackups on a cron schedule.
type PostgresBackupScheduleReconciler struct {
	Deps *utils.Dependencies
	Now  func() time.Time
}

func NewPostgresBackupScheduleReconciler(deps *utils.Dependencies) *PostgresBackupScheduleReconciler {
	return &PostgresBackupScheduleReconciler{Deps: deps, Now: time.Now}
}

func (r *PostgresBackupScheduleReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := r.Deps.Logger.Named("[Schedule]").With("name", req.Name, "namespace", req.Namespace)

	schedule := &v1.PostgresBackupSchedule{}
	if err := r.Deps.Get(ctx, req.NamespacedName, schedule); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get PostgresBackupSchedule: %w", err)
	}
	if schedule.DeletionTimestamp != nil || schedule.Spec.Suspend {
		return ctrl.Result{}, nil
	}

	now := r.Now().UTC()
	var lastRun *time.Time
	if schedule.Status.LastScheduleTime != nil {
		lastRun = &schedule.Status.LastScheduleTime.Time
	}

	due, next, err := utils.ScheduleDue(r.Deps.CronParser, schedule.Spec.Schedule, lastRun, schedule.CreationTimestamp.Time, now)
	if err != nil {
		logger.Warnw("Invalid schedule", "schedule", schedule.Spec.Schedule, "error", err)
		if schedule.Status.Message != err.Error() {
			return ctrl.Result{}, utils.PatchStatus(ctx, r.Deps, schedule, map[string]any{"message": err.Error()})
		}
		return ctrl.Result{}, nil
	}

	fields := map[string]any{}
	if due {
		backup := r.buildBackup(schedule, now)
		if err := r.Deps.Create(ctx, backup); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to create scheduled backup: %w", err)
		}
		logger.Infow("Created scheduled backup", "postgresbackup", backup.Name)
		monitoring.RecordScheduledBackup(schedule.Namespace, schedule.Name)

		fields["lastScheduleTime"] = metav1.NewTime(now)
		fields["lastBackupName"] = backup.Name
	}

	nextTime := metav1.NewTime(next)
	if schedule.Status.NextScheduleTime == nil || !schedule.Status.NextScheduleTime.Equal(&nextTime) {
		fields["nextScheduleTime"] = nextTime
	}
	if schedule.Status.Message != "" {
		fields["message"] = ""
	}
	if len(fields) > 0 {
		if err := utils.PatchStatus(ctx, r.Deps, schedule, fields); err != nil {
			return ctrl.Result{}, err
		}
	}

	return ctrl.Result{RequeueAfter: next.Sub(now)}, nil
}

// buildBackup names the backup <schedule>-<unix>-<uuid8>.
func (r *PostgresBackupScheduleReconciler) buildBackup(schedule *v1.PostgresBackupSchedule, now time.Time) *v1.PostgresBackup {
	name := fmt.Sprintf("%s-%d-%s", schedule.Name, now.Unix(), uuid.NewString()[:8])
	return &v1.PostgresBackup{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: schedule.Namespace,
			Labels: map[string]string{
				constants.LabelSchedule:  schedule.Name,
				constants.LabelManagedBy: constants.ManagerName,
			},
		},
		Spec: v1.PostgresBackupSpec{
			Cluster:  schedule.Spec.Cluster,
			Action:   v1.ActionBackup,
			Operator: schedule.Spec.Operator,
		},
	}
}

func (r *PostgresBackupScheduleReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1.PostgresBackupSchedule{}).
		Watches(&v1.PostgresBackup{}, handler.EnqueueRequestsFromMapFunc(watches.RequestScheduleForBackup())).
		Complete(r)
}
