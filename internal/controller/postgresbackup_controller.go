package controller

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/commvault"
	"github.com/sladg/pgvault-operator/internal/controller/guard"
	"github.com/sladg/pgvault-operator/internal/controller/strategy"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

// +kubebuilder:rbac:groups=backup.pgvault-operator.io,resources=postgresbackups,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=backup.pgvault-operator.io,resources=postgresbackups/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=apps,resources=statefulsets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=core,resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups=core,resources=pods/exec,verbs=create
// +kubebuilder:rbac:groups=core,resources=persistentvolumeclaims,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups=core,resources=serviceaccounts;secrets,verbs=get;create
// +kubebuilder:rbac:groups=storage.k8s.io,resources=storageclasses,verbs=get;list
// +kubebuilder:rbac:groups=snapshot.storage.k8s.io,resources=volumesnapshots,verbs=get;create
// +kubebuilder:rbac:groups=snapshot.storage.k8s.io,resources=volumesnapshotclasses,verbs=get;list
// +kubebuilder:rbac:groups=acid.zalan.do,resources=postgresqls,verbs=get;patch
// +kubebuilder:rbac:groups=postgresql.cnpg.io,resources=clusters,verbs=get
// +kubebuilder:rbac:groups=security.openshift.io,resources=securitycontextconstraints,verbs=get;create;patch
// +kubebuilder:rbac:groups=config.openshift.io,resources=infrastructures,verbs=get

// PostgresBackupReconciler admits PostgresBackups and hands each admitted one
// to a background task that provisions, starts and polls its Commvault job.
type PostgresBackupReconciler struct {
	Deps          *utils.Dependencies
	Jobs          commvault.JobClient
	Tasks         *TaskRegistry
	Strategies    strategy.Factory
	Prerequisites Prerequisites

	// MaxConcurrentReconciles defaults to 1.
	MaxConcurrentReconciles int

	guard *guard.ConcurrencyGuard
}

func NewPostgresBackupReconciler(deps *utils.Dependencies, jobs commvault.JobClient, tasks *TaskRegistry) *PostgresBackupReconciler {
	return &PostgresBackupReconciler{
		Deps:          deps,
		Jobs:          jobs,
		Tasks:         tasks,
		Strategies:    strategy.For,
		Prerequisites: NewPrerequisites(deps),
		guard:         guard.New(deps),
	}
}

func (r *PostgresBackupReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := r.Deps.Logger.Named("[PostgresBackup]").With("name", req.Name, "namespace", req.Namespace)

	cr := &v1.PostgresBackup{}
	if err := r.Deps.Get(ctx, req.NamespacedName, cr); err != nil {
		if apierrors.IsNotFound(err) {
			r.Tasks.Stop(req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get PostgresBackup: %w", err)
	}

	if cr.IsBeingDeleted() {
		logger.Debug("Operation is being deleted, stopping its task")
		r.Tasks.Stop(req.NamespacedName)
		return ctrl.Result{}, nil
	}

	return utils.ProcessSteps(
		utils.Step{
			// Left over from a run that stopped between the final patch and the delete.
			Condition: func() bool {
				return cr.Status.Phase == v1.PhaseSucceeded && !r.Tasks.Running(req.NamespacedName, cr.UID)
			},
			Action: func() (ctrl.Result, error) {
				logger.Info("Deleting succeeded operation")
				return ctrl.Result{}, r.deleteOperation(ctx, cr)
			},
		},
		utils.Step{
			Condition: cr.Status.Phase.IsTerminal,
			Action:    utils.Done,
		},
		utils.Step{
			Condition: func() bool { return cr.Status.JobID != "" },
			Action: func() (ctrl.Result, error) {
				r.resume(cr)
				return ctrl.Result{}, nil
			},
		},
		utils.Step{
			Condition: func() bool { return r.Tasks.Running(req.NamespacedName, cr.UID) },
			Action: func() (ctrl.Result, error) {
				logger.Debug("Provisioning in progress")
				return ctrl.Result{}, nil
			},
		},
		utils.Step{
			Condition: utils.Always,
			Action:    func() (ctrl.Result, error) { return r.admit(ctx, cr) },
		},
	)
}

func (r *PostgresBackupReconciler) deleteOperation(ctx context.Context, cr *v1.PostgresBackup) error {
	if err := r.Deps.Delete(ctx, cr, client.PropagationPolicy("Foreground")); client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("failed to delete PostgresBackup %s/%s: %w", cr.Namespace, cr.Name, err)
	}
	return nil
}

func (r *PostgresBackupReconciler) SetupWithManager(mgr ctrl.Manager) error {
	workers := r.MaxConcurrentReconciles
	if workers < 1 {
		workers = 1
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1.PostgresBackup{}).
		Owns(&appsv1.StatefulSet{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: workers}).
		Complete(r)
}
