package app

import (
	"context"
	"fmt"

	"github.com/go-logr/zapr"
	snapshotv1 "github.com/kubernetes-csi/external-snapshotter/client/v8/apis/volumesnapshot/v1"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/commvault"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
	"github.com/sladg/pgvault-operator/internal/openshift"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1.AddToScheme(scheme))
	utilruntime.Must(snapshotv1.AddToScheme(scheme))
}

// NewCommand creates the root command of the operator.
func NewCommand() *cobra.Command {
	opts := newOptions()

	cmd := &cobra.Command{
		Use:   constants.ManagerName,
		Short: "Drive Commvault backups and restores of PostgreSQL clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context(), opts)
		},
	}

	if err := opts.addFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, opts *options) error {
	zl, err := newLogger(opts.development)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	ctrl.SetLogger(zapr.NewLogger(zl))
	logger := zl.Sugar().Named("[Setup]")

	settings := opts.settings()
	restConfig := ctrl.GetConfigOrDie()

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: opts.metricsAddr},
		HealthProbeBindAddress: opts.probeAddr,
		LeaderElection:         opts.leaderElection,
		LeaderElectionID:       "pgvault-operator." + v1.OperatorDomain,
	})
	if err != nil {
		return fmt.Errorf("unable to create manager: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	clusterName := openshift.DetectClusterName(ctx, mgr.GetAPIReader(), settings.ClusterName, logger)
	logger.Infow("Resolved cluster identity", "clusterName", clusterName)

	deps := &utils.Dependencies{
		Client:      mgr.GetClient(),
		Scheme:      mgr.GetScheme(),
		Config:      restConfig,
		Logger:      zl.Sugar(),
		CronParser:  utils.NewCronParser(),
		Settings:    settings,
		Executor:    utils.NewPodExecutor(restConfig),
		Waits:       utils.DefaultWaitSettings(),
		ClusterName: clusterName,
	}

	jobs := commvault.NewClient(commvault.Options{
		BaseURL:  settings.CommvaultAPIURL,
		Username: settings.CommvaultUser,
		Password: settings.CommvaultPassword,
		Insecure: settings.CommvaultInsecure,
	}, zl.Sugar().Named("[Commvault]"))

	tasks := controller.NewTaskRegistry(ctx)

	backups := controller.NewPostgresBackupReconciler(deps, jobs, tasks)
	backups.MaxConcurrentReconciles = opts.maxConcurrentReconciles
	if err := backups.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create PostgresBackup controller: %w", err)
	}
	if err := controller.NewPostgresBackupScheduleReconciler(deps).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create PostgresBackupSchedule controller: %w", err)
	}

	logger.Infow("Starting manager", "commvaultAPI", settings.CommvaultAPIURL)
	err = mgr.Start(ctx)
	tasks.Wait()
	return err
}
