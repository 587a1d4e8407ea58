// Package strategy provisions the volumes and helper workload of an operation
// and requests the Commvault task. Behaviour is composed from a SourceLocator,
// chosen by the cluster operator, and a DestinationPolicy, chosen by the action.
package strategy

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/commvault"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/operation"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

// Strategy is the provisioning contract: Execute must complete before StartTask.
type Strategy interface {
	// Execute is idempotent; objects that already exist are reused.
	Execute(ctx context.Context) error
	// StartTask requests the Commvault job and returns its id.
	StartTask(ctx context.Context) (string, error)
}

// Factory builds the strategy of an operation.
type Factory func(deps *utils.Dependencies, op *operation.Operation, jobs commvault.JobClient) Strategy

// Source is one live volume that the helper workload needs a copy of.
type Source struct {
	// Volume is the helper volume name, pgdata or pg-wal.
	Volume  string
	Claim   string
	Storage utils.VolumeSource
}

// SourceLocator is the target system axis.
type SourceLocator interface {
	Sources(ctx context.Context) ([]Source, error)
	PostgresImage(ctx context.Context) (image string, env []corev1.EnvVar)
	// Quiesce stops the live cluster and removes its volumes for an in-place restore.
	Quiesce(ctx context.Context) error
	// VerifyQuiesced re-checks that the live cluster stayed down.
	VerifyQuiesced(ctx context.Context) error
	SupportsInPlace() bool
}

// DestinationPolicy is the action axis.
type DestinationPolicy interface {
	// Provision creates the destination claim for source and returns its name.
	Provision(ctx context.Context, source Source) (string, error)
	StartTask(ctx context.Context, jobs commvault.JobClient, clientName string) (string, error)
}

type composite struct {
	deps        *utils.Dependencies
	op          *operation.Operation
	jobs        commvault.JobClient
	source      SourceLocator
	destination DestinationPolicy
}

// For returns the strategy matching the operator and action of op.
func For(deps *utils.Dependencies, op *operation.Operation, jobs commvault.JobClient) Strategy {
	s := &composite{deps: deps, op: op, jobs: jobs}

	switch op.Operator {
	case v1.TargetSystemCNPG:
		s.source = &cnpgSource{deps: deps, op: op}
	default:
		s.source = &zalandoSource{deps: deps, op: op}
	}

	switch op.Action {
	case v1.ActionRestore:
		s.destination = &restoreDestination{deps: deps, op: op}
	default:
		s.destination = &backupDestination{deps: deps, op: op, resolver: utils.NewSnapshotClassResolver(deps)}
	}
	return s
}

func (s *composite) Execute(ctx context.Context) error {
	log := s.deps.Logger.Named("strategy").With(s.op.GetLogValues()...)
	inPlace := s.op.IsRestoreInPlace()

	if inPlace && !s.source.SupportsInPlace() {
		return utils.NewPermanent(v1.ReasonStrategyExecutionError,
			"in-place restore is not supported for %s clusters", s.op.Operator)
	}

	sources, err := s.source.Sources(ctx)
	if err != nil {
		return err
	}

	if inPlace {
		if err := s.source.Quiesce(ctx); err != nil {
			return err
		}
	} else {
		log.Info("Source cluster and volumes left unchanged")
	}

	claims := map[string]string{}
	for _, source := range sources {
		claim, err := s.destination.Provision(ctx, source)
		if err != nil {
			return err
		}
		claims[source.Volume] = claim
	}

	image, env := s.source.PostgresImage(ctx)
	if err := s.createHelper(ctx, image, env, claims); err != nil {
		return err
	}

	if inPlace {
		if err := s.source.VerifyQuiesced(ctx); err != nil {
			return err
		}
	}
	log.Infow("Provisioning completed", "claims", claims, "image", image)
	return nil
}

func (s *composite) StartTask(ctx context.Context) (string, error) {
	return s.destination.StartTask(ctx, s.jobs, s.op.ID(s.deps.ClusterName))
}

func (s *composite) createHelper(ctx context.Context, image string, env []corev1.EnvVar, claims map[string]string) error {
	sts := utils.BuildHelperStatefulSet(utils.HelperSpec{
		Name:          s.op.ID(s.deps.ClusterName),
		Namespace:     s.op.Namespace,
		Operator:      s.op.Operator,
		Action:        s.op.Action,
		PostgresImage: image,
		PostgresEnv:   env,
		Claims:        claims,
		Settings:      s.deps.Settings,
	})
	sts.Labels[constants.LabelOperation] = string(s.op.UID)
	if err := utils.SetOwner(s.deps, s.op.Object, sts); err != nil {
		return err
	}

	created, err := utils.CreateIfNotExists(ctx, s.deps, sts)
	if err != nil {
		return utils.NewRetryable(constants.ProvisioningRetryDelay, "failed to create helper statefulset: %w", err)
	}
	if created {
		s.deps.Logger.Infow("Created helper statefulset", "statefulset", sts.Name, "namespace", sts.Namespace)
		return nil
	}
	return s.adoptHelper(ctx, sts.Name)
}

// adoptHelper accepts an existing helper only when this operation created it.
// A helper left by another operation still mounts that operation's volumes, so
// it is removed and provisioning is retried.
func (s *composite) adoptHelper(ctx context.Context, name string) error {
	log := s.deps.Logger.Named("strategy").With("statefulset", name, "namespace", s.op.Namespace)

	existing, err := utils.GetResource[*appsv1.StatefulSet](ctx, s.deps.Client, s.op.Namespace, name)
	if err != nil {
		return utils.NewRetryable(constants.ProvisioningRetryDelay, "cannot read helper statefulset %s: %w", name, err)
	}
	if ownedByOperation(existing.Labels, s.op) && existing.DeletionTimestamp == nil {
		return nil
	}

	log.Infow("Removing helper left by another operation", "owner", existing.Labels[constants.LabelOperation])
	if err := s.deps.Delete(ctx, existing); client.IgnoreNotFound(err) != nil {
		return utils.NewRetryable(constants.ProvisioningRetryDelay, "failed to delete stale helper %s: %w", name, err)
	}

	err = utils.WaitFor(ctx, s.deps.Waits.Interval, s.deps.Waits.PodsGone, fmt.Sprintf("helper %s/%s to be removed", s.op.Namespace, name),
		func(ctx context.Context) (bool, error) {
			err := s.deps.Get(ctx, client.ObjectKey{Namespace: s.op.Namespace, Name: name}, &appsv1.StatefulSet{})
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			return false, err
		})
	if err != nil {
		return err
	}
	if err := utils.WaitForStatefulSetPodsGone(ctx, s.deps, s.op.Namespace, name); err != nil {
		return err
	}
	return utils.NewRetryable(constants.ProvisioningRetryDelay, "removed helper %s of another operation", name)
}

func operationLabels(op *operation.Operation) map[string]string {
	return map[string]string{
		constants.LabelManagedBy: constants.ManagerName,
		constants.LabelOperation: string(op.UID),
	}
}

func ownedByOperation(labels map[string]string, op *operation.Operation) bool {
	return op.UID != "" && labels[constants.LabelOperation] == string(op.UID)
}
