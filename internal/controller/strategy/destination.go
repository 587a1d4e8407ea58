package strategy

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sladg/pgvault-operator/internal/commvault"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/operation"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

// backupDestination clones the source from a fresh VolumeSnapshot. Snapshot and
// clone are owned by the operation and garbage collected with it.
type backupDestination struct {
	deps     *utils.Dependencies
	op       *operation.Operation
	resolver utils.SnapshotClassResolver
}

func (d *backupDestination) Provision(ctx context.Context, source Source) (string, error) {
	log := d.deps.Logger.Named("backup-destination").With("pvc", source.Claim, "namespace", d.op.Namespace)

	pvc := &corev1.PersistentVolumeClaim{}
	if err := d.deps.Get(ctx, client.ObjectKey{Namespace: d.op.Namespace, Name: source.Claim}, pvc); err != nil {
		return "", utils.NewRetryable(constants.ProvisioningRetryDelay, "cannot find pvc %s: %w", source.Claim, err)
	}

	snapshotClass, err := d.resolver.Resolve(ctx, pvc)
	if err != nil {
		var sce *utils.SnapshotClassError
		if errors.As(err, &sce) {
			return "", &utils.PermanentError{Reason: sce.Reason, Err: errors.New(sce.Message)}
		}
		return "", err
	}

	cloneName := fmt.Sprintf("%s-clone-%s", source.Claim, d.op.CloneID)
	snapshotName := cloneName + "-snap"

	snapshot := utils.BuildVolumeSnapshot(snapshotName, d.op.Namespace, source.Claim, snapshotClass)
	snapshot.Labels = operationLabels(d.op)
	if err := utils.SetOwner(d.deps, d.op.Object, snapshot); err != nil {
		return "", err
	}
	if created, err := utils.CreateIfNotExists(ctx, d.deps, snapshot); err != nil {
		return "", utils.NewRetryable(constants.ProvisioningRetryDelay, "error creating snapshot: %w", err)
	} else if created {
		log.Infow("Created volume snapshot", "snapshot", snapshotName, "snapshotClass", snapshotClass)
	}

	clone := utils.BuildClaim(utils.ClaimSpec{
		Name:      cloneName,
		Namespace: d.op.Namespace,
		Source:    source.Storage,
		Snapshot:  snapshotName,
		Labels:    operationLabels(d.op),
	})
	if err := utils.SetOwner(d.deps, d.op.Object, clone); err != nil {
		return "", err
	}
	if created, err := utils.CreateIfNotExists(ctx, d.deps, clone); err != nil {
		return "", utils.NewRetryable(constants.ProvisioningRetryDelay, "error creating pvc: %w", err)
	} else if created {
		log.Infow("Created clone pvc", "clone", cloneName)
	}
	return cloneName, nil
}

func (d *backupDestination) StartTask(ctx context.Context, jobs commvault.JobClient, clientName string) (string, error) {
	return jobs.CreateBackupTask(ctx, clientName)
}

// restoreDestination creates an empty claim. In-place restores reuse the source
// name, out-of-place restores get a disposable one. Restored claims have no
// owner so they survive the operation.
type restoreDestination struct {
	deps *utils.Dependencies
	op   *operation.Operation
}

func (d *restoreDestination) target(source Source) string {
	if d.op.IsRestoreInPlace() {
		return source.Claim
	}
	return fmt.Sprintf("%s-restore-%s", source.Claim, d.op.CloneID)
}

func (d *restoreDestination) Provision(ctx context.Context, source Source) (string, error) {
	name := d.target(source)
	log := d.deps.Logger.Named("restore-destination").With("pvc", name, "namespace", d.op.Namespace)

	existing := &corev1.PersistentVolumeClaim{}
	err := d.deps.Get(ctx, client.ObjectKey{Namespace: d.op.Namespace, Name: name}, existing)
	if err == nil && ownedByOperation(existing.Labels, d.op) && existing.DeletionTimestamp == nil {
		log.Info("Restore pvc already provisioned")
		return name, nil
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return "", utils.NewRetryable(constants.ProvisioningRetryDelay, "cannot read pvc %s: %w", name, err)
	}

	log.Info("Waiting for pvc to be fully removed before creating a new one")
	if err := utils.WaitForPVCAbsent(ctx, d.deps, d.op.Namespace, name); err != nil {
		return "", err
	}

	pvc := utils.BuildClaim(utils.ClaimSpec{
		Name:      name,
		Namespace: d.op.Namespace,
		Source:    source.Storage,
		Labels:    operationLabels(d.op),
	})
	if err := d.deps.Create(ctx, pvc); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return "", utils.NewRetryable(constants.ProvisioningRetryDelay,
				"pvc %s already exists, it might still be terminating", name)
		}
		return "", utils.NewRetryable(constants.ProvisioningRetryDelay, "error creating pvc %s: %w", name, err)
	}
	log.Info("Created restore pvc")
	return name, nil
}

func (d *restoreDestination) StartTask(ctx context.Context, jobs commvault.JobClient, clientName string) (string, error) {
	return jobs.CreateRestoreTask(ctx, clientName, d.op.RestoreDate)
}
