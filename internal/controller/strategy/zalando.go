package strategy

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/operation"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
	"github.com/sladg/pgvault-operator/internal/zalando"
)

type zalandoSource struct {
	deps *utils.Dependencies
	op   *operation.Operation
}

func (z *zalandoSource) SupportsInPlace() bool { return true }

// Sources returns the data volume of the cluster. Backups prefer the claim
// mounted by the current master; restores always target pod 0.
func (z *zalandoSource) Sources(ctx context.Context) ([]Source, error) {
	claim := ""
	if z.op.Action == v1.ActionBackup {
		claim = z.masterClaim(ctx)
	}
	if claim == "" {
		var err error
		claim, err = utils.PVC0Name(ctx, z.deps, z.op.Namespace, z.op.Cluster, constants.ZalandoVolumeTemplate)
		if err != nil {
			return nil, err
		}
	}

	storage, err := utils.ReadVolumeSource(ctx, z.deps, z.op.Namespace, claim, z.op.Cluster, constants.ZalandoVolumeTemplate)
	if err != nil {
		return nil, err
	}
	return []Source{{Volume: constants.VolumeData, Claim: claim, Storage: storage}}, nil
}

func (z *zalandoSource) masterClaim(ctx context.Context) string {
	pods := &corev1.PodList{}
	err := z.deps.List(ctx, pods, client.InNamespace(z.op.Namespace), client.MatchingLabels{
		constants.LabelSpiloRole:   constants.ZalandoMasterRole,
		constants.LabelClusterName: z.op.Cluster,
	})
	if err != nil {
		z.deps.Logger.Warnw("Failed to list master pods", "cluster", z.op.Cluster, "error", err)
		return ""
	}
	for _, pod := range pods.Items {
		for _, volume := range pod.Spec.Volumes {
			if volume.PersistentVolumeClaim != nil {
				return volume.PersistentVolumeClaim.ClaimName
			}
		}
	}
	return ""
}

// PostgresImage picks the helper image matching PGVERSION of the live cluster.
func (z *zalandoSource) PostgresImage(ctx context.Context) (string, []corev1.EnvVar) {
	env := []corev1.EnvVar{{Name: "PGDATA", Value: constants.ZalandoPGData}}

	version := ""
	sts := &appsv1.StatefulSet{}
	if err := z.deps.Get(ctx, client.ObjectKey{Namespace: z.op.Namespace, Name: z.op.Cluster}, sts); err == nil {
		version = pgVersion(sts)
	}
	image := z.deps.Settings.PostgresImage(version)
	z.deps.Logger.Infow("Using Postgres helper image", "image", image, "cluster", z.op.Cluster)
	return image, env
}

func pgVersion(sts *appsv1.StatefulSet) string {
	for _, container := range sts.Spec.Template.Spec.Containers {
		if container.Name != constants.ZalandoContainer {
			continue
		}
		for _, env := range container.Env {
			if env.Name == "PGVERSION" {
				return env.Value
			}
		}
	}
	return ""
}

// Quiesce records the replica count once, scales the cluster to zero and
// deletes its numbered volumes. Claims already recreated by this operation
// are kept.
func (z *zalandoSource) Quiesce(ctx context.Context) error {
	log := z.deps.Logger.Named("zalando-quiesce").With(z.op.GetLogValues()...)

	cr := z.op.Object
	if cr.Status.OriginalReplicas == nil {
		replicas := zalando.OriginalReplicas(ctx, z.deps, z.op.Namespace, z.op.Cluster)
		if err := utils.PatchStatus(ctx, z.deps, cr, map[string]any{"originalReplicas": replicas}); err != nil {
			return utils.NewRetryable(constants.ProvisioningRetryDelay, "failed to record original replicas: %w", err)
		}
		cr.Status.OriginalReplicas = &replicas
		log.Infow("Stored original replica count", "originalReplicas", replicas)
	}

	if err := zalando.Scale(ctx, z.deps, z.op.Namespace, z.op.Cluster, 0); err != nil {
		log.Infow("Scale note", "error", err)
	} else if err := utils.WaitForStatefulSetPodsGone(ctx, z.deps, z.op.Namespace, z.op.Cluster); err != nil {
		log.Infow("Wait note", "error", err)
	}

	return utils.DeleteStatefulSetPVCs(ctx, z.deps, z.op.Namespace, z.op.Cluster, func(pvc *corev1.PersistentVolumeClaim) bool {
		return ownedByOperation(pvc.Labels, z.op)
	})
}

func (z *zalandoSource) VerifyQuiesced(ctx context.Context) error {
	return utils.EnsureQuiesced(ctx, z.deps, z.op.Namespace, z.op.Cluster)
}
