package strategy

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/operation"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

var ClusterGVK = schema.GroupVersionKind{Group: "postgresql.cnpg.io", Version: "v1", Kind: "Cluster"}

type cnpgSource struct {
	deps *utils.Dependencies
	op   *operation.Operation
}

// SupportsInPlace is false: CNPG clusters are only ever copied to disposable volumes.
func (c *cnpgSource) SupportsInPlace() bool { return false }

// Sources reads the data and WAL claims mounted by the first instance.
func (c *cnpgSource) Sources(ctx context.Context) ([]Source, error) {
	podName := c.op.Cluster + "-1"
	pod := &corev1.Pod{}
	if err := c.deps.Get(ctx, client.ObjectKey{Namespace: c.op.Namespace, Name: podName}, pod); err != nil {
		return nil, utils.NewRetryable(constants.ProvisioningRetryDelay, "cannot access pod %s: %w", podName, err)
	}

	var sources []Source
	for _, volume := range pod.Spec.Volumes {
		if volume.PersistentVolumeClaim == nil {
			continue
		}
		claim := volume.PersistentVolumeClaim.ClaimName
		storage, err := utils.ReadVolumeSource(ctx, c.deps, c.op.Namespace, claim, c.op.Cluster, "")
		if err != nil {
			return nil, err
		}
		name := constants.VolumeData
		if strings.Contains(claim, "wal") {
			name = constants.VolumeWal
		}
		sources = append(sources, Source{Volume: name, Claim: claim, Storage: storage})
	}
	if len(sources) == 0 {
		return nil, utils.NewRetryable(constants.ProvisioningRetryDelay, "pod %s mounts no persistent volume claims", podName)
	}
	return sources, nil
}

// PostgresImage reuses the tag of spec.imageName on the upstream postgres image.
func (c *cnpgSource) PostgresImage(ctx context.Context) (string, []corev1.EnvVar) {
	version := constants.DefaultPostgresVersion

	cluster := &unstructured.Unstructured{}
	cluster.SetGroupVersionKind(ClusterGVK)
	if err := c.deps.Get(ctx, client.ObjectKey{Namespace: c.op.Namespace, Name: c.op.Cluster}, cluster); err == nil {
		imageName, _, _ := unstructured.NestedString(cluster.Object, "spec", "imageName")
		if i := strings.LastIndex(imageName, ":"); i >= 0 && i < len(imageName)-1 {
			version = imageName[i+1:]
		}
	} else {
		c.deps.Logger.Debugw("CNPG cluster not readable, using default image", "cluster", c.op.Cluster, "error", err)
	}
	return fmt.Sprintf("postgres:%s", version), nil
}

func (c *cnpgSource) Quiesce(context.Context) error {
	return utils.NewPermanent("UnsupportedRestoreMode", "cnpg clusters cannot be quiesced")
}

func (c *cnpgSource) VerifyQuiesced(context.Context) error { return nil }
