// Package zalando manages clusters owned by the Zalando postgres-operator.
package zalando

import (
	"context"
	"fmt"
	"math"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

var PostgresqlGVK = schema.GroupVersionKind{Group: "acid.zalan.do", Version: "v1", Kind: "postgresql"}

// OriginalReplicas returns the instance count of a cluster. The postgresql
// resource is preferred, the StatefulSet is the fallback. The result is at least 1.
func OriginalReplicas(ctx context.Context, deps *utils.Dependencies, namespace, cluster string) int32 {
	log := deps.Logger.Named("zalando").With("cluster", cluster, "namespace", namespace)

	var replicas int64
	pg := &unstructured.Unstructured{}
	pg.SetGroupVersionKind(PostgresqlGVK)
	if err := deps.Get(ctx, client.ObjectKey{Namespace: namespace, Name: cluster}, pg); err == nil {
		replicas, _, _ = unstructured.NestedInt64(pg.Object, "spec", "numberOfInstances")
	} else {
		log.Debugw("postgresql resource not readable, using statefulset", "error", err)
		sts := &appsv1.StatefulSet{}
		if err := deps.Get(ctx, client.ObjectKey{Namespace: namespace, Name: cluster}, sts); err == nil {
			replicas = int64(utils.StatefulSetReplicas(sts))
		}
	}
	return ClampReplicas(replicas)
}

// ClampReplicas normalises a recorded replica count into [1, MaxInt32].
func ClampReplicas(replicas int64) int32 {
	return int32(min(max(replicas, 1), math.MaxInt32))
}

// Scale sets numberOfInstances on the postgresql resource when it exists and
// scales the StatefulSet directly, which is authoritative.
func Scale(ctx context.Context, deps *utils.Dependencies, namespace, cluster string, replicas int32) error {
	log := deps.Logger.Named("zalando").With("cluster", cluster, "namespace", namespace, "replicas", replicas)

	pg := &unstructured.Unstructured{}
	pg.SetGroupVersionKind(PostgresqlGVK)
	pg.SetNamespace(namespace)
	pg.SetName(cluster)
	patch := []byte(fmt.Sprintf(`{"spec":{"numberOfInstances":%d}}`, replicas))
	if err := deps.Patch(ctx, pg, client.RawPatch(types.MergePatchType, patch)); err != nil {
		log.Infow("Could not scale postgresql resource, continuing with statefulset only", "error", err)
	} else {
		log.Info("Scaled postgresql resource")
	}

	if err := utils.ScaleStatefulSet(ctx, deps, namespace, cluster, replicas); err != nil {
		if apierrors.IsNotFound(err) {
			log.Info("StatefulSet not found while scaling")
			return nil
		}
		return err
	}
	return nil
}
