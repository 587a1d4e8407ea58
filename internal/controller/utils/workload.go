package utils

import (
	"context"
	"fmt"
	"regexp"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sladg/pgvault-operator/internal/constants"
)

// ScaleStatefulSet merge patches spec.replicas of a StatefulSet.
func ScaleStatefulSet(ctx context.Context, deps *Dependencies, namespace, name string, replicas int32) error {
	log := deps.Logger.Named("workload-scaler").With("statefulset", name, "namespace", namespace)

	sts := &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	if err := deps.Patch(ctx, sts, client.RawPatch(types.MergePatchType, patch)); err != nil {
		return fmt.Errorf("failed to scale statefulset %s/%s to %d: %w", namespace, name, replicas, err)
	}

	log.Infow("Scaled statefulset", "replicas", replicas)
	return nil
}

// StatefulSetReplicas returns spec.replicas, where nil counts as 1 like the API default.
func StatefulSetReplicas(sts *appsv1.StatefulSet) int32 {
	return ptr.Deref(sts.Spec.Replicas, 1)
}

// ListStatefulSetPods returns live pods whose names are <sts>-<ordinal>.
// Pods that are already terminating are not counted.
func ListStatefulSetPods(ctx context.Context, deps *Dependencies, namespace, name string) ([]corev1.Pod, error) {
	podList := &corev1.PodList{}
	if err := deps.List(ctx, podList, client.InNamespace(namespace)); err != nil {
		return nil, fmt.Errorf("failed to list pods in %s: %w", namespace, err)
	}

	ordinal := regexp.MustCompile("^" + regexp.QuoteMeta(name) + `-\d+$`)
	var pods []corev1.Pod
	for _, pod := range podList.Items {
		if pod.DeletionTimestamp != nil || !ordinal.MatchString(pod.Name) {
			continue
		}
		pods = append(pods, pod)
	}
	return pods, nil
}

// WaitForStatefulSetPodsGone waits until no live pod of the StatefulSet remains.
func WaitForStatefulSetPodsGone(ctx context.Context, deps *Dependencies, namespace, name string) error {
	log := deps.Logger.Named("check-pods-terminated").With("statefulset", name, "namespace", namespace)

	return WaitFor(ctx, deps.Waits.Interval, deps.Waits.PodsGone, fmt.Sprintf("pods of %s/%s to terminate", namespace, name),
		func(ctx context.Context) (bool, error) {
			pods, err := ListStatefulSetPods(ctx, deps, namespace, name)
			if err != nil {
				return false, err
			}
			if len(pods) > 0 {
				log.Debugw("Waiting for pods to terminate", "remaining", len(pods))
				return false, nil
			}
			log.Info("All pods have been terminated")
			return true, nil
		})
}

// EnsureQuiesced verifies that a StatefulSet is scaled to zero and has no live pods.
// A missing StatefulSet counts as quiesced.
func EnsureQuiesced(ctx context.Context, deps *Dependencies, namespace, name string) error {
	sts := &appsv1.StatefulSet{}
	if err := deps.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, sts); err != nil {
		if errors.IsNotFound(err) {
			deps.Logger.Infow("StatefulSet not found, assuming it was removed", "statefulset", name, "namespace", namespace)
			return nil
		}
		return NewRetryable(constants.ProvisioningRetryDelay, "failed to read statefulset %s/%s: %w", namespace, name, err)
	}

	if replicas := ptr.Deref(sts.Spec.Replicas, 0); replicas != 0 {
		return NewRetryable(constants.ProvisioningRetryDelay, "cluster %s has replicas=%d, expected 0", name, replicas)
	}
	return WaitForStatefulSetPodsGone(ctx, deps, namespace, name)
}
