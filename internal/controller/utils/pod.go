package utils

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// IsPodReady reports phase Running with condition Ready=True.
func IsPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// WaitForPodReady waits for a pod to be ready. A pod that does not exist yet is waited for.
func WaitForPodReady(ctx context.Context, deps *Dependencies, namespace, name string) error {
	log := deps.Logger.Named("pod-ready").With("pod", name, "namespace", namespace)

	return WaitFor(ctx, deps.Waits.Interval, deps.Waits.PodReady, fmt.Sprintf("pod %s/%s to become ready", namespace, name),
		func(ctx context.Context) (bool, error) {
			pod := &corev1.Pod{}
			err := deps.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, pod)
			if errors.IsNotFound(err) {
				log.Debug("Pod not found yet")
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("failed to read pod %s/%s: %w", namespace, name, err)
			}
			if !IsPodReady(pod) {
				log.Debugw("Pod not ready", "phase", pod.Status.Phase)
				return false, nil
			}
			return true, nil
		})
}
