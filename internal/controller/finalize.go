package controller

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/ptr"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/commvault"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/operation"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
	"github.com/sladg/pgvault-operator/internal/zalando"
)

const patroniConfirmation = "Yes I am aware"

// needsRecovery reports whether a finished operation left a live cluster down.
func needsRecovery(op *operation.Operation, status commvault.JobStatus) bool {
	return status.IsSuccess() &&
		op.Operator == v1.TargetSystemZalando &&
		op.IsRestoreInPlace()
}

// recoverCluster brings a Zalando cluster back after an in-place restore:
// stop the helper, start one instance, drop the stale Patroni state, then
// scale back to the recorded replica count. Every step is best effort. The
// returned error reports what failed and is only logged.
func recoverCluster(ctx context.Context, deps *utils.Dependencies, op *operation.Operation, originalReplicas *int32) error {
	log := deps.Logger.Named("[Finalize]").With(op.GetLogValues()...)
	ns, cluster := op.Namespace, op.Cluster
	var result *multierror.Error

	helper := op.ID(deps.ClusterName)
	if err := utils.ScaleStatefulSet(ctx, deps, ns, helper, 0); err != nil {
		log.Warnw("Failed to scale down helper", "statefulset", helper, "error", err)
		result = multierror.Append(result, err)
	} else if err := utils.WaitForStatefulSetPodsGone(ctx, deps, ns, helper); err != nil {
		log.Warnw("Helper pods did not terminate", "statefulset", helper, "error", err)
		result = multierror.Append(result, err)
	}

	if err := zalando.Scale(ctx, deps, ns, cluster, 1); err != nil {
		log.Errorw("Failed to start cluster", "error", err)
		return multierror.Append(result, err).ErrorOrNil()
	}

	pod := cluster + "-0"
	if err := utils.WaitForPodReady(ctx, deps, ns, pod); err != nil {
		log.Errorw("Cluster did not become ready, skipping remaining recovery steps", "pod", pod, "error", err)
		return multierror.Append(result, err).ErrorOrNil()
	}

	script := fmt.Sprintf("printf '%%s\\n%%s\\n' '%s' '%s' | patronictl remove %s", cluster, patroniConfirmation, cluster)
	stdout, stderr, err := deps.Executor.Execute(ctx, ns, pod, constants.ZalandoContainer, "/bin/sh", "-c", script)
	if err != nil {
		log.Warnw("patronictl remove failed", "stderr", stderr, "error", err)
		result = multierror.Append(result, fmt.Errorf("patronictl remove: %w", err))
	} else {
		log.Infow("Removed stale Patroni cluster state", "output", stdout)
	}

	replicas := zalando.ClampReplicas(int64(ptr.Deref(originalReplicas, 1)))
	if replicas > 1 {
		if err := zalando.Scale(ctx, deps, ns, cluster, replicas); err != nil {
			log.Warnw("Failed to restore replica count", "replicas", replicas, "error", err)
			result = multierror.Append(result, err)
		}
	}

	log.Infow("Cluster recovery finished", "replicas", replicas)
	return result.ErrorOrNil()
}
