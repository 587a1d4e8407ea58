package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sladg/pgvault-operator/internal/constants"
)

// PVC0Name resolves the claim of pod 0 for a volume claim template: <template>-<sts>-0.
// The first template is used when none carries the requested name.
func PVC0Name(ctx context.Context, deps *Dependencies, namespace, stsName, template string) (string, error) {
	sts, err := GetResource[*appsv1.StatefulSet](ctx, deps.Client, namespace, stsName)
	if err != nil {
		return "", NewRetryable(constants.ProvisioningRetryDelay, "cannot read statefulset %s/%s: %w", namespace, stsName, err)
	}

	vct := findClaimTemplate(sts, template)
	if vct == nil {
		return "", NewRetryable(constants.ProvisioningRetryDelay, "statefulset %s has no volumeClaimTemplates", stsName)
	}
	return fmt.Sprintf("%s-%s-0", vct.Name, stsName), nil
}

func findClaimTemplate(sts *appsv1.StatefulSet, name string) *corev1.PersistentVolumeClaim {
	templates := sts.Spec.VolumeClaimTemplates
	if len(templates) == 0 {
		return nil
	}
	for i := range templates {
		if templates[i].Name == name {
			return &templates[i]
		}
	}
	return &templates[0]
}

// IsOrdinalClaim reports whether pvcName is <template>-<sts>-<digits>.
func IsOrdinalClaim(pvcName, template, stsName string) bool {
	prefix := template + "-" + stsName + "-"
	if !strings.HasPrefix(pvcName, prefix) {
		return false
	}
	suffix := strings.TrimPrefix(pvcName, prefix)
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// WaitForPVCAbsent waits until no claim with the given name exists, including
// terminating ones.
func WaitForPVCAbsent(ctx context.Context, deps *Dependencies, namespace, name string) error {
	log := deps.Logger.Named("pvc-absent").With("pvc", name, "namespace", namespace)

	return WaitFor(ctx, deps.Waits.Interval, deps.Waits.PVCAbsent, fmt.Sprintf("pvc %s/%s to disappear", namespace, name),
		func(ctx context.Context) (bool, error) {
			pvc := &corev1.PersistentVolumeClaim{}
			err := deps.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, pvc)
			if errors.IsNotFound(err) {
				return true, nil
			}
			if err != nil {
				return false, fmt.Errorf("failed to read pvc %s/%s: %w", namespace, name, err)
			}
			log.Debugw("PVC still present", "terminating", pvc.DeletionTimestamp != nil)
			return false, nil
		})
}

// DeletePVCAndWait deletes a claim in the foreground and waits for it to disappear.
func DeletePVCAndWait(ctx context.Context, deps *Dependencies, namespace, name string) error {
	log := deps.Logger.Named("pvc-delete").With("pvc", name, "namespace", namespace)

	pvc := &corev1.PersistentVolumeClaim{}
	pvc.Name, pvc.Namespace = name, namespace
	err := deps.Delete(ctx, pvc, client.PropagationPolicy("Foreground"), client.GracePeriodSeconds(0))
	if errors.IsNotFound(err) {
		log.Info("PVC already absent")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete pvc %s/%s: %w", namespace, name, err)
	}

	log.Info("Deleting PVC")
	return WaitFor(ctx, deps.Waits.Interval, deps.Waits.PVCDeletion, fmt.Sprintf("pvc %s/%s deletion", namespace, name),
		func(ctx context.Context) (bool, error) {
			err := deps.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &corev1.PersistentVolumeClaim{})
			if errors.IsNotFound(err) {
				return true, nil
			}
			return false, client.IgnoreNotFound(err)
		})
}

// DeleteStatefulSetPVCs deletes every ordinal claim of the StatefulSet's templates.
// Claims for which keep returns true are left alone.
func DeleteStatefulSetPVCs(ctx context.Context, deps *Dependencies, namespace, stsName string, keep func(*corev1.PersistentVolumeClaim) bool) error {
	log := deps.Logger.Named("pvc-delete").With("statefulset", stsName, "namespace", namespace)

	sts, err := GetResource[*appsv1.StatefulSet](ctx, deps.Client, namespace, stsName)
	if err != nil {
		return NewRetryable(constants.ProvisioningRetryDelay, "cannot read statefulset %s/%s: %w", namespace, stsName, err)
	}
	if len(sts.Spec.VolumeClaimTemplates) == 0 {
		log.Info("StatefulSet has no volumeClaimTemplates, no PVCs to delete")
		return nil
	}

	pvcList := &corev1.PersistentVolumeClaimList{}
	if err := deps.List(ctx, pvcList, client.InNamespace(namespace)); err != nil {
		return NewRetryable(constants.ProvisioningRetryDelay, "cannot list pvcs in %s: %w", namespace, err)
	}

	var result *multierror.Error
	for i := range pvcList.Items {
		pvc := &pvcList.Items[i]
		for _, tmpl := range sts.Spec.VolumeClaimTemplates {
			if !IsOrdinalClaim(pvc.Name, tmpl.Name, stsName) {
				continue
			}
			if keep != nil && keep(pvc) {
				log.Infow("Keeping PVC", "pvc", pvc.Name)
				break
			}
			log.Infow("Deleting PVC", "pvc", pvc.Name, "template", tmpl.Name)
			if err := DeletePVCAndWait(ctx, deps, namespace, pvc.Name); err != nil {
				result = multierror.Append(result, err)
			}
			break
		}
	}
	return result.ErrorOrNil()
}

// VolumeSource describes the storage of an existing claim.
type VolumeSource struct {
	StorageClassName string
	Request          corev1.ResourceList
}

// ReadVolumeSource reads storage class and request of a claim. When the claim is
// gone it falls back to the StatefulSet template that created it.
func ReadVolumeSource(ctx context.Context, deps *Dependencies, namespace, pvcName, stsName, template string) (VolumeSource, error) {
	pvc, err := GetResource[*corev1.PersistentVolumeClaim](ctx, deps.Client, namespace, pvcName)
	if err == nil {
		return volumeSourceOf(&pvc.Spec), nil
	}
	if !errors.IsNotFound(err) {
		return VolumeSource{}, NewRetryable(constants.ProvisioningRetryDelay, "cannot read pvc %s/%s: %w", namespace, pvcName, err)
	}

	sts, stsErr := GetResource[*appsv1.StatefulSet](ctx, deps.Client, namespace, stsName)
	if stsErr != nil {
		return VolumeSource{}, NewRetryable(constants.ProvisioningRetryDelay, "cannot find pvc %s: %w", pvcName, err)
	}
	vct := findClaimTemplate(sts, template)
	if vct == nil {
		return VolumeSource{}, NewRetryable(constants.ProvisioningRetryDelay, "cannot find pvc %s and statefulset %s has no templates", pvcName, stsName)
	}
	return volumeSourceOf(&vct.Spec), nil
}

func volumeSourceOf(spec *corev1.PersistentVolumeClaimSpec) VolumeSource {
	source := VolumeSource{Request: corev1.ResourceList{}}
	if spec.StorageClassName != nil {
		source.StorageClassName = *spec.StorageClassName
	}
	if storage, ok := spec.Resources.Requests[corev1.ResourceStorage]; ok {
		source.Request[corev1.ResourceStorage] = storage
	}
	return source
}
