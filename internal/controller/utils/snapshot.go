package utils

import (
	"context"
	"fmt"

	snapshotv1 "github.com/kubernetes-csi/external-snapshotter/client/v8/apis/volumesnapshot/v1"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sladg/pgvault-operator/internal/constants"
)

const (
	SnapshotClassNotFound        = "SnapshotClassNotFound"
	SnapshotClassResolutionError = "SnapshotClassResolutionError"
)

// SnapshotClassError is returned when no VolumeSnapshotClass can serve a claim.
type SnapshotClassError struct {
	Reason  string
	Message string
}

func (e *SnapshotClassError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// SnapshotClassResolver maps the StorageClass of a claim to a VolumeSnapshotClass.
type SnapshotClassResolver interface {
	Resolve(ctx context.Context, pvc *corev1.PersistentVolumeClaim) (string, error)
}

type snapshotClassResolver struct {
	deps *Dependencies
}

func NewSnapshotClassResolver(deps *Dependencies) SnapshotClassResolver {
	return &snapshotClassResolver{deps: deps}
}

// Resolve picks the class whose driver equals the StorageClass provisioner,
// preferring one annotated as default.
func (r *snapshotClassResolver) Resolve(ctx context.Context, pvc *corev1.PersistentVolumeClaim) (string, error) {
	scName := ""
	if pvc.Spec.StorageClassName != nil {
		scName = *pvc.Spec.StorageClassName
	}
	if scName == "" {
		return "", &SnapshotClassError{
			Reason:  SnapshotClassNotFound,
			Message: fmt.Sprintf("PVC %s has no storageClassName set; cannot resolve VolumeSnapshotClass automatically", pvc.Name),
		}
	}

	sc := &storagev1.StorageClass{}
	if err := r.deps.Get(ctx, client.ObjectKey{Name: scName}, sc); err != nil {
		return "", &SnapshotClassError{
			Reason:  SnapshotClassResolutionError,
			Message: fmt.Sprintf("failed to read StorageClass %s for PVC %s: %v", scName, pvc.Name, err),
		}
	}
	if sc.Provisioner == "" {
		return "", &SnapshotClassError{
			Reason:  SnapshotClassResolutionError,
			Message: fmt.Sprintf("StorageClass %s used by PVC %s does not define a provisioner", scName, pvc.Name),
		}
	}

	classes := &snapshotv1.VolumeSnapshotClassList{}
	if err := r.deps.List(ctx, classes); err != nil {
		return "", &SnapshotClassError{
			Reason:  SnapshotClassResolutionError,
			Message: fmt.Sprintf("failed to list VolumeSnapshotClasses for PVC %s: %v", pvc.Name, err),
		}
	}

	var chosen *snapshotv1.VolumeSnapshotClass
	for i := range classes.Items {
		class := &classes.Items[i]
		if class.Driver != sc.Provisioner {
			continue
		}
		if class.Annotations[constants.AnnotationDefaultSnapClass] == "true" {
			chosen = class
			break
		}
		if chosen == nil {
			chosen = class
		}
	}
	if chosen == nil {
		return "", &SnapshotClassError{
			Reason:  SnapshotClassNotFound,
			Message: fmt.Sprintf("no VolumeSnapshotClass found for provisioner %q (StorageClass %s, PVC %s)", sc.Provisioner, scName, pvc.Name),
		}
	}

	r.deps.Logger.Infow("Resolved VolumeSnapshotClass",
		"snapshotClass", chosen.Name, "pvc", pvc.Name, "storageClass", scName, "provisioner", sc.Provisioner)
	return chosen.Name, nil
}
