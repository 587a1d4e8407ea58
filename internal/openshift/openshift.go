// Package openshift talks to OpenShift-only APIs through unstructured objects,
// so the operator keeps working on clusters that do not serve them.
package openshift

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

var (
	SCCGVK            = schema.GroupVersionKind{Group: "security.openshift.io", Version: "v1", Kind: "SecurityContextConstraints"}
	InfrastructureGVK = schema.GroupVersionKind{Group: "config.openshift.io", Version: "v1", Kind: "Infrastructure"}
)

const infrastructureName = "cluster"

// DetectClusterName resolves the short OpenShift cluster name. The
// infrastructure name has its random suffix removed; fallback is used when the
// API is not available, and unknown-cluster when fallback is empty.
func DetectClusterName(ctx context.Context, c client.Reader, fallback string, log *zap.SugaredLogger) string {
	infra := &unstructured.Unstructured{}
	infra.SetGroupVersionKind(InfrastructureGVK)

	err := c.Get(ctx, client.ObjectKey{Name: infrastructureName}, infra)
	if err == nil {
		name, _, _ := unstructured.NestedString(infra.Object, "status", "infrastructureName")
		if name != "" {
			short := name
			if i := strings.LastIndex(name, "-"); i > 0 {
				short = name[:i]
			}
			log.Infow("Detected OpenShift infrastructure", "infrastructureName", name, "clusterName", short)
			return short
		}
	} else {
		log.Infow("Failed to read Infrastructure/cluster", "error", err)
	}

	if fallback != "" {
		log.Infow("Using cluster name from environment", "clusterName", fallback)
		return fallback
	}
	log.Info("Unable to detect OpenShift cluster name, using default")
	return constants.UnknownClusterName
}

// EnsureSCC makes sure the operator SCC exists and lists user. Clusters that
// do not serve the SCC API are skipped. Adding the user is guarded by the
// resource version so that concurrent namespaces do not drop each other.
func EnsureSCC(ctx context.Context, c client.Client, user string, log *zap.SugaredLogger) error {
	log = log.With("scc", constants.SCCName)

	return utils.RetryOnConflict(ctx, func() error {
		scc := &unstructured.Unstructured{}
		scc.SetGroupVersionKind(SCCGVK)
		err := c.Get(ctx, client.ObjectKey{Name: constants.SCCName}, scc)
		switch {
		case apimeta.IsNoMatchError(err):
			log.Debug("SecurityContextConstraints API not served, skipping")
			return nil
		case apierrors.IsNotFound(err):
			if err := c.Create(ctx, NewSCC(user)); err != nil && !apierrors.IsAlreadyExists(err) {
				return fmt.Errorf("failed to create scc %s: %w", constants.SCCName, err)
			}
			log.Infow("Created SCC", "user", user)
			return nil
		case err != nil:
			return fmt.Errorf("failed to read scc %s: %w", constants.SCCName, err)
		}

		users, _, _ := unstructured.NestedStringSlice(scc.Object, "users")
		if slices.Contains(users, user) {
			return nil
		}

		patch := client.MergeFromWithOptions(scc.DeepCopy(), client.MergeFromWithOptimisticLock{})
		if err := unstructured.SetNestedStringSlice(scc.Object, append(users, user), "users"); err != nil {
			return fmt.Errorf("failed to set scc users: %w", err)
		}
		if err := c.Patch(ctx, scc, patch); err != nil {
			return fmt.Errorf("failed to patch scc %s: %w", constants.SCCName, err)
		}
		log.Infow("Added user to SCC", "user", user)
		return nil
	})
}

// NewSCC renders the SCC granting helper pods uid 101 and group 103.
func NewSCC(user string) *unstructured.Unstructured {
	groupRange := map[string]any{
		"type":   "MustRunAs",
		"ranges": []any{map[string]any{"min": int64(103), "max": int64(103)}},
	}
	scc := &unstructured.Unstructured{Object: map[string]any{
		"priority":                 int64(100),
		"allowHostPorts":           false,
		"allowHostDirVolumePlugin": false,
		"allowHostIPC":             false,
		"allowHostPID":             false,
		"allowHostNetwork":         false,
		"allowPrivilegedContainer": false,
		"allowPrivilegeEscalation": true,
		"readOnlyRootFilesystem":   false,
		"runAsUser":                map[string]any{"type": "MustRunAs", "uid": int64(101)},
		"seLinuxContext":           map[string]any{"type": "MustRunAs"},
		"fsGroup":                  groupRange,
		"supplementalGroups":       groupRange,
		"users":                    []any{user},
		"groups":                   []any{},
		"defaultAddCapabilities":   []any{"MAC_ADMIN"},
		"allowedCapabilities":      []any{"MAC_ADMIN"},
		"volumes":                  []any{"configMap", "emptyDir", "persistentVolumeClaim", "secret"},
	}}
	scc.SetGroupVersionKind(SCCGVK)
	scc.SetName(constants.SCCName)
	scc.SetLabels(map[string]string{constants.LabelManagedBy: constants.ManagerName})
	return scc
}
