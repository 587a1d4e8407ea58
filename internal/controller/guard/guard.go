// Package guard admits at most one live PostgresBackup per database cluster.
package guard

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/controller/operation"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

// ConcurrencyGuard checks a PostgresBackup against its siblings in the namespace.
type ConcurrencyGuard struct {
	deps *utils.Dependencies
}

func New(deps *utils.Dependencies) *ConcurrencyGuard {
	return &ConcurrencyGuard{deps: deps}
}

// FindConflict returns the live operation that blocks current, or nil. A
// failure to list operations is treated as no conflict.
func (g *ConcurrencyGuard) FindConflict(ctx context.Context, current *v1.PostgresBackup) *v1.PostgresBackup {
	log := g.deps.Logger.Named("guard").With(current.GetLogValues()...)

	list := &v1.PostgresBackupList{}
	if err := g.deps.List(ctx, list, client.InNamespace(current.Namespace)); err != nil {
		log.Warnw("Failed to list operations, assuming no conflict", "error", err)
		return nil
	}

	for i := range list.Items {
		other := &list.Items[i]
		if other.Name == current.Name {
			continue
		}
		if other.Spec.Cluster != current.Spec.Cluster {
			continue
		}
		if other.Status.Phase.IsTerminal() || other.IsBeingDeleted() {
			continue
		}
		if Blocks(other, current) {
			return other
		}
	}
	return nil
}

// Blocks reports whether other wins over current. An admitted operation always
// wins; between two operations that are not admitted yet the older one wins,
// with the name as tie-break. An invalid operation never wins.
func Blocks(other, current *v1.PostgresBackup) bool {
	if other.Status.Phase != v1.PhaseUnknown {
		return true
	}
	if _, err := operation.New(other); err != nil {
		return false
	}
	ot, ct := other.CreationTimestamp, current.CreationTimestamp
	if !ot.Equal(&ct) {
		return ot.Before(&ct)
	}
	return other.Name < current.Name
}

// Reject marks current as Rejected because of other and deletes it.
func (g *ConcurrencyGuard) Reject(ctx context.Context, current, other *v1.PostgresBackup) error {
	log := g.deps.Logger.Named("guard").With(current.GetLogValues()...)

	message := fmt.Sprintf("Another operation for cluster %s is already in progress (CR: %s). Current CR %s will be removed.",
		current.Spec.Cluster, other.Name, current.Name)
	log.Infow("Rejecting concurrent operation", "blockedBy", other.Name)

	err := utils.PatchStatus(ctx, g.deps, current, map[string]any{
		"phase":   v1.PhaseRejected,
		"reason":  v1.ReasonConcurrentOperation,
		"message": message,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	if err := g.deps.Delete(ctx, current, client.PropagationPolicy("Foreground")); client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("failed to delete rejected operation %s: %w", current.Name, err)
	}
	return nil
}
