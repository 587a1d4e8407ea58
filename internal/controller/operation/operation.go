// Package operation normalises a PostgresBackup into the values the strategies
// and controllers work with.
package operation

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/types"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

// Operation is a validated, normalised backup or restore request.
type Operation struct {
	Name        string
	Namespace   string
	UID         types.UID
	Cluster     string
	Operator    v1.TargetSystem
	Action      v1.Action
	RestoreMode v1.RestoreMode
	RestoreDate string

	// CloneID suffixes clone and restore volume names. It derives from the
	// creation time so repeated provisioning reuses the same names.
	CloneID string

	Object *v1.PostgresBackup
}

// New validates cr. An unsupported action, operator or restore mode is a
// permanent error.
func New(cr *v1.PostgresBackup) (*Operation, error) {
	action := v1.Action(normalize(string(cr.Spec.Action), string(v1.ActionBackup)))
	if action != v1.ActionBackup && action != v1.ActionRestore {
		return nil, utils.NewPermanent(v1.ReasonInvalidSpec, "unsupported action %q, must be backup or restore", cr.Spec.Action)
	}

	operator := v1.TargetSystem(normalize(string(cr.Spec.Operator), string(v1.TargetSystemZalando)))
	if operator != v1.TargetSystemZalando && operator != v1.TargetSystemCNPG {
		return nil, utils.NewPermanent(v1.ReasonInvalidSpec, "unsupported operator %q, must be zalando or cnpg", cr.Spec.Operator)
	}

	if strings.TrimSpace(cr.Spec.Cluster) == "" {
		return nil, utils.NewPermanent(v1.ReasonInvalidSpec, "spec.cluster is required")
	}

	op := &Operation{
		Name:      cr.Name,
		Namespace: cr.Namespace,
		UID:       cr.UID,
		Cluster:   strings.TrimSpace(cr.Spec.Cluster),
		Operator:  operator,
		Action:    action,
		CloneID:   cr.CreationTimestamp.UTC().Format(constants.CloneTimestampLayout),
		Object:    cr,
	}

	if action == v1.ActionRestore {
		op.RestoreMode = v1.RestoreMode(normalize(string(cr.Spec.RestoreMode), string(v1.RestoreModeOutOfPlace)))
		if op.RestoreMode != v1.RestoreModeInPlace && op.RestoreMode != v1.RestoreModeOutOfPlace {
			return nil, utils.NewPermanent(v1.ReasonInvalidSpec, "unsupported restore mode %q", cr.Spec.RestoreMode)
		}
		op.RestoreDate = strings.TrimSpace(cr.Spec.RestoreDate)
	}
	return op, nil
}

func normalize(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

// ID names the helper StatefulSet and the Commvault client:
// <cluster>-<namespace>-<ocp cluster>.
func (o *Operation) ID(ocpCluster string) string {
	return fmt.Sprintf("%s-%s-%s", o.Cluster, o.Namespace, ocpCluster)
}

func (o *Operation) IsRestoreInPlace() bool {
	return o.Action == v1.ActionRestore && o.RestoreMode == v1.RestoreModeInPlace
}

func (o *Operation) GetLogValues() []interface{} {
	return []interface{}{
		"postgresbackup", o.Name,
		"namespace", o.Namespace,
		"cluster", o.Cluster,
		"operator", o.Operator,
		"action", o.Action,
		"restoreMode", o.RestoreMode,
	}
}
