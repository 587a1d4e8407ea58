package controller

import (
	"context"

	"github.com/sladg/pgvault-operator/internal/controller/utils"
	"github.com/sladg/pgvault-operator/internal/openshift"
)

// Prerequisites makes sure a namespace can run helper workloads.
type Prerequisites interface {
	Ensure(ctx context.Context, namespace string) error
}

type clusterPrerequisites struct {
	deps *utils.Dependencies
}

// NewPrerequisites ensures the service account, the Commcell secret and the
// SCC membership of the service account.
func NewPrerequisites(deps *utils.Dependencies) Prerequisites {
	return &clusterPrerequisites{deps: deps}
}

func (p *clusterPrerequisites) Ensure(ctx context.Context, namespace string) error {
	if err := utils.EnsureServiceAccount(ctx, p.deps, namespace); err != nil {
		return err
	}
	if err := utils.EnsureCommcellSecret(ctx, p.deps, namespace); err != nil {
		return err
	}
	return openshift.EnsureSCC(ctx, p.deps.Client, utils.ServiceAccountUser(namespace), p.deps.Logger)
}
