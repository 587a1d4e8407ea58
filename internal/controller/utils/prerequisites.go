package utils

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/sladg/pgvault-operator/internal/constants"
)

// EnsureServiceAccount creates the helper service account in namespace when absent.
func EnsureServiceAccount(ctx context.Context, deps *Dependencies, namespace string) error {
	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      constants.ServiceAccountName,
			Namespace: namespace,
			Labels:    map[string]string{constants.LabelManagedBy: constants.ManagerName},
		},
	}
	created, err := CreateIfNotExists(ctx, deps, sa)
	if err != nil {
		return err
	}
	if created {
		deps.Logger.Infow("Created service account", "serviceAccount", sa.Name, "namespace", namespace)
	}
	return nil
}

// EnsureCommcellSecret creates the secret carrying Commcell credentials for the
// agent container. Missing credentials are retried later.
func EnsureCommcellSecret(ctx context.Context, deps *Dependencies, namespace string) error {
	if !deps.Settings.HasCredentials() {
		return NewRetryable(constants.CredentialsRetryInterval,
			"commcell credentials are not configured (%s/%s)", constants.SecretKeyUser, constants.SecretKeyPassword)
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      constants.SecretName,
			Namespace: namespace,
			Labels:    map[string]string{constants.LabelManagedBy: constants.ManagerName},
		},
		Type: corev1.SecretTypeOpaque,
		StringData: map[string]string{
			constants.SecretKeyUser:     deps.Settings.CommvaultUser,
			constants.SecretKeyPassword: deps.Settings.CommvaultPassword,
		},
	}
	created, err := CreateIfNotExists(ctx, deps, secret)
	if err != nil {
		return fmt.Errorf("failed to ensure commcell secret: %w", err)
	}
	if created {
		deps.Logger.Infow("Created commcell secret", "secret", secret.Name, "namespace", namespace)
	}
	return nil
}

// ServiceAccountUser is the SCC user name of the helper service account.
func ServiceAccountUser(namespace string) string {
	return fmt.Sprintf("system:serviceaccount:%s:%s", namespace, constants.ServiceAccountName)
}
