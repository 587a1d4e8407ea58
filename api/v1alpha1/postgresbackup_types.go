/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PostgresBackupSpec defines a single backup or restore request against a database cluster.
type PostgresBackupSpec struct {
	// Name of the PostgreSQL cluster, as known to its operator
	// +required
	Cluster string `json:"cluster"`

	// Action to perform, backup or restore
	// +optional
	// +kubebuilder:default=backup
	Action Action `json:"action,omitempty"`

	// Operator owning the cluster, zalando or cnpg
	// +optional
	// +kubebuilder:default=zalando
	Operator TargetSystem `json:"operator,omitempty"`

	// RestoreMode is only used for restores, in-place or out-of-place
	// +optional
	RestoreMode RestoreMode `json:"restoreMode,omitempty"`

	// RestoreDate is the point in time to restore to, as a unix timestamp
	// +optional
	RestoreDate string `json:"restoreDate,omitempty"`
}

// PostgresBackupStatus defines the observed state of PostgresBackup
type PostgresBackupStatus struct {
	// +optional
	Phase Phase `json:"phase,omitempty"`

	// Machine readable reason for the current phase
	// +optional
	Reason string `json:"reason,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`

	// Identifier of the Commvault job driving this operation
	// +optional
	JobID string `json:"jobId,omitempty"`

	// Raw Commvault job status as last observed
	// +optional
	CommvaultStatus string `json:"commvaultStatus,omitempty"`

	// Replica count of the cluster before an in-place restore scaled it down
	// +optional
	OriginalReplicas *int32 `json:"originalReplicas,omitempty"`

	// +optional
	Action Action `json:"action,omitempty"`

	// +optional
	Operator TargetSystem `json:"operator,omitempty"`

	// +optional
	RestoreMode RestoreMode `json:"restoreMode,omitempty"`

	// +optional
	StartedAt *metav1.Time `json:"startedAt,omitempty"`

	// +optional
	FinishedAt *metav1.Time `json:"finishedAt,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=pgb
// +kubebuilder:printcolumn:name="Cluster",type="string",JSONPath=".spec.cluster"
// +kubebuilder:printcolumn:name="Action",type="string",JSONPath=".spec.action"
// +kubebuilder:printcolumn:name="Operator",type="string",JSONPath=".spec.operator"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Job",type="string",JSONPath=".status.jobId"
// +kubebuilder:printcolumn:name="Commvault",type="string",JSONPath=".status.commvaultStatus"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// PostgresBackup is the Schema for the postgresbackups API
type PostgresBackup struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PostgresBackupSpec   `json:"spec,omitempty"`
	Status PostgresBackupStatus `json:"status,omitempty"`
}

// GetLogValues returns key-value pairs for structured logging.
func (r *PostgresBackup) GetLogValues() []interface{} {
	return []interface{}{
		"postgresbackup", r.Name,
		"namespace", r.Namespace,
		"cluster", r.Spec.Cluster,
		"action", r.Spec.Action,
	}
}

// IsBeingDeleted reports whether a deletion timestamp is set.
func (r *PostgresBackup) IsBeingDeleted() bool {
	return r.DeletionTimestamp != nil
}

// +kubebuilder:object:root=true

// PostgresBackupList contains a list of PostgresBackup
type PostgresBackupList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []PostgresBackup `json:"items"`
}

func init() {
	SchemeBuilder.Register(&PostgresBackup{}, &PostgresBackupList{})
}
