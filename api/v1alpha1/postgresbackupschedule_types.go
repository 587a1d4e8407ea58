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

// PostgresBackupScheduleSpec defines a recurring backup of one cluster.
type PostgresBackupScheduleSpec struct {
	// +required
	Cluster string `json:"cluster"`

	// +optional
	// +kubebuilder:default=zalando
	Operator TargetSystem `json:"operator,omitempty"`

	// Standard five field cron expression
	// +required
	Schedule string `json:"schedule"`

	// Suspend stops new backups from being created
	// +optional
	Suspend bool `json:"suspend,omitempty"`
}

// PostgresBackupScheduleStatus defines the observed state of PostgresBackupSchedule
type PostgresBackupScheduleStatus struct {
	// +optional
	LastScheduleTime *metav1.Time `json:"lastScheduleTime,omitempty"`

	// +optional
	NextScheduleTime *metav1.Time `json:"nextScheduleTime,omitempty"`

	// Name of the last PostgresBackup created by this schedule
	// +optional
	LastBackupName string `json:"lastBackupName,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Cluster",type="string",JSONPath=".spec.cluster"
// +kubebuilder:printcolumn:name="Schedule",type="string",JSONPath=".spec.schedule"
// +kubebuilder:printcolumn:name="Suspend",type="boolean",JSONPath=".spec.suspend"
// +kubebuilder:printcolumn:name="Last",type="date",JSONPath=".status.lastScheduleTime"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// PostgresBackupSchedule is the Schema for the postgresbackupschedules API
type PostgresBackupSchedule struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PostgresBackupScheduleSpec   `json:"spec,omitempty"`
	Status PostgresBackupScheduleStatus `json:"status,omitempty"`
}

// GetLogValues returns key-value pairs for structured logging.
func (r *PostgresBackupSchedule) GetLogValues() []interface{} {
	return []interface{}{
		"schedule", r.Name,
		"namespace", r.Namespace,
		"cluster", r.Spec.Cluster,
	}
}

// +kubebuilder:object:root=true

// PostgresBackupScheduleList contains a list of PostgresBackupSchedule
type PostgresBackupScheduleList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []PostgresBackupSchedule `json:"items"`
}

func init() {
	SchemeBuilder.Register(&PostgresBackupSchedule{}, &PostgresBackupScheduleList{})
}
