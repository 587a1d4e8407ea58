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

const OperatorDomain = "backup.pgvault-operator.io"

type Phase string

const (
	PhaseUnknown   Phase = ""
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseRejected  Phase = "Rejected"
)

// IsTerminal reports whether no further transition can leave the phase.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseRejected:
		return true
	}
	return false
}

// TargetSystem is the operator owning the live database cluster.
type TargetSystem string

const (
	TargetSystemZalando TargetSystem = "zalando"
	TargetSystemCNPG    TargetSystem = "cnpg"
)

type Action string

const (
	ActionBackup  Action = "backup"
	ActionRestore Action = "restore"
)

type RestoreMode string

const (
	RestoreModeInPlace    RestoreMode = "in-place"
	RestoreModeOutOfPlace RestoreMode = "out-of-place"
)

// Status reasons surfaced through status.reason.
const (
	ReasonConcurrentOperation    = "ConcurrentOperation"
	ReasonStrategyExecutionError = "StrategyExecutionError"
	ReasonCommvaultNoJob         = "CommvaultNoJob"
	ReasonInvalidSpec            = "InvalidSpec"
)
