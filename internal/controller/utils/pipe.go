package utils

import (
	ctrl "sigs.k8s.io/controller-runtime"
)

// ConditionFunc reports whether a step applies to the current object state.
type ConditionFunc func() bool

// ActionFunc handles the object once its step matched.
type ActionFunc func() (ctrl.Result, error)

// Step pairs a state check with the handler for that state.
type Step struct {
	Condition ConditionFunc
	Action    ActionFunc
}

// Always matches every state. Use it for the last step.
func Always() bool { return true }

// Done finishes the reconcile without requeue.
func Done() (ctrl.Result, error) { return ctrl.Result{}, nil }

// ProcessSteps runs the action of the first step whose condition holds.
// Without a match nothing is requeued.
func ProcessSteps(steps ...Step) (ctrl.Result, error) {
	for _, step := range steps {
		if step.Condition() {
			return step.Action()
		}
	}
	return Done()
}
