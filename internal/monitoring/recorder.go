package monitoring

import "time"

// RecordOutcome counts an operation that reached phase. A positive duration is
// observed as the job runtime.
func RecordOutcome(action, operator, phase string, duration time.Duration) {
	operationsTotal.WithLabelValues(action, operator, phase).Inc()
	if duration > 0 {
		jobDuration.WithLabelValues(action, operator).Observe(duration.Seconds())
	}
}

// TaskStarted and TaskStopped track running polling tasks.
func TaskStarted(action string) {
	activeTasks.WithLabelValues(action).Inc()
}

func TaskStopped(action string) {
	activeTasks.WithLabelValues(action).Dec()
}

func RecordScheduledBackup(namespace, schedule string) {
	schedulesFired.WithLabelValues(namespace, schedule).Inc()
}
