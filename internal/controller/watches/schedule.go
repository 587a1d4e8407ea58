package watches

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/sladg/pgvault-operator/internal/constants"
)

// RequestScheduleForBackup maps a scheduled PostgresBackup to the schedule
// named in its label. Backups created by hand map to nothing.
func RequestScheduleForBackup() handler.MapFunc {
	return func(ctx context.Context, obj client.Object) []reconcile.Request {
		schedule, ok := obj.GetLabels()[constants.LabelSchedule]
		if !ok || schedule == "" {
			return nil
		}

		return []reconcile.Request{
			{
				NamespacedName: client.ObjectKey{
					Name:      schedule,
					Namespace: obj.GetNamespace(),
				},
			},
		}
	}
}
