package controller

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/constants"
)

var _ = Describe("PostgresBackupSchedule Controller", func() {
	var (
		ctx   context.Context
		start = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	newSchedule := func(cron string, suspend bool) *v1.PostgresBackupSchedule {
		return &v1.PostgresBackupSchedule{
			ObjectMeta: metav1.ObjectMeta{Name: "every5", Namespace: "db", CreationTimestamp: metav1.NewTime(start)},
			Spec: v1.PostgresBackupScheduleSpec{
				Cluster:  "pg1",
				Operator: v1.TargetSystemCNPG,
				Schedule: cron,
				Suspend:  suspend,
			},
		}
	}

	reconcileAt := func(h *harness, now time.Time) ctrl.Result {
		GinkgoHelper()
		r := NewPostgresBackupScheduleReconciler(h.deps)
		r.Now = func() time.Time { return now }
		result, err := r.Reconcile(ctx, request("every5"))
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	backups := func(h *harness) []v1.PostgresBackup {
		GinkgoHelper()
		list := &v1.PostgresBackupList{}
		Expect(h.client.List(ctx, list, client.InNamespace("db"))).To(Succeed())
		return list.Items
	}

	It("creates one backup per elapsed slot", func() {
		h := newHarness(newSchedule("*/5 * * * *", false))
		defer h.stop()
		now := start.Add(7 * time.Minute)

		result := reconcileAt(h, now)
		Expect(result.RequeueAfter).To(Equal(3 * time.Minute))

		items := backups(h)
		Expect(items).To(HaveLen(1))
		backup := items[0]
		Expect(strings.HasPrefix(backup.Name, "every5-1746094020-")).To(BeTrue(), backup.Name)
		Expect(backup.Name).To(HaveLen(len("every5-1746094020-") + 8))
		Expect(backup.Labels).To(HaveKeyWithValue(constants.LabelSchedule, "every5"))
		Expect(backup.Spec.Action).To(Equal(v1.ActionBackup))
		Expect(backup.Spec.Operator).To(Equal(v1.TargetSystemCNPG))
		Expect(backup.Spec.Cluster).To(Equal("pg1"))

		schedule := &v1.PostgresBackupSchedule{}
		Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "every5"}, schedule)).To(Succeed())
		Expect(schedule.Status.LastBackupName).To(Equal(backup.Name))
		Expect(schedule.Status.LastScheduleTime.Time.Equal(now)).To(BeTrue())
		Expect(schedule.Status.NextScheduleTime.Time.Equal(start.Add(10 * time.Minute))).To(BeTrue())

		By("reconciling again before the next slot")
		reconcileAt(h, now.Add(time.Minute))
		Expect(backups(h)).To(HaveLen(1))
	})

	It("waits for the first slot after creation", func() {
		h := newHarness(newSchedule("*/5 * * * *", false))
		defer h.stop()

		result := reconcileAt(h, start.Add(2*time.Minute))
		Expect(result.RequeueAfter).To(Equal(3 * time.Minute))
		Expect(backups(h)).To(BeEmpty())
	})

	It("reports an invalid expression without requeuing", func() {
		h := newHarness(newSchedule("every tuesday", false))
		defer h.stop()

		result := reconcileAt(h, start.Add(time.Hour))
		Expect(result).To(Equal(ctrl.Result{}))
		Expect(backups(h)).To(BeEmpty())

		schedule := &v1.PostgresBackupSchedule{}
		Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "every5"}, schedule)).To(Succeed())
		Expect(schedule.Status.Message).To(ContainSubstring("invalid schedule"))
	})

	It("does nothing while suspended", func() {
		h := newHarness(newSchedule("*/5 * * * *", true))
		defer h.stop()

		result := reconcileAt(h, start.Add(time.Hour))
		Expect(result).To(Equal(ctrl.Result{}))
		Expect(backups(h)).To(BeEmpty())
	})
})
